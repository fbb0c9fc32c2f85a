package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestAppointmentStatusesAreHandled(t *testing.T) {
	for _, s := range AppointmentStatuses {
		assert.True(t, s.Valid())
		assert.NotPanics(t, func() { _ = s.OccupiesSlot() }, string(s))
	}
	assert.False(t, AppointmentStatus("RESCHEDULED").Valid())
	assert.Panics(t, func() { _ = AppointmentStatus("RESCHEDULED").OccupiesSlot() })
}

func TestOccupiesSlot(t *testing.T) {
	assert.True(t, AppointmentStatusPending.OccupiesSlot())
	assert.True(t, AppointmentStatusConfirmed.OccupiesSlot())
	assert.False(t, AppointmentStatusCancelled.OccupiesSlot())
	assert.False(t, AppointmentStatusCompleted.OccupiesSlot())
	assert.False(t, AppointmentStatusNoShow.OccupiesSlot())
}

func TestAppointmentTransitions(t *testing.T) {
	tests := []struct {
		from, to AppointmentStatus
		ok       bool
	}{
		{AppointmentStatusPending, AppointmentStatusConfirmed, true},
		{AppointmentStatusPending, AppointmentStatusCancelled, true},
		{AppointmentStatusPending, AppointmentStatusCompleted, false},
		{AppointmentStatusConfirmed, AppointmentStatusInProgress, true},
		{AppointmentStatusConfirmed, AppointmentStatusCompleted, true},
		{AppointmentStatusConfirmed, AppointmentStatusNoShow, true},
		{AppointmentStatusInProgress, AppointmentStatusCompleted, true},
		{AppointmentStatusInProgress, AppointmentStatusCancelled, false},
		{AppointmentStatusCompleted, AppointmentStatusCancelled, false},
		{AppointmentStatusCancelled, AppointmentStatusConfirmed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestRefundTierFor(t *testing.T) {
	start := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

	assert.Equal(t, RefundTierFull, RefundTierFor(RoleUser, start, start.Add(-48*time.Hour)))
	assert.Equal(t, RefundTierFull, RefundTierFor(RoleUser, start, start.Add(-24*time.Hour)))
	assert.Equal(t, RefundTierPartial, RefundTierFor(RoleUser, start, start.Add(-3*time.Hour)))
	assert.Equal(t, RefundTierNone, RefundTierFor(RoleUser, start, start.Add(-30*time.Minute)))
	assert.Equal(t, RefundTierFull, RefundTierFor(RoleTherapist, start, start.Add(-time.Minute)))
}

func TestAppointmentIsParty(t *testing.T) {
	therapistID := uuid.New()
	apt := &Appointment{TherapistID: therapistID, UserID: "user-1"}

	assert.True(t, apt.IsParty(Actor{UserID: "user-1", Role: RoleUser}))
	assert.False(t, apt.IsParty(Actor{UserID: "user-2", Role: RoleUser}))
	assert.True(t, apt.IsParty(Actor{UserID: "t", Role: RoleTherapist, TherapistID: therapistID}))
	assert.False(t, apt.IsParty(Actor{UserID: "t", Role: RoleTherapist, TherapistID: uuid.New()}))
}
