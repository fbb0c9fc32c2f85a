package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	AppointmentStatusPending    AppointmentStatus = "PENDING"
	AppointmentStatusConfirmed  AppointmentStatus = "CONFIRMED"
	AppointmentStatusInProgress AppointmentStatus = "IN_PROGRESS"
	AppointmentStatusCompleted  AppointmentStatus = "COMPLETED"
	AppointmentStatusCancelled  AppointmentStatus = "CANCELLED"
	AppointmentStatusNoShow     AppointmentStatus = "NO_SHOW"
)

// AppointmentStatuses lists every status value.
var AppointmentStatuses = []AppointmentStatus{
	AppointmentStatusPending,
	AppointmentStatusConfirmed,
	AppointmentStatusInProgress,
	AppointmentStatusCompleted,
	AppointmentStatusCancelled,
	AppointmentStatusNoShow,
}

// SlotOccupyingStatuses are the statuses that take a slot out of availability.
var SlotOccupyingStatuses = []AppointmentStatus{
	AppointmentStatusPending,
	AppointmentStatusConfirmed,
}

var appointmentTransitions = map[AppointmentStatus][]AppointmentStatus{
	AppointmentStatusPending:    {AppointmentStatusConfirmed, AppointmentStatusCancelled},
	AppointmentStatusConfirmed:  {AppointmentStatusInProgress, AppointmentStatusCompleted, AppointmentStatusCancelled, AppointmentStatusNoShow},
	AppointmentStatusInProgress: {AppointmentStatusCompleted},
	AppointmentStatusCompleted:  {},
	AppointmentStatusCancelled:  {},
	AppointmentStatusNoShow:     {},
}

func (s AppointmentStatus) Valid() bool {
	_, ok := appointmentTransitions[s]
	return ok
}

func ParseAppointmentStatus(s string) (AppointmentStatus, error) {
	status := AppointmentStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown appointment status %q", s)
	}
	return status, nil
}

// OccupiesSlot reports whether an appointment in this status blocks its slot.
func (s AppointmentStatus) OccupiesSlot() bool {
	switch s {
	case AppointmentStatusPending, AppointmentStatusConfirmed:
		return true
	case AppointmentStatusInProgress, AppointmentStatusCompleted, AppointmentStatusCancelled, AppointmentStatusNoShow:
		return false
	default:
		panic(fmt.Sprintf("unhandled appointment status %q", s))
	}
}

func (s AppointmentStatus) IsTerminal() bool {
	return s.Valid() && len(appointmentTransitions[s]) == 0
}

func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	for _, allowed := range appointmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type AppointmentType string

const (
	AppointmentTypeScheduled AppointmentType = "SCHEDULED"
	AppointmentTypeInstant   AppointmentType = "INSTANT"
)

func (t AppointmentType) Valid() bool {
	switch t {
	case AppointmentTypeScheduled, AppointmentTypeInstant:
		return true
	default:
		return false
	}
}

type RefundTier string

const (
	RefundTierNone    RefundTier = "NONE"
	RefundTierPartial RefundTier = "PARTIAL"
	RefundTierFull    RefundTier = "FULL"
)

const (
	FullRefundNotice    = 24 * time.Hour
	PartialRefundNotice = 2 * time.Hour
)

// RefundTierFor decides the refund for a cancellation made at cancelledAt.
// Therapist cancellations are always refunded in full.
func RefundTierFor(by Role, scheduledAt, cancelledAt time.Time) RefundTier {
	if by == RoleTherapist || by == RoleSystem {
		return RefundTierFull
	}
	notice := scheduledAt.Sub(cancelledAt)
	switch {
	case notice >= FullRefundNotice:
		return RefundTierFull
	case notice >= PartialRefundNotice:
		return RefundTierPartial
	default:
		return RefundTierNone
	}
}

type Appointment struct {
	Base
	TherapistID  uuid.UUID         `db:"therapist_id" json:"therapist_id"`
	UserID       string            `db:"user_id" json:"user_id"`
	ScheduledAt  time.Time         `db:"scheduled_at" json:"scheduled_at"`
	Duration     int               `db:"duration" json:"duration"`
	Status       AppointmentStatus `db:"status" json:"status"`
	Type         AppointmentType   `db:"type" json:"type"`
	Notes        string            `db:"notes" json:"notes,omitempty"`
	CancelReason *string           `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CancelledBy  *Role             `db:"cancelled_by" json:"cancelled_by,omitempty"`
	RefundTier   *RefundTier       `db:"refund_tier" json:"refund_tier,omitempty"`
}

// EndsAt is the scheduled end of the session.
func (a *Appointment) EndsAt() time.Time {
	return a.ScheduledAt.Add(time.Duration(a.Duration) * time.Minute)
}

// IsParty reports whether the actor is the booking user or the booked therapist.
func (a *Appointment) IsParty(actor Actor) bool {
	switch actor.Role {
	case RoleUser:
		return actor.UserID == a.UserID
	case RoleTherapist:
		return actor.TherapistID == a.TherapistID
	case RoleSystem:
		return true
	default:
		return false
	}
}

type CreateAppointmentRequest struct {
	TherapistID uuid.UUID       `json:"therapist_id" binding:"required"`
	ScheduledAt time.Time       `json:"scheduled_at" binding:"required"`
	Duration    int             `json:"duration" binding:"omitempty,min=30,max=240"`
	Type        AppointmentType `json:"type" binding:"omitempty,oneof=SCHEDULED INSTANT"`
	Notes       string          `json:"notes" binding:"max=1000"`
}

type UpdateAppointmentStatusRequest struct {
	Status AppointmentStatus `json:"status" binding:"required,oneof=CONFIRMED IN_PROGRESS COMPLETED CANCELLED NO_SHOW"`
	Reason string            `json:"reason" binding:"max=500"`
}

// StatusChange carries the fields written together with a status change.
type StatusChange struct {
	From         AppointmentStatus
	To           AppointmentStatus
	CancelReason *string
	CancelledBy  *Role
	RefundTier   *RefundTier
}

type AppointmentFilters struct {
	TherapistID *uuid.UUID
	UserID      string
	Statuses    []AppointmentStatus
	From        *time.Time
	To          *time.Time
	Limit       int
}
