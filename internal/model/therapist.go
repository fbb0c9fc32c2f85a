package model

import (
	"time"

	"github.com/google/uuid"
)

type TherapistStatus string

const (
	TherapistStatusActive   TherapistStatus = "active"
	TherapistStatusInactive TherapistStatus = "inactive"
)

type Therapist struct {
	Base
	UserID   string          `db:"user_id" json:"user_id"`
	Name     string          `db:"name" json:"name"`
	Email    string          `db:"email" json:"email"`
	Timezone string          `db:"timezone" json:"timezone"`
	Status   TherapistStatus `db:"status" json:"status"`
}

// Location returns the therapist's time zone, falling back to UTC when the
// stored name is empty or unknown.
func (t *Therapist) Location() *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TimezoneName is the name reported to clients alongside local times.
func (t *Therapist) TimezoneName() string {
	return t.Location().String()
}

// WeeklyAvailability is a recurring window on one day of the week, in the
// therapist's local wall-clock time. DayOfWeek follows time.Weekday (0=Sunday).
type WeeklyAvailability struct {
	ID          uuid.UUID `db:"id" json:"id"`
	TherapistID uuid.UUID `db:"therapist_id" json:"therapist_id"`
	DayOfWeek   int       `db:"day_of_week" json:"day_of_week" binding:"min=0,max=6"`
	StartTime   string    `db:"start_time" json:"start_time" binding:"required,hhmm"`
	EndTime     string    `db:"end_time" json:"end_time" binding:"required,hhmm"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	Position    int       `db:"position" json:"-"`
}

type BlockedSlot struct {
	ID          uuid.UUID `db:"id" json:"id"`
	TherapistID uuid.UUID `db:"therapist_id" json:"therapist_id"`
	Date        string    `db:"date" json:"date"`
	StartTime   string    `db:"start_time" json:"start_time"`
	EndTime     string    `db:"end_time" json:"end_time"`
	Reason      string    `db:"reason" json:"reason,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type ReplaceWeeklyAvailabilityRequest struct {
	Windows []WeeklyAvailability `json:"windows" binding:"dive"`
}

type CreateBlockedSlotRequest struct {
	Date      string `json:"date" binding:"required,civildate"`
	StartTime string `json:"start_time" binding:"required,hhmm"`
	EndTime   string `json:"end_time" binding:"required,hhmm"`
	Reason    string `json:"reason" binding:"max=500"`
}
