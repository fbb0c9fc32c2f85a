package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/teletherapy-api/internal/model"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("status changed concurrently")
	ErrAlreadyExists = errors.New("already exists")
)

// CallMutation inspects and changes a call document inside a store transaction.
// Returning an error aborts the write and is passed back to the caller unchanged.
type CallMutation func(doc *model.CallDocument) error

// CallSnapshot is one message of a document watch: either a snapshot or a
// terminal error after which the channel is closed.
type CallSnapshot struct {
	Call *model.CallDocument
	Err  error
}

// IncomingChange is one message of an incoming-calls watch.
type IncomingChange struct {
	Change model.CallChange
	Err    error
}

type (
	TherapistRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Therapist, error)
		ListWeeklyAvailability(ctx context.Context, therapistID uuid.UUID) ([]model.WeeklyAvailability, error)
		ReplaceWeeklyAvailability(ctx context.Context, therapistID uuid.UUID, windows []model.WeeklyAvailability) error
		ListBlockedSlots(ctx context.Context, therapistID uuid.UUID, fromDate, toDate string) ([]model.BlockedSlot, error)
		CreateBlockedSlot(ctx context.Context, slot *model.BlockedSlot) error
		DeleteBlockedSlot(ctx context.Context, therapistID, id uuid.UUID) error
	}

	AppointmentRepository interface {
		Create(ctx context.Context, apt *model.Appointment) error
		Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error)
		List(ctx context.Context, filters model.AppointmentFilters) ([]*model.Appointment, error)
		ListByTherapistInRange(ctx context.Context, therapistID uuid.UUID, from, to time.Time, statuses []model.AppointmentStatus) ([]*model.Appointment, error)
		HasActiveAt(ctx context.Context, therapistID uuid.UUID, at time.Time) (bool, error)
		// UpdateStatus applies change only if the row is still in change.From,
		// returning ErrConflict otherwise.
		UpdateStatus(ctx context.Context, id uuid.UUID, change model.StatusChange) (*model.Appointment, error)
	}

	CallRepository interface {
		Create(ctx context.Context, call *model.CallDocument) error
		Get(ctx context.Context, id string) (*model.CallDocument, error)
		// Update reads the current document, applies mutate and writes the
		// result atomically with respect to concurrent updates.
		Update(ctx context.Context, id string, mutate CallMutation) (*model.CallDocument, error)
		// Watch streams the current snapshot followed by every change until ctx ends.
		Watch(ctx context.Context, id string) (<-chan CallSnapshot, error)
		// WatchIncoming streams changes to calls addressed to receiverID whose
		// status is pending or ringing.
		WatchIncoming(ctx context.Context, receiverID string) (<-chan IncomingChange, error)
	}

	OutboxRepository interface {
		Create(ctx context.Context, event *model.OutboxEvent) error
		GetPendingEventsWithLock(ctx context.Context, tx *sql.Tx, limit int) ([]*model.OutboxEvent, error)
		// WithTx runs fn in a transaction, committing when it returns nil.
		WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
		UpdateStatusTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, status model.OutboxStatus, errorMessage *string, retryAt *time.Time) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}
)
