package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository"
)

const appointmentColumns = `
	id, therapist_id, user_id, scheduled_at, duration, status, type, notes,
	cancel_reason, cancelled_by, refund_tier, created_at, updated_at, deleted_at
`

func (r *appointmentRepository) Create(ctx context.Context, apt *model.Appointment) error {
	query := `
		INSERT INTO appointments (
			id, therapist_id, user_id, scheduled_at, duration, status, type, notes,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if apt.ID == uuid.Nil {
		apt.ID = uuid.New()
	}
	notes, err := r.notes.Seal(apt.Notes)
	if err != nil {
		return fmt.Errorf("failed to seal appointment notes: %w", err)
	}
	apt.CreatedAt = time.Now()
	apt.UpdatedAt = apt.CreatedAt

	_, err = r.db.ExecContext(ctx, query,
		apt.ID,
		apt.TherapistID,
		apt.UserID,
		apt.ScheduledAt,
		apt.Duration,
		apt.Status,
		apt.Type,
		notes,
		apt.CreatedAt,
		apt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepository) Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1 AND deleted_at IS NULL`

	var apt model.Appointment
	if err := r.db.GetContext(ctx, &apt, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get appointment: %w", err)
	}
	if err := r.openNotes(&apt); err != nil {
		return nil, err
	}
	return &apt, nil
}

func (r *appointmentRepository) List(ctx context.Context, filters model.AppointmentFilters) ([]*model.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE deleted_at IS NULL`
	args := []interface{}{}
	argCount := 1

	if filters.TherapistID != nil {
		query += fmt.Sprintf(" AND therapist_id = $%d", argCount)
		args = append(args, *filters.TherapistID)
		argCount++
	}

	if filters.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argCount)
		args = append(args, filters.UserID)
		argCount++
	}

	if len(filters.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argCount)
		args = append(args, pq.Array(statusStrings(filters.Statuses)))
		argCount++
	}

	if filters.From != nil {
		query += fmt.Sprintf(" AND scheduled_at >= $%d", argCount)
		args = append(args, *filters.From)
		argCount++
	}

	if filters.To != nil {
		query += fmt.Sprintf(" AND scheduled_at < $%d", argCount)
		args = append(args, *filters.To)
		argCount++
	}

	query += " ORDER BY scheduled_at ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filters.Limit)
	}

	appointments := []*model.Appointment{}
	if err := r.db.SelectContext(ctx, &appointments, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	for _, apt := range appointments {
		if err := r.openNotes(apt); err != nil {
			return nil, err
		}
	}
	return appointments, nil
}

func (r *appointmentRepository) ListByTherapistInRange(ctx context.Context, therapistID uuid.UUID, from, to time.Time, statuses []model.AppointmentStatus) ([]*model.Appointment, error) {
	return r.List(ctx, model.AppointmentFilters{
		TherapistID: &therapistID,
		Statuses:    statuses,
		From:        &from,
		To:          &to,
	})
}

func (r *appointmentRepository) HasActiveAt(ctx context.Context, therapistID uuid.UUID, at time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE therapist_id = $1
			AND scheduled_at = $2
			AND status = ANY($3)
			AND deleted_at IS NULL
		)
	`
	var exists bool
	err := r.db.GetContext(ctx, &exists, query, therapistID, at, pq.Array(statusStrings(model.SlotOccupyingStatuses)))
	if err != nil {
		return false, fmt.Errorf("failed to check booked slot: %w", err)
	}
	return exists, nil
}

func (r *appointmentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, change model.StatusChange) (*model.Appointment, error) {
	query := `
		UPDATE appointments
		SET status = $1,
			cancel_reason = COALESCE($2, cancel_reason),
			cancelled_by = COALESCE($3, cancelled_by),
			refund_tier = COALESCE($4, refund_tier),
			updated_at = NOW()
		WHERE id = $5 AND status = $6 AND deleted_at IS NULL
		RETURNING ` + appointmentColumns

	var apt model.Appointment
	err := r.db.GetContext(ctx, &apt, query,
		change.To,
		change.CancelReason,
		change.CancelledBy,
		change.RefundTier,
		id,
		change.From,
	)
	if err == nil {
		if err := r.openNotes(&apt); err != nil {
			return nil, err
		}
		return &apt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update appointment status: %w", err)
	}

	// Either the row is gone or its status moved on.
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, repository.ErrConflict
}

func (r *appointmentRepository) openNotes(apt *model.Appointment) error {
	notes, err := r.notes.Open(apt.Notes)
	if err != nil {
		return fmt.Errorf("failed to open notes of appointment %s: %w", apt.ID, err)
	}
	apt.Notes = notes
	return nil
}

func statusStrings(statuses []model.AppointmentStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
