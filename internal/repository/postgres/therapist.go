package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository"
)

func (r *therapistRepository) Get(ctx context.Context, id uuid.UUID) (*model.Therapist, error) {
	query := `
		SELECT id, user_id, name, email, timezone, status, created_at, updated_at, deleted_at
		FROM therapists
		WHERE id = $1 AND deleted_at IS NULL
	`
	var therapist model.Therapist
	if err := r.db.GetContext(ctx, &therapist, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get therapist: %w", err)
	}
	return &therapist, nil
}

func (r *therapistRepository) ListWeeklyAvailability(ctx context.Context, therapistID uuid.UUID) ([]model.WeeklyAvailability, error) {
	query := `
		SELECT id, therapist_id, day_of_week, start_time, end_time, is_active, position
		FROM weekly_availability
		WHERE therapist_id = $1
		ORDER BY day_of_week, position
	`
	windows := []model.WeeklyAvailability{}
	if err := r.db.SelectContext(ctx, &windows, query, therapistID); err != nil {
		return nil, fmt.Errorf("failed to list weekly availability: %w", err)
	}
	return windows, nil
}

func (r *therapistRepository) ReplaceWeeklyAvailability(ctx context.Context, therapistID uuid.UUID, windows []model.WeeklyAvailability) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM weekly_availability WHERE therapist_id = $1`, therapistID); err != nil {
			return fmt.Errorf("failed to clear weekly availability: %w", err)
		}

		query := `
			INSERT INTO weekly_availability (
				id, therapist_id, day_of_week, start_time, end_time, is_active, position
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		for i := range windows {
			w := &windows[i]
			if w.ID == uuid.Nil {
				w.ID = uuid.New()
			}
			w.TherapistID = therapistID
			w.Position = i
			if _, err := tx.ExecContext(ctx, query,
				w.ID, w.TherapistID, w.DayOfWeek, w.StartTime, w.EndTime, w.IsActive, w.Position,
			); err != nil {
				return fmt.Errorf("failed to insert weekly availability: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE therapists SET updated_at = NOW() WHERE id = $1`, therapistID); err != nil {
			return fmt.Errorf("failed to touch therapist: %w", err)
		}
		return nil
	})
}

func (r *therapistRepository) ListBlockedSlots(ctx context.Context, therapistID uuid.UUID, fromDate, toDate string) ([]model.BlockedSlot, error) {
	query := `
		SELECT id, therapist_id, date, start_time, end_time, reason, created_at
		FROM blocked_slots
		WHERE therapist_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date, start_time
	`
	slots := []model.BlockedSlot{}
	if err := r.db.SelectContext(ctx, &slots, query, therapistID, fromDate, toDate); err != nil {
		return nil, fmt.Errorf("failed to list blocked slots: %w", err)
	}
	return slots, nil
}

func (r *therapistRepository) CreateBlockedSlot(ctx context.Context, slot *model.BlockedSlot) error {
	query := `
		INSERT INTO blocked_slots (id, therapist_id, date, start_time, end_time, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	slot.ID = uuid.New()
	slot.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, query,
		slot.ID, slot.TherapistID, slot.Date, slot.StartTime, slot.EndTime, slot.Reason, slot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create blocked slot: %w", err)
	}
	return nil
}

func (r *therapistRepository) DeleteBlockedSlot(ctx context.Context, therapistID, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM blocked_slots WHERE id = $1 AND therapist_id = $2`, id, therapistID)
	if err != nil {
		return fmt.Errorf("failed to delete blocked slot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}
