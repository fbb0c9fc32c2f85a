package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository"
	apperrors "github.com/jwalitptl/teletherapy-api/pkg/errors"
)

// DefaultBlockedRange is how far ahead ListBlockedSlots looks when no end
// date is given.
const DefaultBlockedRange = 90 * 24 * time.Hour

func (s *Service) ListWeeklyAvailability(ctx context.Context, therapistID string) ([]model.WeeklyAvailability, error) {
	sched, err := s.loadSchedule(ctx, therapistID)
	if err != nil {
		return nil, err
	}
	return sched.windows, nil
}

// ReplaceWeeklyAvailability swaps the therapist's recurring windows. Source
// order is preserved and becomes the order slots are generated in.
func (s *Service) ReplaceWeeklyAvailability(ctx context.Context, actor model.Actor, therapistID uuid.UUID, windows []model.WeeklyAvailability) ([]model.WeeklyAvailability, error) {
	if !actor.OwnsTherapist(therapistID) {
		return nil, apperrors.NewForbidden("only the therapist can edit their availability")
	}
	for i, w := range windows {
		if err := validateWindow(w); err != nil {
			return nil, apperrors.NewBadRequest(fmt.Sprintf("window %d: %v", i, err), err)
		}
	}

	if err := s.therapists.ReplaceWeeklyAvailability(ctx, therapistID, windows); err != nil {
		return nil, apperrors.NewInternal(err)
	}
	s.invalidate(therapistID)

	s.logger.Info("weekly availability replaced",
		"therapist_id", therapistID.String(),
		"windows", len(windows),
	)
	return windows, nil
}

func (s *Service) ListBlockedSlots(ctx context.Context, actor model.Actor, therapistID uuid.UUID, from, to string) ([]model.BlockedSlot, error) {
	if !actor.OwnsTherapist(therapistID) {
		return nil, apperrors.NewForbidden("only the therapist can view blocked slots")
	}
	sched, err := s.loadSchedule(ctx, therapistID.String())
	if err != nil {
		return nil, err
	}

	loc := sched.therapist.Location()
	if from == "" {
		from = time.Now().In(loc).Format(dateLayout)
	}
	start, err := ParseDate(from, loc)
	if err != nil {
		return nil, apperrors.NewBadRequest(err.Error(), err)
	}
	if to == "" {
		to = start.Add(DefaultBlockedRange).Format(dateLayout)
	}
	if _, err := ParseDate(to, loc); err != nil {
		return nil, apperrors.NewBadRequest(err.Error(), err)
	}

	slots, err := s.therapists.ListBlockedSlots(ctx, therapistID, from, to)
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}
	return slots, nil
}

func (s *Service) AddBlockedSlot(ctx context.Context, actor model.Actor, therapistID uuid.UUID, req model.CreateBlockedSlotRequest) (*model.BlockedSlot, error) {
	if !actor.OwnsTherapist(therapistID) {
		return nil, apperrors.NewForbidden("only the therapist can block time")
	}
	if _, err := time.Parse(dateLayout, req.Date); err != nil {
		return nil, apperrors.NewBadRequest(ErrInvalidDate.Error(), err)
	}
	if err := validateRange(req.StartTime, req.EndTime); err != nil {
		return nil, apperrors.NewBadRequest(err.Error(), err)
	}

	slot := &model.BlockedSlot{
		TherapistID: therapistID,
		Date:        req.Date,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Reason:      req.Reason,
	}
	if err := s.therapists.CreateBlockedSlot(ctx, slot); err != nil {
		return nil, apperrors.NewInternal(err)
	}
	return slot, nil
}

func (s *Service) RemoveBlockedSlot(ctx context.Context, actor model.Actor, therapistID, slotID uuid.UUID) error {
	if !actor.OwnsTherapist(therapistID) {
		return apperrors.NewForbidden("only the therapist can unblock time")
	}
	if err := s.therapists.DeleteBlockedSlot(ctx, therapistID, slotID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NewNotFound("blocked slot", err)
		}
		return apperrors.NewInternal(err)
	}
	return nil
}

func validateWindow(w model.WeeklyAvailability) error {
	if w.DayOfWeek < 0 || w.DayOfWeek > 6 {
		return fmt.Errorf("day_of_week must be between 0 and 6")
	}
	return validateRange(w.StartTime, w.EndTime)
}

func validateRange(startTime, endTime string) error {
	start, err := ParseClock(startTime)
	if err != nil {
		return err
	}
	end, err := ParseClock(endTime)
	if err != nil {
		return err
	}
	if start >= end {
		return fmt.Errorf("start_time must be before end_time")
	}
	return nil
}
