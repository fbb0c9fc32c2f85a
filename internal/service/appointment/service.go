package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository"
	"github.com/jwalitptl/teletherapy-api/internal/service/event"
	apperrors "github.com/jwalitptl/teletherapy-api/pkg/errors"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
)

const (
	DefaultDuration = 30
	MaxListLimit    = 200
)

// SlotChecker reports whether a start time is currently offered to users.
type SlotChecker interface {
	IsSlotOffered(ctx context.Context, therapistID uuid.UUID, at time.Time) (bool, error)
}

type Service struct {
	repo       repository.AppointmentRepository
	therapists repository.TherapistRepository
	slots      SlotChecker
	events     event.Emitter
	logger     *logger.Logger
	now        func() time.Time
}

func NewService(
	repo repository.AppointmentRepository,
	therapists repository.TherapistRepository,
	slots SlotChecker,
	events event.Emitter,
	log *logger.Logger,
) *Service {
	return &Service{
		repo:       repo,
		therapists: therapists,
		slots:      slots,
		events:     events,
		logger:     log,
		now:        time.Now,
	}
}

// Create books a PENDING appointment. The double-booking check is a read
// before the insert and is not atomic with it.
func (s *Service) Create(ctx context.Context, actor model.Actor, req model.CreateAppointmentRequest) (*model.Appointment, error) {
	if actor.Role != model.RoleUser {
		return nil, apperrors.NewForbidden("only users can book appointments")
	}

	therapist, err := s.therapists.Get(ctx, req.TherapistID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("therapist", err)
		}
		return nil, apperrors.NewInternal(err)
	}

	apt := &model.Appointment{
		TherapistID: therapist.ID,
		UserID:      actor.UserID,
		ScheduledAt: req.ScheduledAt.UTC(),
		Duration:    req.Duration,
		Status:      model.AppointmentStatusPending,
		Type:        req.Type,
		Notes:       req.Notes,
	}
	if apt.Duration == 0 {
		apt.Duration = DefaultDuration
	}
	if apt.Type == "" {
		apt.Type = model.AppointmentTypeScheduled
	}

	switch apt.Type {
	case model.AppointmentTypeScheduled:
		if !apt.ScheduledAt.After(s.now()) {
			return nil, apperrors.NewBadRequest("appointment must start in the future", nil)
		}
		offered, err := s.slots.IsSlotOffered(ctx, therapist.ID, apt.ScheduledAt)
		if err != nil {
			return nil, err
		}
		if !offered {
			return nil, apperrors.NewBadRequest("slot not available", nil)
		}
	case model.AppointmentTypeInstant:
		if apt.ScheduledAt.IsZero() {
			apt.ScheduledAt = s.now().UTC().Truncate(time.Minute)
		}
	default:
		return nil, apperrors.NewBadRequest(fmt.Sprintf("unknown appointment type %q", apt.Type), nil)
	}

	booked, err := s.repo.HasActiveAt(ctx, therapist.ID, apt.ScheduledAt)
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}
	if booked {
		return nil, apperrors.NewBadRequest("slot already booked", nil)
	}

	apt.ID = uuid.New()
	if err := s.repo.Create(ctx, apt); err != nil {
		return nil, apperrors.NewInternal(err)
	}

	s.emit(ctx, model.EventAppointmentCreated, apt, "", actor)
	s.logger.Info("appointment created",
		"appointment_id", apt.ID.String(),
		"therapist_id", apt.TherapistID.String(),
		"scheduled_at", apt.ScheduledAt,
	)
	return apt, nil
}

func (s *Service) Get(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.Appointment, error) {
	apt, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("appointment", err)
		}
		return nil, apperrors.NewInternal(err)
	}
	if !apt.IsParty(actor) {
		return nil, apperrors.NewForbidden("not a party to this appointment")
	}
	return apt, nil
}

// List returns the actor's own appointments narrowed by filters.
func (s *Service) List(ctx context.Context, actor model.Actor, filters model.AppointmentFilters) ([]*model.Appointment, error) {
	switch actor.Role {
	case model.RoleUser:
		filters.UserID = actor.UserID
		filters.TherapistID = nil
	case model.RoleTherapist:
		id := actor.TherapistID
		filters.TherapistID = &id
		filters.UserID = ""
	case model.RoleSystem:
	default:
		return nil, apperrors.NewForbidden("unknown role")
	}

	for _, st := range filters.Statuses {
		if !st.Valid() {
			return nil, apperrors.NewBadRequest(fmt.Sprintf("unknown status %q", st), nil)
		}
	}
	if filters.Limit <= 0 || filters.Limit > MaxListLimit {
		filters.Limit = MaxListLimit
	}

	apts, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}
	return apts, nil
}

// UpdateStatus moves an appointment along its lifecycle. Cancellation is open
// to either party; every other move belongs to the therapist.
func (s *Service) UpdateStatus(ctx context.Context, actor model.Actor, id uuid.UUID, req model.UpdateAppointmentStatusRequest) (*model.Appointment, error) {
	current, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	if !current.Status.CanTransitionTo(req.Status) {
		return nil, apperrors.NewBadRequest(
			fmt.Sprintf("cannot move appointment from %s to %s", current.Status, req.Status), nil)
	}
	if req.Status != model.AppointmentStatusCancelled && actor.Role == model.RoleUser {
		return nil, apperrors.NewForbidden("only the therapist can set this status")
	}

	change := model.StatusChange{From: current.Status, To: req.Status}
	if req.Status == model.AppointmentStatusCancelled {
		by := actor.Role
		tier := model.RefundTierFor(actor.Role, current.ScheduledAt, s.now())
		change.CancelledBy = &by
		change.RefundTier = &tier
		if req.Reason != "" {
			reason := req.Reason
			change.CancelReason = &reason
		}
	}

	updated, err := s.repo.UpdateStatus(ctx, id, change)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, apperrors.NewConflict("appointment status changed concurrently", err)
		case errors.Is(err, repository.ErrNotFound):
			return nil, apperrors.NewNotFound("appointment", err)
		default:
			return nil, apperrors.NewInternal(err)
		}
	}

	s.emit(ctx, model.EventAppointmentStatusChanged, updated, current.Status, actor)
	return updated, nil
}

// emit writes the event after the state change has been stored. A failure is
// logged and does not undo the change.
func (s *Service) emit(ctx context.Context, eventType string, apt *model.Appointment, from model.AppointmentStatus, actor model.Actor) {
	payload := model.AppointmentEvent{
		AppointmentID: apt.ID,
		TherapistID:   apt.TherapistID,
		UserID:        apt.UserID,
		ScheduledAt:   apt.ScheduledAt,
		Duration:      apt.Duration,
		From:          from,
		Status:        apt.Status,
		Actor:         actor.Role,
	}
	if apt.CancelReason != nil {
		payload.Reason = *apt.CancelReason
	}
	if apt.RefundTier != nil {
		payload.RefundTier = *apt.RefundTier
	}

	if err := s.events.Emit(ctx, eventType, payload); err != nil {
		s.logger.Error(err, "failed to emit appointment event",
			"event_type", eventType,
			"appointment_id", apt.ID.String(),
		)
	}
}
