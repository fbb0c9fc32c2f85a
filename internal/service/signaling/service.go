package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository"
	"github.com/jwalitptl/teletherapy-api/internal/service/event"
	apperrors "github.com/jwalitptl/teletherapy-api/pkg/errors"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
	"github.com/jwalitptl/teletherapy-api/pkg/metrics"
)

const (
	DefaultRingTimeout  = 60 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

var (
	errNotParty     = errors.New("not a party to this call")
	errWrongParty   = errors.New("this side of the call cannot make that change")
	errCallFinished = errors.New("call already finished")
)

// TimeoutScheduler arranges for ExpireCall to run after the ring timeout.
type TimeoutScheduler interface {
	ScheduleTimeout(ctx context.Context, callID string, after time.Duration) error
}

type Config struct {
	RingTimeout  time.Duration
	WriteTimeout time.Duration
}

// Service drives call documents through their lifecycle. The store is the
// transition authority: every change is a conditional update on the current
// document, so a late write against a resolved call is rejected.
type Service struct {
	store    repository.CallRepository
	timeouts TimeoutScheduler
	events   event.Emitter
	metrics  *metrics.Metrics
	logger   *logger.Logger
	cfg      Config
	now      func() time.Time
}

func NewService(
	store repository.CallRepository,
	timeouts TimeoutScheduler,
	events event.Emitter,
	cfg Config,
	m *metrics.Metrics,
	log *logger.Logger,
) *Service {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Service{
		store:    store,
		timeouts: timeouts,
		events:   events,
		metrics:  m,
		logger:   log,
		cfg:      cfg,
		now:      time.Now,
	}
}

// CreateCall writes a new pending call document from the acting caller to
// req.ReceiverID and arms the ring timeout.
func (s *Service) CreateCall(ctx context.Context, actor model.Actor, req model.CreateCallRequest) (*model.CallDocument, error) {
	if req.ReceiverID == "" {
		return nil, apperrors.NewBadRequest("receiver_id is required", nil)
	}
	if req.ReceiverID == actor.UserID {
		return nil, apperrors.NewBadRequest("cannot call yourself", nil)
	}

	callType := req.Type
	if callType == "" {
		callType = model.CallTypeInstant
	}
	if !callType.Valid() {
		return nil, apperrors.NewBadRequest("unknown call type", nil)
	}

	callerName := req.CallerName
	if callerName == "" {
		callerName = actor.Name
	}

	now := s.now().UTC()
	channel := ChannelName(actor.UserID, req.ReceiverID, now)
	media := model.MediaState{VideoEnabled: true, AudioEnabled: true}
	call := &model.CallDocument{
		ID:             channel,
		CallerID:       actor.UserID,
		CallerName:     callerName,
		CallerAvatar:   req.CallerAvatar,
		CallerRole:     actor.Role,
		ReceiverID:     req.ReceiverID,
		ReceiverName:   req.ReceiverName,
		ReceiverAvatar: req.ReceiverAvatar,
		ReceiverRole:   req.ReceiverRole,
		TherapistID:    req.TherapistID,
		AppointmentID:  req.AppointmentID,
		ChannelName:    channel,
		Status:         model.CallStatusPending,
		Type:           callType,
		CreatedAt:      now,
		CallerMedia:    media,
		ReceiverMedia:  media,
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	if err := s.store.Create(writeCtx, call); err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, apperrors.NewTimeout("call setup timed out", err)
		case errors.Is(err, repository.ErrAlreadyExists):
			return nil, apperrors.NewConflict("call already exists", err)
		default:
			return nil, apperrors.NewInternal(err)
		}
	}

	s.metrics.CallsCreated.WithLabelValues(string(call.Type)).Inc()
	s.scheduleTimeout(ctx, call.ID)
	s.emit(ctx, model.EventCallCreated, call, actor)

	s.logger.Info("call created",
		"call_id", call.ID,
		"caller_id", call.CallerID,
		"receiver_id", call.ReceiverID,
	)
	return call, nil
}

func (s *Service) GetCall(ctx context.Context, actor model.Actor, id string) (*model.CallDocument, error) {
	call, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, s.mapError(err, "")
	}
	if _, ok := call.PartyRole(actor.UserID); !ok && actor.Role != model.RoleSystem {
		return nil, apperrors.NewForbidden(errNotParty.Error())
	}
	return call, nil
}

// MarkRinging records that the incoming-call screen is being shown.
func (s *Service) MarkRinging(ctx context.Context, actor model.Actor, id string) (*model.CallDocument, error) {
	return s.transition(ctx, actor, id, model.CallStatusRinging, anyParty)
}

func (s *Service) AcceptCall(ctx context.Context, actor model.Actor, id string) (*model.CallDocument, error) {
	return s.transition(ctx, actor, id, model.CallStatusAccepted, only(model.PartyReceiver))
}

func (s *Service) DeclineCall(ctx context.Context, actor model.Actor, id string) (*model.CallDocument, error) {
	return s.transition(ctx, actor, id, model.CallStatusDeclined, only(model.PartyReceiver))
}

func (s *Service) CancelCall(ctx context.Context, actor model.Actor, id string) (*model.CallDocument, error) {
	return s.transition(ctx, actor, id, model.CallStatusCancelled, only(model.PartyCaller))
}

// MarkCallMissed is the caller's watchdog giving up. If the receiver accepted
// first the write is rejected and the accepted call stands.
func (s *Service) MarkCallMissed(ctx context.Context, actor model.Actor, id string) (*model.CallDocument, error) {
	return s.transition(ctx, actor, id, model.CallStatusMissed, only(model.PartyCaller))
}

func (s *Service) EndCall(ctx context.Context, actor model.Actor, id string) (*model.CallDocument, error) {
	return s.transition(ctx, actor, id, model.CallStatusEnded, anyParty)
}

// ExpireCall is the server-side ring timeout. A call that was already
// answered or resolved is left untouched.
func (s *Service) ExpireCall(ctx context.Context, id string) error {
	_, err := s.transition(ctx, model.SystemActor, id, model.CallStatusMissed, anyParty)
	switch {
	case err == nil:
		s.logger.Info("call expired unanswered", "call_id", id)
		return nil
	case apperrors.Is(err, apperrors.ErrConflict), apperrors.Is(err, apperrors.ErrNotFound):
		s.logger.Debug("call timeout ignored", "call_id", id, "reason", err.Error())
		return nil
	default:
		return err
	}
}

// UpdateMediaState writes the acting party's own media flags.
func (s *Service) UpdateMediaState(ctx context.Context, actor model.Actor, id string, state model.MediaState) (*model.CallDocument, error) {
	updated, err := s.store.Update(ctx, id, func(doc *model.CallDocument) error {
		party, ok := doc.PartyRole(actor.UserID)
		if !ok {
			return errNotParty
		}
		if doc.Status.IsTerminal() {
			return errCallFinished
		}
		if party == model.PartyCaller {
			doc.CallerMedia = state
		} else {
			doc.ReceiverMedia = state
		}
		return nil
	})
	if err != nil {
		return nil, s.mapError(err, "")
	}
	return updated, nil
}

type authorizer func(party model.CallParty) error

func anyParty(model.CallParty) error { return nil }

func only(want model.CallParty) authorizer {
	return func(party model.CallParty) error {
		if party != want {
			return errWrongParty
		}
		return nil
	}
}

func (s *Service) transition(ctx context.Context, actor model.Actor, id string, to model.CallStatus, authorize authorizer) (*model.CallDocument, error) {
	var from model.CallStatus
	updated, err := s.store.Update(ctx, id, func(doc *model.CallDocument) error {
		if actor.Role != model.RoleSystem {
			party, ok := doc.PartyRole(actor.UserID)
			if !ok {
				return errNotParty
			}
			if err := authorize(party); err != nil {
				return err
			}
		}
		from = doc.Status
		return doc.Transition(to, s.now())
	})
	if err != nil {
		return nil, s.mapError(err, to)
	}

	s.metrics.CallTransitions.WithLabelValues(string(to)).Inc()
	s.emit(ctx, model.EventCallStatusChanged, updated, actor)
	s.logger.Info("call status changed",
		"call_id", id,
		"from", string(from),
		"to", string(to),
		"actor", string(actor.Role),
	)
	return updated, nil
}

func (s *Service) mapError(err error, to model.CallStatus) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NewNotFound("call", err)
	case errors.Is(err, errNotParty), errors.Is(err, errWrongParty):
		return apperrors.NewForbidden(err.Error())
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, repository.ErrConflict):
		if to != "" {
			s.metrics.CallConflicts.WithLabelValues(string(to)).Inc()
		}
		return apperrors.NewConflict("call status changed", err)
	case errors.Is(err, errCallFinished):
		return apperrors.NewConflict(err.Error(), err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewTimeout("call store did not respond in time", err)
	default:
		return apperrors.NewInternal(err)
	}
}

func (s *Service) scheduleTimeout(ctx context.Context, id string) {
	if s.cfg.RingTimeout <= 0 {
		return
	}
	if s.timeouts != nil {
		err := s.timeouts.ScheduleTimeout(ctx, id, s.cfg.RingTimeout)
		if err == nil {
			return
		}
		s.logger.Error(err, "failed to schedule call timeout, using local timer", "call_id", id)
	}

	time.AfterFunc(s.cfg.RingTimeout, func() {
		if err := s.ExpireCall(context.Background(), id); err != nil {
			s.logger.Error(err, "failed to expire call", "call_id", id)
		}
	})
}

func (s *Service) emit(ctx context.Context, eventType string, call *model.CallDocument, actor model.Actor) {
	if s.events == nil {
		return
	}
	err := s.events.Emit(ctx, eventType, model.CallEvent{
		CallID:     call.ID,
		CallerID:   call.CallerID,
		ReceiverID: call.ReceiverID,
		Status:     call.Status,
		Actor:      actor.Role,
	})
	if err != nil {
		s.logger.Error(err, "failed to emit call event", "call_id", call.ID, "event_type", eventType)
	}
}
