package signaling

import (
	"context"
	"sync"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	apperrors "github.com/jwalitptl/teletherapy-api/pkg/errors"
)

// CallHandlers receive updates of a single call document.
type CallHandlers struct {
	OnChange func(call *model.CallDocument)
	OnError  func(err error)
}

// IncomingHandlers receive changes of the receiver's ringing-calls query.
// OnIncoming gets added and modified calls; OnRemoved gets calls that left
// the query, carrying the status that removed them.
type IncomingHandlers struct {
	OnIncoming func(change model.CallChange)
	OnRemoved  func(call *model.CallDocument)
	OnError    func(err error)
}

// Unsubscribe stops a subscription. No handler runs after it returns unless
// one was already executing. It is safe to call more than once and from
// inside a handler.
type Unsubscribe func()

// SubscribeToCall delivers the current document followed by every later
// snapshot. Errors after setup go to OnError and end the subscription.
func (s *Service) SubscribeToCall(ctx context.Context, actor model.Actor, callID string, h CallHandlers) (Unsubscribe, error) {
	if _, err := s.GetCall(ctx, actor, callID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	snapshots, err := s.store.Watch(ctx, callID)
	if err != nil {
		cancel()
		return nil, s.mapError(err, "")
	}

	s.metrics.CallSubscribers.Inc()
	go func() {
		defer s.metrics.CallSubscribers.Dec()
		defer cancel()

		for snap := range snapshots {
			if ctx.Err() != nil {
				return
			}
			if snap.Err != nil {
				if h.OnError != nil {
					h.OnError(snap.Err)
				}
				return
			}
			if h.OnChange != nil {
				h.OnChange(snap.Call)
			}
		}
	}()

	return once(cancel), nil
}

// SubscribeToIncomingCalls watches pending and ringing calls addressed to
// userID. Only the user themself may subscribe.
func (s *Service) SubscribeToIncomingCalls(ctx context.Context, actor model.Actor, userID string, h IncomingHandlers) (Unsubscribe, error) {
	if userID != actor.UserID {
		return nil, apperrors.NewForbidden("cannot watch another user's calls")
	}

	ctx, cancel := context.WithCancel(ctx)
	changes, err := s.store.WatchIncoming(ctx, userID)
	if err != nil {
		cancel()
		return nil, s.mapError(err, "")
	}

	s.metrics.CallSubscribers.Inc()
	go func() {
		defer s.metrics.CallSubscribers.Dec()
		defer cancel()

		for msg := range changes {
			if ctx.Err() != nil {
				return
			}
			if msg.Err != nil {
				if h.OnError != nil {
					h.OnError(msg.Err)
				}
				return
			}

			switch msg.Change.Kind {
			case model.CallChangeRemoved:
				if h.OnRemoved != nil {
					h.OnRemoved(msg.Change.Call)
				}
			default:
				if h.OnIncoming != nil {
					h.OnIncoming(msg.Change)
				}
			}
		}
	}()

	return once(cancel), nil
}

func once(cancel context.CancelFunc) Unsubscribe {
	var o sync.Once
	return func() { o.Do(cancel) }
}
