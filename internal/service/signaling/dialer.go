package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	apperrors "github.com/jwalitptl/teletherapy-api/pkg/errors"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
)

// UIState is what the caller's screen shows for an outgoing call.
type UIState string

const (
	UICalling   UIState = "calling"
	UIRinging   UIState = "ringing"
	UIConnected UIState = "connected"
	UIEnded     UIState = "ended"
	UIFailed    UIState = "failed"
)

// NoAnswer is shown for every failed attempt regardless of cause.
const NoAnswer = "no answer"

var errDialerStarted = errors.New("dialer already running")

type DialerConfig struct {
	// Timeout is how long the caller waits for an answer before marking
	// the call missed.
	Timeout time.Duration
	Tick    time.Duration
}

// DialerUpdate is delivered to the UI on every state change and countdown tick.
type DialerUpdate struct {
	State   UIState
	Call    *model.CallDocument
	Reason  string
	Elapsed time.Duration
}

// Dialer runs one outgoing call attempt for the caller: it creates the call,
// follows the document and gives up after the timeout. Retry starts a fresh
// attempt with a new call id.
type Dialer struct {
	svc      *Service
	actor    model.Actor
	req      model.CreateCallRequest
	cfg      DialerConfig
	onUpdate func(DialerUpdate)
	logger   *logger.Logger

	mu         sync.Mutex
	state      UIState
	call       *model.CallDocument
	stop       context.CancelFunc
	done       chan struct{}
	cancelling bool
}

func NewDialer(svc *Service, actor model.Actor, req model.CreateCallRequest, cfg DialerConfig, onUpdate func(DialerUpdate), log *logger.Logger) *Dialer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRingTimeout
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if onUpdate == nil {
		onUpdate = func(DialerUpdate) {}
	}
	return &Dialer{
		svc:      svc,
		actor:    actor,
		req:      req,
		cfg:      cfg,
		onUpdate: onUpdate,
		logger:   log,
	}
}

func (d *Dialer) State() UIState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Call returns the current attempt's document as last observed.
func (d *Dialer) Call() *model.CallDocument {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.call.Clone()
}

// Start creates the call and begins watching it. A failed create leaves the
// dialer in UIFailed and returns the error.
func (d *Dialer) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.stop != nil {
		d.mu.Unlock()
		return errDialerStarted
	}
	runCtx, stop := context.WithCancel(context.Background())
	d.stop = stop
	d.done = make(chan struct{})
	d.cancelling = false
	d.call = nil
	d.mu.Unlock()

	call, err := d.svc.CreateCall(ctx, d.actor, d.req)
	if err != nil {
		d.set(UIFailed, nil, NoAnswer, 0)
		d.release()
		return err
	}
	d.set(UICalling, call, "", 0)

	snapshots := make(chan *model.CallDocument, 8)
	failures := make(chan error, 1)
	unsubscribe, err := d.svc.SubscribeToCall(runCtx, d.actor, call.ID, CallHandlers{
		OnChange: func(doc *model.CallDocument) {
			select {
			case snapshots <- doc:
			case <-runCtx.Done():
			}
		},
		OnError: func(err error) {
			select {
			case failures <- err:
			default:
			}
		},
	})
	if err != nil {
		d.set(UIFailed, call, NoAnswer, 0)
		d.release()
		return err
	}

	go d.run(runCtx, call.ID, snapshots, failures, unsubscribe)
	return nil
}

// Cancel withdraws an unanswered call. It is a no-op once the call resolved.
// If the receiver accepted before the cancel landed the call is ended instead,
// so the caller never connects after cancelling.
func (d *Dialer) Cancel(ctx context.Context) error {
	d.mu.Lock()
	call := d.call
	pending := d.state == UICalling || d.state == UIRinging
	if pending {
		d.cancelling = true
	}
	d.mu.Unlock()

	if call == nil || !pending {
		return nil
	}
	_, err := d.svc.CancelCall(ctx, d.actor, call.ID)
	if !apperrors.Is(err, apperrors.ErrConflict) {
		return err
	}

	_, err = d.svc.EndCall(ctx, d.actor, call.ID)
	switch {
	case err == nil:
		d.logger.Info("cancelled call was already answered, ended it", "call_id", call.ID)
		return nil
	case apperrors.Is(err, apperrors.ErrConflict):
		return nil
	default:
		d.mu.Lock()
		d.cancelling = false
		d.mu.Unlock()
		return err
	}
}

// Hangup ends a connected call.
func (d *Dialer) Hangup(ctx context.Context) error {
	d.mu.Lock()
	call, state := d.call, d.state
	d.mu.Unlock()

	if call == nil || state != UIConnected {
		return nil
	}
	_, err := d.svc.EndCall(ctx, d.actor, call.ID)
	if apperrors.Is(err, apperrors.ErrConflict) {
		return nil
	}
	return err
}

// Retry abandons the current attempt and dials again with a new call.
func (d *Dialer) Retry(ctx context.Context) error {
	d.Close()
	return d.Start(ctx)
}

// Close stops watching the current attempt without touching the document.
func (d *Dialer) Close() {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}

func (d *Dialer) run(ctx context.Context, callID string, snapshots <-chan *model.CallDocument, failures <-chan error, unsubscribe Unsubscribe) {
	defer d.release()
	defer unsubscribe()

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()
	ticks := ticker.C
	var elapsed time.Duration

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticks:
			elapsed += d.cfg.Tick
			if elapsed < d.cfg.Timeout {
				d.set(d.State(), nil, "", elapsed)
				continue
			}
			if _, err := d.svc.MarkCallMissed(ctx, d.actor, callID); err != nil && !apperrors.Is(err, apperrors.ErrConflict) {
				d.logger.Error(err, "failed to mark call missed", "call_id", callID)
				d.set(UIFailed, nil, NoAnswer, elapsed)
				return
			}
			// Whatever the store decided arrives as a snapshot; if the
			// receiver accepted in the meantime the call continues.
			ticks = nil

		case doc := <-snapshots:
			state, reason := d.uiState(doc)
			switch state {
			case UIConnected:
				ticks = nil
				if d.isCancelling() {
					// Cancel ends the call; wait for that snapshot.
					continue
				}
				d.set(state, doc, "", elapsed)
			case UIEnded, UIFailed:
				d.set(state, doc, reason, elapsed)
				return
			default:
				d.set(state, doc, "", elapsed)
			}

		case err := <-failures:
			d.logger.Error(err, "call subscription failed", "call_id", callID)
			d.set(UIFailed, nil, NoAnswer, elapsed)
			return
		}
	}
}

func (d *Dialer) isCancelling() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelling
}

func (d *Dialer) uiState(doc *model.CallDocument) (UIState, string) {
	switch doc.Status {
	case model.CallStatusPending:
		return UICalling, ""
	case model.CallStatusRinging:
		return UIRinging, ""
	case model.CallStatusAccepted:
		return UIConnected, ""
	case model.CallStatusEnded:
		return UIEnded, ""
	case model.CallStatusCancelled:
		if d.isCancelling() {
			return UIEnded, ""
		}
		return UIFailed, NoAnswer
	case model.CallStatusDeclined, model.CallStatusMissed:
		return UIFailed, NoAnswer
	default:
		return UIFailed, NoAnswer
	}
}

func (d *Dialer) set(state UIState, call *model.CallDocument, reason string, elapsed time.Duration) {
	d.mu.Lock()
	d.state = state
	if call != nil {
		d.call = call
	}
	update := DialerUpdate{State: state, Call: d.call.Clone(), Reason: reason, Elapsed: elapsed}
	d.mu.Unlock()

	d.onUpdate(update)
}

func (d *Dialer) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		d.stop()
		d.stop = nil
	}
	if d.done != nil {
		close(d.done)
		d.done = nil
	}
}
