// Command callsim plays both sides of one call in a single process: a caller
// dialing through the signaling service and a receiver answering from its
// incoming-call subscription. Accepted calls run a timed video session for
// each party over an in-process transport.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository/memory"
	eventService "github.com/jwalitptl/teletherapy-api/internal/service/event"
	"github.com/jwalitptl/teletherapy-api/internal/service/session"
	"github.com/jwalitptl/teletherapy-api/internal/service/signaling"
	"github.com/jwalitptl/teletherapy-api/pkg/auth"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
	"github.com/jwalitptl/teletherapy-api/pkg/metrics"
)

const (
	scenarioAnswer  = "answer"
	scenarioDecline = "decline"
	scenarioTimeout = "timeout"
	scenarioCancel  = "cancel"
)

type options struct {
	scenario    string
	ringTimeout time.Duration
	answerAfter time.Duration
	duration    time.Duration
	grace       time.Duration
	tick        time.Duration
	muteAt      int
	level       string
}

func parseFlags() options {
	var o options
	pflag.StringVarP(&o.scenario, "scenario", "s", scenarioAnswer, "answer, decline, timeout or cancel")
	pflag.DurationVar(&o.ringTimeout, "ring-timeout", 5*time.Second, "how long the caller waits for an answer")
	pflag.DurationVar(&o.answerAfter, "answer-after", time.Second, "delay before the receiver (or caller, for cancel) acts")
	pflag.DurationVar(&o.duration, "duration", 6*time.Minute, "nominal session length in session time")
	pflag.DurationVar(&o.grace, "grace", 30*time.Second, "overrun allowed past the session length")
	pflag.DurationVar(&o.tick, "tick", 10*time.Millisecond, "wall time per session second")
	pflag.IntVar(&o.muteAt, "mute-at", 60, "session second at which the receiver turns video off (0 disables)")
	pflag.StringVar(&o.level, "log-level", "info", "log level")
	pflag.Parse()
	return o
}

func main() {
	opts := parseFlags()

	log := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(opts.level),
		TimeFormat: time.Kitchen,
		Output:     os.Stderr,
		Console:    true,
	})

	switch opts.scenario {
	case scenarioAnswer, scenarioDecline, scenarioTimeout, scenarioCancel:
	default:
		log.Fatal(fmt.Errorf("unknown scenario %q", opts.scenario), "invalid flags")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, log); err != nil {
		log.Fatal(err, "simulation failed")
	}
}

// sim holds one run's participants.
type sim struct {
	opts   options
	log    *logger.Logger
	svc    *signaling.Service
	tokens *auth.TokenService
	board  *switchboard

	caller   model.Actor
	receiver model.Actor

	mu       sync.Mutex
	sessions []*session.Session
	unsubs   []signaling.Unsubscribe
	done     chan struct{}
	doneOnce sync.Once
}

func run(ctx context.Context, opts options, log *logger.Logger) error {
	recorder := eventService.NewRecorder()
	tokens := auth.NewTokenService(auth.Config{
		Secret:        "callsim",
		Issuer:        "callsim",
		GrantAudience: "video",
		GrantTTL:      time.Hour,
	})
	s := &sim{
		opts: opts,
		log:  log,
		// The server-side timeout backs up the caller's own countdown.
		svc: signaling.NewService(memory.NewCallStore(), nil, recorder, signaling.Config{
			RingTimeout: opts.ringTimeout + 5*time.Second,
		}, metrics.NewNop(), log),
		tokens:   tokens,
		board:    newSwitchboard(tokens.ParseChannelGrant),
		caller:   model.Actor{UserID: "patient-1", Role: model.RoleUser, Name: "Pat"},
		receiver: model.Actor{UserID: "therapist-1", Role: model.RoleTherapist, Name: "Dr. Rivera"},
		done:     make(chan struct{}),
	}
	defer s.closeSessions()

	unsubscribe, err := s.svc.SubscribeToIncomingCalls(ctx, s.receiver, s.receiver.UserID, signaling.IncomingHandlers{
		OnIncoming: func(change model.CallChange) { s.onIncoming(ctx, change) },
		OnRemoved: func(call *model.CallDocument) {
			log.Info("incoming call removed", "call_id", call.ID, "status", call.Status)
		},
		OnError: func(err error) { log.Error(err, "incoming subscription failed") },
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	var dialer *signaling.Dialer
	dialer = signaling.NewDialer(s.svc, s.caller, model.CreateCallRequest{
		ReceiverID:   s.receiver.UserID,
		ReceiverName: s.receiver.Name,
		ReceiverRole: s.receiver.Role,
		CallerName:   s.caller.Name,
	}, signaling.DialerConfig{Timeout: opts.ringTimeout, Tick: time.Second}, func(u signaling.DialerUpdate) {
		s.onDialerUpdate(ctx, dialer, u)
	}, log)
	defer dialer.Close()

	if err := dialer.Start(ctx); err != nil {
		return err
	}

	if opts.scenario == scenarioCancel {
		go func() {
			select {
			case <-time.After(opts.answerAfter):
				if err := dialer.Cancel(ctx); err != nil {
					log.Error(err, "failed to cancel call")
				}
			case <-ctx.Done():
			}
		}()
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, ev := range recorder.Events() {
		log.Debug("event emitted", "type", ev.Type)
	}
	return nil
}

func (s *sim) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *sim) onDialerUpdate(ctx context.Context, dialer *signaling.Dialer, u signaling.DialerUpdate) {
	switch u.State {
	case signaling.UICalling, signaling.UIRinging:
		if u.Elapsed > 0 {
			s.log.Debug("waiting for answer", "state", u.State, "elapsed", u.Elapsed)
			return
		}
		s.log.Info("caller", "state", u.State, "call_id", u.Call.ID)

	case signaling.UIConnected:
		s.log.Info("caller", "state", u.State, "channel", u.Call.ChannelName)
		sess, err := s.startSession(u.Call, s.caller.UserID, session.Callbacks{
			OnTimeWarning: func(minutes int) {
				s.log.Warn("session ending soon", "minutes_remaining", minutes)
			},
			OnSessionEnd: func() {
				s.log.Info("session time is up, hanging up")
				go func() {
					if err := dialer.Hangup(ctx); err != nil {
						s.log.Error(err, "failed to hang up")
					}
				}()
			},
		})
		if err != nil {
			s.log.Error(err, "failed to start caller session")
			return
		}
		if err := sess.ApplyCallStatus(ctx, u.Call); err != nil {
			s.log.Error(err, "caller failed to join")
		}

	case signaling.UIEnded, signaling.UIFailed:
		s.log.Info("caller", "state", u.State, "reason", u.Reason, "status", callStatus(u.Call))
		s.applyAll(ctx, u.Call)
		s.finish()
	}
}

func (s *sim) onIncoming(ctx context.Context, change model.CallChange) {
	call := change.Call
	s.log.Info("receiver", "change", change.Kind, "call_id", call.ID, "status", call.Status, "from", call.CallerName)
	if call.Status != model.CallStatusPending {
		return
	}

	if _, err := s.svc.MarkRinging(ctx, s.receiver, call.ID); err != nil {
		s.log.Error(err, "failed to mark ringing")
		return
	}

	switch s.opts.scenario {
	case scenarioAnswer:
		go s.answer(ctx, call.ID)
	case scenarioDecline:
		go s.after(ctx, func() {
			if _, err := s.svc.DeclineCall(ctx, s.receiver, call.ID); err != nil {
				s.log.Error(err, "failed to decline")
			}
		})
	}
}

func (s *sim) answer(ctx context.Context, callID string) {
	s.after(ctx, func() {
		call, err := s.svc.AcceptCall(ctx, s.receiver, callID)
		if err != nil {
			s.log.Error(err, "failed to accept")
			return
		}

		var sess *session.Session
		sess, err = s.startSession(call, s.receiver.UserID, session.Callbacks{
			OnParticipantsChanged: func(ps []session.Participant) {
				for _, p := range ps {
					if !p.IsLocal {
						s.log.Info("receiver sees", "participant", p.ID, "video", p.Video, "audio", p.Audio)
					}
				}
			},
			OnTick: func(elapsed, remaining int) {
				if s.opts.muteAt > 0 && elapsed == s.opts.muteAt {
					if err := sess.ToggleVideo(); err != nil {
						s.log.Error(err, "failed to toggle video")
					}
				}
			},
		})
		if err != nil {
			s.log.Error(err, "failed to start receiver session")
			return
		}

		unsubscribe, err := s.svc.SubscribeToCall(ctx, s.receiver, callID, signaling.CallHandlers{
			OnChange: func(doc *model.CallDocument) {
				if err := sess.ApplyCallStatus(ctx, doc); err != nil {
					s.log.Error(err, "receiver failed to apply call status")
				}
			},
			OnError: func(err error) { s.log.Error(err, "receiver call subscription failed") },
		})
		if err != nil {
			s.log.Error(err, "failed to follow call")
			return
		}
		s.mu.Lock()
		s.unsubs = append(s.unsubs, unsubscribe)
		s.mu.Unlock()
	})
}

func (s *sim) after(ctx context.Context, fn func()) {
	select {
	case <-time.After(s.opts.answerAfter):
		fn()
	case <-ctx.Done():
	}
}

func (s *sim) startSession(call *model.CallDocument, userID string, cb session.Callbacks) (*session.Session, error) {
	grant, err := s.tokens.IssueChannelGrant(call, userID)
	if err != nil {
		return nil, err
	}

	ep := s.board.endpoint(userID)
	sess, err := session.New(call, userID, ep, session.Config{
		Duration: s.opts.duration,
		Grace:    s.opts.grace,
		Tick:     s.opts.tick,
		Token:    grant.Token,
	}, s.log.WithFields(map[string]interface{}{"user_id": userID}))
	if err != nil {
		return nil, err
	}
	ep.attach(sess.Dispatch)

	onConn := cb.OnConnectionState
	cb.OnConnectionState = func(state session.ConnectionState) {
		s.log.Info("connection", "user_id", userID, "state", state)
		if onConn != nil {
			onConn(state)
		}
	}
	sess.SetCallbacks(cb)

	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()
	return sess, nil
}

func (s *sim) applyAll(ctx context.Context, call *model.CallDocument) {
	if call == nil {
		return
	}
	s.mu.Lock()
	sessions := append([]*session.Session(nil), s.sessions...)
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.ApplyCallStatus(ctx, call); err != nil {
			s.log.Error(err, "failed to apply call status")
		}
	}
}

func (s *sim) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, unsubscribe := range s.unsubs {
		unsubscribe()
	}
	for _, sess := range s.sessions {
		sess.Close()
	}
}

func callStatus(call *model.CallDocument) model.CallStatus {
	if call == nil {
		return ""
	}
	return call.Status
}
