package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
	"github.com/jwalitptl/teletherapy-api/pkg/mailbox"
)

const DefaultGrace = 2 * time.Minute

// DefaultWarnings are the minutes-remaining values that trigger OnTimeWarning.
var DefaultWarnings = []int{5, 1}

type Config struct {
	// Duration is the nominal session length.
	Duration time.Duration
	// Grace is how long past Duration the session may run before OnSessionEnd.
	Grace     time.Duration
	Warnings  []int
	Tick      time.Duration
	Token     string
	NewTicker func(time.Duration) Ticker
}

type messageKind int

const (
	msgEvent messageKind = iota
	msgLeft
	msgLocalMedia
)

type message struct {
	kind  messageKind
	event Event
	local Participant
}

// Session coordinates one device's side of one call's video channel. All
// transport events go through a single queue and are applied in receipt
// order, interleaved with timer ticks.
type Session struct {
	call      *model.CallDocument
	localID   string
	transport Transport
	cfg       Config
	logger    *logger.Logger

	inbox  *mailbox.Mailbox[message]
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	callbacks   Callbacks
	joining     bool
	requested   bool
	leaves      int
	joined      bool
	local       Participant
	remote      *Participant
	speaker     bool
	quality     NetworkQuality
	connState   ConnectionState
	elapsed     int
	fired       map[int]bool
	endNotified bool
}

// New creates a session for localUserID, who must be a party to call.
// The session goroutine runs until Close.
func New(call *model.CallDocument, localUserID string, transport Transport, cfg Config, log *logger.Logger) (*Session, error) {
	party, ok := call.PartyRole(localUserID)
	if !ok {
		return nil, fmt.Errorf("user %s is not a party to call %s", localUserID, call.ID)
	}
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("session duration must be positive")
	}
	if cfg.Grace == 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Warnings == nil {
		cfg.Warnings = DefaultWarnings
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = newRealTicker
	}

	media := call.CallerMedia
	if party == model.PartyReceiver {
		media = call.ReceiverMedia
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		call:      call.Clone(),
		localID:   localUserID,
		transport: transport,
		cfg:       cfg,
		logger:    log,
		inbox:     mailbox.New[message](),
		cancel:    cancel,
		done:      make(chan struct{}),
		local:     Participant{ID: localUserID, IsLocal: true, Video: media.VideoEnabled, Audio: media.AudioEnabled},
		speaker:   true,
		connState: ConnectionDisconnected,
		fired:     make(map[int]bool),
	}

	go s.inbox.Run(ctx)
	go s.loop(ctx)
	return s, nil
}

// Dispatch queues a transport event. It never blocks.
func (s *Session) Dispatch(ev Event) {
	s.inbox.Push(message{kind: msgEvent, event: ev})
}

func (s *Session) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = cb
}

// JoinSession joins the call's channel with the local media flags from the
// call document. The timer starts when the transport reports EventJoined.
// It is a no-op while a join is in flight or already requested.
func (s *Session) JoinSession(ctx context.Context) error {
	s.mu.Lock()
	if s.joining || s.requested || s.joined {
		s.mu.Unlock()
		return nil
	}
	s.joining = true
	local := s.local
	leaves := s.leaves
	s.mu.Unlock()

	err := s.join(ctx, local)

	s.mu.Lock()
	s.joining = false
	superseded := err == nil && s.leaves != leaves
	if err == nil && !superseded {
		s.requested = true
	}
	s.mu.Unlock()

	if superseded {
		// A leave ran while the transport was still joining.
		if lerr := s.transport.Leave(ctx); lerr != nil {
			return fmt.Errorf("failed to leave channel: %w", lerr)
		}
	}
	return err
}

func (s *Session) join(ctx context.Context, local Participant) error {
	if err := s.transport.EnableLocalAudio(local.Audio); err != nil {
		return fmt.Errorf("failed to set local audio: %w", err)
	}
	if err := s.transport.EnableLocalVideo(local.Video); err != nil {
		return fmt.Errorf("failed to set local video: %w", err)
	}
	if err := s.transport.Join(ctx, JoinParams{
		Channel: s.call.ChannelName,
		UserID:  s.localID,
		Token:   s.cfg.Token,
	}); err != nil {
		return fmt.Errorf("failed to join channel: %w", err)
	}
	return nil
}

// LeaveSession leaves the channel and stops the timer. It is a no-op when
// no join was requested. An EventJoined delivered after the leave is ignored.
func (s *Session) LeaveSession(ctx context.Context) error {
	s.mu.Lock()
	active := s.requested || s.joining || s.joined
	if active {
		s.requested = false
		s.leaves++
	}
	s.mu.Unlock()
	if !active {
		return nil
	}

	if err := s.transport.Leave(ctx); err != nil {
		return fmt.Errorf("failed to leave channel: %w", err)
	}
	s.inbox.Push(message{kind: msgLeft})
	return nil
}

// ApplyCallStatus joins when the call is accepted and leaves once it reaches
// any terminal status.
func (s *Session) ApplyCallStatus(ctx context.Context, call *model.CallDocument) error {
	switch {
	case call.Status == model.CallStatusAccepted:
		return s.JoinSession(ctx)
	case call.Status.IsTerminal():
		return s.LeaveSession(ctx)
	default:
		return nil
	}
}

func (s *Session) ToggleAudio() error {
	s.mu.Lock()
	next := !s.local.Audio
	s.mu.Unlock()

	if err := s.transport.EnableLocalAudio(next); err != nil {
		return fmt.Errorf("failed to toggle audio: %w", err)
	}
	s.mu.Lock()
	s.local.Audio = next
	s.inbox.Push(message{kind: msgLocalMedia, local: s.local})
	s.mu.Unlock()
	return nil
}

func (s *Session) ToggleVideo() error {
	s.mu.Lock()
	next := !s.local.Video
	s.mu.Unlock()

	if err := s.transport.EnableLocalVideo(next); err != nil {
		return fmt.Errorf("failed to toggle video: %w", err)
	}
	s.mu.Lock()
	s.local.Video = next
	s.inbox.Push(message{kind: msgLocalMedia, local: s.local})
	s.mu.Unlock()
	return nil
}

func (s *Session) FlipCamera() error {
	if err := s.transport.SwitchCamera(); err != nil {
		return fmt.Errorf("failed to switch camera: %w", err)
	}
	return nil
}

func (s *Session) ToggleSpeaker() error {
	s.mu.Lock()
	next := !s.speaker
	s.mu.Unlock()

	if err := s.transport.SetSpeakerphone(next); err != nil {
		return fmt.Errorf("failed to toggle speaker: %w", err)
	}
	s.mu.Lock()
	s.speaker = next
	s.mu.Unlock()
	return nil
}

func (s *Session) ElapsedSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

func (s *Session) RemainingSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingLocked()
}

func (s *Session) remainingLocked() int {
	remaining := int(s.cfg.Duration/time.Second) - s.elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *Session) NetworkQuality() NetworkQuality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

func (s *Session) ConnectionState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

func (s *Session) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

func (s *Session) Speakerphone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaker
}

func (s *Session) LocalParticipant() Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) RemoteParticipant() (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return Participant{}, false
	}
	return *s.remote, true
}

// Participants lists the local participant first.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantsLocked()
}

func (s *Session) participantsLocked() []Participant {
	out := []Participant{s.local}
	if s.remote != nil {
		out = append(out, *s.remote)
	}
	return out
}

// Close stops the session goroutine. It does not leave the channel.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}
