package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
)

type fakeTransport struct {
	mu       sync.Mutex
	joined   []JoinParams
	left     int
	audio    []bool
	video    []bool
	switches int
	speaker  []bool
	failNext error
}

func (f *fakeTransport) Join(_ context.Context, p JoinParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.joined = append(f.joined, p)
	return nil
}

func (f *fakeTransport) Leave(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left++
	return nil
}

func (f *fakeTransport) EnableLocalAudio(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, enabled)
	return nil
}

func (f *fakeTransport) EnableLocalVideo(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.video = append(f.video, enabled)
	return nil
}

func (f *fakeTransport) SwitchCamera() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switches++
	return nil
}

func (f *fakeTransport) SetSpeakerphone(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speaker = append(f.speaker, on)
	return nil
}

type fakeTicker struct {
	c       chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func (f *fakeTicker) C() <-chan time.Time { return f.c }
func (f *fakeTicker) Stop()               { f.once.Do(func() { close(f.stopped) }) }

type harness struct {
	t         *testing.T
	session   *Session
	transport *fakeTransport
	tickers   chan *fakeTicker
	ticked    chan int

	mu           sync.Mutex
	warnings     map[int]int
	ends         []int
	participants [][]Participant
	media        [][2]bool
	qualities    []NetworkQuality
	errs         []error
}

func newHarness(t *testing.T, duration time.Duration, localUserID string) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		transport: &fakeTransport{},
		tickers:   make(chan *fakeTicker, 4),
		ticked:    make(chan int, 1),
		warnings:  make(map[int]int),
	}

	call := &model.CallDocument{
		ID:            "call-1",
		CallerID:      "user-1",
		CallerRole:    model.RoleUser,
		ReceiverID:    "therapist-1",
		ReceiverRole:  model.RoleTherapist,
		ChannelName:   "call_user1_therapis_abc",
		Status:        model.CallStatusRinging,
		CallerMedia:   model.MediaState{VideoEnabled: true, AudioEnabled: true},
		ReceiverMedia: model.MediaState{VideoEnabled: false, AudioEnabled: true},
	}

	s, err := New(call, localUserID, h.transport, Config{
		Duration: duration,
		Token:    "grant",
		NewTicker: func(time.Duration) Ticker {
			ft := &fakeTicker{c: make(chan time.Time), stopped: make(chan struct{})}
			h.tickers <- ft
			return ft
		},
	}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)

	s.SetCallbacks(Callbacks{
		OnTick: func(elapsed, _ int) {
			h.ticked <- elapsed
		},
		OnTimeWarning: func(minutes int) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.warnings[minutes] = s.ElapsedSeconds()
		},
		OnSessionEnd: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.ends = append(h.ends, s.ElapsedSeconds())
		},
		OnParticipantsChanged: func(p []Participant) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.participants = append(h.participants, p)
		},
		OnLocalMediaChanged: func(video, audio bool) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.media = append(h.media, [2]bool{video, audio})
		},
		OnNetworkQuality: func(q NetworkQuality) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.qualities = append(h.qualities, q)
		},
		OnError: func(err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.errs = append(h.errs, err)
		},
	})
	h.session = s
	return h
}

// join joins the channel, reports success from the transport and returns
// the ticker the session started.
func (h *harness) join() *fakeTicker {
	h.t.Helper()
	require.NoError(h.t, h.session.JoinSession(context.Background()))
	h.session.Dispatch(Event{Kind: EventJoined})
	select {
	case ft := <-h.tickers:
		return ft
	case <-time.After(time.Second):
		h.t.Fatal("timer did not start")
		return nil
	}
}

func (h *harness) tick(ft *fakeTicker, n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		select {
		case ft.c <- time.Time{}:
		case <-time.After(time.Second):
			h.t.Fatal("tick not consumed")
		}
		<-h.ticked
	}
}

func (h *harness) snapshot() (map[int]int, []int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := make(map[int]int, len(h.warnings))
	for k, v := range h.warnings {
		w[k] = v
	}
	return w, append([]int(nil), h.ends...)
}

func TestNewRejectsNonParty(t *testing.T) {
	call := &model.CallDocument{ID: "c", CallerID: "a", ReceiverID: "b"}
	_, err := New(call, "stranger", &fakeTransport{}, Config{Duration: time.Minute}, logger.Nop())
	assert.Error(t, err)

	_, err = New(call, "a", &fakeTransport{}, Config{}, logger.Nop())
	assert.Error(t, err)
}

func TestTimerDoesNotStartBeforeJoin(t *testing.T) {
	h := newHarness(t, 30*time.Minute, "user-1")
	assert.Equal(t, 0, h.session.ElapsedSeconds())
	assert.Equal(t, 1800, h.session.RemainingSeconds())

	select {
	case <-h.tickers:
		t.Fatal("timer started without a join")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWarningsAndEndForThirtyMinuteSession(t *testing.T) {
	h := newHarness(t, 30*time.Minute, "user-1")
	ft := h.join()

	h.tick(ft, 1499)
	warnings, ends := h.snapshot()
	assert.Empty(t, warnings)
	assert.Empty(t, ends)

	h.tick(ft, 1)
	warnings, _ = h.snapshot()
	assert.Equal(t, map[int]int{5: 1500}, warnings)

	h.tick(ft, 240)
	warnings, _ = h.snapshot()
	assert.Equal(t, map[int]int{5: 1500, 1: 1740}, warnings)

	// Past the nominal duration the remaining time is clamped at zero and the
	// session keeps running through the grace period.
	h.tick(ft, 60)
	assert.Equal(t, 0, h.session.RemainingSeconds())
	_, ends = h.snapshot()
	assert.Empty(t, ends)

	h.tick(ft, 119)
	_, ends = h.snapshot()
	assert.Empty(t, ends)

	h.tick(ft, 1)
	_, ends = h.snapshot()
	assert.Equal(t, []int{1920}, ends)

	h.tick(ft, 30)
	warnings, ends = h.snapshot()
	assert.Len(t, ends, 1)
	assert.Len(t, warnings, 2)
	assert.Equal(t, 1950, h.session.ElapsedSeconds())
}

func TestShortSessionSkipsWarningsAlreadyPassed(t *testing.T) {
	h := newHarness(t, 3*time.Minute, "user-1")
	ft := h.join()

	h.tick(ft, 180+120)
	warnings, ends := h.snapshot()
	assert.Equal(t, map[int]int{1: 120}, warnings)
	assert.Equal(t, []int{300}, ends)
}

func TestJoinUsesCallMediaAndChannel(t *testing.T) {
	h := newHarness(t, 30*time.Minute, "therapist-1")
	h.join()

	h.transport.mu.Lock()
	assert.Equal(t, []JoinParams{{Channel: "call_user1_therapis_abc", UserID: "therapist-1", Token: "grant"}}, h.transport.joined)
	assert.Equal(t, []bool{true}, h.transport.audio)
	assert.Equal(t, []bool{false}, h.transport.video)
	h.transport.mu.Unlock()

	local := h.session.LocalParticipant()
	assert.True(t, local.IsLocal)
	assert.False(t, local.Video)
	assert.True(t, local.Audio)

	// A second join is a no-op.
	require.NoError(t, h.session.JoinSession(context.Background()))
	h.transport.mu.Lock()
	assert.Len(t, h.transport.joined, 1)
	h.transport.mu.Unlock()
}

func TestJoinFailure(t *testing.T) {
	h := newHarness(t, 30*time.Minute, "user-1")
	h.transport.failNext = errors.New("no network")

	err := h.session.JoinSession(context.Background())
	require.Error(t, err)
	assert.False(t, h.session.Joined())

	require.NoError(t, h.session.JoinSession(context.Background()))
}

func TestRemoteParticipantLifecycle(t *testing.T) {
	h := newHarness(t, 30*time.Minute, "user-1")
	h.join()

	h.session.Dispatch(Event{Kind: EventRemoteJoined, UserID: "therapist-1"})
	h.session.Dispatch(Event{Kind: EventRemoteVideo, UserID: "therapist-1", Enabled: false})
	h.session.Dispatch(Event{Kind: EventRemoteAudio, UserID: "someone-else", Enabled: false})

	require.Eventually(t, func() bool {
		p, ok := h.session.RemoteParticipant()
		return ok && !p.Video
	}, time.Second, 5*time.Millisecond)

	remote, _ := h.session.RemoteParticipant()
	assert.True(t, remote.Audio)
	assert.False(t, remote.IsLocal)

	participants := h.session.Participants()
	require.Len(t, participants, 2)
	assert.Equal(t, "user-1", participants[0].ID)
	assert.Equal(t, "therapist-1", participants[1].ID)

	h.session.Dispatch(Event{Kind: EventRemoteLeft, UserID: "therapist-1"})
	require.Eventually(t, func() bool {
		_, ok := h.session.RemoteParticipant()
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, h.session.Participants(), 1)
}

func TestEventsAppliedInOrder(t *testing.T) {
	h := newHarness(t, 30*time.Minute, "user-1")
	h.join()

	h.session.Dispatch(Event{Kind: EventNetworkQuality, Quality: QualityPoor})
	h.session.Dispatch(Event{Kind: EventNetworkQuality, Quality: QualityGood})
	h.session.Dispatch(Event{Kind: EventNetworkQuality, UserID: "therapist-1", Quality: QualityDown})
	h.session.Dispatch(Event{Kind: EventError, Err: errors.New("token expired")})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.errs) == 1
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	assert.Equal(t, []NetworkQuality{QualityPoor, QualityGood}, h.qualities)
	h.mu.Unlock()
	assert.Equal(t, QualityGood, h.session.NetworkQuality())
	assert.Equal(t, "good", h.session.NetworkQuality().String())
}

func TestLocalToggles(t *testing.T) {
	h := newHarness(t, 30*time.Minute, "user-1")
	h.join()

	require.NoError(t, h.session.ToggleAudio())
	require.NoError(t, h.session.ToggleVideo())
	require.NoError(t, h.session.FlipCamera())
	require.NoError(t, h.session.ToggleSpeaker())

	local := h.session.LocalParticipant()
	assert.False(t, local.Audio)
	assert.False(t, local.Video)
	assert.False(t, h.session.Speakerphone())

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.media) == 2
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	assert.Equal(t, [][2]bool{{true, false}, {false, false}}, h.media)
	h.mu.Unlock()

	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	assert.Equal(t, []bool{true, false}, h.transport.audio)
	assert.Equal(t, []bool{true, false}, h.transport.video)
	assert.Equal(t, 1, h.transport.switches)
	assert.Equal(t, []bool{false}, h.transport.speaker)
}

func TestApplyCallStatus(t *testing.T) {
	h := newHarness(t, 30*time.Minute, "user-1")
	ctx := context.Background()

	require.NoError(t, h.session.ApplyCallStatus(ctx, &model.CallDocument{Status: model.CallStatusRinging}))
	h.transport.mu.Lock()
	assert.Empty(t, h.transport.joined)
	h.transport.mu.Unlock()

	require.NoError(t, h.session.ApplyCallStatus(ctx, &model.CallDocument{Status: model.CallStatusAccepted}))
	h.session.Dispatch(Event{Kind: EventJoined})
	ft := <-h.tickers
	require.Eventually(t, h.session.Joined, time.Second, 5*time.Millisecond)

	h.tick(ft, 10)

	require.NoError(t, h.session.ApplyCallStatus(ctx, &model.CallDocument{Status: model.CallStatusEnded}))
	select {
	case <-ft.stopped:
	case <-time.After(time.Second):
		t.Fatal("timer not stopped after leave")
	}
	require.Eventually(t, func() bool { return !h.session.Joined() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 10, h.session.ElapsedSeconds())

	h.transport.mu.Lock()
	assert.Equal(t, 1, h.transport.left)
	h.transport.mu.Unlock()

	// Leaving again is a no-op.
	require.NoError(t, h.session.LeaveSession(ctx))
	h.transport.mu.Lock()
	assert.Equal(t, 1, h.transport.left)
	h.transport.mu.Unlock()
}

func TestEndedBeforeTransportConfirmsJoin(t *testing.T) {
	h := newHarness(t, 30*time.Minute, "user-1")
	ctx := context.Background()

	require.NoError(t, h.session.ApplyCallStatus(ctx, &model.CallDocument{Status: model.CallStatusAccepted}))
	require.NoError(t, h.session.ApplyCallStatus(ctx, &model.CallDocument{Status: model.CallStatusEnded}))

	h.transport.mu.Lock()
	assert.Len(t, h.transport.joined, 1)
	assert.Equal(t, 1, h.transport.left)
	h.transport.mu.Unlock()

	// The transport confirms the join after the call already ended.
	h.session.Dispatch(Event{Kind: EventJoined})
	select {
	case <-h.tickers:
		t.Fatal("timer started on an ended call")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, h.session.Joined())

	// Later terminal snapshots do not leave twice.
	require.NoError(t, h.session.ApplyCallStatus(ctx, &model.CallDocument{Status: model.CallStatusEnded}))
	h.transport.mu.Lock()
	assert.Equal(t, 1, h.transport.left)
	h.transport.mu.Unlock()
}

func TestRepeatedAcceptedSnapshotJoinsOnce(t *testing.T) {
	h := newHarness(t, 30*time.Minute, "user-1")
	ctx := context.Background()
	accepted := &model.CallDocument{Status: model.CallStatusAccepted}

	require.NoError(t, h.session.ApplyCallStatus(ctx, accepted))
	require.NoError(t, h.session.ApplyCallStatus(ctx, accepted))

	h.transport.mu.Lock()
	assert.Len(t, h.transport.joined, 1)
	h.transport.mu.Unlock()

	h.session.Dispatch(Event{Kind: EventJoined})
	select {
	case <-h.tickers:
	case <-time.After(time.Second):
		t.Fatal("timer did not start")
	}
	require.Eventually(t, h.session.Joined, time.Second, 5*time.Millisecond)

	require.NoError(t, h.session.ApplyCallStatus(ctx, accepted))
	h.transport.mu.Lock()
	assert.Len(t, h.transport.joined, 1)
	h.transport.mu.Unlock()
}
