package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository/memory"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
)

type updateLog struct {
	mu      sync.Mutex
	updates []DialerUpdate
}

func (l *updateLog) record(u DialerUpdate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, u)
}

func (l *updateLog) last() DialerUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.updates) == 0 {
		return DialerUpdate{}
	}
	return l.updates[len(l.updates)-1]
}

func (l *updateLog) states() []UIState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []UIState
	for _, u := range l.updates {
		if len(out) == 0 || out[len(out)-1] != u.State {
			out = append(out, u.State)
		}
	}
	return out
}

func newDialer(t *testing.T, svc *Service, cfg DialerConfig) (*Dialer, *updateLog) {
	t.Helper()
	log := &updateLog{}
	d := NewDialer(svc, caller, model.CreateCallRequest{
		ReceiverID:   receiver.UserID,
		ReceiverRole: model.RoleTherapist,
	}, cfg, log.record, logger.Nop())
	t.Cleanup(d.Close)
	return d, log
}

func waitForState(t *testing.T, d *Dialer, want UIState) {
	t.Helper()
	require.Eventually(t, func() bool { return d.State() == want }, 2*time.Second, 5*time.Millisecond,
		"dialer never reached %s (at %s)", want, d.State())
}

func TestDialerConnectsAndHangsUp(t *testing.T) {
	svc, _ := newService(t, memory.NewCallStore(), nil, Config{})
	ctx := context.Background()
	d, log := newDialer(t, svc, DialerConfig{Timeout: time.Minute, Tick: 10 * time.Millisecond})

	require.NoError(t, d.Start(ctx))
	callID := d.Call().ID

	_, err := svc.MarkRinging(ctx, receiver, callID)
	require.NoError(t, err)
	waitForState(t, d, UIRinging)

	_, err = svc.AcceptCall(ctx, receiver, callID)
	require.NoError(t, err)
	waitForState(t, d, UIConnected)

	require.NoError(t, d.Hangup(ctx))
	waitForState(t, d, UIEnded)

	assert.Equal(t, []UIState{UICalling, UIRinging, UIConnected, UIEnded}, log.states())
}

func TestDialerTimesOutAsNoAnswer(t *testing.T) {
	svc, _ := newService(t, memory.NewCallStore(), nil, Config{})
	d, log := newDialer(t, svc, DialerConfig{Timeout: 50 * time.Millisecond, Tick: 10 * time.Millisecond})

	require.NoError(t, d.Start(context.Background()))
	waitForState(t, d, UIFailed)

	last := log.last()
	assert.Equal(t, NoAnswer, last.Reason)
	assert.Equal(t, model.CallStatusMissed, last.Call.Status)
	assert.GreaterOrEqual(t, last.Elapsed, 50*time.Millisecond)
}

func TestDialerReportsDeclineAsNoAnswer(t *testing.T) {
	svc, _ := newService(t, memory.NewCallStore(), nil, Config{})
	ctx := context.Background()
	d, log := newDialer(t, svc, DialerConfig{Timeout: time.Minute, Tick: 10 * time.Millisecond})

	require.NoError(t, d.Start(ctx))
	_, err := svc.DeclineCall(ctx, receiver, d.Call().ID)
	require.NoError(t, err)

	waitForState(t, d, UIFailed)
	assert.Equal(t, NoAnswer, log.last().Reason)
}

func TestDialerLateAcceptWinsOverWatchdog(t *testing.T) {
	svc, _ := newService(t, memory.NewCallStore(), nil, Config{})
	ctx := context.Background()
	d, _ := newDialer(t, svc, DialerConfig{Timeout: 50 * time.Millisecond, Tick: 10 * time.Millisecond})

	require.NoError(t, d.Start(ctx))
	callID := d.Call().ID
	_, err := svc.MarkRinging(ctx, receiver, callID)
	require.NoError(t, err)
	_, err = svc.AcceptCall(ctx, receiver, callID)
	require.NoError(t, err)

	waitForState(t, d, UIConnected)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, UIConnected, d.State())

	got, err := svc.GetCall(ctx, caller, callID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusAccepted, got.Status)
}

func TestDialerCancel(t *testing.T) {
	svc, _ := newService(t, memory.NewCallStore(), nil, Config{})
	ctx := context.Background()
	d, _ := newDialer(t, svc, DialerConfig{Timeout: time.Minute, Tick: 10 * time.Millisecond})

	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Cancel(ctx))
	waitForState(t, d, UIEnded)

	got, err := svc.GetCall(ctx, caller, d.Call().ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusCancelled, got.Status)
}

func TestDialerCancelAfterAnswerEndsCall(t *testing.T) {
	svc, _ := newService(t, memory.NewCallStore(), nil, Config{})
	ctx := context.Background()
	d, _ := newDialer(t, svc, DialerConfig{Timeout: time.Minute, Tick: 10 * time.Millisecond})

	call, err := svc.CreateCall(ctx, caller, d.req)
	require.NoError(t, err)
	_, err = svc.MarkRinging(ctx, receiver, call.ID)
	require.NoError(t, err)
	_, err = svc.AcceptCall(ctx, receiver, call.ID)
	require.NoError(t, err)

	// The caller still sees ringing when they press cancel.
	d.mu.Lock()
	d.call, d.state = call, UIRinging
	d.mu.Unlock()

	require.NoError(t, d.Cancel(ctx))

	got, err := svc.GetCall(ctx, caller, call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusEnded, got.Status)

	state, _ := d.uiState(got)
	assert.Equal(t, UIEnded, state)
}

func TestDialerRetryCreatesFreshCall(t *testing.T) {
	svc, _ := newService(t, memory.NewCallStore(), nil, Config{})
	ctx := context.Background()
	d, _ := newDialer(t, svc, DialerConfig{Timeout: time.Minute, Tick: 10 * time.Millisecond})

	require.NoError(t, d.Start(ctx))
	first := d.Call().ID
	_, err := svc.DeclineCall(ctx, receiver, first)
	require.NoError(t, err)
	waitForState(t, d, UIFailed)

	require.NoError(t, d.Retry(ctx))
	second := d.Call().ID
	assert.NotEqual(t, first, second)
	assert.Equal(t, UICalling, d.State())

	assert.Equal(t, errDialerStarted, d.Start(ctx))
}
