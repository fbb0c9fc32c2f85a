package session

import (
	"context"
	"time"
)

// Transport is the vendor real-time video SDK seen from one device.
type Transport interface {
	Join(ctx context.Context, params JoinParams) error
	Leave(ctx context.Context) error
	EnableLocalAudio(enabled bool) error
	EnableLocalVideo(enabled bool) error
	SwitchCamera() error
	SetSpeakerphone(on bool) error
}

type JoinParams struct {
	Channel string
	UserID  string
	Token   string
}

// NetworkQuality follows the usual 0-6 video SDK scale.
type NetworkQuality int

const (
	QualityUnknown NetworkQuality = iota
	QualityExcellent
	QualityGood
	QualityPoor
	QualityBad
	QualityVeryBad
	QualityDown
)

func (q NetworkQuality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	case QualityBad:
		return "bad"
	case QualityVeryBad:
		return "very_bad"
	case QualityDown:
		return "down"
	default:
		return "unknown"
	}
}

type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionFailed       ConnectionState = "failed"
)

type EventKind int

const (
	EventJoined EventKind = iota + 1
	EventRemoteJoined
	EventRemoteLeft
	EventRemoteAudio
	EventRemoteVideo
	EventNetworkQuality
	EventConnectionState
	EventError
)

// Event is a notification from the transport. Which fields are set depends
// on Kind.
type Event struct {
	Kind    EventKind
	UserID  string
	Enabled bool
	Quality NetworkQuality
	State   ConnectionState
	Err     error
}

type Participant struct {
	ID      string `json:"id"`
	IsLocal bool   `json:"isLocal"`
	Video   bool   `json:"video"`
	Audio   bool   `json:"audio"`
}

// Callbacks are invoked from the session goroutine, one at a time, in the
// order the underlying events were received. They may call the session's
// getters.
type Callbacks struct {
	OnParticipantsChanged func(participants []Participant)
	OnNetworkQuality      func(quality NetworkQuality)
	OnConnectionState     func(state ConnectionState)
	OnTick                func(elapsedSeconds, remainingSeconds int)
	OnTimeWarning         func(minutesRemaining int)
	OnSessionEnd          func()
	OnLocalMediaChanged   func(video, audio bool)
	OnError               func(err error)
}

// Ticker abstracts time.Ticker so tests can drive the timer.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func newRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}
