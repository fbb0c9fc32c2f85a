package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jwalitptl/teletherapy-api/internal/service/session"
	"github.com/jwalitptl/teletherapy-api/pkg/auth"
)

var errGrantMismatch = errors.New("grant does not cover this channel and user")

// GrantVerifier checks the join token the way a video vendor would.
type GrantVerifier func(token string) (*auth.ChannelClaims, error)

// switchboard connects in-process endpoints that join the same channel, so
// two sessions can see each other without a video SDK.
type switchboard struct {
	verify GrantVerifier

	mu       sync.Mutex
	channels map[string]map[*endpoint]struct{}
}

// newSwitchboard admits every join when verify is nil.
func newSwitchboard(verify GrantVerifier) *switchboard {
	return &switchboard{verify: verify, channels: make(map[string]map[*endpoint]struct{})}
}

func (b *switchboard) admit(params session.JoinParams) error {
	if b.verify == nil {
		return nil
	}
	claims, err := b.verify(params.Token)
	if err != nil {
		return fmt.Errorf("join rejected: %w", err)
	}
	if claims.Channel != params.Channel || claims.Subject != params.UserID {
		return errGrantMismatch
	}
	return nil
}

func (b *switchboard) endpoint(userID string) *endpoint {
	return &endpoint{board: b, userID: userID, audio: true, video: true}
}

// endpoint is one device's transport. Events go to the session bound with
// attach.
type endpoint struct {
	board  *switchboard
	userID string

	mu      sync.Mutex
	sink    func(session.Event)
	channel string
	audio   bool
	video   bool
	speaker bool
	front   bool
}

var _ session.Transport = (*endpoint)(nil)

func (e *endpoint) attach(sink func(session.Event)) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

func (e *endpoint) emit(ev session.Event) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (e *endpoint) media() (audio, video bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audio, e.video
}

func (e *endpoint) Join(ctx context.Context, params session.JoinParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := e.board
	if err := b.admit(params); err != nil {
		return err
	}
	b.mu.Lock()
	peers := make([]*endpoint, 0, len(b.channels[params.Channel]))
	for p := range b.channels[params.Channel] {
		peers = append(peers, p)
	}
	if b.channels[params.Channel] == nil {
		b.channels[params.Channel] = make(map[*endpoint]struct{})
	}
	b.channels[params.Channel][e] = struct{}{}
	b.mu.Unlock()

	e.mu.Lock()
	e.channel = params.Channel
	e.mu.Unlock()

	e.emit(session.Event{Kind: session.EventConnectionState, State: session.ConnectionConnecting})
	e.emit(session.Event{Kind: session.EventJoined, UserID: e.userID})
	e.emit(session.Event{Kind: session.EventNetworkQuality, Quality: session.QualityGood})

	audio, video := e.media()
	for _, p := range peers {
		p.emit(session.Event{Kind: session.EventRemoteJoined, UserID: e.userID})
		p.emit(session.Event{Kind: session.EventRemoteAudio, UserID: e.userID, Enabled: audio})
		p.emit(session.Event{Kind: session.EventRemoteVideo, UserID: e.userID, Enabled: video})

		pa, pv := p.media()
		e.emit(session.Event{Kind: session.EventRemoteJoined, UserID: p.userID})
		e.emit(session.Event{Kind: session.EventRemoteAudio, UserID: p.userID, Enabled: pa})
		e.emit(session.Event{Kind: session.EventRemoteVideo, UserID: p.userID, Enabled: pv})
	}
	return nil
}

func (e *endpoint) Leave(ctx context.Context) error {
	e.mu.Lock()
	channel := e.channel
	e.channel = ""
	e.mu.Unlock()
	if channel == "" {
		return nil
	}

	for _, p := range e.board.leave(channel, e) {
		p.emit(session.Event{Kind: session.EventRemoteLeft, UserID: e.userID})
	}
	return nil
}

// leave removes e from channel and returns the endpoints still in it.
func (b *switchboard) leave(channel string, e *endpoint) []*endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.channels[channel], e)
	if len(b.channels[channel]) == 0 {
		delete(b.channels, channel)
		return nil
	}
	peers := make([]*endpoint, 0, len(b.channels[channel]))
	for p := range b.channels[channel] {
		peers = append(peers, p)
	}
	return peers
}

func (b *switchboard) peers(channel string, e *endpoint) []*endpoint {
	if channel == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*endpoint
	for p := range b.channels[channel] {
		if p != e {
			out = append(out, p)
		}
	}
	return out
}

func (e *endpoint) EnableLocalAudio(enabled bool) error {
	e.mu.Lock()
	e.audio = enabled
	channel := e.channel
	e.mu.Unlock()

	for _, p := range e.board.peers(channel, e) {
		p.emit(session.Event{Kind: session.EventRemoteAudio, UserID: e.userID, Enabled: enabled})
	}
	return nil
}

func (e *endpoint) EnableLocalVideo(enabled bool) error {
	e.mu.Lock()
	e.video = enabled
	channel := e.channel
	e.mu.Unlock()

	for _, p := range e.board.peers(channel, e) {
		p.emit(session.Event{Kind: session.EventRemoteVideo, UserID: e.userID, Enabled: enabled})
	}
	return nil
}

func (e *endpoint) SwitchCamera() error {
	e.mu.Lock()
	e.front = !e.front
	e.mu.Unlock()
	return nil
}

func (e *endpoint) SetSpeakerphone(on bool) error {
	e.mu.Lock()
	e.speaker = on
	e.mu.Unlock()
	return nil
}
