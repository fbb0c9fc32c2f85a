package session

import (
	"context"
	"time"
)

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)

	var ticker Ticker
	var tickC <-chan time.Time
	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tickC = nil, nil
		}
	}
	defer stopTicker()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.inbox.Out():
			if !ok {
				return
			}
			switch msg.kind {
			case msgEvent:
				if s.apply(msg.event) && ticker == nil {
					ticker = s.cfg.NewTicker(s.cfg.Tick)
					tickC = ticker.C()
				}
			case msgLeft:
				stopTicker()
				s.left()
			case msgLocalMedia:
				s.localMediaChanged(msg.local)
			}
		case <-tickC:
			s.tick()
		}
	}
}

// apply reports whether ev joined the channel.
func (s *Session) apply(ev Event) bool {
	s.mu.Lock()
	cb := s.callbacks
	var notify []func()
	joined := false

	switch ev.Kind {
	case EventJoined:
		if !s.requested && !s.joining {
			s.mu.Unlock()
			s.logger.Debug("ignoring join without a pending request", "call_id", s.call.ID)
			return false
		}
		joined = true
		s.joined = true
		s.connState = ConnectionConnected
		participants := s.participantsLocked()
		notify = append(notify, func() { call1(cb.OnParticipantsChanged, participants) })
		notify = append(notify, func() { call1(cb.OnConnectionState, ConnectionConnected) })
	case EventRemoteJoined:
		s.remote = &Participant{ID: ev.UserID, Video: true, Audio: true}
		participants := s.participantsLocked()
		notify = append(notify, func() { call1(cb.OnParticipantsChanged, participants) })
	case EventRemoteLeft:
		if s.remote != nil && s.remote.ID == ev.UserID {
			s.remote = nil
			participants := s.participantsLocked()
			notify = append(notify, func() { call1(cb.OnParticipantsChanged, participants) })
		}
	case EventRemoteAudio, EventRemoteVideo:
		if s.remote != nil && s.remote.ID == ev.UserID {
			if ev.Kind == EventRemoteAudio {
				s.remote.Audio = ev.Enabled
			} else {
				s.remote.Video = ev.Enabled
			}
			participants := s.participantsLocked()
			notify = append(notify, func() { call1(cb.OnParticipantsChanged, participants) })
		}
	case EventNetworkQuality:
		if ev.UserID == "" || ev.UserID == s.localID {
			s.quality = ev.Quality
			notify = append(notify, func() { call1(cb.OnNetworkQuality, ev.Quality) })
		}
	case EventConnectionState:
		s.connState = ev.State
		notify = append(notify, func() { call1(cb.OnConnectionState, ev.State) })
	case EventError:
		s.logger.Warn("transport error", "call_id", s.call.ID, "error", ev.Err)
		notify = append(notify, func() { call1(cb.OnError, ev.Err) })
	default:
		s.logger.Warn("unknown transport event", "call_id", s.call.ID, "kind", ev.Kind)
	}
	s.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return joined
}

func (s *Session) left() {
	s.mu.Lock()
	s.joined = false
	s.remote = nil
	s.connState = ConnectionDisconnected
	cb := s.callbacks
	participants := s.participantsLocked()
	s.mu.Unlock()

	call1(cb.OnParticipantsChanged, participants)
	call1(cb.OnConnectionState, ConnectionDisconnected)
}

func (s *Session) localMediaChanged(local Participant) {
	s.mu.Lock()
	cb := s.callbacks
	participants := s.participantsLocked()
	s.mu.Unlock()

	if cb.OnLocalMediaChanged != nil {
		cb.OnLocalMediaChanged(local.Video, local.Audio)
	}
	call1(cb.OnParticipantsChanged, participants)
}

// tick advances the session clock by one second. Warnings fire once each,
// when the rounded-up minutes remaining first equals a configured value.
// The end notification fires once, Grace past the nominal duration.
func (s *Session) tick() {
	s.mu.Lock()
	s.elapsed++
	elapsed := s.elapsed
	remaining := s.remainingLocked()
	minutes := (remaining + 59) / 60

	var warning int
	if remaining > 0 {
		for _, w := range s.cfg.Warnings {
			if minutes == w && !s.fired[w] {
				s.fired[w] = true
				warning = w
				break
			}
		}
	}

	end := false
	limit := int((s.cfg.Duration + s.cfg.Grace) / time.Second)
	if elapsed >= limit && !s.endNotified {
		s.endNotified = true
		end = true
	}
	cb := s.callbacks
	s.mu.Unlock()

	if warning > 0 {
		s.logger.Info("session time warning", "call_id", s.call.ID, "minutes_remaining", warning)
		call1(cb.OnTimeWarning, warning)
	}
	if end {
		s.logger.Info("session time exhausted", "call_id", s.call.ID, "elapsed", elapsed)
		if cb.OnSessionEnd != nil {
			cb.OnSessionEnd()
		}
	}
	if cb.OnTick != nil {
		cb.OnTick(elapsed, remaining)
	}
}

func call1[T any](fn func(T), v T) {
	if fn != nil {
		fn(v)
	}
}
