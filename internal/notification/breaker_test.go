package notification

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/teletherapy-api/pkg/logger"
)

func TestGuardedSenderOpensAfterFailures(t *testing.T) {
	smtpDown := errors.New("connection refused")
	next := &captureSender{err: smtpDown}
	sender := NewGuardedSender(next, BreakerConfig{MaxFailures: 2, Cooldown: time.Hour}, logger.Nop())

	msg := gomail.NewMessage()
	assert.ErrorIs(t, sender.DialAndSend(msg), smtpDown)
	assert.ErrorIs(t, sender.DialAndSend(msg), smtpDown)

	// Open: the server is no longer dialed.
	next.err = nil
	assert.ErrorIs(t, sender.DialAndSend(msg), ErrMailUnavailable)
	assert.Empty(t, next.sent)
}

func TestGuardedSenderRecovers(t *testing.T) {
	next := &captureSender{err: errors.New("timeout")}
	sender := NewGuardedSender(next, BreakerConfig{MaxFailures: 1, Cooldown: 10 * time.Millisecond}, logger.Nop())

	msg := gomail.NewMessage()
	assert.Error(t, sender.DialAndSend(msg))
	assert.ErrorIs(t, sender.DialAndSend(msg), ErrMailUnavailable)

	next.err = nil
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, sender.DialAndSend(msg))
	assert.NoError(t, sender.DialAndSend(msg))
	assert.Len(t, next.sent, 2)
}
