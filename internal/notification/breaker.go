package notification

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/teletherapy-api/pkg/logger"
)

// ErrMailUnavailable is returned while the SMTP breaker is open. The outbox
// retries the event later.
var ErrMailUnavailable = errors.New("mail server unavailable")

type BreakerConfig struct {
	// MaxFailures consecutive send errors open the breaker.
	MaxFailures uint32
	// Cooldown is how long the breaker stays open before a trial send.
	Cooldown time.Duration
}

// GuardedSender stops dialing an SMTP server that keeps failing.
type GuardedSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

func NewGuardedSender(next Sender, cfg BreakerConfig, log *logger.Logger) *GuardedSender {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &GuardedSender{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "smtp",
			MaxRequests: 1,
			Timeout:     cfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (g *GuardedSender) DialAndSend(m ...*gomail.Message) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.next.DialAndSend(m...)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrMailUnavailable, err)
	}
	return err
}
