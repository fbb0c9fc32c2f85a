package mailbox

import (
	"context"
	"sync"
)

// Mailbox is an unbounded FIFO between publishers that must not block and a
// single consumer reading from Out.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	signal chan struct{}
	out    chan T
}

func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
	}
}

func (m *Mailbox[T]) Push(v T) {
	m.mu.Lock()
	m.queue = append(m.queue, v)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Out is the delivery channel. It is closed when Run returns.
func (m *Mailbox[T]) Out() <-chan T {
	return m.out
}

// Run delivers queued values until ctx is done, then closes Out.
func (m *Mailbox[T]) Run(ctx context.Context) {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.signal:
				continue
			case <-ctx.Done():
				return
			}
		}
		v := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- v:
		case <-ctx.Done():
			return
		}
	}
}
