package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
	"github.com/jwalitptl/teletherapy-api/pkg/metrics"
)

const maxCASAttempts = 5

func callKey(id string) string               { return "call:" + id }
func callChannel(id string) string           { return "calls:doc:" + id }
func incomingChannel(receiver string) string { return "calls:incoming:" + receiver }
func receiverIndexKey(receiver string) string {
	return "calls:receiver:" + receiver
}

// CallStore keeps call documents as JSON strings. Updates are optimistic
// WATCH/MULTI transactions and every write is published on the document and
// receiver channels.
type CallStore struct {
	client  *redis.Client
	cb      *gobreaker.CircuitBreaker
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *logger.Logger
}

func NewCallStore(client *redis.Client, ttl time.Duration, m *metrics.Metrics, log *logger.Logger) *CallStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-call-store",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: isStoreHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &CallStore{
		client:  client,
		cb:      cb,
		ttl:     ttl,
		metrics: m,
		logger:  log,
	}
}

var _ repository.CallRepository = (*CallStore)(nil)

// mutationError carries an error returned by a CallMutation through the
// breaker so it is not counted as a store failure.
type mutationError struct {
	err error
}

func (e *mutationError) Error() string { return e.err.Error() }
func (e *mutationError) Unwrap() error { return e.err }

// isStoreHealthy keeps domain outcomes from tripping the breaker.
func isStoreHealthy(err error) bool {
	var me *mutationError
	return err == nil ||
		errors.As(err, &me) ||
		errors.Is(err, repository.ErrNotFound) ||
		errors.Is(err, repository.ErrAlreadyExists) ||
		errors.Is(err, repository.ErrConflict) ||
		errors.Is(err, model.ErrInvalidTransition) ||
		errors.Is(err, context.Canceled)
}

func (s *CallStore) execute(op string, fn func() error) error {
	start := time.Now()
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	status := "success"
	if !isStoreHealthy(err) {
		status = "error"
	}
	s.metrics.RedisOperations.WithLabelValues(op, status).Inc()
	s.metrics.RedisLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return err
}

func (s *CallStore) Create(ctx context.Context, call *model.CallDocument) error {
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to marshal call: %w", err)
	}

	return s.execute("call_create", func() error {
		created, err := s.client.SetNX(ctx, callKey(call.ID), data, s.ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to create call: %w", err)
		}
		if !created {
			return repository.ErrAlreadyExists
		}

		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, receiverIndexKey(call.ReceiverID), call.ID)
			pipe.Expire(ctx, receiverIndexKey(call.ReceiverID), s.ttl)
			pipe.Publish(ctx, callChannel(call.ID), data)
			pipe.Publish(ctx, incomingChannel(call.ReceiverID), data)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to publish created call: %w", err)
		}
		return nil
	})
}

func (s *CallStore) Get(ctx context.Context, id string) (*model.CallDocument, error) {
	var doc *model.CallDocument
	err := s.execute("call_get", func() error {
		raw, err := s.client.Get(ctx, callKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get call: %w", err)
		}
		doc, err = decodeCall(raw)
		return err
	})
	return doc, err
}

func (s *CallStore) Update(ctx context.Context, id string, mutate repository.CallMutation) (*model.CallDocument, error) {
	key := callKey(id)
	var result *model.CallDocument

	err := s.execute("call_update", func() error {
		for attempt := 0; attempt < maxCASAttempts; attempt++ {
			err := s.client.Watch(ctx, func(tx *redis.Tx) error {
				raw, err := tx.Get(ctx, key).Bytes()
				if errors.Is(err, redis.Nil) {
					return repository.ErrNotFound
				}
				if err != nil {
					return fmt.Errorf("failed to read call: %w", err)
				}

				doc, err := decodeCall(raw)
				if err != nil {
					return err
				}
				if err := mutate(doc); err != nil {
					return &mutationError{err: err}
				}
				doc.Revision++

				data, err := json.Marshal(doc)
				if err != nil {
					return fmt.Errorf("failed to marshal call: %w", err)
				}

				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, data, redis.KeepTTL)
					pipe.Publish(ctx, callChannel(id), data)
					pipe.Publish(ctx, incomingChannel(doc.ReceiverID), data)
					return nil
				})
				if err != nil {
					return err
				}
				result = doc
				return nil
			}, key)

			if errors.Is(err, redis.TxFailedErr) {
				s.logger.Debug("call update raced, retrying", "call_id", id, "attempt", attempt+1)
				continue
			}
			return err
		}
		return repository.ErrConflict
	})
	if err != nil {
		var me *mutationError
		if errors.As(err, &me) {
			return nil, me.err
		}
		return nil, err
	}
	return result, nil
}

func (s *CallStore) Watch(ctx context.Context, id string) (<-chan repository.CallSnapshot, error) {
	sub := s.client.Subscribe(ctx, callChannel(id))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to call: %w", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan repository.CallSnapshot, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		send := func(snap repository.CallSnapshot) bool {
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(repository.CallSnapshot{Call: current}) {
			return
		}
		last := current.Revision

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					send(repository.CallSnapshot{Err: fmt.Errorf("call subscription closed")})
					return
				}
				doc, err := decodeCall([]byte(msg.Payload))
				if err != nil {
					send(repository.CallSnapshot{Err: err})
					return
				}
				if !supersedes(doc, last) {
					s.logger.Debug("dropping stale call snapshot", "call_id", id, "revision", doc.Revision, "last", last)
					continue
				}
				last = doc.Revision
				if !send(repository.CallSnapshot{Call: doc}) {
					return
				}
			}
		}
	}()

	return out, nil
}

// supersedes reports whether doc is newer than the last delivered revision.
// Messages published between SUBSCRIBE and the initial GET arrive after the
// snapshot that already includes them.
func supersedes(doc *model.CallDocument, last int64) bool {
	return doc.Revision > last
}

func (s *CallStore) WatchIncoming(ctx context.Context, receiverID string) (<-chan repository.IncomingChange, error) {
	sub := s.client.Subscribe(ctx, incomingChannel(receiverID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to incoming calls: %w", err)
	}

	initial, err := s.incomingSnapshot(ctx, receiverID)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan repository.IncomingChange, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		seen := make(map[string]bool)
		send := func(change repository.IncomingChange) bool {
			select {
			case out <- change:
				return true
			case <-ctx.Done():
				return false
			}
		}
		emit := func(doc *model.CallDocument) bool {
			kind, ok := repository.ClassifyIncoming(seen, doc)
			if !ok {
				return true
			}
			return send(repository.IncomingChange{Change: model.CallChange{Kind: kind, Call: doc}})
		}

		for _, doc := range initial {
			if !emit(doc) {
				return
			}
		}

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					send(repository.IncomingChange{Err: fmt.Errorf("incoming subscription closed")})
					return
				}
				doc, err := decodeCall([]byte(msg.Payload))
				if err != nil {
					send(repository.IncomingChange{Err: err})
					return
				}
				if !emit(doc) {
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *CallStore) incomingSnapshot(ctx context.Context, receiverID string) ([]*model.CallDocument, error) {
	var docs []*model.CallDocument
	err := s.execute("call_incoming_snapshot", func() error {
		ids, err := s.client.SMembers(ctx, receiverIndexKey(receiverID)).Result()
		if err != nil {
			return fmt.Errorf("failed to list receiver calls: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = callKey(id)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("failed to load receiver calls: %w", err)
		}

		var expired []interface{}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				expired = append(expired, ids[i])
				continue
			}
			doc, err := decodeCall([]byte(raw))
			if err != nil {
				return err
			}
			if doc.Status.IsIncoming() {
				docs = append(docs, doc)
			}
		}
		if len(expired) > 0 {
			s.client.SRem(ctx, receiverIndexKey(receiverID), expired...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(docs, func(i, j int) bool {
		return docs[i].CreatedAt.Before(docs[j].CreatedAt)
	})
	return docs, nil
}

func decodeCall(raw []byte) (*model.CallDocument, error) {
	var doc model.CallDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode call: %w", err)
	}
	return &doc, nil
}
