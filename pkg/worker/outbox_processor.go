package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
	"github.com/jwalitptl/teletherapy-api/pkg/messaging"
	"github.com/jwalitptl/teletherapy-api/pkg/metrics"
)

type OutboxProcessorConfig struct {
	BatchSize     int
	PollInterval  time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	// Retention is how long processed events are kept. Zero keeps them forever.
	Retention time.Duration
}

// Publisher is satisfied by *messaging.BrokerAdapter.
type Publisher interface {
	Publish(ctx context.Context, msg messaging.Message) error
}

type OutboxProcessor struct {
	repo      repository.OutboxRepository
	publisher Publisher
	config    OutboxProcessorConfig
	logger    *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewOutboxProcessor(
	repo repository.OutboxRepository,
	publisher Publisher,
	config OutboxProcessorConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *OutboxProcessor {
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	if config.RetryAttempts <= 0 {
		panic("RetryAttempts must be greater than 0")
	}
	if config.RetryDelay <= 0 {
		panic("RetryDelay must be greater than 0")
	}

	return &OutboxProcessor{
		repo:      repo,
		publisher: publisher,
		config:    config,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

func (p *OutboxProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("Starting outbox processor")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Shutting down outbox processor")
			return
		case <-ticker.C:
			if err := p.ProcessBatch(ctx); err != nil {
				p.logger.Error(err, "Failed to process events")
			}
			p.cleanup(ctx)
		}
	}
}

// ProcessBatch publishes one batch of due events. Rows stay locked until the
// batch's status updates commit, so concurrent relays skip them.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) error {
	timer := prometheus.NewTimer(p.metrics.OutboxProcessingLatency)
	defer timer.ObserveDuration()

	return p.repo.WithTx(ctx, func(tx *sql.Tx) error {
		events, err := p.repo.GetPendingEventsWithLock(ctx, tx, p.config.BatchSize)
		if err != nil {
			p.metrics.DatabaseOperations.WithLabelValues("get_pending_events", "error").Inc()
			return fmt.Errorf("failed to get pending events: %w", err)
		}
		p.metrics.DatabaseOperations.WithLabelValues("get_pending_events", "success").Inc()

		for _, event := range events {
			if err := p.processEvent(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *OutboxProcessor) processEvent(ctx context.Context, tx *sql.Tx, event *model.OutboxEvent) error {
	msg := messaging.Message{
		ID:         event.ID,
		Type:       event.EventType,
		Payload:    event.Payload,
		OccurredAt: event.CreatedAt,
	}

	pubErr := p.publisher.Publish(ctx, msg)
	if pubErr == nil {
		p.metrics.OutboxEventsProcessed.Inc()
		if err := p.repo.UpdateStatusTx(ctx, tx, event.ID, model.OutboxStatusProcessed, nil, nil); err != nil {
			return fmt.Errorf("failed to mark event %s processed: %w", event.ID, err)
		}
		return nil
	}

	errStr := pubErr.Error()
	attempt := event.RetryCount + 1
	if attempt >= p.config.RetryAttempts {
		p.metrics.OutboxEventsFailed.Inc()
		p.logger.Error(pubErr, "Giving up on event",
			"event_id", event.ID.String(),
			"event_type", event.EventType,
			"attempts", attempt)
		if err := p.repo.UpdateStatusTx(ctx, tx, event.ID, model.OutboxStatusFailed, &errStr, nil); err != nil {
			return fmt.Errorf("failed to mark event %s failed: %w", event.ID, err)
		}
		return nil
	}

	p.metrics.OutboxRetries.WithLabelValues(event.EventType).Inc()
	retryAt := p.now().Add(p.backoff(attempt))
	p.logger.Warn("Failed to publish event, will retry",
		"event_id", event.ID.String(),
		"event_type", event.EventType,
		"retry_at", retryAt)
	if err := p.repo.UpdateStatusTx(ctx, tx, event.ID, model.OutboxStatusRetry, &errStr, &retryAt); err != nil {
		return fmt.Errorf("failed to schedule retry for event %s: %w", event.ID, err)
	}
	return nil
}

// backoff doubles the retry delay per attempt.
func (p *OutboxProcessor) backoff(attempt int) time.Duration {
	d := p.config.RetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (p *OutboxProcessor) cleanup(ctx context.Context) {
	if p.config.Retention <= 0 {
		return
	}
	n, err := p.repo.DeleteProcessedBefore(ctx, p.now().Add(-p.config.Retention))
	if err != nil {
		p.metrics.DatabaseOperations.WithLabelValues("delete_processed_events", "error").Inc()
		p.logger.Error(err, "Failed to delete processed events")
		return
	}
	p.metrics.DatabaseOperations.WithLabelValues("delete_processed_events", "success").Inc()
	if n > 0 {
		p.logger.Debug("Deleted processed events", "count", n)
	}
}
