package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/jwalitptl/teletherapy-api/pkg/logger"
)

const (
	TypeCallTimeout = "call:timeout"
	QueueCalls      = "calls"
)

type CallTimeoutPayload struct {
	CallID string `json:"call_id"`
}

func NewCallTimeoutTask(callID string) (*asynq.Task, error) {
	b, err := json.Marshal(CallTimeoutPayload{CallID: callID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal call timeout payload: %w", err)
	}
	return asynq.NewTask(TypeCallTimeout, b), nil
}

// Enqueuer is the part of *asynq.Client the scheduler uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Scheduler enqueues delayed call:timeout tasks. One task exists per call id.
type Scheduler struct {
	client     Enqueuer
	maxRetries int
	logger     *logger.Logger
}

func NewScheduler(client Enqueuer, log *logger.Logger) *Scheduler {
	return &Scheduler{client: client, maxRetries: 3, logger: log}
}

func (s *Scheduler) ScheduleTimeout(ctx context.Context, callID string, after time.Duration) error {
	task, err := NewCallTimeoutTask(callID)
	if err != nil {
		return err
	}

	info, err := s.client.EnqueueContext(ctx, task,
		asynq.ProcessIn(after),
		asynq.TaskID(timeoutTaskID(callID)),
		asynq.Queue(QueueCalls),
		asynq.MaxRetry(s.maxRetries),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		s.logger.Debug("call timeout already scheduled", "call_id", callID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue call timeout: %w", err)
	}

	s.logger.Debug("call timeout scheduled", "call_id", callID, "task_id", info.ID, "process_in", after.String())
	return nil
}

func timeoutTaskID(callID string) string {
	return "call-timeout:" + callID
}

// CallExpirer moves a call that is still pending or ringing to missed.
type CallExpirer interface {
	ExpireCall(ctx context.Context, id string) error
}

func HandleCallTimeout(expirer CallExpirer, log *logger.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var p CallTimeoutPayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			log.Error(err, "invalid call timeout payload")
			return fmt.Errorf("invalid call timeout payload: %v: %w", err, asynq.SkipRetry)
		}
		if p.CallID == "" {
			return fmt.Errorf("call timeout without call id: %w", asynq.SkipRetry)
		}

		if err := expirer.ExpireCall(ctx, p.CallID); err != nil {
			log.Error(err, "failed to expire call", "call_id", p.CallID)
			return err
		}
		return nil
	}
}

// NewServeMux routes every task type the worker processes.
func NewServeMux(expirer CallExpirer, log *logger.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeCallTimeout, HandleCallTimeout(expirer, log))
	return mux
}

// RedisOpt converts a redis:// URL into asynq connection options.
func RedisOpt(url string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url for asynq: %w", err)
	}
	return opt, nil
}
