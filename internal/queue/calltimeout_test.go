package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/teletherapy-api/pkg/logger"
)

type enqueued struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeEnqueuer struct {
	calls []enqueued
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, enqueued{task: task, opts: opts})
	return &asynq.TaskInfo{ID: "t1", Type: task.Type()}, nil
}

type fakeExpirer struct {
	ids []string
	err error
}

func (f *fakeExpirer) ExpireCall(_ context.Context, id string) error {
	f.ids = append(f.ids, id)
	return f.err
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) interface{} {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value()
		}
	}
	return nil
}

func TestScheduleTimeout(t *testing.T) {
	q := &fakeEnqueuer{}
	s := NewScheduler(q, logger.Nop())

	require.NoError(t, s.ScheduleTimeout(context.Background(), "call-1", 60*time.Second))
	require.Len(t, q.calls, 1)

	got := q.calls[0]
	assert.Equal(t, TypeCallTimeout, got.task.Type())

	var p CallTimeoutPayload
	require.NoError(t, json.Unmarshal(got.task.Payload(), &p))
	assert.Equal(t, "call-1", p.CallID)

	assert.Equal(t, 60*time.Second, optionValue(got.opts, asynq.ProcessInOpt))
	assert.Equal(t, "call-timeout:call-1", optionValue(got.opts, asynq.TaskIDOpt))
	assert.Equal(t, QueueCalls, optionValue(got.opts, asynq.QueueOpt))
}

func TestScheduleTimeoutDuplicateIsIgnored(t *testing.T) {
	s := NewScheduler(&fakeEnqueuer{err: asynq.ErrTaskIDConflict}, logger.Nop())
	assert.NoError(t, s.ScheduleTimeout(context.Background(), "call-1", time.Minute))
}

func TestScheduleTimeoutError(t *testing.T) {
	s := NewScheduler(&fakeEnqueuer{err: errors.New("redis down")}, logger.Nop())
	assert.Error(t, s.ScheduleTimeout(context.Background(), "call-1", time.Minute))
}

func TestHandleCallTimeout(t *testing.T) {
	exp := &fakeExpirer{}
	h := HandleCallTimeout(exp, logger.Nop())

	task, err := NewCallTimeoutTask("call-9")
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), task))
	assert.Equal(t, []string{"call-9"}, exp.ids)

	exp.err = errors.New("store unavailable")
	assert.Error(t, h(context.Background(), task))
}

func TestHandleCallTimeoutBadPayload(t *testing.T) {
	exp := &fakeExpirer{}
	h := HandleCallTimeout(exp, logger.Nop())

	err := h(context.Background(), asynq.NewTask(TypeCallTimeout, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = h(context.Background(), asynq.NewTask(TypeCallTimeout, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, exp.ids)
}
