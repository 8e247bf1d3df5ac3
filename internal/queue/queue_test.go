package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyard-io/halyard/internal/apperr"
	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/queue"
)

func newTestQueue(t *testing.T, cfg config.QueueSettings) (*queue.Queue, *queue.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	reg := queue.NewRegistry()
	return queue.New(rdb, reg, cfg, "test"), reg
}

func noop(context.Context, *queue.Task) (interface{}, error) { return nil, nil }

func instantRetry(int) time.Duration { return 0 }

func TestEnqueueUnknownTask(t *testing.T) {
	q, _ := newTestQueue(t, config.Defaults().Queue)
	_, err := q.Enqueue(context.Background(), "nope", nil, queue.EnqueueOptions{})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestEnqueueRoundTripAndDuplicateID(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestQueue(t, config.Defaults().Queue)
	reg.MustRegister(queue.TaskDef{Name: "send", Handler: noop})

	job, err := q.Enqueue(ctx, "send", map[string]string{"to": "a"}, queue.EnqueueOptions{JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, queue.StatusQueued, job.Status)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 5*time.Minute, job.Timeout)

	// Same id again is a no-op returning the existing record.
	dup, err := q.Enqueue(ctx, "send", map[string]string{"to": "b"}, queue.EnqueueOptions{JobID: "j1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"to":"a"}`, string(dup.Payload))

	got, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "send", got.Task)
	assert.Equal(t, queue.PriorityNormal, got.Priority)
}

func TestGetMissingJob(t *testing.T) {
	q, _ := newTestQueue(t, config.Defaults().Queue)
	_, err := q.Get(context.Background(), "ghost")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestPriorityPreemptsFIFO(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestQueue(t, config.Defaults().Queue)
	reg.MustRegister(queue.TaskDef{Name: "t", Handler: noop})

	_, err := q.Enqueue(ctx, "t", 1, queue.EnqueueOptions{JobID: "low", Priority: queue.PriorityLow})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "t", 2, queue.EnqueueOptions{JobID: "normal-1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "t", 3, queue.EnqueueOptions{JobID: "normal-2"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "t", 4, queue.EnqueueOptions{JobID: "high", Priority: queue.PriorityHigh})
	require.NoError(t, err)

	var order []string
	for {
		job, err := q.Dequeue(ctx, "default")
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"high", "normal-1", "normal-2", "low"}, order)
}

func TestDelayedJobIsNotRunnableEarly(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestQueue(t, config.Defaults().Queue)
	reg.MustRegister(queue.TaskDef{Name: "t", Handler: noop})

	_, err := q.Enqueue(ctx, "t", nil, queue.EnqueueOptions{JobID: "later", Delay: 60 * time.Millisecond})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	assert.Nil(t, job)

	time.Sleep(80 * time.Millisecond)
	job, err = q.Dequeue(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "later", job.ID)
	assert.Equal(t, queue.StatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestRetryThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestQueue(t, config.Defaults().Queue)
	reg.MustRegister(queue.TaskDef{Name: "flaky", Handler: noop, Backoff: instantRetry})

	_, err := q.Enqueue(ctx, "flaky", nil, queue.EnqueueOptions{JobID: "j1", MaxAttempts: 2})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)

	// First failure is below the budget: rescheduled, not dead.
	require.NoError(t, q.Fail(ctx, job, "boom", apperr.Internal))
	got, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)
	assert.Equal(t, "boom", got.LastError)

	job, err = q.Dequeue(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)

	// Second failure exhausts the budget.
	require.NoError(t, q.Fail(ctx, job, "boom again", apperr.Internal))
	got, err = q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDead, got.Status)
	assert.Equal(t, got.MaxAttempts, got.Attempts)

	dead, err := q.DeadLetters(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, dead)
}

func TestCompleteStoresResult(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestQueue(t, config.Defaults().Queue)
	reg.MustRegister(queue.TaskDef{Name: "t", Handler: noop})

	_, err := q.Enqueue(ctx, "t", nil, queue.EnqueueOptions{JobID: "j1"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, job, map[string]string{"answer": "ok"}))
	got, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"answer":"ok"}`, string(got.Result))
	assert.False(t, got.CompletedAt.IsZero())
}

func TestCancelQueuedJob(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestQueue(t, config.Defaults().Queue)
	reg.MustRegister(queue.TaskDef{Name: "t", Handler: noop})

	_, err := q.Enqueue(ctx, "t", nil, queue.EnqueueOptions{JobID: "j1"})
	require.NoError(t, err)

	job, err := q.Cancel(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, job.Status)

	// The ready list no longer yields it.
	popped, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	assert.Nil(t, popped)

	// Cancelling a terminal job is a conflict.
	_, err = q.Cancel(ctx, "j1")
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestCancelRunningJobFlagsHandler(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestQueue(t, config.Defaults().Queue)
	reg.MustRegister(queue.TaskDef{Name: "t", Handler: noop})

	_, err := q.Enqueue(ctx, "t", nil, queue.EnqueueOptions{JobID: "j1"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)

	_, err = q.Cancel(ctx, "j1")
	require.NoError(t, err)

	task := q.NewTask(job)
	assert.True(t, task.Cancelled(ctx))

	// The handler returning after a cancel request lands in cancelled,
	// not completed.
	require.NoError(t, q.Complete(ctx, job, nil))
	got, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, got.Status)
}

func TestProgressUpdates(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestQueue(t, config.Defaults().Queue)
	reg.MustRegister(queue.TaskDef{Name: "t", Handler: noop})

	_, err := q.Enqueue(ctx, "t", nil, queue.EnqueueOptions{JobID: "j1"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)

	task := q.NewTask(job)
	require.NoError(t, task.Progress(ctx, "halfway", 50))

	got, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "halfway", got.ProgressStep)
	assert.EqualValues(t, 50, got.ProgressPercent)
}

func TestExpiredLeaseIsReaped(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults().Queue
	cfg.LeaseGrace = 0
	q, reg := newTestQueue(t, cfg)
	reg.MustRegister(queue.TaskDef{Name: "t", Handler: noop, Backoff: instantRetry})

	_, err := q.Enqueue(ctx, "t", nil, queue.EnqueueOptions{JobID: "j1", Timeout: time.Millisecond})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, job)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.ReapExpired(ctx, "default"))

	got, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)
	assert.Equal(t, string(apperr.Timeout), got.ErrorKind)
	assert.Contains(t, got.LastError, "lease expired")
}

func TestListFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	q, reg := newTestQueue(t, config.Defaults().Queue)
	reg.MustRegister(queue.TaskDef{Name: "t", Handler: noop})

	_, err := q.Enqueue(ctx, "t", nil, queue.EnqueueOptions{JobID: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "t", nil, queue.EnqueueOptions{JobID: "b"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "default")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job, nil))

	queued, err := q.List(ctx, queue.ListFilter{Status: queue.StatusQueued})
	require.NoError(t, err)
	require.Len(t, queued, 1)

	all, err := q.List(ctx, queue.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := queue.Backoff(attempt)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 36*time.Second)
	}
}
