package worker_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyard-io/halyard/internal/apperr"
	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/queue"
	"github.com/halyard-io/halyard/internal/worker"
)

func newHarness(t *testing.T) (*queue.Queue, *queue.Registry, *worker.Pool) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := queue.NewRegistry()
	qcfg := config.Defaults().Queue
	qcfg.LeaseGrace = time.Second
	q := queue.New(rdb, reg, qcfg, "test")

	wcfg := config.Defaults().Worker
	wcfg.Count = 2
	wcfg.PollInterval = 5 * time.Millisecond
	wcfg.DrainTimeout = 2 * time.Second
	return q, reg, worker.New(q, wcfg)
}

func instant(int) time.Duration { return 0 }

func TestFlakyTaskRetriesToCompletion(t *testing.T) {
	ctx := context.Background()
	q, reg, pool := newHarness(t)

	var runs int32
	reg.MustRegister(queue.TaskDef{
		Name:    "flaky",
		Backoff: instant,
		Handler: func(ctx context.Context, task *queue.Task) (interface{}, error) {
			if atomic.AddInt32(&runs, 1) < 3 {
				return nil, apperr.E(apperr.Internal, "transient")
			}
			return "ok", nil
		},
	})

	_, err := q.Enqueue(ctx, "flaky", nil, queue.EnqueueOptions{JobID: "j1", MaxAttempts: 3})
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		job, err := q.Get(ctx, "j1")
		return err == nil && job.Status == queue.StatusCompleted
	}, time.Second, 10*time.Millisecond)

	job, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempts)
	var result string
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, "ok", result)

	dead, err := q.DeadLetters(ctx, "default")
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestHandlerErrorExhaustsBudget(t *testing.T) {
	ctx := context.Background()
	q, reg, pool := newHarness(t)

	reg.MustRegister(queue.TaskDef{
		Name:    "doomed",
		Backoff: instant,
		Handler: func(ctx context.Context, task *queue.Task) (interface{}, error) {
			return nil, apperr.E(apperr.Validation, "bad payload")
		},
	})

	_, err := q.Enqueue(ctx, "doomed", nil, queue.EnqueueOptions{JobID: "j1", MaxAttempts: 2})
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		job, err := q.Get(ctx, "j1")
		return err == nil && job.Status == queue.StatusDead
	}, time.Second, 10*time.Millisecond)

	job, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, string(apperr.Validation), job.ErrorKind)

	dead, err := q.DeadLetters(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, dead)
}

func TestWatchdogTimesOutSlowHandler(t *testing.T) {
	ctx := context.Background()
	q, reg, pool := newHarness(t)

	reg.MustRegister(queue.TaskDef{
		Name:    "slow",
		Backoff: instant,
		Handler: func(ctx context.Context, task *queue.Task) (interface{}, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "too late", nil
			}
		},
	})

	_, err := q.Enqueue(ctx, "slow", nil, queue.EnqueueOptions{
		JobID: "j1", MaxAttempts: 1, Timeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		job, err := q.Get(ctx, "j1")
		return err == nil && job.Status == queue.StatusDead
	}, time.Second, 10*time.Millisecond)

	job, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, string(apperr.Timeout), job.ErrorKind)
}

func TestPanickingHandlerIsFailedNotFatal(t *testing.T) {
	ctx := context.Background()
	q, reg, pool := newHarness(t)

	reg.MustRegister(queue.TaskDef{
		Name:    "bomb",
		Backoff: instant,
		Handler: func(ctx context.Context, task *queue.Task) (interface{}, error) {
			panic("kaboom")
		},
	})

	_, err := q.Enqueue(ctx, "bomb", nil, queue.EnqueueOptions{JobID: "j1", MaxAttempts: 1})
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		job, err := q.Get(ctx, "j1")
		return err == nil && job.Status == queue.StatusDead
	}, time.Second, 10*time.Millisecond)

	job, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "kaboom")
}

func TestGracefulDrainWaitsForHandler(t *testing.T) {
	ctx := context.Background()
	q, reg, pool := newHarness(t)

	release := make(chan struct{})
	reg.MustRegister(queue.TaskDef{
		Name: "steady",
		Handler: func(ctx context.Context, task *queue.Task) (interface{}, error) {
			<-release
			return "done", nil
		},
	})

	_, err := q.Enqueue(ctx, "steady", nil, queue.EnqueueOptions{JobID: "j1"})
	require.NoError(t, err)

	pool.Start()
	require.Eventually(t, func() bool {
		job, err := q.Get(ctx, "j1")
		return err == nil && job.Status == queue.StatusRunning
	}, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	// Stop must wait for the in-flight handler.
	select {
	case <-stopped:
		t.Fatal("pool stopped while a handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after the handler finished")
	}

	job, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, job.Status)
}
