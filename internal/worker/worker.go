// Package worker runs the bounded executor pool that drives the job
// queue: poll, lease, invoke the registered handler under a watchdog,
// publish the outcome.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/halyard-io/halyard/internal/apperr"
	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/logging"
	"github.com/halyard-io/halyard/internal/queue"
)

// Pool is a fixed-size set of executors over one or more queues.
type Pool struct {
	q      *queue.Queue
	cfg    config.WorkerSettings
	queues []string
	log    zerolog.Logger

	group         *errgroup.Group
	pollCancel    context.CancelFunc
	handlerCancel context.CancelFunc
}

// New builds a pool. With no queue names it serves the default queue.
func New(q *queue.Queue, cfg config.WorkerSettings, queues ...string) *Pool {
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	return &Pool{
		q:      q,
		cfg:    cfg,
		queues: queues,
		log:    logging.Component("worker"),
	}
}

// Start launches the executors. They run until Stop.
func (p *Pool) Start() {
	pollCtx, pollCancel := context.WithCancel(context.Background())
	handlerCtx, handlerCancel := context.WithCancel(context.Background())
	p.pollCancel = pollCancel
	p.handlerCancel = handlerCancel

	p.group = &errgroup.Group{}
	for i := 0; i < p.cfg.Count; i++ {
		id := i
		p.group.Go(func() error {
			p.runLoop(pollCtx, handlerCtx, id)
			return nil
		})
	}
	p.log.Info().Int("count", p.cfg.Count).Strs("queues", p.queues).Msg("worker pool started")
}

// Stop drains gracefully: polling stops immediately, in-flight handlers
// get the drain timeout to finish, then their contexts are cancelled. Jobs
// cut off mid-run are requeued so another worker redelivers them.
func (p *Pool) Stop() {
	if p.pollCancel == nil {
		return
	}
	p.pollCancel()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
		p.log.Warn().Dur("drain_timeout", p.cfg.DrainTimeout).
			Msg("drain timeout reached, cancelling in-flight handlers")
		p.handlerCancel()
		<-done
	}
	p.handlerCancel()
	p.log.Info().Msg("worker pool stopped")
}

func (p *Pool) runLoop(pollCtx, handlerCtx context.Context, id int) {
	log := p.log.With().Int("executor", id).Logger()
	for {
		worked := false
		for _, queueName := range p.queues {
			if pollCtx.Err() != nil {
				return
			}
			job, err := p.q.Dequeue(pollCtx, queueName)
			if err != nil {
				if pollCtx.Err() != nil {
					return
				}
				log.Error().Err(err).Str("queue", queueName).Msg("dequeue failed")
				continue
			}
			if job == nil {
				continue
			}
			worked = true
			p.execute(handlerCtx, log, job)
		}
		if !worked {
			select {
			case <-pollCtx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
		}
	}
}

type outcome struct {
	result interface{}
	err    error
}

// execute runs one attempt under the watchdog. The handler gets a context
// bounded by the job timeout; if it has not returned by then the attempt
// is failed with a Timeout kind while the goroutine winds down on its own.
func (p *Pool) execute(handlerCtx context.Context, log zerolog.Logger, job *queue.Job) {
	def, ok := p.q.Registry().Get(job.Task)
	if !ok {
		// Registered at enqueue time but gone now: a deploy removed the
		// task. Burn the attempt so the job eventually dead-letters.
		_ = p.q.Fail(handlerCtx, job, fmt.Sprintf("no handler for task %s", job.Task), apperr.Internal)
		return
	}

	ctx, cancel := context.WithTimeout(handlerCtx, job.Timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("job_id", job.ID).
					Str("stack", string(debug.Stack())).Msg("handler panicked")
				ch <- outcome{err: apperr.E(apperr.Internal, "handler panicked: %v", r)}
			}
		}()
		result, err := def.Handler(ctx, p.q.NewTask(job))
		ch <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		reason := fmt.Sprintf("handler exceeded timeout %s", job.Timeout)
		kind := apperr.Timeout
		if handlerCtx.Err() != nil {
			reason = "worker shutting down"
			kind = apperr.Unavailable
		}
		// Outcome writes use a fresh context: the job context is dead.
		if err := p.q.Fail(context.Background(), job, reason, kind); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("recording timeout failed")
		}
	case o := <-ch:
		if o.err != nil {
			if err := p.q.Fail(context.Background(), job, o.err.Error(), apperr.KindOf(o.err)); err != nil {
				log.Error().Err(err).Str("job_id", job.ID).Msg("recording failure failed")
			}
			return
		}
		if err := p.q.Complete(context.Background(), job, o.result); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("recording completion failed")
		}
	}
}
