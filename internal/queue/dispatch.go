package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/halyard-io/halyard/internal/apperr"
)

// promoteScript atomically moves due entries from the delayed set into the
// ready list matching each job's priority.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
    redis.call('ZREM', KEYS[1], id)
    local jobKey = ARGV[3] .. ':job:' .. id
    local prio = redis.call('HGET', jobKey, 'priority')
    if not prio then prio = 'normal' end
    redis.call('HSET', jobKey, 'status', 'queued')
    redis.call('RPUSH', ARGV[3] .. ':queue:' .. ARGV[4] .. ':ready:' .. prio, id)
end
return #due
`)

const promoteBatch = 128

// PromoteDelayed moves jobs whose scheduled time has come into the ready
// lists. Runs before every pop and is safe to call from many workers.
func (q *Queue) PromoteDelayed(ctx context.Context, queue string) error {
	err := promoteScript.Run(ctx, q.rdb,
		[]string{q.keys.delayed(queue)},
		time.Now().UnixNano(), promoteBatch, q.keys.prefix, queue).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("queue: promote delayed: %w", err)
	}
	return nil
}

// ReapExpired fails every in-flight job whose lease has expired: the
// worker died or the handler hung past its watchdog. The failure is the
// normal retry path with a Timeout kind.
func (q *Queue) ReapExpired(ctx context.Context, queue string) error {
	ids, err := q.rdb.ZRangeByScore(ctx, q.keys.inflight(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixNano(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: reap expired: %w", err)
	}
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			q.rdb.ZRem(ctx, q.keys.inflight(queue), id)
			continue
		}
		q.log.Warn().Str("job_id", id).Str("task", job.Task).Msg("in-flight lease expired")
		if err := q.Fail(ctx, job, fmt.Sprintf("lease expired after %s", job.Timeout), apperr.Timeout); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue promotes due jobs, reaps expired leases, then pops the highest
// priority ready job and marks it running with an in-flight lease of
// timeout + grace. Returns nil when the queue is idle.
func (q *Queue) Dequeue(ctx context.Context, queue string) (*Job, error) {
	if err := q.PromoteDelayed(ctx, queue); err != nil {
		return nil, err
	}
	if err := q.ReapExpired(ctx, queue); err != nil {
		return nil, err
	}

	for _, p := range priorityOrder {
		id, err := q.rdb.LPop(ctx, q.keys.ready(queue, p)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue: pop %s: %w", queue, err)
		}

		job, err := q.Get(ctx, id)
		if err != nil {
			if apperr.KindOf(err) == apperr.NotFound {
				continue
			}
			return nil, err
		}
		if job.Status != StatusQueued {
			// Cancelled between promotion and pop.
			continue
		}

		now := time.Now().UTC()
		job.Status = StatusRunning
		job.StartedAt = now
		job.Attempts++
		lease := now.Add(job.Timeout + q.cfg.LeaseGrace)

		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, q.keys.job(id),
			"status", string(StatusRunning),
			"started_at", now.Format(time.RFC3339Nano),
			"attempts", strconv.Itoa(job.Attempts))
		pipe.ZAdd(ctx, q.keys.inflight(queue), redis.Z{Score: float64(lease.UnixNano()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("queue: lease %s: %w", id, err)
		}
		return job, nil
	}
	return nil, nil
}

// Complete finishes a job successfully and releases its lease. When a
// cancellation was requested while the handler ran, the terminal state is
// cancelled instead.
func (q *Queue) Complete(ctx context.Context, job *Job, result interface{}) error {
	status := StatusCompleted
	if cancelled, _ := q.rdb.HGet(ctx, q.keys.job(job.ID), "cancel_requested").Result(); cancelled == "1" {
		status = StatusCancelled
	}

	now := time.Now().UTC()
	fields := []interface{}{
		"status", string(status),
		"completed_at", now.Format(time.RFC3339Nano),
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("queue: marshal result for %s: %w", job.ID, err)
		}
		fields = append(fields, "result", string(raw))
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.keys.job(job.ID), fields...)
	pipe.ZRem(ctx, q.keys.inflight(job.Queue), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: complete %s: %w", job.ID, err)
	}
	job.Status = status
	job.CompletedAt = now
	q.log.Debug().Str("job_id", job.ID).Str("status", string(status)).Msg("job finished")
	return nil
}

// Fail records a failed attempt. Below the attempt budget the job is
// rescheduled with backoff; at the budget it goes to the dead-letter list.
func (q *Queue) Fail(ctx context.Context, job *Job, errMsg string, kind apperr.Kind) error {
	now := time.Now().UTC()

	if job.Attempts < job.MaxAttempts {
		delay := q.retryDelay(job)
		scheduled := now.Add(delay)
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, q.keys.job(job.ID),
			"status", string(StatusQueued),
			"scheduled_for", scheduled.Format(time.RFC3339Nano),
			"last_error", errMsg,
			"error_kind", string(kind))
		pipe.ZRem(ctx, q.keys.inflight(job.Queue), job.ID)
		pipe.ZAdd(ctx, q.keys.delayed(job.Queue), redis.Z{
			Score:  float64(scheduled.UnixNano()),
			Member: job.ID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: requeue %s: %w", job.ID, err)
		}
		q.log.Info().Str("job_id", job.ID).Int("attempt", job.Attempts).
			Dur("backoff", delay).Str("error", errMsg).Msg("job failed, retrying")
		return nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.keys.job(job.ID),
		"status", string(StatusDead),
		"completed_at", now.Format(time.RFC3339Nano),
		"last_error", errMsg,
		"error_kind", string(kind))
	pipe.ZRem(ctx, q.keys.inflight(job.Queue), job.ID)
	pipe.RPush(ctx, q.keys.dlq(job.Queue), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: dead-letter %s: %w", job.ID, err)
	}
	job.Status = StatusDead
	q.log.Error().Str("job_id", job.ID).Int("attempts", job.Attempts).
		Str("error", errMsg).Msg("job dead-lettered")
	return nil
}

// retryDelay picks the task's backoff override when one is declared.
func (q *Queue) retryDelay(job *Job) time.Duration {
	if def, ok := q.reg.Get(job.Task); ok && def.Backoff != nil {
		return def.Backoff(job.Attempts)
	}
	return Backoff(job.Attempts)
}

// Backoff is the default retry schedule: exponential from 1s, capped at
// 30s, with ±20% jitter.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6 // 1s << 5 = 32s, already past the cap
	}
	d := time.Second << (attempt - 1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	jitter := 0.8 + 0.4*rand.Float64() // #nosec G404 -- scheduling jitter, not crypto
	return time.Duration(float64(d) * jitter)
}

// Depth reports how many jobs wait in the ready lists and the delayed set
// of a queue. Readiness checks and the queue-depth gauge use it.
func (q *Queue) Depth(ctx context.Context, queue string) (int64, error) {
	var total int64
	for _, p := range priorityOrder {
		n, err := q.rdb.LLen(ctx, q.keys.ready(queue, p)).Result()
		if err != nil {
			return 0, fmt.Errorf("queue: depth: %w", err)
		}
		total += n
	}
	n, err := q.rdb.ZCard(ctx, q.keys.delayed(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return total + n, nil
}

// DeadLetters returns the dead-letter job ids for a queue, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, queue string) ([]string, error) {
	ids, err := q.rdb.LRange(ctx, q.keys.dlq(queue), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: dead letters: %w", err)
	}
	return ids, nil
}
