// Package queue is the Redis-backed job dispatch engine: priority FIFO
// ready lists, a delayed set promoted by a moving cursor, lease-tracked
// in-flight jobs and a dead-letter list per queue. Job state lives in one
// hash per job.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/halyard-io/halyard/internal/apperr"
	"github.com/halyard-io/halyard/internal/config"
	"github.com/halyard-io/halyard/internal/logging"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusDead      Status = "dead"
)

// Priority selects the ready list a job waits on. Higher always preempts
// lower at dispatch time; within a tier order is FIFO.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var priorityOrder = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// Job is the full job record as stored in the job hash.
type Job struct {
	ID              string            `json:"id"`
	Queue           string            `json:"queue"`
	Task            string            `json:"task"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	Status          Status            `json:"status"`
	Priority        Priority          `json:"priority"`
	Attempts        int               `json:"attempts"`
	MaxAttempts     int               `json:"max_attempts"`
	Timeout         time.Duration     `json:"timeout"`
	EnqueuedAt      time.Time         `json:"enqueued_at"`
	ScheduledFor    time.Time         `json:"scheduled_for,omitempty"`
	StartedAt       time.Time         `json:"started_at,omitempty"`
	CompletedAt     time.Time         `json:"completed_at,omitempty"`
	Result          json.RawMessage   `json:"result,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	ErrorKind       string            `json:"error_kind,omitempty"`
	ProgressStep    string            `json:"progress_step,omitempty"`
	ProgressPercent float64           `json:"progress_percent,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CancelRequested bool              `json:"cancel_requested,omitempty"`
}

// keys builds every Redis key under the configured prefix.
type keys struct{ prefix string }

func (k keys) ready(queue string, p Priority) string {
	return fmt.Sprintf("%s:queue:%s:ready:%s", k.prefix, queue, p)
}
func (k keys) delayed(queue string) string  { return fmt.Sprintf("%s:queue:%s:delayed", k.prefix, queue) }
func (k keys) inflight(queue string) string { return fmt.Sprintf("%s:queue:%s:inflight", k.prefix, queue) }
func (k keys) dlq(queue string) string      { return fmt.Sprintf("%s:queue:%s:dlq", k.prefix, queue) }
func (k keys) job(id string) string         { return fmt.Sprintf("%s:job:%s", k.prefix, id) }
func (k keys) index() string                { return k.prefix + ":jobs:index" }
func (k keys) progress(id string) string    { return fmt.Sprintf("%s:job:%s:progress", k.prefix, id) }

// Queue is the dispatch engine over one Redis client.
type Queue struct {
	rdb  *redis.Client
	reg  *Registry
	cfg  config.QueueSettings
	keys keys
	log  zerolog.Logger
}

func New(rdb *redis.Client, reg *Registry, cfg config.QueueSettings, keyPrefix string) *Queue {
	return &Queue{
		rdb:  rdb,
		reg:  reg,
		cfg:  cfg,
		keys: keys{prefix: keyPrefix},
		log:  logging.Component("queue"),
	}
}

// Registry exposes the task registry for worker wiring.
func (q *Queue) Registry() *Registry { return q.reg }

// EnqueueOptions tune one enqueue. Zero values fall back to the task
// definition, then the queue configuration.
type EnqueueOptions struct {
	JobID       string
	Queue       string
	Priority    Priority
	Delay       time.Duration
	MaxAttempts int
	Timeout     time.Duration
	Metadata    map[string]string
}

// Enqueue creates a job for a registered task and makes it runnable (or
// schedules it when delayed). A duplicate JobID is a no-op returning the
// existing record.
func (q *Queue) Enqueue(ctx context.Context, task string, payload interface{}, opts EnqueueOptions) (*Job, error) {
	def, ok := q.reg.Get(task)
	if !ok {
		return nil, apperr.E(apperr.Validation, "task %s is not registered", task)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "marshal payload for task %s", task)
	}

	job := &Job{
		ID:          opts.JobID,
		Queue:       opts.Queue,
		Task:        task,
		Payload:     raw,
		Status:      StatusQueued,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Timeout:     opts.Timeout,
		EnqueuedAt:  time.Now().UTC(),
		Metadata:    opts.Metadata,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Queue == "" {
		job.Queue = q.cfg.DefaultQueue
	}
	if job.Priority == "" {
		job.Priority = PriorityNormal
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = def.MaxAttempts
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	if job.Timeout == 0 {
		job.Timeout = def.Timeout
	}
	if job.Timeout == 0 {
		job.Timeout = q.cfg.DefaultTimeout
	}
	if opts.Delay > 0 {
		job.ScheduledFor = job.EnqueuedAt.Add(opts.Delay)
	}

	// HSetNX on the id field makes duplicate-id detection atomic: the
	// first enqueue claims the hash, later ones read the existing record.
	claimed, err := q.rdb.HSetNX(ctx, q.keys.job(job.ID), "id", job.ID).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", task, err)
	}
	if !claimed {
		existing, err := q.Get(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		return existing, nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.keys.job(job.ID), jobToMap(job))
	pipe.ZAdd(ctx, q.keys.index(), redis.Z{Score: float64(job.EnqueuedAt.UnixNano()), Member: job.ID})
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, q.keys.delayed(job.Queue), redis.Z{
			Score:  float64(job.ScheduledFor.UnixNano()),
			Member: job.ID,
		})
	} else {
		pipe.RPush(ctx, q.keys.ready(job.Queue, job.Priority), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", task, err)
	}

	q.log.Debug().Str("job_id", job.ID).Str("task", task).Str("queue", job.Queue).
		Str("priority", string(job.Priority)).Msg("job enqueued")
	return job, nil
}

// Get loads a job record.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, apperr.E(apperr.NotFound, "job %s not found", id)
	}
	return jobFromMap(fields)
}

// ListFilter narrows an admin listing.
type ListFilter struct {
	Status Status
	Queue  string
	Limit  int
}

// List returns jobs newest first. Filtering happens after the load; the
// index only orders by enqueue time.
func (q *Queue) List(ctx context.Context, f ListFilter) ([]*Job, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	ids, err := q.rdb.ZRevRange(ctx, q.keys.index(), 0, int64(f.Limit)*4).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list jobs: %w", err)
	}
	out := make([]*Job, 0, f.Limit)
	for _, id := range ids {
		if len(out) == f.Limit {
			break
		}
		job, err := q.Get(ctx, id)
		if err != nil {
			if apperr.KindOf(err) == apperr.NotFound {
				continue // record expired after the index entry
			}
			return nil, err
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.Queue != "" && job.Queue != f.Queue {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Cancel flips a queued job to cancelled, or flags a running one so the
// handler can observe it. Terminal states are left alone.
func (q *Queue) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case StatusQueued:
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, q.keys.job(id), "status", string(StatusCancelled))
		for _, p := range priorityOrder {
			pipe.LRem(ctx, q.keys.ready(job.Queue, p), 0, id)
		}
		pipe.ZRem(ctx, q.keys.delayed(job.Queue), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("queue: cancel %s: %w", id, err)
		}
		job.Status = StatusCancelled
	case StatusRunning:
		if err := q.rdb.HSet(ctx, q.keys.job(id), "cancel_requested", "1").Err(); err != nil {
			return nil, fmt.Errorf("queue: cancel %s: %w", id, err)
		}
		job.CancelRequested = true
	case StatusCompleted, StatusCancelled, StatusDead:
		return nil, apperr.E(apperr.Conflict, "job %s is already %s", id, job.Status)
	}
	return job, nil
}

// publishProgress stores the update on the record and fans it out on the
// job's pub/sub channel.
func (q *Queue) publishProgress(ctx context.Context, id, step string, percent float64) error {
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.keys.job(id),
		"progress_step", step,
		"progress_percent", strconv.FormatFloat(percent, 'g', -1, 64))
	event, _ := json.Marshal(map[string]interface{}{
		"job_id": id, "step": step, "percent": percent,
	})
	pipe.Publish(ctx, q.keys.progress(id), string(event))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: progress %s: %w", id, err)
	}
	return nil
}

// SubscribeProgress returns the pub/sub subscription for one job's
// progress events. The caller owns the subscription.
func (q *Queue) SubscribeProgress(ctx context.Context, id string) *redis.PubSub {
	return q.rdb.Subscribe(ctx, q.keys.progress(id))
}

// Ping verifies the shared store is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// --- hash codec ---

func jobToMap(j *Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":           j.ID,
		"queue":        j.Queue,
		"task":         j.Task,
		"payload":      string(j.Payload),
		"status":       string(j.Status),
		"priority":     string(j.Priority),
		"attempts":     strconv.Itoa(j.Attempts),
		"max_attempts": strconv.Itoa(j.MaxAttempts),
		"timeout_ms":   strconv.FormatInt(j.Timeout.Milliseconds(), 10),
		"enqueued_at":  j.EnqueuedAt.Format(time.RFC3339Nano),
	}
	if !j.ScheduledFor.IsZero() {
		m["scheduled_for"] = j.ScheduledFor.Format(time.RFC3339Nano)
	}
	if !j.StartedAt.IsZero() {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if !j.CompletedAt.IsZero() {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	if len(j.Result) > 0 {
		m["result"] = string(j.Result)
	}
	if j.LastError != "" {
		m["last_error"] = j.LastError
	}
	if j.ErrorKind != "" {
		m["error_kind"] = j.ErrorKind
	}
	if len(j.Metadata) > 0 {
		meta, _ := json.Marshal(j.Metadata)
		m["metadata"] = string(meta)
	}
	return m
}

func jobFromMap(fields map[string]string) (*Job, error) {
	j := &Job{
		ID:           fields["id"],
		Queue:        fields["queue"],
		Task:         fields["task"],
		Payload:      json.RawMessage(fields["payload"]),
		Status:       Status(fields["status"]),
		Priority:     Priority(fields["priority"]),
		LastError:    fields["last_error"],
		ErrorKind:    fields["error_kind"],
		ProgressStep: fields["progress_step"],
	}
	j.Attempts, _ = strconv.Atoi(fields["attempts"])
	j.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["timeout_ms"], 10, 64); err == nil {
		j.Timeout = time.Duration(ms) * time.Millisecond
	}
	j.ProgressPercent, _ = strconv.ParseFloat(fields["progress_percent"], 64)
	j.CancelRequested = fields["cancel_requested"] == "1"
	if raw := fields["result"]; raw != "" {
		j.Result = json.RawMessage(raw)
	}
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Metadata); err != nil {
			return nil, fmt.Errorf("queue: job %s: parse metadata: %w", j.ID, err)
		}
	}
	for field, dst := range map[string]*time.Time{
		"enqueued_at":   &j.EnqueuedAt,
		"scheduled_for": &j.ScheduledFor,
		"started_at":    &j.StartedAt,
		"completed_at":  &j.CompletedAt,
	} {
		if raw := fields[field]; raw != "" {
			t, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return nil, fmt.Errorf("queue: job %s: parse %s: %w", j.ID, field, err)
			}
			*dst = t
		}
	}
	return j, nil
}
