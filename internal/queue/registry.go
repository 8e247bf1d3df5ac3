package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Handler executes one job attempt. The payload is the enqueuer's JSON
// verbatim; the returned value is marshalled into the job record's result.
type Handler func(ctx context.Context, task *Task) (interface{}, error)

// TaskDef couples a handler with its per-task defaults. Zero defaults fall
// back to the queue configuration at enqueue time.
type TaskDef struct {
	Name        string
	Handler     Handler
	MaxAttempts int
	Timeout     time.Duration
	// Backoff overrides the default retry schedule. Receives the attempt
	// count just failed, returns the delay before the next run.
	Backoff func(attempt int) time.Duration
}

// Registry maps task names to definitions. Enqueue refuses unknown names,
// the worker runtime resolves handlers through it.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]TaskDef
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]TaskDef)}
}

func (r *Registry) Register(def TaskDef) error {
	if def.Name == "" {
		return fmt.Errorf("queue: task name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("queue: task %s has no handler", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[def.Name]; exists {
		return fmt.Errorf("queue: task %s already registered", def.Name)
	}
	r.tasks[def.Name] = def
	return nil
}

func (r *Registry) MustRegister(def TaskDef) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (TaskDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tasks[name]
	return def, ok
}

func (r *Registry) Known(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns registered task names sorted, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NewTask builds the handler-facing view of a dequeued job.
func (q *Queue) NewTask(job *Job) *Task {
	return &Task{JobID: job.ID, Name: job.Task, Payload: job.Payload, Attempt: job.Attempts, q: q}
}

// Task is the handler's view of the running job.
type Task struct {
	JobID   string
	Name    string
	Payload json.RawMessage
	Attempt int

	q *Queue
}

// Progress stores a progress update on the job record and publishes it to
// subscribers. Errors are reported but handlers usually ignore them.
func (t *Task) Progress(ctx context.Context, step string, percent float64) error {
	return t.q.publishProgress(ctx, t.JobID, step, percent)
}

// Cancelled reports whether a cancellation has been requested for the job.
// Handlers are expected to check at natural checkpoints.
func (t *Task) Cancelled(ctx context.Context) bool {
	flag, err := t.q.rdb.HGet(ctx, t.q.keys.job(t.JobID), "cancel_requested").Result()
	return err == nil && flag == "1"
}
