package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Status is the state of a job in the queue.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// DefaultMaxAttempts is used when a job is enqueued without an attempt limit.
const DefaultMaxAttempts = 3

// Job is a unit of asynchronous work with a bounded number of attempts.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	MaxAttempts  int             `json:"max_attempts"`
	AttemptCount int             `json:"attempt_count"`
	Status       Status          `json:"status"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastAttempt  time.Time       `json:"last_attempt,omitempty"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// Handler runs one attempt of a job. A returned error counts as a failed attempt.
type Handler func(ctx context.Context, job *Job) error

// Queue is the port the dispatcher enqueues work through.
type Queue interface {
	Handle(name string, h Handler)
	Enqueue(ctx context.Context, name string, payload interface{}, maxAttempts int) (*Job, error)
	Pending() int
	Status(id string) (*Job, bool)
	Info() Info
}

// Info describes a queue for the status endpoint.
type Info struct {
	Backend      string `json:"backend"`
	Pending      int    `json:"pending_jobs"`
	MaxAttempts  int    `json:"max_attempts"`
	TimeoutMs    int64  `json:"timeout_ms"`
	RetryBackoff int64  `json:"retry_backoff_ms"`
}

// tracker keeps the jobs this process knows to be unfinished.
type tracker struct {
	mu      sync.RWMutex
	pending map[string]*Job
}

func newTracker() tracker {
	return tracker{pending: make(map[string]*Job)}
}

func (t *tracker) put(j *Job) {
	t.mu.Lock()
	t.pending[j.ID] = j
	t.mu.Unlock()
}

func (t *tracker) remove(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Pending returns the number of unfinished jobs.
func (t *tracker) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// Status returns a snapshot of an unfinished job.
func (t *tracker) Status(id string) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}
