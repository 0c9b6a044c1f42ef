package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrStopped is returned by Enqueue once the manager was stopped.
var ErrStopped = errors.New("job manager stopped")

// Config tunes the in-process manager.
type Config struct {
	Workers      int
	RetryBackoff time.Duration
	Timeout      time.Duration
}

// Manager runs jobs inside this process. A failed job stays pending and is picked up again
// by the retry loop once its backoff elapsed, until it runs out of attempts.
type Manager struct {
	tracker
	handlers     map[string]Handler
	hmu          sync.RWMutex
	slots        chan struct{}
	retryBackoff time.Duration
	timeout      time.Duration
	stop         chan struct{}
	stopped      bool // guarded by tracker.mu; no wg.Add once set
	wg           sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	m := &Manager{
		tracker:      newTracker(),
		handlers:     make(map[string]Handler),
		slots:        make(chan struct{}, cfg.Workers),
		retryBackoff: cfg.RetryBackoff,
		timeout:      cfg.Timeout,
		stop:         make(chan struct{}),
	}
	go m.processRetries()

	log.Info().
		Int("workers", cfg.Workers).
		Dur("retryBackoff", m.retryBackoff).
		Dur("timeout", m.timeout).
		Msg("Job manager initialized")
	return m
}

func (m *Manager) Handle(name string, h Handler) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.handlers[name] = h
}

func (m *Manager) Info() Info {
	return Info{
		Backend:      "memory",
		Pending:      m.Pending(),
		MaxAttempts:  DefaultMaxAttempts,
		TimeoutMs:    m.timeout.Milliseconds(),
		RetryBackoff: m.retryBackoff.Milliseconds(),
	}
}

// Enqueue registers the job and starts its first attempt in the background.
func (m *Manager) Enqueue(_ context.Context, name string, payload interface{}, maxAttempts int) (*Job, error) {
	m.hmu.RLock()
	_, ok := m.handlers[name]
	m.hmu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for job %q", name)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	job := &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     body,
		MaxAttempts: maxAttempts,
		Status:      StatusRunning,
		CreatedAt:   time.Now(),
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	m.pending[job.ID] = job
	m.wg.Add(1)
	m.mu.Unlock()

	log.Info().Str("jobID", job.ID).Str("job", name).Int("maxAttempts", maxAttempts).Msg("Job enqueued")
	go m.process(job)
	cp := *job
	return &cp, nil
}

func (m *Manager) process(job *Job) {
	defer m.wg.Done()
	select {
	case m.slots <- struct{}{}:
	case <-m.stop:
		return
	}
	defer func() { <-m.slots }()

	m.hmu.RLock()
	h := m.handlers[job.Name]
	m.hmu.RUnlock()

	m.mu.Lock()
	snapshot := *job
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	err := h(ctx, &snapshot)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	job.AttemptCount++
	job.LastAttempt = time.Now()
	if err == nil {
		job.Status = StatusDone
		delete(m.pending, job.ID)
		log.Info().Str("jobID", job.ID).Str("job", job.Name).Int("attemptCount", job.AttemptCount).Msg("Job completed")
		return
	}
	job.LastError = err.Error()
	if job.AttemptCount >= job.MaxAttempts {
		job.Status = StatusFailed
		delete(m.pending, job.ID)
		log.Error().Err(err).
			Str("jobID", job.ID).
			Str("job", job.Name).
			Int("attemptCount", job.AttemptCount).
			Msg("Job failed permanently")
		return
	}
	job.Status = StatusPending
	log.Warn().Err(err).
		Str("jobID", job.ID).
		Int("attemptCount", job.AttemptCount).
		Int("maxAttempts", job.MaxAttempts).
		Msg("Job attempt failed, will retry")
}

func (m *Manager) processRetries() {
	ticker := time.NewTicker(m.retryBackoff / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.retryFailedJobs()
		case <-m.stop:
			return
		}
	}
}

// retryFailedJobs restarts pending jobs whose backoff has elapsed.
func (m *Manager) retryFailedJobs() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	var retry []*Job
	for _, job := range m.pending {
		if job.Status == StatusPending &&
			job.AttemptCount < job.MaxAttempts &&
			time.Since(job.LastAttempt) >= m.retryBackoff {
			job.Status = StatusRunning
			retry = append(retry, job)
		}
	}
	m.wg.Add(len(retry))
	m.mu.Unlock()

	for _, job := range retry {
		log.Info().Str("jobID", job.ID).Int("attemptCount", job.AttemptCount).Msg("Retrying job")
		go m.process(job)
	}
}

// Stop ends the retry loop and waits for running attempts. Pending jobs are abandoned and
// later Enqueue calls fail with ErrStopped.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
