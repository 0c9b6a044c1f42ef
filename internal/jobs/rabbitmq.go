package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const attemptHeader = "x-attempt"

// Broker is the part of the RabbitMQ client the queue uses; *rabbit.Client implements it.
type Broker interface {
	QueueName(name string) string
	Publish(ctx context.Context, queue string, body []byte, headers amqp091.Table) error
	Consume(queue string, prefetch int) (<-chan amqp091.Delivery, io.Closer, error)
}

// RabbitQueue keeps jobs in a durable RabbitMQ queue so they survive restarts and can be
// shared by several processes. A failed attempt is republished with its attempt counter
// raised; the last failed attempt drops the job.
type RabbitQueue struct {
	tracker
	client       Broker
	queue        string
	handlers     map[string]Handler
	hmu          sync.RWMutex
	workers      int
	retryBackoff time.Duration
	timeout      time.Duration
	wg           sync.WaitGroup
}

func NewRabbitQueue(client Broker, queue string, cfg Config) *RabbitQueue {
	if queue == "" {
		queue = "jobs"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RabbitQueue{
		tracker:      newTracker(),
		client:       client,
		queue:        client.QueueName(queue),
		handlers:     make(map[string]Handler),
		workers:      cfg.Workers,
		retryBackoff: cfg.RetryBackoff,
		timeout:      cfg.Timeout,
	}
}

func (q *RabbitQueue) Handle(name string, h Handler) {
	q.hmu.Lock()
	defer q.hmu.Unlock()
	q.handlers[name] = h
}

func (q *RabbitQueue) Info() Info {
	return Info{
		Backend:      "rabbitmq",
		Pending:      q.Pending(),
		MaxAttempts:  DefaultMaxAttempts,
		TimeoutMs:    q.timeout.Milliseconds(),
		RetryBackoff: q.retryBackoff.Milliseconds(),
	}
}

func (q *RabbitQueue) Enqueue(ctx context.Context, name string, payload interface{}, maxAttempts int) (*Job, error) {
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
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	// a consumer may finish the job before publish returns
	tracked := *job
	q.put(&tracked)
	if err := q.publish(ctx, job); err != nil {
		q.remove(job.ID)
		return nil, err
	}
	log.Info().Str("jobID", job.ID).Str("job", name).Str("queue", q.queue).Msg("Job enqueued")
	cp := *job
	return &cp, nil
}

func (q *RabbitQueue) publish(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.Publish(ctx, q.queue, body, amqp091.Table{attemptHeader: int32(job.AttemptCount)})
}

// Run consumes the queue with the configured number of workers until ctx is cancelled.
func (q *RabbitQueue) Run(ctx context.Context) error {
	deliveries, consumer, err := q.client.Consume(q.queue, q.workers)
	if err != nil {
		return err
	}
	log.Info().Str("queue", q.queue).Int("workers", q.workers).Msg("Job consumer started")
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.consume(ctx, d)
				}
			}
		}()
	}
	<-ctx.Done()
	consumer.Close()
	q.wg.Wait()
	return nil
}

func (q *RabbitQueue) consume(ctx context.Context, d amqp091.Delivery) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Error().Err(err).Msg("Dropping undecodable job")
		_ = d.Ack(false)
		return
	}
	q.hmu.RLock()
	h, ok := q.handlers[job.Name]
	q.hmu.RUnlock()
	if !ok {
		log.Error().Str("jobID", job.ID).Str("job", job.Name).Msg("No handler for job, dropping")
		_ = d.Ack(false)
		return
	}

	job.Status = StatusRunning
	running := job
	q.put(&running)
	attemptCtx, cancel := context.WithTimeout(ctx, q.timeout)
	err := h(attemptCtx, &job)
	cancel()
	job.AttemptCount++
	job.LastAttempt = time.Now()

	switch {
	case err == nil:
		job.Status = StatusDone
		q.remove(job.ID)
		log.Info().Str("jobID", job.ID).Str("job", job.Name).Int("attemptCount", job.AttemptCount).Msg("Job completed")
	case job.AttemptCount >= job.MaxAttempts:
		job.Status = StatusFailed
		q.remove(job.ID)
		log.Error().Err(err).Str("jobID", job.ID).Str("job", job.Name).Int("attemptCount", job.AttemptCount).Msg("Job failed permanently")
	default:
		job.Status = StatusPending
		job.LastError = err.Error()
		waiting := job
		q.put(&waiting)
		log.Warn().Err(err).Str("jobID", job.ID).Int("attemptCount", job.AttemptCount).Msg("Job attempt failed, requeueing")
		if q.retryBackoff > 0 {
			select {
			case <-time.After(q.retryBackoff):
			case <-ctx.Done():
			}
		}
		if perr := q.publish(context.Background(), &job); perr != nil {
			// hand it back to the broker as it was received
			log.Error().Err(perr).Str("jobID", job.ID).Msg("Could not requeue job")
			_ = d.Nack(false, true)
			return
		}
	}
	_ = d.Ack(false)
}
