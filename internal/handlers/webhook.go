package handlers

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"zapdesk/internal/adapters/wuzapi"
	"zapdesk/internal/apperr"
	"zapdesk/internal/messages"
	"zapdesk/internal/models"
	"zapdesk/internal/store"
)

// WebhookTask is one parsed provider event waiting for a worker.
type WebhookTask struct {
	Channel *models.Channel
	Event   wuzapi.Event
}

// WebhookPool processes provider events on a fixed number of workers. Events of the same
// chat always land on the same worker, so they are applied in the order they arrived.
type WebhookPool struct {
	pipeline *messages.Pipeline
	store    store.Store

	mu      sync.RWMutex
	stopped bool
	shards  []chan WebhookTask
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewWebhookPool(workers, queueSize int, p *messages.Pipeline, s store.Store) *WebhookPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := &WebhookPool{
		pipeline: p,
		store:    s,
		shards:   make([]chan WebhookTask, workers),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := range pool.shards {
		pool.shards[i] = make(chan WebhookTask, queueSize)
		pool.wg.Add(1)
		go pool.worker(pool.shards[i])
	}
	log.Info().Int("workers", workers).Int("queueSize", queueSize).Msg("Webhook worker pool started")
	return pool
}

// Submit queues the task. It returns false when the worker's queue is full or the pool
// is stopped, in which case the provider should retry later.
func (p *WebhookPool) Submit(task WebhookTask) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(task.Event.Chat()))
	shard := p.shards[h.Sum32()%uint32(len(p.shards))]
	select {
	case shard <- task:
		return true
	default:
		return false
	}
}

// Stop drains the queued events and waits for the workers to finish.
func (p *WebhookPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, s := range p.shards {
		close(s)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
}

func (p *WebhookPool) worker(tasks <-chan WebhookTask) {
	defer p.wg.Done()
	for task := range tasks {
		if err := p.process(p.ctx, task); err != nil {
			log.Error().Err(err).Int64("channelID", task.Channel.ID).Str("type", task.Event.Type).
				Msg("Failed to process webhook event")
		}
	}
}

func (p *WebhookPool) process(ctx context.Context, task WebhookTask) error {
	ch, ev := task.Channel, task.Event
	switch ev.Kind {
	case wuzapi.EventMessage:
		_, err := p.pipeline.IngestInbound(ctx, ch, *ev.Message)
		return err
	case wuzapi.EventReceipt:
		for _, id := range ev.Receipt.MessageIDs {
			if _, err := p.pipeline.UpdateAck(ctx, ch, id, ev.Receipt.Ack); err != nil {
				if errors.Is(err, apperr.ErrNotFound) {
					log.Debug().Str("messageID", id).Msg("Receipt for unknown message")
					continue
				}
				return err
			}
		}
	case wuzapi.EventPresence:
		return p.pipeline.Presence(ctx, ch, ev.Presence.From, ev.Presence.State)
	case wuzapi.EventConnection:
		log.Info().Int64("channelID", ch.ID).Str("status", ev.Status).Msg("Channel status changed")
		return p.store.UpdateChannelStatus(ctx, ch.ID, ev.Status)
	}
	return nil
}

// WuzapiWebhook accepts events posted by a channel's wuzapi instance, either as a JSON
// body or as a form with the JSON in jsonData.
func (s *Server) WuzapiWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID, err := pathInt(r, "channelId")
		if err != nil {
			respondWithError(w, err)
			return
		}
		ch, err := s.Store.GetChannel(r.Context(), channelID)
		if err != nil {
			respondWithError(w, err)
			return
		}

		var body []byte
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") ||
			strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			if err := r.ParseMultipartForm(maxUploadSize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
				respondWithError(w, apperr.Validation("invalid form body: %v", err))
				return
			}
			body = []byte(r.FormValue("jsonData"))
		} else {
			if body, err = io.ReadAll(io.LimitReader(r.Body, maxUploadSize)); err != nil {
				respondWithError(w, apperr.Validation("failed to read request body"))
				return
			}
		}

		ev, err := wuzapi.ParseEvent(body)
		if err != nil {
			log.Warn().Err(err).Int64("channelID", channelID).Msg("Invalid webhook payload")
			respondWithError(w, apperr.Validation("%v", err))
			return
		}
		if ch.Token != "" && ev.Token != ch.Token {
			log.Warn().Int64("channelID", channelID).Msg("Webhook token does not match channel")
			respondWithJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		log.Debug().Int64("channelID", channelID).Str("type", ev.Type).Msg("Received wuzapi event")
		if ev.Kind == wuzapi.EventIgnored {
			w.WriteHeader(http.StatusOK)
			return
		}

		if !s.Webhooks.Submit(WebhookTask{Channel: ch, Event: ev}) {
			log.Warn().Int64("channelID", channelID).Str("type", ev.Type).Msg("Webhook queue full")
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "busy, retry later"})
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
