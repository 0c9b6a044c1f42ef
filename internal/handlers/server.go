package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/apperr"
	"zapdesk/internal/dispatch"
	"zapdesk/internal/jobs"
	"zapdesk/internal/messages"
	"zapdesk/internal/models"
	"zapdesk/internal/provider"
	"zapdesk/internal/realtime"
	"zapdesk/internal/store"
	"zapdesk/internal/tickets"
	"zapdesk/internal/transcribe"
)

const maxUploadSize = 64 << 20

type contextKey int

const (
	tenantKey contextKey = iota
	userKey
)

// Deps are the services the HTTP layer fronts.
type Deps struct {
	Store       store.Store
	Pipeline    *messages.Pipeline
	Tickets     *tickets.Manager
	Dispatcher  *dispatch.Dispatcher
	Transcriber *transcribe.Service
	Hub         *realtime.Hub
	Jobs        jobs.Queue
	Webhooks    *WebhookPool
	MediaDir    string
}

type Server struct {
	Deps
}

func New(d Deps) *Server {
	return &Server{Deps: d}
}

// Router builds the route table. Agent routes require X-Tenant-ID and resolve the acting
// user from X-User-ID; provider webhooks are authenticated by the channel they post to.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	agent := alice.New(s.requireTenant, s.resolveUser)

	r.Handle("/messages/count", agent.ThenFunc(s.CountMessages())).Methods(http.MethodGet)
	r.Handle("/messages/transcribe", agent.ThenFunc(s.TranscribeAudio())).Methods(http.MethodPost)
	r.Handle("/messages/forward", agent.ThenFunc(s.ForwardMessages())).Methods(http.MethodPost)
	r.Handle("/messages/{ticketId:[0-9]+}", agent.ThenFunc(s.ListMessages())).Methods(http.MethodGet)
	r.Handle("/messages/{ticketId:[0-9]+}", agent.ThenFunc(s.SendMessage())).Methods(http.MethodPost)
	r.Handle("/messages/{messageId}", agent.ThenFunc(s.EditMessage())).Methods(http.MethodPut)
	r.Handle("/messages/{messageId}", agent.ThenFunc(s.DeleteMessage())).Methods(http.MethodDelete)
	r.Handle("/api/messages/send/{channelId:[0-9]+}", agent.ThenFunc(s.SendToNumber())).Methods(http.MethodPost)

	r.Handle("/tickets/{ticketId:[0-9]+}/transfer", agent.ThenFunc(s.TransferTicket())).Methods(http.MethodPost)
	r.Handle("/tickets/{ticketId:[0-9]+}/close", agent.ThenFunc(s.CloseTicket())).Methods(http.MethodPost)
	r.Handle("/tickets/{ticketId:[0-9]+}/reopen", agent.ThenFunc(s.ReopenTicket())).Methods(http.MethodPost)
	r.Handle("/tickets/{ticketId:[0-9]+}/claim", agent.ThenFunc(s.ClaimTicket())).Methods(http.MethodPost)

	r.Handle("/webhooks/wuzapi/{channelId:[0-9]+}", s.WuzapiWebhook()).Methods(http.MethodPost)
	r.Handle("/ws", agent.ThenFunc(s.Websocket())).Methods(http.MethodGet)

	r.Handle("/jobs/status", agent.ThenFunc(s.JobsStatus())).Methods(http.MethodGet)
	r.Handle("/jobs/{jobId}", agent.ThenFunc(s.JobStatus())).Methods(http.MethodGet)

	if s.MediaDir != "" {
		r.PathPrefix("/public/").Handler(http.StripPrefix("/public/", http.FileServer(http.Dir(s.MediaDir))))
	}

	return alice.New(recoverPanic, logRequest).Then(r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the recorder would hide http.Hijacker from the websocket upgrade
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", rec.status).
			Dur("duration", time.Since(start)).Msg("HTTP request")
	})
}

func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("Handler panicked")
				respondWithJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Tenant-ID")
		if raw == "" {
			// browsers cannot set headers on websocket handshakes
			raw = r.URL.Query().Get("tenantId")
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			respondWithJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid tenant"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, id)))
	})
}

func (s *Server) resolveUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-ID")
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondWithJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid user"})
			return
		}
		u, err := s.Store.GetUser(r.Context(), tenantID(r), id)
		if err != nil {
			respondWithJSON(w, http.StatusUnauthorized, map[string]string{"error": "unknown user"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	})
}

func tenantID(r *http.Request) int64 {
	id, _ := r.Context().Value(tenantKey).(int64)
	return id
}

func currentUser(r *http.Request) *models.User {
	u, _ := r.Context().Value(userKey).(*models.User)
	return u
}

func requireUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	u := currentUser(r)
	if u == nil {
		respondWithJSON(w, http.StatusUnauthorized, map[string]string{"error": "X-User-ID is required"})
		return nil, false
	}
	return u, true
}

func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func respondWithError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		log.Error().Err(err).Msg("Request failed")
	}
	respondWithJSON(w, status, map[string]string{"error": err.Error()})
}

func pathInt(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		return 0, apperr.Validation("invalid %s", name)
	}
	return id, nil
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Validation("invalid JSON body: %v", err)
	}
	return nil
}

// multipartMedia reads the uploaded files of field into attachments.
func multipartMedia(r *http.Request, field string) ([]provider.Media, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	var out []provider.Media
	for _, fh := range r.MultipartForm.File[field] {
		f, err := fh.Open()
		if err != nil {
			return nil, apperr.Validation("could not open upload %s", fh.Filename)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, apperr.Validation("could not read upload %s", fh.Filename)
		}
		mimetype := fh.Header.Get("Content-Type")
		if mimetype == "" || mimetype == "application/octet-stream" {
			mimetype = http.DetectContentType(data)
		}
		out = append(out, provider.Media{Filename: fh.Filename, Mimetype: mimetype, Data: data})
	}
	return out, nil
}
