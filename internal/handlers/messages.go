package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"zapdesk/internal/apperr"
	"zapdesk/internal/dispatch"
	"zapdesk/internal/messages"
	"zapdesk/internal/provider"
)

// ListMessages returns one page of a ticket's history and marks the ticket read.
func (s *Server) ListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ticketID, err := pathInt(r, "ticketId")
		if err != nil {
			respondWithError(w, err)
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("pageNumber"))
		res, err := s.Pipeline.List(r.Context(), messages.ListQuery{
			TenantID: tenantID(r),
			TicketID: ticketID,
			Page:     page,
			Viewer:   currentUser(r),
		})
		if err != nil {
			respondWithError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, res)
	}
}

type sendMessageRequest struct {
	Body      string   `json:"body"`
	Captions  []string `json:"captions"`
	QuotedMsg *struct {
		ID string `json:"id"`
	} `json:"quotedMsg"`
}

// SendMessage sends a text, or one message per uploaded file, on the ticket.
func (s *Server) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ticketID, err := pathInt(r, "ticketId")
		if err != nil {
			respondWithError(w, err)
			return
		}
		t, err := s.Tickets.Get(r.Context(), tenantID(r), ticketID)
		if err != nil {
			respondWithError(w, err)
			return
		}

		var req sendMessageRequest
		var media []provider.Media
		if isMultipart(r) {
			if err := r.ParseMultipartForm(maxUploadSize); err != nil {
				respondWithError(w, apperr.Validation("invalid multipart body: %v", err))
				return
			}
			req.Body = r.FormValue("body")
			req.Captions = r.MultipartForm.Value["captions"]
			if media, err = multipartMedia(r, "medias"); err != nil {
				respondWithError(w, err)
				return
			}
		} else if err := decodeJSON(r, &req); err != nil {
			respondWithError(w, err)
			return
		}
		quotedID := ""
		if req.QuotedMsg != nil {
			quotedID = req.QuotedMsg.ID
		}

		results := s.Dispatcher.SendMessages(r.Context(), t, req.Body, quotedID, media, req.Captions)
		failed := 0
		for _, res := range results {
			if res.Err != nil {
				failed++
			}
		}
		if failed == len(results) {
			respondWithError(w, results[0].Err)
			return
		}
		respondWithJSON(w, http.StatusOK, results)
	}
}

type editMessageRequest struct {
	Body string `json:"body"`
}

func (s *Server) EditMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req editMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			respondWithError(w, err)
			return
		}
		msg, err := s.Pipeline.Edit(r.Context(), tenantID(r), mux.Vars(r)["messageId"], req.Body)
		if err != nil {
			respondWithError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) DeleteMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := s.Pipeline.SoftDelete(r.Context(), tenantID(r), mux.Vars(r)["messageId"])
		if err != nil {
			respondWithError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, msg)
	}
}

type sendToNumberRequest struct {
	Number      string   `json:"number"`
	Body        string   `json:"body"`
	Captions    []string `json:"captions"`
	CloseTicket bool     `json:"closeTicket"`
}

// SendToNumber is the integration endpoint: it addresses a phone number on a channel
// instead of an existing ticket.
func (s *Server) SendToNumber() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID, err := pathInt(r, "channelId")
		if err != nil {
			respondWithError(w, err)
			return
		}
		var req sendToNumberRequest
		var media []provider.Media
		if isMultipart(r) {
			if err := r.ParseMultipartForm(maxUploadSize); err != nil {
				respondWithError(w, apperr.Validation("invalid multipart body: %v", err))
				return
			}
			req.Number = r.FormValue("number")
			req.Body = r.FormValue("body")
			req.Captions = r.MultipartForm.Value["captions"]
			req.CloseTicket, _ = strconv.ParseBool(r.FormValue("closeTicket"))
			if media, err = multipartMedia(r, "medias"); err != nil {
				respondWithError(w, err)
				return
			}
		} else if err := decodeJSON(r, &req); err != nil {
			respondWithError(w, err)
			return
		}

		res, err := s.Dispatcher.SendToNumber(r.Context(), dispatch.SendToNumberRequest{
			TenantID:    tenantID(r),
			ChannelID:   channelID,
			Number:      req.Number,
			Body:        req.Body,
			Media:       media,
			Captions:    req.Captions,
			CloseTicket: req.CloseTicket,
		})
		if err != nil {
			respondWithError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, res)
	}
}

// TranscribeAudio converts the uploaded "audio" file and returns its transcription.
func (s *Server) TranscribeAudio() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Transcriber == nil {
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "transcription is not configured"})
			return
		}
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			respondWithError(w, apperr.Validation("invalid multipart body: %v", err))
			return
		}
		f, fh, err := r.FormFile("audio")
		if err != nil {
			respondWithError(w, apperr.Validation("audio file is required"))
			return
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			respondWithError(w, apperr.Validation("could not read audio"))
			return
		}
		res, err := s.Transcriber.Transcribe(r.Context(), data, fh.Filename)
		if err != nil {
			respondWithError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, res)
	}
}

type forwardRequest struct {
	MessageID  string   `json:"messageId"`
	MessageIDs []string `json:"messageIds"`
	ContactID  int64    `json:"contactId"`
}

// ForwardMessages forwards one (messageId) or several (messageIds) messages to a contact.
func (s *Server) ForwardMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := requireUser(w, r)
		if !ok {
			return
		}
		var req forwardRequest
		if err := decodeJSON(r, &req); err != nil {
			respondWithError(w, err)
			return
		}
		if req.ContactID == 0 {
			respondWithError(w, apperr.Validation("contactId is required"))
			return
		}
		ids := req.MessageIDs
		if req.MessageID != "" {
			ids = append([]string{req.MessageID}, ids...)
		}
		msgs, err := s.Dispatcher.ForwardMany(r.Context(), u, ids, req.ContactID)
		if err != nil {
			respondWithError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, msgs)
	}
}

// CountMessages counts the tenant's messages, optionally by direction and date range.
// Dates are RFC 3339 or YYYY-MM-DD; a bare dateEnd includes the whole day.
func (s *Server) CountMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := messages.CountQuery{TenantID: tenantID(r)}
		params := r.URL.Query()
		if v := params.Get("fromMe"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				respondWithError(w, apperr.Validation("invalid fromMe"))
				return
			}
			q.FromMe = &b
		}
		var err error
		if q.Start, err = parseDate(params.Get("dateStart"), false); err != nil {
			respondWithError(w, err)
			return
		}
		if q.End, err = parseDate(params.Get("dateEnd"), true); err != nil {
			respondWithError(w, err)
			return
		}
		n, err := s.Pipeline.Count(r.Context(), q)
		if err != nil {
			respondWithError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]int{"count": n})
	}
}

func parseDate(v string, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, apperr.Validation("invalid date %q", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}
