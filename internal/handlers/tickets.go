package handlers

import (
	"net/http"
	"strconv"

	"zapdesk/internal/models"
	"zapdesk/internal/routing"
)

type transferRequest struct {
	QueueID *int64 `json:"queueId"`
	UserID  *int64 `json:"userId"`
}

func (s *Server) TransferTicket() http.HandlerFunc {
	return s.ticketAction(func(r *http.Request, id int64) (*models.Ticket, error) {
		var req transferRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		return s.Tickets.Transfer(r.Context(), tenantID(r), id, req.QueueID, req.UserID)
	})
}

func (s *Server) CloseTicket() http.HandlerFunc {
	return s.ticketAction(func(r *http.Request, id int64) (*models.Ticket, error) {
		return s.Tickets.Close(r.Context(), tenantID(r), id)
	})
}

func (s *Server) ReopenTicket() http.HandlerFunc {
	return s.ticketAction(func(r *http.Request, id int64) (*models.Ticket, error) {
		return s.Tickets.Reopen(r.Context(), tenantID(r), id)
	})
}

type claimRequest struct {
	QueueID *int64 `json:"queueId"`
}

// ClaimTicket assigns the ticket to the acting user, in the given queue or the user's
// default one.
func (s *Server) ClaimTicket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := requireUser(w, r)
		if !ok {
			return
		}
		s.ticketAction(func(r *http.Request, id int64) (*models.Ticket, error) {
			var req claimRequest
			if err := decodeJSON(r, &req); err != nil {
				return nil, err
			}
			if req.QueueID == nil {
				req.QueueID = routing.DefaultQueue(u)
			}
			return s.Tickets.Claim(r.Context(), tenantID(r), id, u.ID, req.QueueID)
		})(w, r)
	}
}

func (s *Server) ticketAction(fn func(r *http.Request, id int64) (*models.Ticket, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathInt(r, "ticketId")
		if err != nil {
			respondWithError(w, err)
			return
		}
		t, err := fn(r, id)
		if err != nil {
			respondWithError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, t)
	}
}

// Websocket streams the tenant's realtime events; ?ticketId= joins a ticket room as well.
func (s *Server) Websocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ticketID int64
		if v := r.URL.Query().Get("ticketId"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ticketId"})
				return
			}
			if _, err := s.Store.GetTicket(r.Context(), tenantID(r), id); err != nil {
				respondWithError(w, err)
				return
			}
			ticketID = id
		}
		s.Hub.ServeWS(w, r, tenantID(r), ticketID)
	}
}
