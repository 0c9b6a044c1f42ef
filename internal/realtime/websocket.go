package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/apperr"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// origin checks belong to the authenticating proxy in front of this service
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientCommand is sent by agent clients to enter or leave a ticket room.
type clientCommand struct {
	Type     string `json:"type"` // "joinChatBox" | "leaveChatBox"
	TicketID int64  `json:"ticketId"`
}

// ServeWS upgrades the request and streams the tenant's events to the connection until
// either side goes away. ticketID, when non-zero, joins the ticket room right away; a ticket
// outside the tenant is answered with 404 before upgrading.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, tenantID, ticketID int64) {
	sub, err := h.Subscribe(r.Context(), tenantID, ticketID)
	if err != nil {
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		sub.Close()
		return
	}
	go h.readPump(conn, sub)
	h.writePump(conn, sub)
}

func (h *Hub) readPump(conn *websocket.Conn, sub *Subscription) {
	defer sub.Close()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("Websocket closed unexpectedly")
			}
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.TicketID == 0 {
			continue
		}
		switch cmd.Type {
		case "joinChatBox":
			if err := sub.Join(context.Background(), cmd.TicketID); err != nil {
				log.Debug().Err(err).Int64("ticketID", cmd.TicketID).Msg("Join refused")
			}
		case "leaveChatBox":
			sub.Leave(cmd.TicketID)
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case frame, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				sub.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sub.Close()
				return
			}
		}
	}
}
