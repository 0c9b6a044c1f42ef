package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"zapdesk/internal/apperr"
	"zapdesk/internal/models"
)

const defaultBuffer = 64

// Subscription is one live subscriber connection. Frames arrive on C in publish order;
// when the buffer is full the frame is dropped for this subscriber only.
type Subscription struct {
	C        <-chan []byte
	ch       chan []byte
	id       uint64
	tenantID int64
	hub      *Hub
	closed   bool
	dropped  atomic.Int64
}

// Dropped returns how many frames this subscriber missed because it was too slow.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Join adds the subscription to a ticket room. Tickets of another tenant are reported as
// not found and the room is not joined.
func (s *Subscription) Join(ctx context.Context, ticketID int64) error {
	if err := s.hub.authorize(ctx, s.tenantID, ticketID); err != nil {
		return err
	}
	s.hub.join(s, TicketRoom(ticketID))
	return nil
}

// Leave removes the subscription from a ticket room.
func (s *Subscription) Leave(ticketID int64) {
	s.hub.leave(s, TicketRoom(ticketID))
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// TicketLookup resolves a ticket within a tenant; store.Store satisfies it.
type TicketLookup interface {
	GetTicket(ctx context.Context, tenantID, id int64) (*models.Ticket, error)
}

// Hub is the in-process room registry. It implements Transport.
type Hub struct {
	mu      sync.RWMutex
	nextID  uint64
	rooms   map[string]map[uint64]*Subscription
	member  map[uint64]map[string]struct{}
	buffer  int
	tickets TicketLookup
}

// NewHub returns a hub that checks ticket room joins against tickets. With a nil lookup any
// ticket room can be joined, but frames still only reach subscribers of the event's tenant.
func NewHub(tickets TicketLookup) *Hub {
	return &Hub{
		rooms:   make(map[string]map[uint64]*Subscription),
		member:  make(map[uint64]map[string]struct{}),
		buffer:  defaultBuffer,
		tickets: tickets,
	}
}

func (h *Hub) authorize(ctx context.Context, tenantID, ticketID int64) error {
	if ticketID == 0 {
		return apperr.Validation("ticket id is required")
	}
	if h.tickets == nil {
		return nil
	}
	if _, err := h.tickets.GetTicket(ctx, tenantID, ticketID); err != nil {
		log.Warn().Err(err).Int64("tenantID", tenantID).Int64("ticketID", ticketID).Msg("Ticket room join refused")
		return err
	}
	return nil
}

// Subscribe registers a subscriber in the tenant room, and in the ticket room when ticketID
// is set and belongs to the tenant.
func (h *Hub) Subscribe(ctx context.Context, tenantID, ticketID int64) (*Subscription, error) {
	if ticketID != 0 {
		if err := h.authorize(ctx, tenantID, ticketID); err != nil {
			return nil, err
		}
	}
	h.mu.Lock()
	h.nextID++
	ch := make(chan []byte, h.buffer)
	s := &Subscription{C: ch, ch: ch, id: h.nextID, tenantID: tenantID, hub: h}
	h.member[s.id] = make(map[string]struct{})
	h.joinLocked(s, TenantRoom(tenantID))
	if ticketID != 0 {
		h.joinLocked(s, TicketRoom(ticketID))
	}
	h.mu.Unlock()
	log.Debug().Int64("tenantID", tenantID).Int64("ticketID", ticketID).Msg("Realtime subscriber registered")
	return s, nil
}

func (h *Hub) joinLocked(s *Subscription, room string) {
	if s.closed {
		return
	}
	subs, ok := h.rooms[room]
	if !ok {
		subs = make(map[uint64]*Subscription)
		h.rooms[room] = subs
	}
	subs[s.id] = s
	h.member[s.id][room] = struct{}{}
}

func (h *Hub) join(s *Subscription, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinLocked(s, room)
}

func (h *Hub) leave(s *Subscription, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.rooms[room]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.member[s.id]; ok {
		delete(rooms, room)
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	for room := range h.member[s.id] {
		if subs, ok := h.rooms[room]; ok {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.member, s.id)
	s.closed = true
	close(s.ch)
}

// Watching reports whether anyone is subscribed to the ticket room.
func (h *Hub) Watching(ticketID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[TicketRoom(ticketID)]) > 0
}

// EmitToRooms delivers the frame once to every subscriber of the tenant in any of the rooms.
// Sends happen under the read lock so that a subscriber observes frames in publish order and
// is never sent to after Close.
func (h *Hub) EmitToRooms(_ context.Context, tenantID int64, rooms []string, event string, frame []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[uint64]struct{})
	for _, room := range rooms {
		for id, s := range h.rooms[room] {
			if _, dup := seen[id]; dup || s.tenantID != tenantID {
				continue
			}
			seen[id] = struct{}{}
			select {
			case s.ch <- frame:
			default:
				s.dropped.Add(1)
				log.Debug().Str("event", event).Str("room", room).Msg("Subscriber buffer full, event dropped")
			}
		}
	}
	return nil
}
