package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"zapdesk/internal/models"
)

// Event names published to subscribers.
const (
	EventMessageCreated  = "message-created"
	EventMessageUpdated  = "message-updated"
	EventTicketUpdated   = "ticket-updated"
	EventPresenceChanged = "presence-changed"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
)

// Presence states reported by the provider for a contact.
const (
	PresenceComposing = "composing"
	PresenceRecording = "recording"
	PresenceAvailable = "available"
)

// Presence is the payload of presence-changed.
type Presence struct {
	ContactID int64  `json:"contactId"`
	State     string `json:"presence"`
}

// Payload is the wire body of an event: {action, message|ticket|presence}.
type Payload struct {
	Action   string          `json:"action"`
	Message  *models.Message `json:"message,omitempty"`
	Ticket   *models.Ticket  `json:"ticket,omitempty"`
	Presence *Presence       `json:"presence,omitempty"`
}

// Event is a mutation to fan out. TicketID is zero for tenant-wide events.
type Event struct {
	Name     string
	TenantID int64
	TicketID int64
	Payload  Payload
}

// Frame is what a subscriber connection receives.
type Frame struct {
	Event string  `json:"event"`
	Data  Payload `json:"data"`
}

func TenantRoom(tenantID int64) string {
	return fmt.Sprintf("company-%d", tenantID)
}

func TicketRoom(ticketID int64) string {
	return fmt.Sprintf("ticket-%d", ticketID)
}

// Rooms returns the room keys an event is delivered to.
func (e Event) Rooms() []string {
	rooms := []string{TenantRoom(e.TenantID)}
	if e.TicketID != 0 {
		rooms = append(rooms, TicketRoom(e.TicketID))
	}
	return rooms
}

// Transport delivers an encoded frame to every subscriber of the tenant in any of the rooms,
// once per subscriber.
type Transport interface {
	EmitToRooms(ctx context.Context, tenantID int64, rooms []string, event string, frame []byte) error
}

// Publisher is what the engine depends on.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Notifier encodes events and hands them to one or more transports. Delivery is best effort:
// transport errors are logged and never returned to the mutating caller.
type Notifier struct {
	transports []Transport
}

func NewNotifier(transports ...Transport) *Notifier {
	return &Notifier{transports: transports}
}

func (n *Notifier) Publish(ctx context.Context, ev Event) {
	frame, err := json.Marshal(Frame{Event: ev.Name, Data: ev.Payload})
	if err != nil {
		log.Error().Err(err).Str("event", ev.Name).Msg("Failed to encode realtime event")
		return
	}
	rooms := ev.Rooms()
	for _, t := range n.transports {
		if err := t.EmitToRooms(ctx, ev.TenantID, rooms, ev.Name, frame); err != nil {
			log.Warn().Err(err).Str("event", ev.Name).Strs("rooms", rooms).Msg("Realtime transport failed")
		}
	}
}

func MessageCreated(m *models.Message) Event {
	return Event{Name: EventMessageCreated, TenantID: m.TenantID, TicketID: m.TicketID,
		Payload: Payload{Action: ActionCreate, Message: m}}
}

func MessageUpdated(m *models.Message) Event {
	return Event{Name: EventMessageUpdated, TenantID: m.TenantID, TicketID: m.TicketID,
		Payload: Payload{Action: ActionUpdate, Message: m}}
}

func TicketUpdated(t *models.Ticket) Event {
	return Event{Name: EventTicketUpdated, TenantID: t.TenantID, TicketID: t.ID,
		Payload: Payload{Action: ActionUpdate, Ticket: t}}
}

func PresenceChanged(tenantID, ticketID int64, p Presence) Event {
	return Event{Name: EventPresenceChanged, TenantID: tenantID, TicketID: ticketID,
		Payload: Payload{Action: ActionUpdate, Presence: &p}}
}

// Reconcile applies a received message to an ordered list with upsert-by-id semantics:
// a known id is replaced in place, an unknown id on "create" is appended, and an unknown
// id on "update" is ignored.
func Reconcile(list []*models.Message, action string, m *models.Message) []*models.Message {
	for i, existing := range list {
		if existing.ID == m.ID {
			out := append([]*models.Message(nil), list...)
			out[i] = m
			return out
		}
	}
	if action != ActionCreate {
		return list
	}
	out := make([]*models.Message, 0, len(list)+1)
	out = append(out, list...)
	return append(out, m)
}
