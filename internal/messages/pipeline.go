package messages

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/apperr"
	"zapdesk/internal/contacts"
	"zapdesk/internal/models"
	"zapdesk/internal/provider"
	"zapdesk/internal/realtime"
	"zapdesk/internal/routing"
	"zapdesk/internal/store"
	"zapdesk/internal/tickets"
)

// PageSize is the number of messages per history page.
const PageSize = 20

// Attachments persists media and returns where it can be fetched from.
type Attachments interface {
	Save(ctx context.Context, tenantID int64, m provider.Media) (url, thumbnailURL string, err error)
}

// InboundEvent is a message observed on a channel, already decoded from the provider's wire format.
type InboundEvent struct {
	ID            string
	From          string // contact (or group) identifier as the provider reports it
	PushName      string
	ProfilePicURL string
	FromMe        bool
	IsGroup       bool
	Type          string // provider media type, classified with models.ClassifyMediaType
	Body          string
	Media         *provider.Media
	MediaURL      string
	QuotedID      string
	Ack           models.AckLevel
	Timestamp     time.Time
}

// OutboundMessage is a message an agent sends on a ticket. ID is optional; when it names a
// message already stored on the ticket, that message is dispatched again instead of
// recording a new one.
type OutboundMessage struct {
	ID          string
	Body        string
	Media       *provider.Media
	QuotedMsgID string
}

// DispatchResult is the outcome of handing a message to the provider.
type DispatchResult struct {
	ProviderID string `json:"providerId,omitempty"`
	Status     string `json:"status"`
}

const (
	DispatchSent   = "sent"
	DispatchFailed = "failed"
)

// Deps wires the pipeline.
type Deps struct {
	Store       store.Store
	Contacts    *contacts.Registry
	Tickets     *tickets.Manager
	Router      *routing.Engine
	Provider    provider.Provider
	Attachments Attachments
	Publisher   realtime.Publisher
	Viewers     *ViewTracker
}

// Pipeline turns channel events and agent actions into persisted messages.
type Pipeline struct {
	store       store.Store
	contacts    *contacts.Registry
	tickets     *tickets.Manager
	router      *routing.Engine
	provider    provider.Provider
	attachments Attachments
	pub         realtime.Publisher
	viewers     *ViewTracker
}

func NewPipeline(d Deps) *Pipeline {
	if d.Viewers == nil {
		d.Viewers = NewViewTracker(0, nil)
	}
	if d.Router == nil {
		d.Router = routing.NewEngine()
	}
	return &Pipeline{
		store:       d.Store,
		contacts:    d.Contacts,
		tickets:     d.Tickets,
		router:      d.Router,
		provider:    d.Provider,
		attachments: d.Attachments,
		pub:         d.Publisher,
		viewers:     d.Viewers,
	}
}

// NewMessageID returns an id in the format the WhatsApp network uses for its own messages,
// so outbound rows can be stored before the provider sees them.
func NewMessageID() string {
	u := uuid.New()
	return "3EB0" + strings.ToUpper(hex.EncodeToString(u[:8]))
}

func lastMessageText(m *models.Message) string {
	if m.Body != "" {
		return m.Body
	}
	return string(m.MediaType)
}

func (p *Pipeline) saveMedia(ctx context.Context, tenantID int64, media *provider.Media) (string, string, error) {
	if media == nil {
		return "", "", nil
	}
	if media.URL != "" && len(media.Data) == 0 {
		return media.URL, "", nil
	}
	if p.attachments == nil {
		return "", "", apperr.Validation("attachment storage is not configured")
	}
	url, thumb, err := p.attachments.Save(ctx, tenantID, *media)
	if err != nil {
		return "", "", fmt.Errorf("failed to store attachment %s: %w", media.Filename, err)
	}
	return url, thumb, nil
}

// IngestInbound records a message seen on a channel. A provider id that was already recorded
// returns the stored message and changes nothing.
func (p *Pipeline) IngestInbound(ctx context.Context, ch *models.Channel, ev InboundEvent) (*models.Message, error) {
	if ev.ID == "" {
		return nil, apperr.Validation("inbound message without id")
	}
	if existing, err := p.store.FindMessage(ctx, ch.TenantID, ch.ID, ev.ID); err == nil {
		log.Debug().Str("messageID", ev.ID).Msg("Duplicate inbound message ignored")
		return existing, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	in := contacts.ResolveInput{
		TenantID:      ch.TenantID,
		Family:        ch.Family,
		Raw:           ev.From,
		ProfilePicURL: ev.ProfilePicURL,
		IsGroup:       ev.IsGroup,
	}
	// on our own messages the push name is ours, not the contact's
	if !ev.FromMe && !ev.IsGroup {
		in.Name = ev.PushName
	}
	contact, err := p.contacts.Resolve(ctx, in)
	if err != nil {
		return nil, err
	}

	mediaType := models.ClassifyMediaType(ev.Type)
	if ev.Type == "" && ev.Media != nil {
		mediaType = ev.Media.Kind()
	}
	mediaURL, thumbURL := ev.MediaURL, ""
	if ev.Media != nil {
		if mediaURL, thumbURL, err = p.saveMedia(ctx, ch.TenantID, ev.Media); err != nil {
			return nil, err
		}
	}
	createdAt := ev.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	msg := &models.Message{
		ID:           ev.ID,
		TenantID:     ch.TenantID,
		ChannelID:    ch.ID,
		ContactID:    contact.ID,
		FromMe:       ev.FromMe,
		Body:         ev.Body,
		MediaType:    mediaType,
		MediaURL:     mediaURL,
		ThumbnailURL: thumbURL,
		Ack:          ev.Ack,
		CreatedAt:    createdAt.UTC(),
	}

	key := tickets.KeyOf(ch.TenantID, ch.ID, contact.ID)
	err = p.tickets.WithTicketLock(ctx, key, ev.IsGroup, func(t *models.Ticket, created bool) error {
		if created {
			if err := p.route(ctx, ch, t); err != nil {
				return err
			}
		}
		msg.TicketID = t.ID
		p.attachQuoted(ctx, msg, ev.QuotedID)

		if err := p.store.CreateMessage(ctx, msg); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				existing, gerr := p.store.FindMessage(ctx, ch.TenantID, ch.ID, msg.ID)
				if gerr != nil {
					return gerr
				}
				msg = existing
				return nil
			}
			return fmt.Errorf("failed to store message %s: %w", msg.ID, err)
		}

		unread := !ev.FromMe && !p.viewers.Active(t.ID)
		if err := p.tickets.UpdateLastMessage(ctx, t, lastMessageText(msg), unread); err != nil {
			return err
		}
		p.pub.Publish(ctx, realtime.MessageCreated(msg))
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Int64("tenantID", ch.TenantID).Int64("ticketID", msg.TicketID).Str("messageID", msg.ID).
		Str("mediaType", string(msg.MediaType)).Bool("fromMe", msg.FromMe).Msg("Inbound message stored")
	return msg, nil
}

// route assigns a fresh ticket to the channel's queue when it has exactly one.
func (p *Pipeline) route(ctx context.Context, ch *models.Channel, t *models.Ticket) error {
	var candidates []*models.Queue
	if len(ch.QueueIDs) > 0 {
		qs, err := p.store.GetQueues(ctx, ch.QueueIDs)
		if err != nil {
			return fmt.Errorf("failed to load queues of channel %d: %w", ch.ID, err)
		}
		candidates = qs
	}
	a, err := p.router.Route(ctx, t, candidates, nil)
	if err != nil {
		return err
	}
	if a.Apply(t) {
		return p.tickets.Save(ctx, t)
	}
	return nil
}

func (p *Pipeline) attachQuoted(ctx context.Context, msg *models.Message, quotedID string) {
	if quotedID == "" {
		return
	}
	q, err := p.store.FindMessage(ctx, msg.TenantID, msg.ChannelID, quotedID)
	if err != nil {
		log.Debug().Str("quotedID", quotedID).Msg("Quoted message unknown, storing without reference")
		return
	}
	msg.QuotedMsgID = &q.ID
	msg.QuotedMsg = q
}

// IngestOutbound records an agent message on t and hands it to the provider. The message is
// kept when dispatch fails; its ack stays pending and the provider error is returned.
func (p *Pipeline) IngestOutbound(ctx context.Context, t *models.Ticket, out OutboundMessage) (*models.Message, DispatchResult, error) {
	if strings.TrimSpace(out.Body) == "" && out.Media == nil {
		return nil, DispatchResult{}, apperr.Validation("message has neither body nor media")
	}
	ch, contact, err := p.endpoints(ctx, t)
	if err != nil {
		return nil, DispatchResult{}, err
	}

	var msg *models.Message
	if out.ID != "" {
		existing, err := p.store.FindMessage(ctx, t.TenantID, t.ChannelID, out.ID)
		if err == nil && existing.TicketID == t.ID {
			msg = existing
		} else if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, DispatchResult{}, err
		}
	}
	if msg == nil {
		if msg, err = p.record(ctx, t, contact, out); err != nil {
			return nil, DispatchResult{}, err
		}
	}

	quotedID := ""
	if msg.QuotedMsgID != nil {
		quotedID = *msg.QuotedMsgID
	}
	var providerID string
	if out.Media != nil {
		media := *out.Media
		if len(media.Data) == 0 && media.URL == "" {
			media.URL = msg.MediaURL
		}
		caption := out.Body
		providerID, err = p.provider.SendMedia(ctx, ch, contact, msg.ID, media, caption)
	} else {
		providerID, err = p.provider.SendText(ctx, ch, contact, msg.ID, msg.Body, quotedID)
	}
	if err != nil {
		log.Error().Err(err).Int64("ticketID", t.ID).Str("messageID", msg.ID).Msg("Failed to dispatch message")
		return msg, DispatchResult{Status: DispatchFailed}, apperr.Provider(err, "failed to send message %s", msg.ID)
	}
	if providerID != "" && providerID != msg.ID {
		log.Warn().Str("messageID", msg.ID).Str("providerID", providerID).Msg("Provider assigned a different message id")
	}
	if updated, _, err := p.advanceAck(ctx, t.TenantID, t.ChannelID, msg.ID, models.AckSent); err == nil && updated != nil {
		msg = updated
	}
	return msg, DispatchResult{ProviderID: providerID, Status: DispatchSent}, nil
}

// record persists a new outbound message on t under the ticket lock.
func (p *Pipeline) record(ctx context.Context, t *models.Ticket, contact *models.Contact, out OutboundMessage) (*models.Message, error) {
	id := out.ID
	if id == "" {
		id = NewMessageID()
	}
	msg := &models.Message{
		ID:        id,
		TenantID:  t.TenantID,
		ChannelID: t.ChannelID,
		ContactID: contact.ID,
		FromMe:    true,
		Body:      out.Body,
		MediaType: models.MediaText,
		Ack:       models.AckPending,
	}
	if out.Media != nil {
		var err error
		msg.MediaType = out.Media.Kind()
		if msg.Body == "" {
			msg.Body = out.Media.Filename
		}
		if msg.MediaURL, msg.ThumbnailURL, err = p.saveMedia(ctx, t.TenantID, out.Media); err != nil {
			return nil, err
		}
	}

	err := p.tickets.WithTicket(ctx, t.TenantID, t.ID, func(cur *models.Ticket) error {
		if !cur.Active() {
			return apperr.Validation("ticket %d is closed", cur.ID)
		}
		msg.TicketID = cur.ID
		p.attachQuoted(ctx, msg, out.QuotedMsgID)
		if err := p.store.CreateMessage(ctx, msg); err != nil {
			return fmt.Errorf("failed to store message: %w", err)
		}
		if err := p.tickets.UpdateLastMessage(ctx, cur, lastMessageText(msg), false); err != nil {
			return err
		}
		*t = *cur
		p.pub.Publish(ctx, realtime.MessageCreated(msg))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *Pipeline) endpoints(ctx context.Context, t *models.Ticket) (*models.Channel, *models.Contact, error) {
	ch, err := p.store.GetChannel(ctx, t.ChannelID)
	if err != nil {
		return nil, nil, err
	}
	if ch.TenantID != t.TenantID {
		return nil, nil, apperr.NotFound("channel %d not found", t.ChannelID)
	}
	contact, err := p.store.GetContact(ctx, t.TenantID, t.ContactID)
	if err != nil {
		return nil, nil, err
	}
	return ch, contact, nil
}

// advanceAck raises the ack under the ticket lock and publishes the change. A lower or equal
// ack changes nothing and publishes nothing.
func (p *Pipeline) advanceAck(ctx context.Context, tenantID, channelID int64, id string, ack models.AckLevel) (*models.Message, bool, error) {
	msg, err := p.store.FindMessage(ctx, tenantID, channelID, id)
	if err != nil {
		return nil, false, err
	}
	advanced := false
	err = p.tickets.WithTicket(ctx, tenantID, msg.TicketID, func(_ *models.Ticket) error {
		ok, err := p.store.AdvanceAck(ctx, tenantID, channelID, id, ack)
		if err != nil || !ok {
			return err
		}
		if msg, err = p.store.FindMessage(ctx, tenantID, channelID, id); err != nil {
			return err
		}
		advanced = true
		p.pub.Publish(ctx, realtime.MessageUpdated(msg))
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return msg, advanced, nil
}

// UpdateAck applies a delivery receipt reported by channel ch. It returns whether the ack
// moved forward. A read receipt on a message of the contact means it was read on the phone,
// so the ticket is marked read as well.
func (p *Pipeline) UpdateAck(ctx context.Context, ch *models.Channel, providerID string, ack models.AckLevel) (bool, error) {
	tenantID := ch.TenantID
	msg, advanced, err := p.advanceAck(ctx, tenantID, ch.ID, providerID, ack)
	if err != nil {
		return false, err
	}
	if !msg.FromMe && ack >= models.AckRead {
		if _, err := p.tickets.MarkRead(ctx, tenantID, msg.TicketID); err != nil {
			return advanced, err
		}
	}
	return advanced, nil
}

// Edit replaces the body of one of our messages, on the provider and locally.
func (p *Pipeline) Edit(ctx context.Context, tenantID int64, id, body string) (*models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, apperr.Validation("body cannot be empty")
	}
	msg, err := p.store.GetMessage(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !msg.FromMe {
		return nil, apperr.Validation("only messages sent by the desk can be edited")
	}
	if msg.IsDeleted {
		return nil, apperr.Validation("message %s was deleted", id)
	}
	t, err := p.store.GetTicket(ctx, tenantID, msg.TicketID)
	if err != nil {
		return nil, err
	}
	ch, contact, err := p.endpoints(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := p.provider.Edit(ctx, ch, contact, msg.ID, body); err != nil {
		return nil, apperr.Provider(err, "failed to edit message %s", msg.ID)
	}
	return p.mutate(ctx, msg, func(m *models.Message) {
		m.Body = body
		m.IsEdited = true
	})
}

// SoftDelete marks a message deleted. Messages sent by the desk are retracted on the
// provider first. Deleting twice is a no-op.
func (p *Pipeline) SoftDelete(ctx context.Context, tenantID int64, id string) (*models.Message, error) {
	msg, err := p.store.GetMessage(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		return msg, nil
	}
	if msg.FromMe {
		t, err := p.store.GetTicket(ctx, tenantID, msg.TicketID)
		if err != nil {
			return nil, err
		}
		ch, contact, err := p.endpoints(ctx, t)
		if err != nil {
			return nil, err
		}
		if err := p.provider.Retract(ctx, ch, contact, msg.ID); err != nil {
			return nil, apperr.Provider(err, "failed to delete message %s", msg.ID)
		}
	}
	return p.mutate(ctx, msg, func(m *models.Message) {
		m.IsDeleted = true
	})
}

func (p *Pipeline) mutate(ctx context.Context, msg *models.Message, fn func(m *models.Message)) (*models.Message, error) {
	err := p.tickets.WithTicket(ctx, msg.TenantID, msg.TicketID, func(_ *models.Ticket) error {
		cur, err := p.store.FindMessage(ctx, msg.TenantID, msg.ChannelID, msg.ID)
		if err != nil {
			return err
		}
		fn(cur)
		if err := p.store.UpdateMessage(ctx, cur); err != nil {
			return fmt.Errorf("failed to update message %s: %w", cur.ID, err)
		}
		msg = cur
		p.pub.Publish(ctx, realtime.MessageUpdated(cur))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkTicketRead zeroes the unread counter of the ticket.
func (p *Pipeline) MarkTicketRead(ctx context.Context, t *models.Ticket) (*models.Ticket, error) {
	return p.tickets.MarkRead(ctx, t.TenantID, t.ID)
}

// Presence forwards a typing or recording indicator to the contact's active ticket, if any.
func (p *Pipeline) Presence(ctx context.Context, ch *models.Channel, from, state string) error {
	number := contacts.Normalize(from)
	if number == "" {
		return nil
	}
	contact, err := p.store.FindContact(ctx, ch.TenantID, ch.Family, number)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	t, err := p.store.FindActiveTicket(ctx, ch.TenantID, ch.ID, contact.ID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	p.pub.Publish(ctx, realtime.PresenceChanged(ch.TenantID, t.ID, realtime.Presence{ContactID: contact.ID, State: state}))
	return nil
}
