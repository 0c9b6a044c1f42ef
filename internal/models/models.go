package models

import (
	"time"
)

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketPending TicketStatus = "pending"
	TicketOpen    TicketStatus = "open"
	TicketClosed  TicketStatus = "closed"
	TicketGroup   TicketStatus = "group"
)

// AckLevel is the ordered delivery confirmation stage of a message.
type AckLevel int

const (
	AckPending AckLevel = iota
	AckSent
	AckDelivered
	AckDeliveredAll
	AckRead
)

func (a AckLevel) String() string {
	switch a {
	case AckPending:
		return "pending"
	case AckSent:
		return "sent"
	case AckDelivered:
		return "delivered"
	case AckDeliveredAll:
		return "delivered-all"
	case AckRead:
		return "read"
	}
	return "unknown"
}

// ChannelFamily scopes contact identities. Only WhatsApp-style channels exist today.
const ChannelFamilyWhatsApp = "whatsapp"

// Channel is a configured provider connection owned by a tenant.
type Channel struct {
	ID        int64     `db:"id" json:"id"`
	TenantID  int64     `db:"tenant_id" json:"companyId"`
	Name      string    `db:"name" json:"name"`
	Family    string    `db:"family" json:"family"`
	BaseURL   string    `db:"base_url" json:"-"`
	Token     string    `db:"token" json:"-"`
	Status    string    `db:"status" json:"status"`
	Greeting  string    `db:"greeting" json:"greetingMessage"`
	QueueIDs  []int64   `db:"-" json:"queueIds"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Contact is a deduplicated external identity scoped to a tenant.
type Contact struct {
	ID            int64     `db:"id" json:"id"`
	TenantID      int64     `db:"tenant_id" json:"companyId"`
	Family        string    `db:"family" json:"family"`
	Number        string    `db:"number" json:"number"`
	Name          string    `db:"name" json:"name"`
	ProfilePicURL string    `db:"profile_pic_url" json:"profilePicUrl"`
	IsGroup       bool      `db:"is_group" json:"isGroup"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

// Ticket is the unit of conversation state between one contact and one tenant over one channel.
type Ticket struct {
	ID             int64        `db:"id" json:"id"`
	TenantID       int64        `db:"tenant_id" json:"companyId"`
	ChannelID      int64        `db:"channel_id" json:"whatsappId"`
	ContactID      int64        `db:"contact_id" json:"contactId"`
	Status         TicketStatus `db:"status" json:"status"`
	QueueID        *int64       `db:"queue_id" json:"queueId"`
	UserID         *int64       `db:"user_id" json:"userId"`
	LastMessage    string       `db:"last_message" json:"lastMessage"`
	UnreadMessages int          `db:"unread_messages" json:"unreadMessages"`
	IsGroup        bool         `db:"is_group" json:"isGroup"`
	QueueLocked    bool         `db:"queue_locked" json:"queueLocked"`
	Generation     int64        `db:"generation" json:"generation"`
	CreatedAt      time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updatedAt"`
}

// Transition records a lifecycle transition (close, reopen, transfer or claim).
// Work scheduled against an older generation of the ticket is stale.
func (t *Ticket) Transition() {
	t.Generation++
}

// Active reports whether the ticket still counts against the one-active-ticket rule.
func (t *Ticket) Active() bool {
	return t.Status != TicketClosed
}

// Message is a single inbound or outbound message attached to a ticket. ID is the provider's
// message id, unique within (TenantID, ChannelID).
type Message struct {
	ID           string    `db:"id" json:"id"`
	Seq          int64     `db:"seq" json:"seq"`
	TenantID     int64     `db:"tenant_id" json:"companyId"`
	ChannelID    int64     `db:"channel_id" json:"whatsappId"`
	TicketID     int64     `db:"ticket_id" json:"ticketId"`
	ContactID    int64     `db:"contact_id" json:"contactId"`
	FromMe       bool      `db:"from_me" json:"fromMe"`
	Body         string    `db:"body" json:"body"`
	MediaType    MediaType `db:"media_type" json:"mediaType"`
	MediaURL     string    `db:"media_url" json:"mediaUrl,omitempty"`
	ThumbnailURL string    `db:"thumbnail_url" json:"thumbnailUrl,omitempty"`
	Ack          AckLevel  `db:"ack" json:"ack"`
	QuotedMsgID  *string   `db:"quoted_msg_id" json:"quotedMsgId"`
	IsEdited     bool      `db:"is_edited" json:"isEdited"`
	IsDeleted    bool      `db:"is_deleted" json:"isDeleted"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`

	QuotedMsg *Message `db:"-" json:"quotedMsg,omitempty"`
}

// Queue is a routing destination. Color is display-only.
type Queue struct {
	ID       int64  `db:"id" json:"id"`
	TenantID int64  `db:"tenant_id" json:"companyId"`
	Name     string `db:"name" json:"name"`
	Color    string `db:"color" json:"color"`
}

// User is an agent of the support desk.
type User struct {
	ID       int64   `db:"id" json:"id"`
	TenantID int64   `db:"tenant_id" json:"companyId"`
	Name     string  `db:"name" json:"name"`
	Profile  string  `db:"profile" json:"profile"`
	QueueIDs []int64 `db:"-" json:"queueIds"`
}

// IsAdmin reports whether the user sees every queue.
func (u *User) IsAdmin() bool {
	return u.Profile == "admin"
}

// MessagePage is one page of a ticket's message history.
type MessagePage struct {
	Messages []*Message `json:"messages"`
	Ticket   *Ticket    `json:"ticket"`
	Count    int        `json:"count"`
	HasMore  bool       `json:"hasMore"`
}
