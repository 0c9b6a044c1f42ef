package store

import (
	"context"
	"time"

	"zapdesk/internal/models"
)

// Store is the persistence port used by the engine. Every read is tenant scoped:
// a row belonging to another tenant is reported as not found.
//
// Implementations return an apperr NotFound error for missing rows and an
// apperr Conflict error when a write would break a uniqueness invariant.
type Store interface {
	GetChannel(ctx context.Context, id int64) (*models.Channel, error)
	UpdateChannelStatus(ctx context.Context, id int64, status string) error

	FindContact(ctx context.Context, tenantID int64, family, number string) (*models.Contact, error)
	GetContact(ctx context.Context, tenantID, id int64) (*models.Contact, error)
	CreateContact(ctx context.Context, c *models.Contact) error
	UpdateContact(ctx context.Context, c *models.Contact) error

	FindActiveTicket(ctx context.Context, tenantID, channelID, contactID int64) (*models.Ticket, error)
	GetTicket(ctx context.Context, tenantID, id int64) (*models.Ticket, error)
	CreateTicket(ctx context.Context, t *models.Ticket) error
	UpdateTicket(ctx context.Context, t *models.Ticket) error
	IncrementUnread(ctx context.Context, tenantID, id int64) error

	// Message ids come from the provider and are unique per channel only: two channels of a
	// tenant talking to each other both record the same id.
	GetMessage(ctx context.Context, tenantID int64, id string) (*models.Message, error)
	FindMessage(ctx context.Context, tenantID, channelID int64, id string) (*models.Message, error)
	CreateMessage(ctx context.Context, m *models.Message) error
	UpdateMessage(ctx context.Context, m *models.Message) error
	AdvanceAck(ctx context.Context, tenantID, channelID int64, id string, ack models.AckLevel) (bool, error)
	ListMessages(ctx context.Context, tenantID, ticketID int64, limit, offset int) ([]*models.Message, int, error)
	CountMessages(ctx context.Context, f CountFilter) (int, error)

	GetQueues(ctx context.Context, ids []int64) ([]*models.Queue, error)
	GetUser(ctx context.Context, tenantID, id int64) (*models.User, error)
}

// CountFilter selects messages for CountMessages. Zero times are open bounds.
type CountFilter struct {
	TenantID int64
	FromMe   *bool
	Start    time.Time
	End      time.Time
}
