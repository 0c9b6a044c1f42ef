package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/apperr"
	"zapdesk/internal/models"
)

// SQLStore implements Store over sqlx. Queries are written with '?' and rebound per driver.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

// isUniqueViolation recognises unique index failures from lib/pq and modernc sqlite.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFoundOr(err error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(format, args...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func (s *SQLStore) GetChannel(ctx context.Context, id int64) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.GetContext(ctx, &ch, s.q(`SELECT id, tenant_id, name, family, base_url, token, status, greeting, created_at
		FROM channels WHERE id = ?`), id)
	if err != nil {
		return nil, notFoundOr(err, "channel %d not found", id)
	}
	if err := s.db.SelectContext(ctx, &ch.QueueIDs, s.q(`SELECT queue_id FROM channel_queues WHERE channel_id = ? ORDER BY queue_id`), id); err != nil {
		return nil, fmt.Errorf("failed to load queues of channel %d: %w", id, err)
	}
	return &ch, nil
}

func (s *SQLStore) UpdateChannelStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE channels SET status = ? WHERE id = ?`), status, id)
	if err != nil {
		return fmt.Errorf("failed to update channel %d status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("channel %d not found", id)
	}
	return nil
}

const contactColumns = `id, tenant_id, family, number, name, profile_pic_url, is_group, created_at, updated_at`

func (s *SQLStore) FindContact(ctx context.Context, tenantID int64, family, number string) (*models.Contact, error) {
	var c models.Contact
	err := s.db.GetContext(ctx, &c, s.q(`SELECT `+contactColumns+` FROM contacts
		WHERE tenant_id = ? AND family = ? AND number = ?`), tenantID, family, number)
	if err != nil {
		return nil, notFoundOr(err, "contact %s not found", number)
	}
	return &c, nil
}

func (s *SQLStore) GetContact(ctx context.Context, tenantID, id int64) (*models.Contact, error) {
	var c models.Contact
	err := s.db.GetContext(ctx, &c, s.q(`SELECT `+contactColumns+` FROM contacts WHERE tenant_id = ? AND id = ?`), tenantID, id)
	if err != nil {
		return nil, notFoundOr(err, "contact %d not found", id)
	}
	return &c, nil
}

func (s *SQLStore) CreateContact(ctx context.Context, c *models.Contact) error {
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	err := s.db.QueryRowxContext(ctx, s.q(`INSERT INTO contacts (tenant_id, family, number, name, profile_pic_url, is_group, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		c.TenantID, c.Family, c.Number, c.Name, c.ProfilePicURL, c.IsGroup, c.CreatedAt, c.UpdatedAt).Scan(&c.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("contact %s already exists", c.Number)
		}
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateContact(ctx context.Context, c *models.Contact) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE contacts SET name = ?, profile_pic_url = ?, is_group = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`), c.Name, c.ProfilePicURL, c.IsGroup, c.UpdatedAt, c.TenantID, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update contact %d: %w", c.ID, err)
	}
	return nil
}

const ticketColumns = `id, tenant_id, channel_id, contact_id, status, queue_id, user_id, last_message,
	unread_messages, is_group, queue_locked, generation, created_at, updated_at`

func (s *SQLStore) FindActiveTicket(ctx context.Context, tenantID, channelID, contactID int64) (*models.Ticket, error) {
	var t models.Ticket
	err := s.db.GetContext(ctx, &t, s.q(`SELECT `+ticketColumns+` FROM tickets
		WHERE tenant_id = ? AND channel_id = ? AND contact_id = ? AND status <> 'closed'
		ORDER BY updated_at DESC, id DESC LIMIT 1`), tenantID, channelID, contactID)
	if err != nil {
		return nil, notFoundOr(err, "no active ticket for contact %d", contactID)
	}
	return &t, nil
}

func (s *SQLStore) GetTicket(ctx context.Context, tenantID, id int64) (*models.Ticket, error) {
	var t models.Ticket
	err := s.db.GetContext(ctx, &t, s.q(`SELECT `+ticketColumns+` FROM tickets WHERE tenant_id = ? AND id = ?`), tenantID, id)
	if err != nil {
		return nil, notFoundOr(err, "ticket %d not found", id)
	}
	return &t, nil
}

func (s *SQLStore) CreateTicket(ctx context.Context, t *models.Ticket) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	err := s.db.QueryRowxContext(ctx, s.q(`INSERT INTO tickets (tenant_id, channel_id, contact_id, status, queue_id, user_id,
		last_message, unread_messages, is_group, queue_locked, generation, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		t.TenantID, t.ChannelID, t.ContactID, t.Status, t.QueueID, t.UserID,
		t.LastMessage, t.UnreadMessages, t.IsGroup, t.QueueLocked, t.Generation, t.CreatedAt, t.UpdatedAt).Scan(&t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("contact %d already has an active ticket on channel %d", t.ContactID, t.ChannelID)
		}
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateTicket(ctx context.Context, t *models.Ticket) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tickets SET status = ?, queue_id = ?, user_id = ?, last_message = ?,
		unread_messages = ?, is_group = ?, queue_locked = ?, generation = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`),
		t.Status, t.QueueID, t.UserID, t.LastMessage, t.UnreadMessages, t.IsGroup, t.QueueLocked, t.Generation, t.UpdatedAt,
		t.TenantID, t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("contact %d already has an active ticket on channel %d", t.ContactID, t.ChannelID)
		}
		return fmt.Errorf("failed to update ticket %d: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("ticket %d not found", t.ID)
	}
	return nil
}

func (s *SQLStore) IncrementUnread(ctx context.Context, tenantID, id int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE tickets SET unread_messages = unread_messages + 1, updated_at = ?
		WHERE tenant_id = ? AND id = ?`), time.Now().UTC(), tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to increment unread of ticket %d: %w", id, err)
	}
	return nil
}

const messageColumns = `seq, id, tenant_id, channel_id, ticket_id, contact_id, from_me, body, media_type, media_url,
	thumbnail_url, ack, quoted_msg_id, is_edited, is_deleted, created_at, updated_at`

// GetMessage looks a message up by id across the tenant's channels. When two channels of the
// tenant recorded the same id, the desk's own copy wins, then the newest.
func (s *SQLStore) GetMessage(ctx context.Context, tenantID int64, id string) (*models.Message, error) {
	var m models.Message
	err := s.db.GetContext(ctx, &m, s.q(`SELECT `+messageColumns+` FROM messages WHERE tenant_id = ? AND id = ?
		ORDER BY from_me DESC, seq DESC LIMIT 1`), tenantID, id)
	if err != nil {
		return nil, notFoundOr(err, "message %s not found", id)
	}
	return &m, nil
}

func (s *SQLStore) FindMessage(ctx context.Context, tenantID, channelID int64, id string) (*models.Message, error) {
	var m models.Message
	err := s.db.GetContext(ctx, &m, s.q(`SELECT `+messageColumns+` FROM messages
		WHERE tenant_id = ? AND channel_id = ? AND id = ?`), tenantID, channelID, id)
	if err != nil {
		return nil, notFoundOr(err, "message %s not found on channel %d", id, channelID)
	}
	return &m, nil
}

func (s *SQLStore) CreateMessage(ctx context.Context, m *models.Message) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	err := s.db.QueryRowxContext(ctx, s.q(`INSERT INTO messages (id, tenant_id, channel_id, ticket_id, contact_id, from_me, body,
		media_type, media_url, thumbnail_url, ack, quoted_msg_id, is_edited, is_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`),
		m.ID, m.TenantID, m.ChannelID, m.TicketID, m.ContactID, m.FromMe, m.Body, m.MediaType, m.MediaURL, m.ThumbnailURL,
		m.Ack, m.QuotedMsgID, m.IsEdited, m.IsDeleted, m.CreatedAt, m.UpdatedAt).Scan(&m.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("message %s already exists on channel %d", m.ID, m.ChannelID)
		}
		return fmt.Errorf("failed to create message %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLStore) UpdateMessage(ctx context.Context, m *models.Message) error {
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE messages SET body = ?, media_url = ?, thumbnail_url = ?, is_edited = ?,
		is_deleted = ?, updated_at = ? WHERE tenant_id = ? AND channel_id = ? AND id = ?`),
		m.Body, m.MediaURL, m.ThumbnailURL, m.IsEdited, m.IsDeleted, m.UpdatedAt, m.TenantID, m.ChannelID, m.ID)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("message %s not found", m.ID)
	}
	return nil
}

// AdvanceAck raises the ack level only when it grows; it reports whether a row changed.
func (s *SQLStore) AdvanceAck(ctx context.Context, tenantID, channelID int64, id string, ack models.AckLevel) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE messages SET ack = ?, updated_at = ?
		WHERE tenant_id = ? AND channel_id = ? AND id = ? AND ack < ?`), ack, time.Now().UTC(), tenantID, channelID, id, ack)
	if err != nil {
		return false, fmt.Errorf("failed to advance ack of message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, tenantID, ticketID int64, limit, offset int) ([]*models.Message, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, s.q(`SELECT COUNT(*) FROM messages WHERE tenant_id = ? AND ticket_id = ?`), tenantID, ticketID); err != nil {
		return nil, 0, fmt.Errorf("failed to count messages of ticket %d: %w", ticketID, err)
	}
	var msgs []*models.Message
	err := s.db.SelectContext(ctx, &msgs, s.q(`SELECT `+messageColumns+` FROM messages
		WHERE tenant_id = ? AND ticket_id = ? ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?`),
		tenantID, ticketID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list messages of ticket %d: %w", ticketID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, total, nil
}

func (s *SQLStore) CountMessages(ctx context.Context, f CountFilter) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE tenant_id = ?`
	args := []interface{}{f.TenantID}
	if f.FromMe != nil {
		query += ` AND from_me = ?`
		args = append(args, *f.FromMe)
	}
	if !f.Start.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Start.UTC())
	}
	if !f.End.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.End.UTC())
	}
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (s *SQLStore) GetQueues(ctx context.Context, ids []int64) ([]*models.Queue, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, tenant_id, name, color FROM queues WHERE id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	var queues []*models.Queue
	if err := s.db.SelectContext(ctx, &queues, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load queues: %w", err)
	}
	if len(queues) != len(ids) {
		log.Warn().Interface("ids", ids).Int("found", len(queues)).Msg("Some queues could not be resolved")
	}
	return queues, nil
}

func (s *SQLStore) GetUser(ctx context.Context, tenantID, id int64) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, s.q(`SELECT id, tenant_id, name, profile FROM users WHERE tenant_id = ? AND id = ?`), tenantID, id)
	if err != nil {
		return nil, notFoundOr(err, "user %d not found", id)
	}
	if err := s.db.SelectContext(ctx, &u.QueueIDs, s.q(`SELECT queue_id FROM user_queues WHERE user_id = ? ORDER BY position, queue_id`), id); err != nil {
		return nil, fmt.Errorf("failed to load queues of user %d: %w", id, err)
	}
	return &u, nil
}
