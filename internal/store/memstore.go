package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"zapdesk/internal/apperr"
	"zapdesk/internal/models"
)

// MemoryStore is an in-process Store. It enforces the same uniqueness rules as the SQL schema
// and is used by tests and single-node development setups.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	nextSeq  int64
	channels map[int64]*models.Channel
	contacts map[int64]*models.Contact
	tickets  map[int64]*models.Ticket
	messages map[messageKey]*models.Message
	queues   map[int64]*models.Queue
	users    map[int64]*models.User
}

type messageKey struct {
	tenantID  int64
	channelID int64
	id        string
}

func keyOf(m *models.Message) messageKey {
	return messageKey{tenantID: m.TenantID, channelID: m.ChannelID, id: m.ID}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels: make(map[int64]*models.Channel),
		contacts: make(map[int64]*models.Contact),
		tickets:  make(map[int64]*models.Ticket),
		messages: make(map[messageKey]*models.Message),
		queues:   make(map[int64]*models.Queue),
		users:    make(map[int64]*models.User),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// PutChannel, PutQueue and PutUser seed administrative data, which this engine never writes.
func (s *MemoryStore) PutChannel(ch *models.Channel) *models.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.ID == 0 {
		ch.ID = s.id()
	}
	if ch.Family == "" {
		ch.Family = models.ChannelFamilyWhatsApp
	}
	cp := *ch
	s.channels[ch.ID] = &cp
	return ch
}

func (s *MemoryStore) PutQueue(q *models.Queue) *models.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.ID == 0 {
		q.ID = s.id()
	}
	cp := *q
	s.queues[q.ID] = &cp
	return q
}

func (s *MemoryStore) PutUser(u *models.User) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = s.id()
	}
	cp := *u
	s.users[u.ID] = &cp
	return u
}

func (s *MemoryStore) GetChannel(_ context.Context, id int64) (*models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, apperr.NotFound("channel %d not found", id)
	}
	cp := *ch
	cp.QueueIDs = append([]int64(nil), ch.QueueIDs...)
	return &cp, nil
}

func (s *MemoryStore) UpdateChannelStatus(_ context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return apperr.NotFound("channel %d not found", id)
	}
	ch.Status = status
	return nil
}

func (s *MemoryStore) FindContact(_ context.Context, tenantID int64, family, number string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.TenantID == tenantID && c.Family == family && c.Number == number {
			cp := *c
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("contact %s not found", number)
}

func (s *MemoryStore) GetContact(_ context.Context, tenantID, id int64) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok || c.TenantID != tenantID {
		return nil, apperr.NotFound("contact %d not found", id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) CreateContact(_ context.Context, c *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.contacts {
		if existing.TenantID == c.TenantID && existing.Family == c.Family && existing.Number == c.Number {
			return apperr.Conflict("contact %s already exists", c.Number)
		}
	}
	now := time.Now().UTC()
	c.ID = s.id()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	s.contacts[c.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateContact(_ context.Context, c *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.contacts[c.ID]
	if !ok || existing.TenantID != c.TenantID {
		return apperr.NotFound("contact %d not found", c.ID)
	}
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	s.contacts[c.ID] = &cp
	return nil
}

func (s *MemoryStore) FindActiveTicket(_ context.Context, tenantID, channelID, contactID int64) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Ticket
	for _, t := range s.tickets {
		if t.TenantID != tenantID || t.ChannelID != channelID || t.ContactID != contactID || !t.Active() {
			continue
		}
		if found == nil || t.ID > found.ID {
			found = t
		}
	}
	if found == nil {
		return nil, apperr.NotFound("no active ticket for contact %d", contactID)
	}
	cp := *found
	return &cp, nil
}

func (s *MemoryStore) GetTicket(_ context.Context, tenantID, id int64) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok || t.TenantID != tenantID {
		return nil, apperr.NotFound("ticket %d not found", id)
	}
	cp := *t
	return &cp, nil
}

// activeConflict must be called with s.mu held.
func (s *MemoryStore) activeConflict(t *models.Ticket) bool {
	if !t.Active() {
		return false
	}
	for _, other := range s.tickets {
		if other.ID != t.ID && other.Active() && other.TenantID == t.TenantID &&
			other.ChannelID == t.ChannelID && other.ContactID == t.ContactID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateTicket(_ context.Context, t *models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeConflict(t) {
		return apperr.Conflict("contact %d already has an active ticket on channel %d", t.ContactID, t.ChannelID)
	}
	now := time.Now().UTC()
	t.ID = s.id()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	s.tickets[t.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateTicket(_ context.Context, t *models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tickets[t.ID]
	if !ok || existing.TenantID != t.TenantID {
		return apperr.NotFound("ticket %d not found", t.ID)
	}
	if s.activeConflict(t) {
		return apperr.Conflict("contact %d already has an active ticket on channel %d", t.ContactID, t.ChannelID)
	}
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	s.tickets[t.ID] = &cp
	return nil
}

func (s *MemoryStore) IncrementUnread(_ context.Context, tenantID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok || t.TenantID != tenantID {
		return apperr.NotFound("ticket %d not found", id)
	}
	t.UnreadMessages++
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, tenantID int64, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Message
	for k, m := range s.messages {
		if k.tenantID != tenantID || k.id != id {
			continue
		}
		if found == nil || (m.FromMe && !found.FromMe) || (m.FromMe == found.FromMe && m.Seq > found.Seq) {
			found = m
		}
	}
	if found == nil {
		return nil, apperr.NotFound("message %s not found", id)
	}
	cp := *found
	return &cp, nil
}

func (s *MemoryStore) FindMessage(_ context.Context, tenantID, channelID int64, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageKey{tenantID: tenantID, channelID: channelID, id: id}]
	if !ok {
		return nil, apperr.NotFound("message %s not found on channel %d", id, channelID)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[keyOf(m)]; exists {
		return apperr.Conflict("message %s already exists on channel %d", m.ID, m.ChannelID)
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.nextSeq++
	m.Seq = s.nextSeq
	cp := *m
	cp.QuotedMsg = nil
	s.messages[keyOf(m)] = &cp
	return nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.messages[keyOf(m)]
	if !ok {
		return apperr.NotFound("message %s not found", m.ID)
	}
	m.UpdatedAt = time.Now().UTC()
	existing.Body = m.Body
	existing.MediaURL = m.MediaURL
	existing.ThumbnailURL = m.ThumbnailURL
	existing.IsEdited = m.IsEdited
	existing.IsDeleted = m.IsDeleted
	existing.UpdatedAt = m.UpdatedAt
	return nil
}

func (s *MemoryStore) AdvanceAck(_ context.Context, tenantID, channelID int64, id string, ack models.AckLevel) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageKey{tenantID: tenantID, channelID: channelID, id: id}]
	if !ok || m.Ack >= ack {
		return false, nil
	}
	m.Ack = ack
	m.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, tenantID, ticketID int64, limit, offset int) ([]*models.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*models.Message
	for _, m := range s.messages {
		if m.TenantID == tenantID && m.TicketID == ticketID {
			cp := *m
			all = append(all, &cp)
		}
	}
	// newest first for paging, then each page is returned oldest first
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].Seq > all[j].Seq
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := all[offset:end]
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, total, nil
}

func (s *MemoryStore) CountMessages(_ context.Context, f CountFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.TenantID != f.TenantID {
			continue
		}
		if f.FromMe != nil && m.FromMe != *f.FromMe {
			continue
		}
		if !f.Start.IsZero() && m.CreatedAt.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && m.CreatedAt.After(f.End) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) GetQueues(_ context.Context, ids []int64) ([]*models.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Queue
	for _, id := range ids {
		if q, ok := s.queues[id]; ok {
			cp := *q
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetUser(_ context.Context, tenantID, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || u.TenantID != tenantID {
		return nil, apperr.NotFound("user %d not found", id)
	}
	cp := *u
	cp.QueueIDs = append([]int64(nil), u.QueueIDs...)
	return &cp, nil
}
