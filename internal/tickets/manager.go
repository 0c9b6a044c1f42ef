package tickets

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"zapdesk/internal/apperr"
	"zapdesk/internal/models"
	"zapdesk/internal/realtime"
	"zapdesk/internal/store"
)

// Manager owns ticket state transitions. All writes to a ticket happen while holding the
// lock of its (tenant, channel, contact) key, and the ticket-updated event is published
// before the lock is released so subscribers see updates in the order they were made.
type Manager struct {
	store store.Store
	pub   realtime.Publisher
	locks *keyLock
}

func NewManager(s store.Store, pub realtime.Publisher) *Manager {
	return &Manager{store: s, pub: pub, locks: newKeyLock()}
}

// Get returns a ticket of the tenant.
func (m *Manager) Get(ctx context.Context, tenantID, id int64) (*models.Ticket, error) {
	return m.store.GetTicket(ctx, tenantID, id)
}

// FindOrCreate returns the active ticket of the key, creating a pending (or group) one
// when there is none. created reports whether a new ticket was made.
func (m *Manager) FindOrCreate(ctx context.Context, key Key, isGroup bool) (t *models.Ticket, created bool, err error) {
	err = m.WithTicketLock(ctx, key, isGroup, func(tk *models.Ticket, c bool) error {
		t, created = tk, c
		return nil
	})
	return t, created, err
}

// WithTicketLock resolves the active ticket of key and runs fn while holding the key lock.
// Inside fn the ticket may be changed through Save and UpdateLastMessage; any other
// Manager method on the same key would deadlock.
func (m *Manager) WithTicketLock(ctx context.Context, key Key, isGroup bool, fn func(t *models.Ticket, created bool) error) error {
	unlock := m.locks.lock(key)
	defer unlock()

	t, created, err := m.findOrCreateLocked(ctx, key, isGroup)
	if err != nil {
		return err
	}
	return fn(t, created)
}

func (m *Manager) findOrCreateLocked(ctx context.Context, key Key, isGroup bool) (*models.Ticket, bool, error) {
	t, err := m.store.FindActiveTicket(ctx, key.TenantID, key.ChannelID, key.ContactID)
	if err == nil {
		return t, false, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to look up active ticket for %s: %w", key, err)
	}

	t = &models.Ticket{
		TenantID:  key.TenantID,
		ChannelID: key.ChannelID,
		ContactID: key.ContactID,
		Status:    models.TicketPending,
		IsGroup:   isGroup,
	}
	if isGroup {
		t.Status = models.TicketGroup
	}
	err = m.store.CreateTicket(ctx, t)
	if errors.Is(err, apperr.ErrConflict) {
		// another process won the race on the unique index; join its ticket
		log.Warn().Str("key", key.String()).Msg("Concurrent ticket creation detected, merging into existing ticket")
		existing, ferr := m.store.FindActiveTicket(ctx, key.TenantID, key.ChannelID, key.ContactID)
		if ferr != nil {
			return nil, false, fmt.Errorf("failed to re-read active ticket for %s: %w", key, ferr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create ticket for %s: %w", key, err)
	}
	log.Info().Int64("tenantID", t.TenantID).Int64("ticketID", t.ID).Int64("contactID", t.ContactID).
		Str("status", string(t.Status)).Msg("Ticket created")
	m.pub.Publish(ctx, realtime.TicketUpdated(t))
	return t, true, nil
}

// Save persists t and publishes ticket-updated. The caller must hold the key lock,
// which is the case inside WithTicketLock.
func (m *Manager) Save(ctx context.Context, t *models.Ticket) error {
	if err := m.store.UpdateTicket(ctx, t); err != nil {
		return fmt.Errorf("failed to update ticket %d: %w", t.ID, err)
	}
	m.pub.Publish(ctx, realtime.TicketUpdated(t))
	return nil
}

// UpdateLastMessage refreshes the last-message snapshot and, when unread is set, bumps the
// unread counter in the same write. The caller must hold the key lock.
func (m *Manager) UpdateLastMessage(ctx context.Context, t *models.Ticket, body string, unread bool) error {
	t.LastMessage = body
	if unread {
		t.UnreadMessages++
	}
	return m.Save(ctx, t)
}

// WithTicket runs fn on a fresh read of an existing ticket while holding its key lock.
// The same rules as in WithTicketLock apply inside fn.
func (m *Manager) WithTicket(ctx context.Context, tenantID, id int64, fn func(t *models.Ticket) error) error {
	t, err := m.store.GetTicket(ctx, tenantID, id)
	if err != nil {
		return err
	}
	unlock := m.locks.lock(KeyOf(t.TenantID, t.ChannelID, t.ContactID))
	defer unlock()

	t, err = m.store.GetTicket(ctx, tenantID, id)
	if err != nil {
		return err
	}
	return fn(t)
}

// update saves the ticket when fn reports a change.
func (m *Manager) update(ctx context.Context, tenantID, id int64, fn func(t *models.Ticket) (bool, error)) (*models.Ticket, error) {
	var out *models.Ticket
	err := m.WithTicket(ctx, tenantID, id, func(t *models.Ticket) error {
		changed, err := fn(t)
		if err != nil {
			return err
		}
		if changed {
			if err := m.Save(ctx, t); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IncrementUnread adds one unread message to a ticket outside of an ingestion section.
func (m *Manager) IncrementUnread(ctx context.Context, tenantID, id int64) (*models.Ticket, error) {
	return m.update(ctx, tenantID, id, func(t *models.Ticket) (bool, error) {
		t.UnreadMessages++
		return true, nil
	})
}

// MarkRead zeroes the unread counter. A ticket without unread messages is left untouched.
func (m *Manager) MarkRead(ctx context.Context, tenantID, id int64) (*models.Ticket, error) {
	return m.update(ctx, tenantID, id, func(t *models.Ticket) (bool, error) {
		if t.UnreadMessages == 0 {
			return false, nil
		}
		t.UnreadMessages = 0
		return true, nil
	})
}

// Close moves an active ticket to closed. Closing a closed ticket is a no-op.
func (m *Manager) Close(ctx context.Context, tenantID, id int64) (*models.Ticket, error) {
	return m.CloseIf(ctx, tenantID, id, nil)
}

// CloseIf closes the ticket only when match, evaluated against the current state under
// the key lock, returns true. A nil match always matches.
func (m *Manager) CloseIf(ctx context.Context, tenantID, id int64, match func(t *models.Ticket) bool) (*models.Ticket, error) {
	return m.update(ctx, tenantID, id, func(t *models.Ticket) (bool, error) {
		if !t.Active() {
			return false, nil
		}
		if match != nil && !match(t) {
			log.Debug().Int64("ticketID", t.ID).Msg("Ticket changed since close was requested, skipping")
			return false, nil
		}
		t.Status = models.TicketClosed
		t.UnreadMessages = 0
		t.Transition()
		log.Info().Int64("ticketID", t.ID).Msg("Ticket closed")
		return true, nil
	})
}

// Reopen moves a closed ticket back to open (group tickets back to group). It is refused
// with a conflict when the contact already has another active ticket on the channel.
func (m *Manager) Reopen(ctx context.Context, tenantID, id int64) (*models.Ticket, error) {
	return m.update(ctx, tenantID, id, func(t *models.Ticket) (bool, error) {
		if t.Active() {
			return false, nil
		}
		other, err := m.store.FindActiveTicket(ctx, t.TenantID, t.ChannelID, t.ContactID)
		if err == nil && other.ID != t.ID {
			return false, apperr.Conflict("contact %d already has active ticket %d on channel %d", t.ContactID, other.ID, t.ChannelID)
		}
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return false, err
		}
		t.Status = activeStatus(t)
		t.Transition()
		log.Info().Int64("ticketID", t.ID).Msg("Ticket reopened")
		return true, nil
	})
}

// Transfer is a manual routing override. The queue and agent given replace the current
// ones and mark the ticket so automatic routing leaves it alone. Without an agent the
// ticket waits in the queue as pending.
func (m *Manager) Transfer(ctx context.Context, tenantID, id int64, queueID, userID *int64) (*models.Ticket, error) {
	if queueID == nil && userID == nil {
		return nil, apperr.Validation("transfer needs a queue or an agent")
	}
	if err := m.checkAssignment(ctx, tenantID, queueID, userID); err != nil {
		return nil, err
	}
	return m.update(ctx, tenantID, id, func(t *models.Ticket) (bool, error) {
		if !t.Active() {
			return false, apperr.Validation("ticket %d is closed", t.ID)
		}
		if queueID != nil {
			t.QueueID = queueID
		}
		t.UserID = userID
		t.QueueLocked = true
		if t.IsGroup {
			t.Status = models.TicketGroup
		} else if userID != nil {
			t.Status = models.TicketOpen
		} else {
			t.Status = models.TicketPending
		}
		t.Transition()
		log.Info().Int64("ticketID", t.ID).Interface("queueID", t.QueueID).Interface("userID", t.UserID).Msg("Ticket transferred")
		return true, nil
	})
}

// Claim assigns the ticket to an agent, opening it. A queue, when given, replaces the
// current one.
func (m *Manager) Claim(ctx context.Context, tenantID, id, userID int64, queueID *int64) (*models.Ticket, error) {
	if err := m.checkAssignment(ctx, tenantID, queueID, &userID); err != nil {
		return nil, err
	}
	return m.update(ctx, tenantID, id, func(t *models.Ticket) (bool, error) {
		if !t.Active() {
			return false, apperr.Validation("ticket %d is closed", t.ID)
		}
		uid := userID
		t.UserID = &uid
		if queueID != nil {
			t.QueueID = queueID
		}
		t.Status = activeStatus(t)
		t.Transition()
		return true, nil
	})
}

func activeStatus(t *models.Ticket) models.TicketStatus {
	if t.IsGroup {
		return models.TicketGroup
	}
	return models.TicketOpen
}

// checkAssignment rejects queues and agents that do not belong to the tenant.
func (m *Manager) checkAssignment(ctx context.Context, tenantID int64, queueID, userID *int64) error {
	if queueID != nil {
		qs, err := m.store.GetQueues(ctx, []int64{*queueID})
		if err != nil {
			return err
		}
		if len(qs) == 0 || qs[0].TenantID != tenantID {
			return apperr.InvalidAssignment("queue %d does not belong to tenant %d", *queueID, tenantID)
		}
	}
	if userID != nil {
		if _, err := m.store.GetUser(ctx, tenantID, *userID); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return apperr.InvalidAssignment("user %d does not belong to tenant %d", *userID, tenantID)
			}
			return err
		}
	}
	return nil
}
