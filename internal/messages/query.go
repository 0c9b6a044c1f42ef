package messages

import (
	"context"
	"time"

	"zapdesk/internal/apperr"
	"zapdesk/internal/models"
	"zapdesk/internal/store"
)

// ListQuery selects one page of a ticket's history. Viewer, when set and not an admin, only
// sees tickets in one of their queues or without a queue.
type ListQuery struct {
	TenantID int64
	TicketID int64
	Page     int
	Viewer   *models.User
}

func canSee(u *models.User, t *models.Ticket) bool {
	if u == nil || u.IsAdmin() || t.QueueID == nil {
		return true
	}
	for _, q := range u.QueueIDs {
		if q == *t.QueueID {
			return true
		}
	}
	return false
}

// List returns page q.Page (1 = newest) of the ticket's messages, oldest first within the
// page. Listing counts as viewing: the ticket is marked read.
func (p *Pipeline) List(ctx context.Context, q ListQuery) (*models.MessagePage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	t, err := p.store.GetTicket(ctx, q.TenantID, q.TicketID)
	if err != nil {
		return nil, err
	}
	if !canSee(q.Viewer, t) {
		return nil, apperr.NotFound("ticket %d not found", q.TicketID)
	}

	offset := (q.Page - 1) * PageSize
	msgs, total, err := p.store.ListMessages(ctx, q.TenantID, q.TicketID, PageSize, offset)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.QuotedMsgID == nil {
			continue
		}
		if quoted, err := p.store.FindMessage(ctx, q.TenantID, m.ChannelID, *m.QuotedMsgID); err == nil {
			m.QuotedMsg = quoted
		}
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}

	p.viewers.Touch(t.ID)
	if t, err = p.tickets.MarkRead(ctx, q.TenantID, t.ID); err != nil {
		return nil, err
	}

	return &models.MessagePage{
		Messages: msgs,
		Ticket:   t,
		Count:    total,
		HasMore:  total > offset+len(msgs),
	}, nil
}

// CountQuery filters Count. Zero times leave the range open.
type CountQuery struct {
	TenantID int64
	FromMe   *bool
	Start    time.Time
	End      time.Time
}

// Count returns how many messages of the tenant fall in the range.
func (p *Pipeline) Count(ctx context.Context, q CountQuery) (int, error) {
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return 0, apperr.Validation("dateEnd is before dateStart")
	}
	return p.store.CountMessages(ctx, store.CountFilter{
		TenantID: q.TenantID,
		FromMe:   q.FromMe,
		Start:    q.Start,
		End:      q.End,
	})
}
