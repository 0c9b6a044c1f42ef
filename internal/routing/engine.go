package routing

import (
	"context"

	"github.com/rs/zerolog/log"

	"zapdesk/internal/apperr"
	"zapdesk/internal/models"
)

// Assignment is the routing decision for a ticket. Nil fields mean "leave unchanged".
type Assignment struct {
	QueueID *int64
	UserID  *int64
}

// Empty reports whether the decision changes nothing.
func (a Assignment) Empty() bool {
	return a.QueueID == nil && a.UserID == nil
}

// Apply writes the decision into t. Assigning an agent opens a pending ticket; a queue alone
// keeps it pending.
func (a Assignment) Apply(t *models.Ticket) bool {
	if a.Empty() {
		return false
	}
	if a.QueueID != nil {
		t.QueueID = a.QueueID
	}
	if a.UserID != nil {
		t.UserID = a.UserID
		if t.Status == models.TicketPending {
			t.Status = models.TicketOpen
		}
	}
	return true
}

// Engine decides which queue a freshly created ticket lands in.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Route picks a queue for t among the candidate queues of its channel. A ticket under
// manual override or already in a queue is left alone. With exactly one candidate that
// candidate is assigned, otherwise the ticket stays unassigned. agent, when set, is
// assigned as well (an agent-initiated ticket).
func (e *Engine) Route(ctx context.Context, t *models.Ticket, candidates []*models.Queue, agent *models.User) (Assignment, error) {
	for _, q := range candidates {
		if q.TenantID != t.TenantID {
			return Assignment{}, apperr.InvalidAssignment("queue %d does not belong to tenant %d", q.ID, t.TenantID)
		}
	}
	if agent != nil && agent.TenantID != t.TenantID {
		return Assignment{}, apperr.InvalidAssignment("user %d does not belong to tenant %d", agent.ID, t.TenantID)
	}
	if t.QueueLocked || t.QueueID != nil {
		return Assignment{}, nil
	}

	var a Assignment
	if len(candidates) == 1 {
		id := candidates[0].ID
		a.QueueID = &id
	}
	if agent != nil {
		uid := agent.ID
		a.UserID = &uid
		if a.QueueID == nil {
			a.QueueID = DefaultQueue(agent)
		}
	}
	if !a.Empty() {
		log.Debug().Int64("ticketID", t.ID).Interface("queueID", a.QueueID).Interface("userID", a.UserID).Msg("Ticket routed")
	}
	return a, nil
}

// DefaultQueue is the first queue configured for the agent, or nil.
func DefaultQueue(u *models.User) *int64 {
	if u == nil || len(u.QueueIDs) == 0 {
		return nil
	}
	id := u.QueueIDs[0]
	return &id
}
