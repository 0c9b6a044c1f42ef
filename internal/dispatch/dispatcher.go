package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"zapdesk/internal/apperr"
	"zapdesk/internal/contacts"
	"zapdesk/internal/jobs"
	"zapdesk/internal/messages"
	"zapdesk/internal/models"
	"zapdesk/internal/provider"
	"zapdesk/internal/routing"
	"zapdesk/internal/store"
	"zapdesk/internal/tickets"
)

// JobSendMessage is the job name of asynchronous sends.
const JobSendMessage = "SendMessage"

// MaxForward is the largest selection that can be forwarded at once.
const MaxForward = 4

// Deps wires the dispatcher.
type Deps struct {
	Store          store.Store
	Contacts       *contacts.Registry
	Tickets        *tickets.Manager
	Pipeline       *messages.Pipeline
	Provider       provider.Provider
	Jobs           jobs.Queue
	AutoCloseDelay time.Duration
	Now            func() time.Time
}

// Dispatcher sends agent messages out through the channel provider.
type Dispatcher struct {
	store          store.Store
	contacts       *contacts.Registry
	tickets        *tickets.Manager
	pipeline       *messages.Pipeline
	provider       provider.Provider
	jobs           jobs.Queue
	autoCloseDelay time.Duration
	now            func() time.Time

	mu      sync.Mutex
	timers  map[int64]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func New(d Deps) *Dispatcher {
	if d.AutoCloseDelay <= 0 {
		d.AutoCloseDelay = time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	disp := &Dispatcher{
		store:          d.Store,
		contacts:       d.Contacts,
		tickets:        d.Tickets,
		pipeline:       d.Pipeline,
		provider:       d.Provider,
		jobs:           d.Jobs,
		autoCloseDelay: d.AutoCloseDelay,
		now:            d.Now,
		timers:         make(map[int64]*time.Timer),
	}
	if d.Jobs != nil {
		d.Jobs.Handle(JobSendMessage, disp.runSendJob)
	}
	return disp
}

// SendText sends a text message on the ticket.
func (d *Dispatcher) SendText(ctx context.Context, t *models.Ticket, body, quotedID string) (*models.Message, messages.DispatchResult, error) {
	return d.pipeline.IngestOutbound(ctx, t, messages.OutboundMessage{Body: body, QuotedMsgID: quotedID})
}

// SendMedia sends one attachment on the ticket with an optional caption.
func (d *Dispatcher) SendMedia(ctx context.Context, t *models.Ticket, media provider.Media, caption string) (*models.Message, messages.DispatchResult, error) {
	return d.pipeline.IngestOutbound(ctx, t, messages.OutboundMessage{Body: caption, Media: &media})
}

// SendResult is the outcome of one message of a multi-attachment send.
type SendResult struct {
	Filename string                  `json:"filename,omitempty"`
	Message  *models.Message         `json:"message,omitempty"`
	Result   messages.DispatchResult `json:"result"`
	Error    string                  `json:"error,omitempty"`
	Err      error                   `json:"-"`
}

// SendMessages sends every attachment as its own message, or the body alone when there are
// none. Attachment i is captioned with captions[i]; without one the first attachment carries
// the body. A failing attachment does not stop the others.
func (d *Dispatcher) SendMessages(ctx context.Context, t *models.Ticket, body, quotedID string, media []provider.Media, captions []string) []SendResult {
	if len(media) == 0 {
		msg, res, err := d.SendText(ctx, t, body, quotedID)
		return []SendResult{newResult("", msg, res, err)}
	}
	results := make([]SendResult, 0, len(media))
	for i, m := range media {
		msg, res, err := d.SendMedia(ctx, t, m, captionFor(i, body, captions))
		if err != nil {
			log.Warn().Err(err).Int64("ticketID", t.ID).Str("filename", m.Filename).Msg("Attachment not sent")
		}
		results = append(results, newResult(m.Filename, msg, res, err))
	}
	return results
}

// captionFor picks the caption of attachment i: its own caption when given, otherwise the
// body for the first attachment.
func captionFor(i int, body string, captions []string) string {
	switch {
	case i < len(captions):
		return captions[i]
	case i == 0:
		return body
	}
	return ""
}

func newResult(filename string, msg *models.Message, res messages.DispatchResult, err error) SendResult {
	r := SendResult{Filename: filename, Message: msg, Result: res, Err: err}
	if err != nil {
		r.Error = err.Error()
		if r.Result.Status == "" {
			r.Result.Status = messages.DispatchFailed
		}
	}
	return r
}

// SendJob is the payload of an asynchronous send.
type SendJob struct {
	TenantID    int64           `json:"tenantId"`
	ChannelID   int64           `json:"channelId"`
	Number      string          `json:"number"`
	MessageID   string          `json:"messageId"`
	Body        string          `json:"body"`
	Media       *provider.Media `json:"media,omitempty"`
	CloseTicket bool            `json:"closeTicket"`
}

// SendViaJob enqueues the send with a bounded number of attempts. The message id is fixed at
// enqueue time so a retried attempt re-dispatches the same stored message.
func (d *Dispatcher) SendViaJob(ctx context.Context, job SendJob) (*jobs.Job, error) {
	if d.jobs == nil {
		return nil, errors.New("job queue not configured")
	}
	if job.MessageID == "" {
		job.MessageID = messages.NewMessageID()
	}
	return d.jobs.Enqueue(ctx, JobSendMessage, job, jobs.DefaultMaxAttempts)
}

func (d *Dispatcher) runSendJob(ctx context.Context, j *jobs.Job) error {
	var job SendJob
	if err := j.Decode(&job); err != nil {
		return fmt.Errorf("invalid send job payload: %w", err)
	}
	ch, err := d.channel(ctx, job.TenantID, job.ChannelID)
	if err != nil {
		return err
	}
	contact, err := d.contacts.Resolve(ctx, contacts.ResolveInput{TenantID: job.TenantID, Family: ch.Family, Raw: job.Number})
	if err != nil {
		return err
	}
	t, _, err := d.tickets.FindOrCreate(ctx, tickets.KeyOf(job.TenantID, ch.ID, contact.ID), contact.IsGroup)
	if err != nil {
		return err
	}
	_, _, err = d.pipeline.IngestOutbound(ctx, t, messages.OutboundMessage{ID: job.MessageID, Body: job.Body, Media: job.Media})
	if err != nil {
		return err
	}
	if job.CloseTicket {
		d.ScheduleAutoClose(t, d.autoCloseDelay)
	}
	return nil
}

func (d *Dispatcher) channel(ctx context.Context, tenantID, channelID int64) (*models.Channel, error) {
	ch, err := d.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.TenantID != tenantID {
		return nil, apperr.NotFound("channel %d not found", channelID)
	}
	return ch, nil
}

// ScheduleAutoClose closes the ticket after delay, but only if by then it went through no
// lifecycle transition and its status and assignment are still what they are now.
// Scheduling again for the same ticket replaces the previous timer.
func (d *Dispatcher) ScheduleAutoClose(t *models.Ticket, delay time.Duration) {
	snapshot := *t
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if prev, ok := d.timers[t.ID]; ok {
		prev.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.stopped || d.timers[snapshot.ID] != timer {
			d.mu.Unlock()
			return
		}
		delete(d.timers, snapshot.ID)
		d.wg.Add(1)
		d.mu.Unlock()
		defer d.wg.Done()

		_, err := d.tickets.CloseIf(context.Background(), snapshot.TenantID, snapshot.ID, func(cur *models.Ticket) bool {
			return cur.Generation == snapshot.Generation &&
				cur.Status == snapshot.Status &&
				sameID(cur.UserID, snapshot.UserID) &&
				sameID(cur.QueueID, snapshot.QueueID)
		})
		if err != nil {
			log.Error().Err(err).Int64("ticketID", snapshot.ID).Msg("Automatic ticket close failed")
		}
	})
	d.timers[t.ID] = timer
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Stop cancels every scheduled close and waits for closes already running.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Forward re-sends a stored message to another contact on the channel the message came
// from. The destination ticket is claimed by the actor.
func (d *Dispatcher) Forward(ctx context.Context, actor *models.User, messageID string, contactID int64) (*models.Message, error) {
	src, err := d.store.GetMessage(ctx, actor.TenantID, messageID)
	if err != nil {
		return nil, err
	}
	contact, err := d.store.GetContact(ctx, actor.TenantID, contactID)
	if err != nil {
		return nil, err
	}
	srcTicket, err := d.store.GetTicket(ctx, actor.TenantID, src.TicketID)
	if err != nil {
		return nil, err
	}
	ch, err := d.channel(ctx, actor.TenantID, srcTicket.ChannelID)
	if err != nil {
		return nil, err
	}

	dest, _, err := d.tickets.FindOrCreate(ctx, tickets.KeyOf(actor.TenantID, ch.ID, contact.ID), contact.IsGroup)
	if err != nil {
		return nil, err
	}
	out := messages.OutboundMessage{Body: src.Body}
	if !src.MediaType.IsText() {
		out = messages.OutboundMessage{Media: &provider.Media{
			Filename: src.Body,
			URL:      src.MediaURL,
			Type:     src.MediaType,
		}}
	}
	msg, _, sendErr := d.pipeline.IngestOutbound(ctx, dest, out)
	if msg == nil {
		return nil, sendErr
	}
	// a failed send still persists the message; the actor claims the ticket either way
	if _, err := d.tickets.Claim(ctx, actor.TenantID, dest.ID, actor.ID, routing.DefaultQueue(actor)); err != nil {
		return msg, err
	}
	if sendErr != nil {
		return msg, sendErr
	}
	log.Info().Str("sourceID", src.ID).Str("messageID", msg.ID).Int64("ticketID", dest.ID).Msg("Message forwarded")
	return msg, nil
}

// ForwardMany forwards up to MaxForward messages in the given order.
func (d *Dispatcher) ForwardMany(ctx context.Context, actor *models.User, messageIDs []string, contactID int64) ([]*models.Message, error) {
	if len(messageIDs) == 0 {
		return nil, apperr.Validation("no messages selected")
	}
	if len(messageIDs) > MaxForward {
		return nil, apperr.Validation("at most %d messages can be forwarded at once", MaxForward)
	}
	out := make([]*models.Message, 0, len(messageIDs))
	for _, id := range messageIDs {
		msg, err := d.Forward(ctx, actor, id, contactID)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// SendToNumberRequest is a message an integration sends to a phone number instead of a ticket.
type SendToNumberRequest struct {
	TenantID    int64
	ChannelID   int64
	Number      string
	Body        string
	Media       []provider.Media
	Captions    []string
	CloseTicket bool
}

// SendToNumberResult reports what was sent. Jobs is set for attachments, which go out asynchronously.
type SendToNumberResult struct {
	Ticket  *models.Ticket  `json:"ticket"`
	Message *models.Message `json:"message,omitempty"`
	Jobs    []*jobs.Job     `json:"jobs,omitempty"`
}

// SendToNumber resolves the number to a contact and its active ticket, then sends. Text is
// sent right away with its placeholders rendered; attachments are queued.
func (d *Dispatcher) SendToNumber(ctx context.Context, req SendToNumberRequest) (*SendToNumberResult, error) {
	if req.Body == "" && len(req.Media) == 0 {
		return nil, apperr.Validation("body or media is required")
	}
	number := contacts.Normalize(req.Number)
	if number == "" {
		return nil, apperr.InvalidIdentifier("invalid number %q", req.Number)
	}
	ch, err := d.channel(ctx, req.TenantID, req.ChannelID)
	if err != nil {
		return nil, err
	}
	exists, err := d.provider.CheckNumber(ctx, ch, number)
	if err != nil {
		return nil, apperr.Provider(err, "failed to check number %s", number)
	}
	if !exists {
		return nil, apperr.Validation("number %s is not registered", number)
	}
	avatar, err := d.provider.ProfilePicture(ctx, ch, number)
	if err != nil {
		log.Debug().Err(err).Str("number", number).Msg("Profile picture unavailable")
	}
	contact, err := d.contacts.Resolve(ctx, contacts.ResolveInput{
		TenantID:      req.TenantID,
		Family:        ch.Family,
		Raw:           number,
		ProfilePicURL: avatar,
	})
	if err != nil {
		return nil, err
	}
	t, _, err := d.tickets.FindOrCreate(ctx, tickets.KeyOf(req.TenantID, ch.ID, contact.ID), contact.IsGroup)
	if err != nil {
		return nil, err
	}

	res := &SendToNumberResult{}
	body := RenderBody(req.Body, contact, d.now())
	if len(req.Media) > 0 {
		for i := range req.Media {
			job := SendJob{
				TenantID:  req.TenantID,
				ChannelID: ch.ID,
				Number:    number,
				Media:     &req.Media[i],
				// the ticket closes once the last attachment went out
				CloseTicket: req.CloseTicket && i == len(req.Media)-1,
			}
			if caption := captionFor(i, req.Body, req.Captions); caption != "" {
				job.Body = RenderBody(caption, contact, d.now())
			}
			j, err := d.SendViaJob(ctx, job)
			if err != nil {
				return nil, err
			}
			res.Jobs = append(res.Jobs, j)
		}
	} else {
		msg, _, err := d.pipeline.IngestOutbound(ctx, t, messages.OutboundMessage{Body: body})
		if err != nil {
			return nil, err
		}
		res.Message = msg
		if req.CloseTicket {
			d.ScheduleAutoClose(t, d.autoCloseDelay)
		}
	}

	if t, err = d.tickets.MarkRead(ctx, req.TenantID, t.ID); err != nil {
		return nil, err
	}
	res.Ticket = t
	return res, nil
}
