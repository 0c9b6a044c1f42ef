package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"zapdesk/internal/apperr"
	"zapdesk/internal/contacts"
	"zapdesk/internal/jobs"
	"zapdesk/internal/messages"
	"zapdesk/internal/models"
	"zapdesk/internal/provider"
	"zapdesk/internal/provider/providertest"
	"zapdesk/internal/realtime"
	"zapdesk/internal/store"
	"zapdesk/internal/tickets"
)

type discard struct{}

func (discard) Publish(context.Context, realtime.Event) {}

type urlAttachments struct{}

func (urlAttachments) Save(_ context.Context, tenantID int64, m provider.Media) (string, string, error) {
	return fmt.Sprintf("https://files.test/%d/%s", tenantID, m.Filename), "", nil
}

type fixture struct {
	store    *store.MemoryStore
	tickets  *tickets.Manager
	pipeline *messages.Pipeline
	provider *providertest.Provider
	jobs     *jobs.Manager
	disp     *Dispatcher
	channel  *models.Channel
	agent    *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	s.PutQueue(&models.Queue{ID: 1, TenantID: 1, Name: "Sales"})
	s.PutQueue(&models.Queue{ID: 2, TenantID: 1, Name: "Support"})
	agent := s.PutUser(&models.User{ID: 5, TenantID: 1, Name: "Ana", QueueIDs: []int64{2, 1}})
	ch := s.PutChannel(&models.Channel{ID: 3, TenantID: 1, Name: "main"})

	prov := &providertest.Provider{}
	tm := tickets.NewManager(s, discard{})
	reg := contacts.NewRegistry(s)
	p := messages.NewPipeline(messages.Deps{
		Store:       s,
		Contacts:    reg,
		Tickets:     tm,
		Provider:    prov,
		Attachments: urlAttachments{},
		Publisher:   discard{},
	})
	jm := jobs.NewManager(jobs.Config{Workers: 1, RetryBackoff: 10 * time.Millisecond})
	d := New(Deps{
		Store:          s,
		Contacts:       reg,
		Tickets:        tm,
		Pipeline:       p,
		Provider:       prov,
		Jobs:           jm,
		AutoCloseDelay: 20 * time.Millisecond,
		Now:            func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(func() {
		d.Stop()
		jm.Stop()
	})
	return &fixture{store: s, tickets: tm, pipeline: p, provider: prov, jobs: jm, disp: d, channel: ch, agent: agent}
}

func (f *fixture) inbound(t *testing.T, from, id, body string) *models.Message {
	t.Helper()
	m, err := f.pipeline.IngestInbound(context.Background(), f.channel, messages.InboundEvent{
		ID: id, From: from, PushName: "Joana Silva", Type: "conversation", Body: body,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return m
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestSendMessagesFailuresAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.inbound(t, "5511999990000", "IN1", "oi")
	tk, _ := f.store.GetTicket(ctx, 1, in.TicketID)

	f.provider.Fail = func(c providertest.Call) error {
		if c.Media.Filename == "b.pdf" {
			return errors.New("too large")
		}
		return nil
	}
	media := []provider.Media{
		{Filename: "a.jpg", Mimetype: "image/jpeg", Data: []byte{1}},
		{Filename: "b.pdf", Mimetype: "application/pdf", Data: []byte{2}},
		{Filename: "c.ogg", Mimetype: "audio/ogg", Data: []byte{3}},
	}
	results := f.disp.SendMessages(ctx, tk, "see attached", "", media, nil)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("1st and 3rd attachment must succeed: %v / %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, apperr.ErrDispatchFailed) || results[1].Result.Status != messages.DispatchFailed {
		t.Fatalf("2nd attachment must fail with dispatch error: %+v", results[1])
	}
	if results[0].Message.Body != "see attached" || results[2].Message.Body != "c.ogg" {
		t.Fatalf("caption goes with the first attachment only")
	}
	stored, err := f.store.GetMessage(ctx, 1, results[1].Message.ID)
	if err != nil || stored.Ack != models.AckPending {
		t.Fatalf("failed attachment must stay persisted with pending ack: %+v %v", stored, err)
	}
	if n := len(f.provider.Calls()); n != 2 {
		t.Fatalf("provider accepted %d sends, want 2", n)
	}
}

func TestSendMessagesPerFileCaptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.inbound(t, "5511999990000", "IN1", "oi")
	tk, _ := f.store.GetTicket(ctx, 1, in.TicketID)

	media := []provider.Media{
		{Filename: "a.jpg", Mimetype: "image/jpeg", Data: []byte{1}},
		{Filename: "b.jpg", Mimetype: "image/jpeg", Data: []byte{2}},
		{Filename: "c.jpg", Mimetype: "image/jpeg", Data: []byte{3}},
	}
	results := f.disp.SendMessages(ctx, tk, "ignored", "", media, []string{"front", "back"})
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	calls := f.provider.Calls()
	if len(calls) != 3 {
		t.Fatalf("provider calls = %d, want 3", len(calls))
	}
	want := []string{"front", "back", ""}
	for i, c := range calls {
		if c.Media.Filename != media[i].Filename || c.Body != want[i] {
			t.Fatalf("call %d = %s %q, want %s %q", i, c.Media.Filename, c.Body, media[i].Filename, want[i])
		}
	}
	if results[0].Message.Body != "front" || results[1].Message.Body != "back" || results[2].Message.Body != "c.jpg" {
		t.Fatalf("stored bodies: %q %q %q", results[0].Message.Body, results[1].Message.Body, results[2].Message.Body)
	}
}

func TestAutoCloseDropsStaleAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := f.inbound(t, "5511999990000", "IN1", "oi")
	tk, _ := f.store.GetTicket(ctx, 1, in.TicketID)
	f.disp.ScheduleAutoClose(tk, 20*time.Millisecond)
	if _, err := f.tickets.Claim(ctx, 1, tk.ID, f.agent.ID, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	got, _ := f.store.GetTicket(ctx, 1, tk.ID)
	if got.Status != models.TicketOpen {
		t.Fatalf("ticket changed after scheduling must stay open, got %s", got.Status)
	}

	f.disp.ScheduleAutoClose(got, 20*time.Millisecond)
	eventually(t, func() bool {
		cur, _ := f.store.GetTicket(ctx, 1, tk.ID)
		return cur.Status == models.TicketClosed
	})
}

func TestAutoCloseAfterCloseAndReopenIsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := f.inbound(t, "5511999990000", "IN1", "oi")
	tk, err := f.tickets.Claim(ctx, 1, in.TicketID, f.agent.ID, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	f.disp.ScheduleAutoClose(tk, 40*time.Millisecond)
	if _, err := f.tickets.Close(ctx, 1, tk.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := f.tickets.Reopen(ctx, 1, tk.ID)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Status != tk.Status || !sameID(reopened.UserID, tk.UserID) {
		t.Fatalf("reopened ticket should look like the snapshot: %+v", reopened)
	}

	time.Sleep(100 * time.Millisecond)
	got, _ := f.store.GetTicket(ctx, 1, tk.ID)
	if got.Status != models.TicketOpen {
		t.Fatalf("manually reopened ticket must stay open, got %s", got.Status)
	}
}

func TestStopCancelsAutoClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.inbound(t, "5511999990000", "IN1", "oi")
	tk, _ := f.store.GetTicket(ctx, 1, in.TicketID)

	f.disp.ScheduleAutoClose(tk, 30*time.Millisecond)
	f.disp.Stop()
	time.Sleep(60 * time.Millisecond)
	got, _ := f.store.GetTicket(ctx, 1, tk.ID)
	if got.Status == models.TicketClosed {
		t.Fatalf("stopped dispatcher must not close tickets")
	}
}

func TestForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.inbound(t, "5511999990000", "SRC", "forward me")
	other := f.inbound(t, "5521888880000", "OTHER", "hello")

	msg, err := f.disp.Forward(ctx, f.agent, src.ID, other.ContactID)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if msg.Body != "forward me" || msg.TicketID != other.TicketID || !msg.FromMe {
		t.Fatalf("unexpected forwarded message: %+v", msg)
	}
	dest, _ := f.store.GetTicket(ctx, 1, other.TicketID)
	if dest.Status != models.TicketOpen || dest.UserID == nil || *dest.UserID != 5 || dest.QueueID == nil || *dest.QueueID != 2 {
		t.Fatalf("destination ticket must be claimed by the actor: %+v", dest)
	}

	if _, err := f.disp.Forward(ctx, f.agent, "missing", other.ContactID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("missing message: %v", err)
	}
	if _, err := f.disp.Forward(ctx, f.agent, src.ID, 999); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("missing contact: %v", err)
	}
}

func TestForwardClaimsEvenWhenSendFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.inbound(t, "5511999990000", "SRC", "forward me")
	other := f.inbound(t, "5521888880000", "OTHER", "hello")
	f.provider.Fail = func(providertest.Call) error { return errors.New("provider down") }

	msg, err := f.disp.Forward(ctx, f.agent, src.ID, other.ContactID)
	if !errors.Is(err, apperr.ErrDispatchFailed) {
		t.Fatalf("forward error = %v, want dispatch failure", err)
	}
	if msg == nil || msg.TicketID != other.TicketID {
		t.Fatalf("forwarded message must be returned: %+v", msg)
	}
	stored, err := f.store.GetMessage(ctx, 1, msg.ID)
	if err != nil || stored.Ack != models.AckPending {
		t.Fatalf("forwarded message must stay persisted with pending ack: %+v %v", stored, err)
	}
	dest, _ := f.store.GetTicket(ctx, 1, other.TicketID)
	if dest.Status != models.TicketOpen || dest.UserID == nil || *dest.UserID != 5 || dest.QueueID == nil || *dest.QueueID != 2 {
		t.Fatalf("destination ticket must be claimed despite the failed send: %+v", dest)
	}
}

func TestForwardMedia(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img, err := f.pipeline.IngestInbound(ctx, f.channel, messages.InboundEvent{
		ID: "IMG", From: "5511999990000", Type: "image", Body: "photo.jpg", MediaURL: "https://files.test/1/photo.jpg",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	other := f.inbound(t, "5521888880000", "OTHER", "hello")

	msg, err := f.disp.Forward(ctx, f.agent, img.ID, other.ContactID)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if msg.MediaType != models.MediaImage || msg.MediaURL != img.MediaURL {
		t.Fatalf("media must be re-sent by its stored url: %+v", msg)
	}
	calls := f.provider.Calls()
	last := calls[len(calls)-1]
	if last.Op != "media" || last.Media.URL != img.MediaURL {
		t.Fatalf("unexpected provider call: %+v", last)
	}
}

func TestForwardManyLimit(t *testing.T) {
	f := newFixture(t)
	ids := []string{"a", "b", "c", "d", "e"}
	if _, err := f.disp.ForwardMany(context.Background(), f.agent, ids, 1); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("five messages: %v", err)
	}
	if _, err := f.disp.ForwardMany(context.Background(), f.agent, nil, 1); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("empty selection: %v", err)
	}
}

func TestSendToNumberText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.Avatar = "https://pics.test/joana.jpg"

	res, err := f.disp.SendToNumber(ctx, SendToNumberRequest{
		TenantID:  1,
		ChannelID: f.channel.ID,
		Number:    "+55 (11) 97777-0000",
		Body:      "{{greeting}}, {{firstName}}!",
	})
	if err != nil {
		t.Fatalf("send to number: %v", err)
	}
	if res.Message == nil || res.Message.Body != "Bom dia, 5511977770000!" {
		t.Fatalf("unexpected message: %+v", res.Message)
	}
	contact, _ := f.store.GetContact(ctx, 1, res.Ticket.ContactID)
	if contact.Number != "5511977770000" || contact.ProfilePicURL != "https://pics.test/joana.jpg" {
		t.Fatalf("unexpected contact: %+v", contact)
	}
	if res.Ticket.UnreadMessages != 0 {
		t.Fatalf("ticket must be marked read")
	}

	f.provider.Unknown = map[string]bool{"5511900000000": true}
	_, err = f.disp.SendToNumber(ctx, SendToNumberRequest{TenantID: 1, ChannelID: f.channel.ID, Number: "5511900000000", Body: "x"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("unregistered number: %v", err)
	}
	_, err = f.disp.SendToNumber(ctx, SendToNumberRequest{TenantID: 1, ChannelID: f.channel.ID, Number: "abc", Body: "x"})
	if !errors.Is(err, apperr.ErrInvalidIdentifier) {
		t.Fatalf("invalid number: %v", err)
	}
	_, err = f.disp.SendToNumber(ctx, SendToNumberRequest{TenantID: 2, ChannelID: f.channel.ID, Number: "5511977770000", Body: "x"})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("channel of another tenant: %v", err)
	}
}

func TestSendToNumberMediaGoesThroughJobsAndCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.disp.SendToNumber(ctx, SendToNumberRequest{
		TenantID:    1,
		ChannelID:   f.channel.ID,
		Number:      "5511977770000",
		Body:        "invoice",
		Media:       []provider.Media{{Filename: "invoice.pdf", Mimetype: "application/pdf", Data: []byte("%PDF")}},
		CloseTicket: true,
	})
	if err != nil {
		t.Fatalf("send to number: %v", err)
	}
	if len(res.Jobs) != 1 || res.Message != nil {
		t.Fatalf("media must be queued: %+v", res)
	}
	eventually(t, func() bool {
		cur, _ := f.store.GetTicket(ctx, 1, res.Ticket.ID)
		return cur.Status == models.TicketClosed
	})
	calls := f.provider.Calls()
	if len(calls) != 1 || calls[0].Op != "media" || calls[0].Body != "invoice" {
		t.Fatalf("unexpected provider calls: %+v", calls)
	}
}

func TestSendToNumberCaptionsEachAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.disp.SendToNumber(ctx, SendToNumberRequest{
		TenantID:  1,
		ChannelID: f.channel.ID,
		Number:    "5511977770000",
		Media: []provider.Media{
			{Filename: "a.pdf", Mimetype: "application/pdf", Data: []byte("%PDF a")},
			{Filename: "b.pdf", Mimetype: "application/pdf", Data: []byte("%PDF b")},
		},
		Captions: []string{"first for {{number}}", "second"},
	})
	if err != nil {
		t.Fatalf("send to number: %v", err)
	}
	if len(res.Jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(res.Jobs))
	}
	eventually(t, func() bool { return len(f.provider.Calls()) == 2 })
	got := map[string]string{}
	for _, c := range f.provider.Calls() {
		got[c.Media.Filename] = c.Body
	}
	if got["a.pdf"] != "first for 5511977770000" || got["b.pdf"] != "second" {
		t.Fatalf("captions per file: %v", got)
	}
}

func TestSendJobRetriesReuseMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failures := 1
	f.provider.Fail = func(providertest.Call) error {
		if failures > 0 {
			failures--
			return errors.New("gateway busy")
		}
		return nil
	}
	job, err := f.disp.SendViaJob(ctx, SendJob{TenantID: 1, ChannelID: f.channel.ID, Number: "5511977770000", Body: "retry me"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	eventually(t, func() bool { return f.jobs.Pending() == 0 })

	var payload SendJob
	if err := job.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg, err := f.store.GetMessage(ctx, 1, payload.MessageID)
	if err != nil || msg.Ack != models.AckSent {
		t.Fatalf("retried message: %+v %v", msg, err)
	}
	n, _ := f.store.CountMessages(ctx, store.CountFilter{TenantID: 1})
	if n != 1 {
		t.Fatalf("messages stored = %d, want 1", n)
	}
}

func TestRenderBody(t *testing.T) {
	c := &models.Contact{Name: "Joana Silva", Number: "5511999990000"}
	evening := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	got := RenderBody("{{greeting}} {{ firstName }} ({{name}}, {{number}}) {{unknown}}", c, evening)
	want := "Boa noite Joana (Joana Silva, 5511999990000) {{unknown}}"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if Greeting(time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)) != "Boa tarde" {
		t.Fatalf("unexpected afternoon greeting")
	}
}
