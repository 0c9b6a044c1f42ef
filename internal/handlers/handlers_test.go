package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"zapdesk/internal/apperr"
	"zapdesk/internal/contacts"
	"zapdesk/internal/dispatch"
	"zapdesk/internal/jobs"
	"zapdesk/internal/messages"
	"zapdesk/internal/models"
	"zapdesk/internal/provider"
	"zapdesk/internal/provider/providertest"
	"zapdesk/internal/realtime"
	"zapdesk/internal/store"
	"zapdesk/internal/tickets"
	"zapdesk/internal/transcribe"
)

type urlAttachments struct{}

func (urlAttachments) Save(_ context.Context, tenantID int64, m provider.Media) (string, string, error) {
	return fmt.Sprintf("https://files.test/%d/%s", tenantID, m.Filename), "", nil
}

type passthroughConverter struct{}

func (passthroughConverter) ToMP3(_ context.Context, audio []byte) ([]byte, error) {
	return audio, nil
}

type env struct {
	store    *store.MemoryStore
	provider *providertest.Provider
	srv      *httptest.Server
	channel  *models.Channel
	agent    *models.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s := store.NewMemoryStore()
	s.PutQueue(&models.Queue{ID: 1, TenantID: 1, Name: "Sales"})
	agent := s.PutUser(&models.User{ID: 5, TenantID: 1, Name: "Ana", Profile: "admin", QueueIDs: []int64{1}})
	ch := s.PutChannel(&models.Channel{ID: 3, TenantID: 1, Name: "main", Token: "tok", QueueIDs: []int64{1}})

	hub := realtime.NewHub(s)
	pub := realtime.NewNotifier(hub)
	prov := &providertest.Provider{}
	tm := tickets.NewManager(s, pub)
	reg := contacts.NewRegistry(s)
	p := messages.NewPipeline(messages.Deps{
		Store:       s,
		Contacts:    reg,
		Tickets:     tm,
		Provider:    prov,
		Attachments: urlAttachments{},
		Publisher:   pub,
		Viewers:     messages.NewViewTracker(time.Minute, hub),
	})
	jm := jobs.NewManager(jobs.Config{Workers: 1, RetryBackoff: 10 * time.Millisecond})
	d := dispatch.New(dispatch.Deps{
		Store: s, Contacts: reg, Tickets: tm, Pipeline: p, Provider: prov, Jobs: jm,
		AutoCloseDelay: time.Hour,
	})
	pool := NewWebhookPool(2, 16, p, s)

	server := New(Deps{
		Store:       s,
		Pipeline:    p,
		Tickets:     tm,
		Dispatcher:  d,
		Transcriber: transcribe.NewService(passthroughConverter{}, nil),
		Hub:         hub,
		Jobs:        jm,
		Webhooks:    pool,
	})
	srv := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		srv.Close()
		pool.Stop()
		d.Stop()
		jm.Stop()
	})
	return &env{store: s, provider: prov, srv: srv, channel: ch, agent: agent}
}

func (e *env) do(t *testing.T, method, path, contentType string, body []byte, withUser bool) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Tenant-ID", "1")
	if withUser {
		req.Header.Set("X-User-ID", "5")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (e *env) call(t *testing.T, method, path string, payload interface{}) (*http.Response, []byte) {
	t.Helper()
	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	}
	return e.do(t, method, path, "application/json", body, true)
}

func waitFor(t *testing.T, cond func() bool) {
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

func (e *env) webhook(t *testing.T, payload string) *http.Response {
	t.Helper()
	resp, _ := e.do(t, http.MethodPost, fmt.Sprintf("/webhooks/wuzapi/%d", e.channel.ID), "application/json", []byte(payload), false)
	return resp
}

// stored waits for the webhook worker to record the message.
func (e *env) stored(t *testing.T, id string) {
	t.Helper()
	waitFor(t, func() bool {
		_, err := e.store.GetMessage(context.Background(), 1, id)
		return err == nil
	})
}

func (e *env) activeTicket(t *testing.T, number string) *models.Ticket {
	t.Helper()
	var tk *models.Ticket
	waitFor(t, func() bool {
		c, err := e.store.FindContact(context.Background(), 1, models.ChannelFamilyWhatsApp, number)
		if err != nil {
			return false
		}
		tk, err = e.store.FindActiveTicket(context.Background(), 1, e.channel.ID, c.ID)
		return err == nil
	})
	return tk
}

func inboundPayload(id, body string) string {
	return `{"type":"Message","token":"tok","event":{"Info":{"Chat":"5511999990000@s.whatsapp.net","ID":"` + id +
		`","PushName":"Joana"},"Message":{"conversation":"` + body + `"}}}`
}

func TestWebhookToListing(t *testing.T) {
	e := newEnv(t)
	if resp := e.webhook(t, inboundPayload("IN1", "olá")); resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d", resp.StatusCode)
	}
	e.stored(t, "IN1")
	tk := e.activeTicket(t, "5511999990000")
	if tk.QueueID == nil || *tk.QueueID != 1 {
		t.Fatalf("ticket not routed to the channel queue: %+v", tk)
	}

	resp, body := e.call(t, http.MethodGet, fmt.Sprintf("/messages/%d?pageNumber=1", tk.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", resp.StatusCode, body)
	}
	var page models.MessagePage
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Body != "olá" || page.Ticket.UnreadMessages != 0 || page.HasMore {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestWebhookRejections(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name    string
		path    string
		payload string
		want    int
	}{
		{"unknown channel", "/webhooks/wuzapi/999", inboundPayload("X", "x"), http.StatusNotFound},
		{"invalid json", "", `{`, http.StatusBadRequest},
		{"wrong token", "", strings.Replace(inboundPayload("X", "x"), `"tok"`, `"other"`, 1), http.StatusUnauthorized},
		{"missing token", "", strings.Replace(inboundPayload("FORGED", "x"), `"token":"tok",`, "", 1), http.StatusUnauthorized},
		{"empty token", "", strings.Replace(inboundPayload("FORGED", "x"), `"tok"`, `""`, 1), http.StatusUnauthorized},
		{"ignored event without token", "", `{"type":"HistorySync","event":{}}`, http.StatusUnauthorized},
		{"ignored event", "", `{"type":"HistorySync","token":"tok","event":{}}`, http.StatusOK},
	}
	for _, tt := range tests {
		path := tt.path
		if path == "" {
			path = fmt.Sprintf("/webhooks/wuzapi/%d", e.channel.ID)
		}
		resp, _ := e.do(t, http.MethodPost, path, "application/json", []byte(tt.payload), false)
		if resp.StatusCode != tt.want {
			t.Errorf("%s: status %d, want %d", tt.name, resp.StatusCode, tt.want)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := e.store.GetMessage(context.Background(), 1, "FORGED"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unauthenticated webhook must not store messages, got %v", err)
	}
}

func TestWebsocketRefusesForeignTicket(t *testing.T) {
	e := newEnv(t)
	foreign := &models.Ticket{TenantID: 2, ChannelID: 8, ContactID: 9, Status: models.TicketPending}
	if err := e.store.CreateTicket(context.Background(), foreign); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	resp, _ := e.do(t, http.MethodGet, fmt.Sprintf("/ws?ticketId=%d", foreign.ID), "", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestWebhookFormBodyAndReceipt(t *testing.T) {
	e := newEnv(t)
	form := url.Values{"jsonData": {inboundPayload("IN2", "oi")}}.Encode()
	resp, _ := e.do(t, http.MethodPost, fmt.Sprintf("/webhooks/wuzapi/%d", e.channel.ID),
		"application/x-www-form-urlencoded", []byte(form), false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("form webhook status %d", resp.StatusCode)
	}
	e.stored(t, "IN2")
	tk := e.activeTicket(t, "5511999990000")

	resp, body := e.call(t, http.MethodPost, fmt.Sprintf("/messages/%d", tk.ID), map[string]string{"body": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status %d: %s", resp.StatusCode, body)
	}
	var results []dispatch.SendResult
	_ = json.Unmarshal(body, &results)
	if len(results) != 1 || results[0].Message == nil {
		t.Fatalf("unexpected results %s", body)
	}
	id := results[0].Message.ID

	receipt := `{"type":"ReadReceipt","state":"Read","token":"tok","event":{"Chat":"5511999990000@s.whatsapp.net","MessageIDs":["` + id + `"],"Type":"read"}}`
	if resp := e.webhook(t, receipt); resp.StatusCode != http.StatusOK {
		t.Fatalf("receipt status %d", resp.StatusCode)
	}
	waitFor(t, func() bool {
		m, err := e.store.GetMessage(context.Background(), 1, id)
		return err == nil && m.Ack == models.AckRead
	})
}

func TestSendEditDelete(t *testing.T) {
	e := newEnv(t)
	e.webhook(t, inboundPayload("IN3", "oi"))
	e.stored(t, "IN3")
	tk := e.activeTicket(t, "5511999990000")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("body", "see attached")
	for _, name := range []string{"a.pdf", "b.pdf"} {
		fw, _ := mw.CreateFormFile("medias", name)
		_, _ = fw.Write([]byte("%PDF-1.4 " + name))
	}
	_ = mw.Close()
	resp, body := e.do(t, http.MethodPost, fmt.Sprintf("/messages/%d", tk.ID), mw.FormDataContentType(), buf.Bytes(), true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("multipart send status %d: %s", resp.StatusCode, body)
	}
	var results []dispatch.SendResult
	_ = json.Unmarshal(body, &results)
	if len(results) != 2 || results[0].Message.Body != "see attached" || results[1].Message.Body != "b.pdf" {
		t.Fatalf("unexpected results %s", body)
	}

	buf.Reset()
	mw = multipart.NewWriter(&buf)
	for _, name := range []string{"c.pdf", "d.pdf"} {
		_ = mw.WriteField("captions", "caption "+name)
		fw, _ := mw.CreateFormFile("medias", name)
		_, _ = fw.Write([]byte("%PDF-1.4 " + name))
	}
	_ = mw.Close()
	resp, body = e.do(t, http.MethodPost, fmt.Sprintf("/messages/%d", tk.ID), mw.FormDataContentType(), buf.Bytes(), true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("captioned send status %d: %s", resp.StatusCode, body)
	}
	var captioned []dispatch.SendResult
	_ = json.Unmarshal(body, &captioned)
	if len(captioned) != 2 || captioned[0].Message.Body != "caption c.pdf" || captioned[1].Message.Body != "caption d.pdf" {
		t.Fatalf("each file must carry its own caption: %s", body)
	}

	id := results[0].Message.ID
	resp, body = e.call(t, http.MethodPut, "/messages/"+id, map[string]string{"body": "edited"})
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"isEdited":true`) {
		t.Fatalf("edit: %d %s", resp.StatusCode, body)
	}
	resp, body = e.call(t, http.MethodDelete, "/messages/"+id, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"isDeleted":true`) {
		t.Fatalf("delete: %d %s", resp.StatusCode, body)
	}
	if resp, _ := e.call(t, http.MethodPut, "/messages/NOPE", map[string]string{"body": "x"}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("edit unknown: %d", resp.StatusCode)
	}
	if resp, _ := e.call(t, http.MethodPut, "/messages/IN3", map[string]string{"body": "x"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("edit inbound: %d", resp.StatusCode)
	}
}

func TestTicketActions(t *testing.T) {
	e := newEnv(t)
	e.webhook(t, inboundPayload("IN4", "oi"))
	e.stored(t, "IN4")
	tk := e.activeTicket(t, "5511999990000")
	base := fmt.Sprintf("/tickets/%d", tk.ID)

	resp, body := e.call(t, http.MethodPost, base+"/claim", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"open"`) {
		t.Fatalf("claim: %d %s", resp.StatusCode, body)
	}
	if resp, _ := e.do(t, http.MethodPost, base+"/claim", "application/json", nil, false); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("claim without user: %d", resp.StatusCode)
	}
	if resp, _ := e.call(t, http.MethodPost, base+"/transfer", map[string]int64{"queueId": 77}); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("transfer to unknown queue: %d", resp.StatusCode)
	}
	if resp, body := e.call(t, http.MethodPost, base+"/close", nil); resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"closed"`) {
		t.Fatalf("close: %d %s", resp.StatusCode, body)
	}

	// a new message opens a second ticket, so the old one cannot be reopened
	e.webhook(t, inboundPayload("IN5", "de novo"))
	e.stored(t, "IN5")
	if nt := e.activeTicket(t, "5511999990000"); nt.ID == tk.ID {
		t.Fatalf("closed ticket %d was reused", tk.ID)
	}
	if resp, _ := e.call(t, http.MethodPost, base+"/reopen", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("reopen with another active ticket: %d", resp.StatusCode)
	}
}

func TestCountAndMisc(t *testing.T) {
	e := newEnv(t)
	e.webhook(t, inboundPayload("IN6", "oi"))
	e.stored(t, "IN6")
	e.activeTicket(t, "5511999990000")

	today := time.Now().UTC().Format("2006-01-02")
	resp, body := e.call(t, http.MethodGet, "/messages/count?fromMe=false&dateStart="+today+"&dateEnd="+today, nil)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != `{"count":1}` {
		t.Fatalf("count: %d %s", resp.StatusCode, body)
	}
	if resp, _ := e.call(t, http.MethodGet, "/messages/count?dateStart=2024-02-02&dateEnd=2024-01-01", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("inverted range: %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/jobs/status", nil)
	if resp, err := http.DefaultClient.Do(req); err != nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing tenant must be rejected: %v", err)
	}
	if resp, body := e.call(t, http.MethodGet, "/jobs/status", nil); resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"backend"`) {
		t.Fatalf("jobs status: %d %s", resp.StatusCode, body)
	}
	if resp, _ := e.call(t, http.MethodGet, "/jobs/unknown", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown job: %d", resp.StatusCode)
	}
}

func TestTranscribeEndpoint(t *testing.T) {
	e := newEnv(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("audio", "voice.ogg")
	_, _ = fw.Write([]byte("OggS"))
	_ = mw.Close()
	resp, body := e.do(t, http.MethodPost, "/messages/transcribe", mw.FormDataContentType(), buf.Bytes(), true)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), transcribe.Unavailable) {
		t.Fatalf("transcribe: %d %s", resp.StatusCode, body)
	}
}

func TestWebhookPoolStopRejects(t *testing.T) {
	pool := NewWebhookPool(1, 1, nil, nil)
	pool.Stop()
	pool.Stop()
	if pool.Submit(WebhookTask{Channel: &models.Channel{}}) {
		t.Fatalf("stopped pool must reject tasks")
	}
}
