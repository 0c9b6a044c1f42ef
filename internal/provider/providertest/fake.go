// Package providertest offers an in-memory Provider for tests.
package providertest

import (
	"context"
	"sync"

	"zapdesk/internal/models"
	"zapdesk/internal/provider"
)

// Call records one provider invocation.
type Call struct {
	Op    string
	To    string
	ID    string
	Body  string
	Media provider.Media
}

// Provider records calls. Fail, when set, is consulted before every send, edit and retract;
// a non-nil error fails that call.
type Provider struct {
	mu      sync.Mutex
	calls   []Call
	Fail    func(c Call) error
	Unknown map[string]bool
	Avatar  string
}

func (p *Provider) record(c Call) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		if err := p.Fail(c); err != nil {
			return err
		}
	}
	p.calls = append(p.calls, c)
	return nil
}

// Calls returns the successful calls in order.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

func (p *Provider) CheckNumber(_ context.Context, _ *models.Channel, number string) (bool, error) {
	return !p.Unknown[number], nil
}

func (p *Provider) ProfilePicture(_ context.Context, _ *models.Channel, _ string) (string, error) {
	return p.Avatar, nil
}

func (p *Provider) SendText(_ context.Context, _ *models.Channel, to *models.Contact, id, body, _ string) (string, error) {
	if err := p.record(Call{Op: "text", To: to.Number, ID: id, Body: body}); err != nil {
		return "", err
	}
	return id, nil
}

func (p *Provider) SendMedia(_ context.Context, _ *models.Channel, to *models.Contact, id string, media provider.Media, caption string) (string, error) {
	if err := p.record(Call{Op: "media", To: to.Number, ID: id, Body: caption, Media: media}); err != nil {
		return "", err
	}
	return id, nil
}

func (p *Provider) Edit(_ context.Context, _ *models.Channel, to *models.Contact, id, body string) error {
	return p.record(Call{Op: "edit", To: to.Number, ID: id, Body: body})
}

func (p *Provider) Retract(_ context.Context, _ *models.Channel, to *models.Contact, id string) error {
	return p.record(Call{Op: "retract", To: to.Number, ID: id})
}

func (p *Provider) Status(_ context.Context, _ *models.Channel) (string, error) {
	return "CONNECTED", nil
}
