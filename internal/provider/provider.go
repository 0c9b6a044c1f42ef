// Package provider declares the port through which the engine talks to a messaging
// gateway instance. One instance serves one channel; every call carries the channel so
// the adapter can address the right instance.
package provider

import (
	"context"

	"zapdesk/internal/models"
)

// Media is an attachment travelling to or from the provider. Data holds the raw bytes
// when available; URL is used instead when the attachment is already stored.
type Media struct {
	Filename string           `json:"filename"`
	Mimetype string           `json:"mimetype"`
	Data     []byte           `json:"data,omitempty"`
	URL      string           `json:"url,omitempty"`
	Type     models.MediaType `json:"type,omitempty"`
}

// Kind classifies the attachment: an explicit Type wins over the mimetype.
func (m Media) Kind() models.MediaType {
	if m.Type != "" {
		return m.Type
	}
	return models.ClassifyMediaType(m.Mimetype)
}

// Provider is implemented by channel adapters.
type Provider interface {
	// CheckNumber reports whether number has an account on the channel's network.
	CheckNumber(ctx context.Context, ch *models.Channel, number string) (bool, error)
	ProfilePicture(ctx context.Context, ch *models.Channel, number string) (string, error)
	// SendText and SendMedia send with the caller-chosen message id and return the id the
	// provider acknowledged.
	SendText(ctx context.Context, ch *models.Channel, to *models.Contact, id, body, quotedID string) (string, error)
	SendMedia(ctx context.Context, ch *models.Channel, to *models.Contact, id string, media Media, caption string) (string, error)
	Edit(ctx context.Context, ch *models.Channel, to *models.Contact, id, body string) error
	Retract(ctx context.Context, ch *models.Channel, to *models.Contact, id string) error
	Status(ctx context.Context, ch *models.Channel) (string, error)
}
