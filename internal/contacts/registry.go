package contacts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/apperr"
	"zapdesk/internal/models"
	"zapdesk/internal/store"
)

// Registry normalizes and deduplicates contact identities per tenant.
type Registry struct {
	store store.Store
	cache *cache.Cache
}

func NewRegistry(s store.Store) *Registry {
	return &Registry{
		store: s,
		cache: cache.New(10*time.Minute, 20*time.Minute),
	}
}

// Normalize strips everything but digits from a provider identifier ("+55 (11) 99999-0000",
// "5511999990000@s.whatsapp.net" and similar).
func Normalize(raw string) string {
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		raw = raw[:at]
	}
	// device suffix of multi-device jids: 5511999990000:12
	if colon := strings.IndexByte(raw, ':'); colon >= 0 {
		raw = raw[:colon]
	}
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func cacheKey(tenantID int64, family, number string) string {
	return fmt.Sprintf("%d:%s:%s", tenantID, family, number)
}

// ResolveInput carries a sighting of a contact.
type ResolveInput struct {
	TenantID      int64
	Family        string
	Raw           string
	Name          string
	ProfilePicURL string
	IsGroup       bool
}

// Resolve creates the contact on first sight and otherwise refreshes name and avatar,
// but only with non-empty incoming values.
func (r *Registry) Resolve(ctx context.Context, in ResolveInput) (*models.Contact, error) {
	number := Normalize(in.Raw)
	if number == "" {
		return nil, apperr.InvalidIdentifier("identifier %q has no digits", in.Raw)
	}
	family := in.Family
	if family == "" {
		family = models.ChannelFamilyWhatsApp
	}
	key := cacheKey(in.TenantID, family, number)

	existing, err := r.lookup(ctx, key, in.TenantID, family, number)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	if existing == nil {
		c := &models.Contact{
			TenantID:      in.TenantID,
			Family:        family,
			Number:        number,
			Name:          in.Name,
			ProfilePicURL: in.ProfilePicURL,
			IsGroup:       in.IsGroup,
		}
		if c.Name == "" {
			c.Name = number
		}
		err := r.store.CreateContact(ctx, c)
		if errors.Is(err, apperr.ErrConflict) {
			// someone else created it in between; fall through to the update path
			existing, err = r.store.FindContact(ctx, in.TenantID, family, number)
			if err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		} else {
			log.Info().Int64("tenantID", c.TenantID).Int64("contactID", c.ID).Str("number", number).Msg("Contact created")
			r.cache.SetDefault(key, *c)
			return c, nil
		}
	}

	changed := false
	if in.Name != "" && in.Name != existing.Name {
		existing.Name = in.Name
		changed = true
	}
	if in.ProfilePicURL != "" && in.ProfilePicURL != existing.ProfilePicURL {
		existing.ProfilePicURL = in.ProfilePicURL
		changed = true
	}
	if changed {
		if err := r.store.UpdateContact(ctx, existing); err != nil {
			return nil, err
		}
		log.Debug().Int64("contactID", existing.ID).Str("number", number).Msg("Contact updated")
	}
	r.cache.SetDefault(key, *existing)
	return existing, nil
}

func (r *Registry) lookup(ctx context.Context, key string, tenantID int64, family, number string) (*models.Contact, error) {
	if v, found := r.cache.Get(key); found {
		c := v.(models.Contact)
		return &c, nil
	}
	return r.store.FindContact(ctx, tenantID, family, number)
}

// Get returns a contact of the tenant.
func (r *Registry) Get(ctx context.Context, tenantID, id int64) (*models.Contact, error) {
	return r.store.GetContact(ctx, tenantID, id)
}
