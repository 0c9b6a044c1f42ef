package messages

import (
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

// Watcher reports live subscribers of a ticket room.
type Watcher interface {
	Watching(ticketID int64) bool
}

// ViewTracker knows which tickets an agent is looking at right now: either someone listed the
// ticket within the TTL or a realtime subscriber joined its room.
type ViewTracker struct {
	seen    *cache.Cache
	watcher Watcher
}

func NewViewTracker(ttl time.Duration, w Watcher) *ViewTracker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ViewTracker{seen: cache.New(ttl, 2*ttl), watcher: w}
}

func (v *ViewTracker) Touch(ticketID int64) {
	v.seen.SetDefault(strconv.FormatInt(ticketID, 10), struct{}{})
}

func (v *ViewTracker) Active(ticketID int64) bool {
	if _, ok := v.seen.Get(strconv.FormatInt(ticketID, 10)); ok {
		return true
	}
	return v.watcher != nil && v.watcher.Watching(ticketID)
}
