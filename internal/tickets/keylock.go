package tickets

import (
	"fmt"
	"sync"
)

// Key identifies the one-active-ticket slot of a contact on a channel.
type Key struct {
	TenantID  int64
	ChannelID int64
	ContactID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.TenantID, k.ChannelID, k.ContactID)
}

// KeyOf returns the slot a ticket occupies.
func KeyOf(tenantID, channelID, contactID int64) Key {
	return Key{TenantID: tenantID, ChannelID: channelID, ContactID: contactID}
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyLock hands out one mutex per key and forgets it once nobody holds or waits for it.
type keyLock struct {
	mu    sync.Mutex
	locks map[Key]*lockEntry
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[Key]*lockEntry)}
}

func (l *keyLock) lock(k Key) (unlock func()) {
	l.mu.Lock()
	e, ok := l.locks[k]
	if !ok {
		e = &lockEntry{}
		l.locks[k] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, k)
		}
		l.mu.Unlock()
	}
}

func (l *keyLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
