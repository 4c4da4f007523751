package cache

import (
	"sync"
	"time"

	"github.com/OCAP2/livemap/pkg/core"
)

type profileEntry struct {
	profile  core.Profile
	storedAt time.Time
}

// ProfileCache keeps recently fetched profiles so repeated marker creation
// for the same user does not hit the profile service again.
type ProfileCache struct {
	m       sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]profileEntry
}

// NewProfileCache creates a cache whose entries expire after ttl.
// A zero ttl keeps entries until Reset.
func NewProfileCache(ttl time.Duration) *ProfileCache {
	return &ProfileCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]profileEntry),
	}
}

// Get returns a cached, unexpired profile.
func (c *ProfileCache) Get(userID string) (core.Profile, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	e, ok := c.entries[userID]
	if !ok {
		return core.Profile{}, false
	}
	if c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, userID)
		return core.Profile{}, false
	}
	return e.profile, true
}

// Add stores a profile.
func (c *ProfileCache) Add(p core.Profile) {
	c.m.Lock()
	defer c.m.Unlock()
	c.entries[p.UserID] = profileEntry{profile: p, storedAt: c.now()}
}

// Len returns the number of stored entries, expired or not.
func (c *ProfileCache) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.entries)
}

// Reset drops every entry.
func (c *ProfileCache) Reset() {
	c.m.Lock()
	defer c.m.Unlock()
	c.entries = make(map[string]profileEntry)
}

// SafeCounter is a thread-safe counter
type SafeCounter struct {
	mu sync.Mutex
	v  int
}

func (c *SafeCounter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (c *SafeCounter) Inc() {
	c.mu.Lock()
	c.v++
	c.mu.Unlock()
}
