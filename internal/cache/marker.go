package cache

import (
	"sync"

	"github.com/OCAP2/livemap/pkg/core"
)

// MarkerCache indexes the markers a component has placed on the map by
// owner key (user id or event id). It holds at most one marker per key.
type MarkerCache struct {
	mu      sync.RWMutex
	markers map[string]core.RenderedMarker
}

// NewMarkerCache creates a new MarkerCache
func NewMarkerCache() *MarkerCache {
	return &MarkerCache{
		markers: make(map[string]core.RenderedMarker),
	}
}

// Get retrieves a marker by owner key
func (c *MarkerCache) Get(key string) (core.RenderedMarker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markers[key]
	return m, ok
}

// Set stores a marker under its owner key, replacing any previous entry
func (c *MarkerCache) Set(m core.RenderedMarker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers[m.OwnerKey] = m
}

// Delete removes a marker by owner key
func (c *MarkerCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markers, key)
}

// Keys returns the owner keys currently indexed
func (c *MarkerCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.markers))
	for k := range c.markers {
		keys = append(keys, k)
	}
	return keys
}

// All returns a copy of every indexed marker
func (c *MarkerCache) All() []core.RenderedMarker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.RenderedMarker, 0, len(c.markers))
	for _, m := range c.markers {
		out = append(out, m)
	}
	return out
}

// Len returns the number of indexed markers
func (c *MarkerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markers)
}

// Reset clears all markers from the cache
func (c *MarkerCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers = make(map[string]core.RenderedMarker)
}
