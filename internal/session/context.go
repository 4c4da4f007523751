// Package session holds the identity of the current tracking session.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Info describes one tracking session.
type Info struct {
	ID       string
	ViewerID string
	Started  time.Time
}

// Context holds the current session. It is read from log handlers and
// the telemetry sink on arbitrary goroutines.
type Context struct {
	mu      sync.RWMutex
	current Info
}

// NewContext creates a Context with no viewer and a fresh session id.
func NewContext() *Context {
	return &Context{current: Info{ID: uuid.NewString(), Started: time.Now()}}
}

// Get returns the current session.
func (c *Context) Get() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Start begins a new session for viewerID and returns it.
func (c *Context) Start(viewerID string, now time.Time) Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = Info{ID: uuid.NewString(), ViewerID: viewerID, Started: now}
	return c.current
}

// LogAttrs returns the session as log attributes; it plugs into
// logging.NewContextHandler.
func (c *Context) LogAttrs() []slog.Attr {
	info := c.Get()
	if info.ViewerID == "" {
		return []slog.Attr{slog.String("session", info.ID)}
	}
	return []slog.Attr{
		slog.String("session", info.ID),
		slog.String("viewer", info.ViewerID),
	}
}
