// Package provider delivers raw location fixes to the engine.
package provider

import (
	"context"
	"sync"

	"github.com/OCAP2/livemap/internal/channel"
	"github.com/OCAP2/livemap/pkg/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/OCAP2/livemap/internal/provider"

// DefaultQueueSize is the number of fixes buffered before Push drops.
const DefaultQueueSize = 64

// Provider yields location fixes. The channel is closed when the provider
// stops; long silences are normal.
type Provider interface {
	Samples() <-chan core.LocationSample
}

// Channel is an in-process Provider fed by Push.
type Channel struct {
	mu     sync.Mutex
	ch     channel.Channel[core.LocationSample]
	closed bool

	pushed  metric.Int64Counter
	dropped metric.Int64Counter
}

// NewChannel creates a Channel buffering up to size fixes.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = DefaultQueueSize
	}
	c := &Channel{ch: channel.New[core.LocationSample](size)}

	m := otel.Meter(instrumentationName)
	c.pushed, _ = m.Int64Counter("provider.fixes.pushed", metric.WithDescription("Fixes accepted into the provider queue"))
	c.dropped, _ = m.Int64Counter("provider.fixes.dropped", metric.WithDescription("Fixes dropped because the queue was full or closed"))
	return c
}

// Samples implements Provider.
func (c *Channel) Samples() <-chan core.LocationSample {
	return c.ch.Receive()
}

// Push queues a fix without blocking. It reports false when the queue is
// full or the provider is closed.
func (c *Channel) Push(s core.LocationSample) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || !c.ch.TrySend(s) {
		c.dropped.Add(context.Background(), 1)
		return false
	}
	c.pushed.Add(context.Background(), 1)
	return true
}

// Len returns the number of queued fixes.
func (c *Channel) Len() int {
	return c.ch.Len()
}

// Close stops the provider. Queued fixes are still delivered. Safe to call
// more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ch.Close()
}
