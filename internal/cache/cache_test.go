package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/OCAP2/livemap/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileCache_AddAndGet(t *testing.T) {
	c := NewProfileCache(time.Minute)

	c.Add(core.Profile{UserID: "u1", DisplayName: "Ada", AvatarURL: "https://img/ada.png"})

	p, ok := c.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "Ada", p.DisplayName)

	_, ok = c.Get("u2")
	assert.False(t, ok)
}

func TestProfileCache_Expiry(t *testing.T) {
	c := NewProfileCache(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Add(core.Profile{UserID: "u1", DisplayName: "Ada"})

	now = now.Add(30 * time.Second)
	_, ok := c.Get("u1")
	assert.True(t, ok, "entry should still be fresh")

	now = now.Add(time.Minute)
	_, ok = c.Get("u1")
	assert.False(t, ok, "entry should have expired")
	assert.Equal(t, 0, c.Len())
}

func TestProfileCache_ZeroTTLNeverExpires(t *testing.T) {
	c := NewProfileCache(0)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Add(core.Profile{UserID: "u1"})

	now = now.Add(24 * time.Hour)
	_, ok := c.Get("u1")
	assert.True(t, ok)
}

func TestProfileCache_Reset(t *testing.T) {
	c := NewProfileCache(time.Minute)
	c.Add(core.Profile{UserID: "u1"})
	c.Add(core.Profile{UserID: "u2"})

	c.Reset()

	assert.Equal(t, 0, c.Len())
}

func TestSafeCounter(t *testing.T) {
	var c SafeCounter
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, c.Value())
}
