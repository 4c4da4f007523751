package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContext_Defaults(t *testing.T) {
	c := NewContext()
	info := c.Get()
	assert.NotEmpty(t, info.ID)
	assert.Empty(t, info.ViewerID)
	assert.Len(t, c.LogAttrs(), 1)
}

func TestContext_StartNewSession(t *testing.T) {
	c := NewContext()
	before := c.Get().ID

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	info := c.Start("u1", now)

	assert.NotEqual(t, before, info.ID)
	assert.Equal(t, "u1", info.ViewerID)
	assert.Equal(t, now, info.Started)
	assert.Equal(t, info, c.Get())

	attrs := c.LogAttrs()
	assert.Len(t, attrs, 2)
	assert.Equal(t, "viewer", attrs[1].Key)
	assert.Equal(t, "u1", attrs[1].Value.String())
}

func TestContext_ThreadSafe(t *testing.T) {
	c := NewContext()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Start("u1", time.Now())
		}()
		go func() {
			defer wg.Done()
			_ = c.LogAttrs()
		}()
	}
	wg.Wait()
	assert.Equal(t, "u1", c.Get().ViewerID)
}
