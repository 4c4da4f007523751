package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/OCAP2/livemap/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marker(key string, lat float64) core.RenderedMarker {
	return core.RenderedMarker{
		OwnerKey: key,
		Position: core.GeoPoint{Latitude: lat},
		Label:    key,
		Handle:   core.MarkerHandle("h-" + key),
	}
}

func TestMarkerCache_NewMarkerCache(t *testing.T) {
	cache := NewMarkerCache()

	require.NotNil(t, cache)
	assert.NotNil(t, cache.markers)
	assert.Equal(t, 0, cache.Len())
}

func TestMarkerCache_SetAndGet(t *testing.T) {
	cache := NewMarkerCache()

	cache.Set(marker("u1", 1))

	m, ok := cache.Get("u1")
	require.True(t, ok, "expected to find u1")
	assert.Equal(t, core.MarkerHandle("h-u1"), m.Handle)
	assert.Equal(t, 1.0, m.Position.Latitude)
}

func TestMarkerCache_Get_NotFound(t *testing.T) {
	cache := NewMarkerCache()

	_, ok := cache.Get("nonexistent")
	assert.False(t, ok, "expected not to find nonexistent marker")
}

func TestMarkerCache_OverwriteKeepsOneEntry(t *testing.T) {
	cache := NewMarkerCache()

	cache.Set(marker("u1", 1))
	cache.Set(marker("u1", 2))

	assert.Equal(t, 1, cache.Len())
	m, _ := cache.Get("u1")
	assert.Equal(t, 2.0, m.Position.Latitude)
}

func TestMarkerCache_DeleteAndKeys(t *testing.T) {
	cache := NewMarkerCache()
	cache.Set(marker("u1", 1))
	cache.Set(marker("u2", 2))

	cache.Delete("u1")
	cache.Delete("nonexistent")

	assert.ElementsMatch(t, []string{"u2"}, cache.Keys())
	require.Len(t, cache.All(), 1)
	assert.Equal(t, "u2", cache.All()[0].OwnerKey)
}

func TestMarkerCache_Reset(t *testing.T) {
	cache := NewMarkerCache()
	cache.Set(marker("u1", 1))
	cache.Set(marker("u2", 2))

	cache.Reset()

	assert.Equal(t, 0, cache.Len())
	cache.Set(marker("u3", 3))
	_, ok := cache.Get("u3")
	assert.True(t, ok, "expected to find u3 after reset")
}

func TestMarkerCache_ConcurrentReadWrite(t *testing.T) {
	cache := NewMarkerCache()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(3)
		key := fmt.Sprintf("u%d", i%10)

		go func(id int) {
			defer wg.Done()
			cache.Set(marker(key, float64(id)))
		}(i)

		go func() {
			defer wg.Done()
			cache.Get(key)
			cache.Keys()
		}()

		go func() {
			defer wg.Done()
			cache.Delete(key)
		}()
	}

	wg.Wait()
	assert.LessOrEqual(t, cache.Len(), 10)
}
