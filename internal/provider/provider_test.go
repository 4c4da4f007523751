package provider

import (
	"testing"

	"github.com/OCAP2/livemap/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Provider = (*Channel)(nil)

func fixAt(ms int64) core.LocationSample {
	return core.LocationSample{
		Point:            core.GeoPoint{Latitude: 52.52, Longitude: 13.405},
		AccuracyMeters:   5,
		CapturedAtMillis: ms,
	}
}

func TestChannel_PushAndReceive(t *testing.T) {
	c := NewChannel(4)

	require.True(t, c.Push(fixAt(1)))
	require.True(t, c.Push(fixAt(2)))
	assert.Equal(t, 2, c.Len())

	assert.Equal(t, int64(1), (<-c.Samples()).CapturedAtMillis)
	assert.Equal(t, int64(2), (<-c.Samples()).CapturedAtMillis)
}

func TestChannel_DropsWhenFull(t *testing.T) {
	c := NewChannel(1)

	assert.True(t, c.Push(fixAt(1)))
	assert.False(t, c.Push(fixAt(2)))
	assert.Equal(t, 1, c.Len())
}

func TestChannel_Close(t *testing.T) {
	c := NewChannel(2)
	c.Push(fixAt(1))

	c.Close()
	c.Close()
	assert.False(t, c.Push(fixAt(2)))

	s, ok := <-c.Samples()
	require.True(t, ok)
	assert.Equal(t, int64(1), s.CapturedAtMillis)

	_, ok = <-c.Samples()
	assert.False(t, ok)
}

func TestNewChannel_DefaultSize(t *testing.T) {
	c := NewChannel(0)
	for i := 0; i < DefaultQueueSize; i++ {
		require.True(t, c.Push(fixAt(int64(i+1))))
	}
	assert.False(t, c.Push(fixAt(999)))
}
