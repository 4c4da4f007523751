package track

import (
	"strings"
	"testing"

	"github.com/OCAP2/livemap/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ~11 m per 0.0001 degree near the equator
func p(lat, lng float64) core.GeoPoint {
	return core.GeoPoint{Latitude: lat, Longitude: lng}
}

// eastThenNorth walks n points east then m points north in 0.0001 degree steps.
func eastThenNorth(n, m int) []core.GeoPoint {
	var pts []core.GeoPoint
	for i := 0; i < n; i++ {
		pts = append(pts, p(0, float64(i)*0.0001))
	}
	corner := pts[len(pts)-1]
	for j := 1; j <= m; j++ {
		pts = append(pts, p(corner.Latitude+float64(j)*0.0001, corner.Longitude))
	}
	return pts
}

func TestSmooth_ShortInputUnchanged(t *testing.T) {
	assert.Empty(t, Smooth(nil, DefaultJitterMeters))

	two := []core.GeoPoint{p(0, 0), p(1, 1)}
	assert.Equal(t, two, Smooth(two, DefaultJitterMeters))
}

func TestSmooth_DropsJitter(t *testing.T) {
	in := []core.GeoPoint{
		p(0, 0),
		p(0, 0.0005),
		p(0.0005, 0.0010), // ~55 m off the line
		p(0, 0.0015),
		p(0, 0.0020),
	}

	out := Smooth(in, DefaultJitterMeters)

	assert.NotContains(t, out, in[2])
	assert.Equal(t, in[0], out[0])
	assert.Equal(t, in[len(in)-1], out[len(out)-1])
}

func TestSmooth_KeepsEndpointsEvenWhenNoisy(t *testing.T) {
	in := []core.GeoPoint{p(0.001, 0), p(0, 0.0005), p(-0.001, 0.001)}

	out := Smooth(in, DefaultJitterMeters)

	require.GreaterOrEqual(t, len(out), 2)
	assert.Equal(t, in[0], out[0])
	assert.Equal(t, in[2], out[len(out)-1])
}

func TestSmooth_IdempotentOnCollinearInput(t *testing.T) {
	var in []core.GeoPoint
	for i := 0; i < 20; i++ {
		in = append(in, p(float64(i)*0.00005, float64(i)*0.00005))
	}

	once := Smooth(in, DefaultJitterMeters)
	assert.Equal(t, in, once)
	assert.Equal(t, once, Smooth(once, DefaultJitterMeters))
}

func TestSegment_TooFewPoints(t *testing.T) {
	assert.Empty(t, Segment(nil, DefaultTurnDegrees, 5))
	assert.Empty(t, Segment([]core.GeoPoint{p(0, 0)}, DefaultTurnDegrees, 5))
}

func TestSegment_StraightLineIsOneSegment(t *testing.T) {
	pts := eastThenNorth(6, 0)

	segs := Segment(pts, DefaultTurnDegrees, 5)

	require.Len(t, segs, 1)
	assert.Equal(t, pts, segs[0].Points)
	assert.Equal(t, 0, segs[0].ColorIndex)
}

func TestSegment_SplitsAtSharpTurnWithSharedBoundary(t *testing.T) {
	pts := eastThenNorth(4, 3)

	segs := Segment(pts, DefaultTurnDegrees, 5)

	require.Len(t, segs, 2)
	corner := pts[3]
	assert.Equal(t, corner, segs[0].Points[len(segs[0].Points)-1])
	assert.Equal(t, corner, segs[1].Points[0])
	assert.Equal(t, 0, segs[0].ColorIndex)
	assert.Equal(t, 1, segs[1].ColorIndex)
}

func TestSegment_ColorsCycle(t *testing.T) {
	// zig-zag with a 90 degree turn at every vertex
	var pts []core.GeoPoint
	for i := 0; i < 8; i++ {
		if i%2 == 0 {
			pts = append(pts, p(float64(i/2)*0.0001, float64(i/2)*0.0001))
		} else {
			pts = append(pts, p(float64(i/2)*0.0001, float64(i/2+1)*0.0001))
		}
	}

	segs := Segment(pts, DefaultTurnDegrees, 5)

	require.Len(t, segs, 7)
	for i, s := range segs {
		assert.Equal(t, i%5, s.ColorIndex)
	}
}

func TestSegment_ConcatenationReproducesInput(t *testing.T) {
	inputs := [][]core.GeoPoint{
		eastThenNorth(2, 0),
		eastThenNorth(5, 5),
		eastThenNorth(3, 1),
		{p(0, 0), p(0, 0.0001), p(0, 0)},
	}

	for _, in := range inputs {
		segs := Segment(in, DefaultTurnDegrees, 5)

		var joined []core.GeoPoint
		for i, s := range segs {
			if i == 0 {
				joined = append(joined, s.Points...)
				continue
			}
			joined = append(joined, s.Points[1:]...)
		}
		assert.Equal(t, in, joined)
	}
}

func TestColor(t *testing.T) {
	assert.Equal(t, Palette[0], Color(0))
	assert.Equal(t, Palette[0], Color(len(Palette)))
	assert.Equal(t, Palette[2], Color(7))
}

func TestSession_AppendRecomputes(t *testing.T) {
	s := NewSession(DefaultConfig())

	assert.Empty(t, s.Append(p(0, 0)))

	for _, pt := range eastThenNorth(4, 3)[1:] {
		s.Append(pt)
	}

	assert.Equal(t, 7, s.Len())
	assert.Len(t, s.Segments(), 2)
	assert.Len(t, s.Smoothed(), 7)
}

func TestSession_Reset(t *testing.T) {
	s := NewSession(DefaultConfig())
	s.Append(p(0, 0))
	s.Append(p(0, 0.0001))

	s.Reset()

	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Segments())
	assert.Empty(t, s.Points())
}

func TestSession_WKT(t *testing.T) {
	s := NewSession(DefaultConfig())
	assert.Empty(t, s.WKT())

	for _, pt := range eastThenNorth(4, 3) {
		s.Append(pt)
	}

	wkt := s.WKT()
	require.Len(t, wkt, 2)
	for _, w := range wkt {
		assert.True(t, strings.HasPrefix(w, "LINESTRING("), w)
	}
}
