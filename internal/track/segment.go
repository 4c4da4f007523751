package track

import (
	"math"

	"github.com/OCAP2/livemap/internal/geo"
	"github.com/OCAP2/livemap/pkg/core"
)

// DefaultTurnDegrees is the heading change that starts a new segment.
const DefaultTurnDegrees = 45.0

// Palette is the fixed color rotation for route segments.
var Palette = []string{"#1E88E5", "#43A047", "#FB8C00", "#8E24AA", "#E53935"}

// Segment splits a smoothed route at sharp turns. The vertex where the turn
// happens closes one segment and opens the next, so adjacent segments share
// exactly one point. Colors cycle through paletteSize indices.
func Segment(points []core.GeoPoint, turnDegrees float64, paletteSize int) []core.RouteSegment {
	if len(points) < 2 {
		return nil
	}
	if paletteSize <= 0 {
		paletteSize = len(Palette)
	}

	var segments []core.RouteSegment
	current := []core.GeoPoint{points[0], points[1]}
	for i := 2; i < len(points); i++ {
		if math.Abs(geo.TurnAngleDegrees(points[i-2], points[i-1], points[i])) > turnDegrees {
			segments = append(segments, core.RouteSegment{
				Points:     current,
				ColorIndex: len(segments) % paletteSize,
			})
			current = []core.GeoPoint{points[i-1]}
		}
		current = append(current, points[i])
	}

	return append(segments, core.RouteSegment{
		Points:     current,
		ColorIndex: len(segments) % paletteSize,
	})
}

// Color returns the palette color for a segment's ColorIndex.
func Color(colorIndex int) string {
	return Palette[colorIndex%len(Palette)]
}
