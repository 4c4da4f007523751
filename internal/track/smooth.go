// Package track turns accepted fixes into the smoothed, color-segmented
// route drawn for the local user.
package track

import (
	"github.com/OCAP2/livemap/internal/geo"
	"github.com/OCAP2/livemap/pkg/core"
)

// DefaultJitterMeters is the off-line distance above which an interior
// point is treated as sensor jitter.
const DefaultJitterMeters = 15.0

// Smooth drops interior points lying more than jitterMeters off the line
// between their neighbours. The first and last points are always kept and
// neighbours are taken from the input, so a single O(n) pass suffices.
func Smooth(points []core.GeoPoint, jitterMeters float64) []core.GeoPoint {
	if len(points) <= 2 {
		return append([]core.GeoPoint(nil), points...)
	}

	out := make([]core.GeoPoint, 0, len(points))
	out = append(out, points[0])
	for i := 1; i < len(points)-1; i++ {
		if geo.PointToLineDistanceMeters(points[i-1], points[i], points[i+1]) > jitterMeters {
			continue
		}
		out = append(out, points[i])
	}
	return append(out, points[len(points)-1])
}
