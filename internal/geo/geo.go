package geo

import (
	"math"

	"github.com/OCAP2/livemap/pkg/core"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }

// DistanceMeters returns the great-circle distance between a and b.
func DistanceMeters(a, b core.GeoPoint) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := lat2 - lat1
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// BearingDegrees returns the initial bearing from one point to another,
// normalized to [0, 360).
func BearingDegrees(from, to core.GeoPoint) float64 {
	lat1 := toRadians(from.Latitude)
	lat2 := toRadians(to.Latitude)
	dLon := toRadians(to.Longitude - from.Longitude)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return normalize360(toDegrees(math.Atan2(y, x)))
}

// TurnAngleDegrees returns the signed change of heading at p2 when travelling
// p1 -> p2 -> p3, normalized to (-180, 180]. Positive values turn clockwise.
func TurnAngleDegrees(p1, p2, p3 core.GeoPoint) float64 {
	return normalize180(BearingDegrees(p2, p3) - BearingDegrees(p1, p2))
}

// PointToLineDistanceMeters approximates how far cur lies off the line from
// prev to next: the bearing deviation at prev times the distance prev->cur.
// When cur deviates by more than 90 degrees it is behind prev and the
// distance to next is returned instead.
func PointToLineDistanceMeters(prev, cur, next core.GeoPoint) float64 {
	deviation := normalize180(BearingDegrees(prev, cur) - BearingDegrees(prev, next))
	if math.Abs(deviation) > 90 {
		return DistanceMeters(cur, next)
	}
	return math.Abs(math.Sin(toRadians(deviation))) * DistanceMeters(prev, cur)
}

func normalize360(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// normalize180 maps deg into (-180, 180].
func normalize180(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg > 180 {
		deg -= 360
	} else if deg <= -180 {
		deg += 360
	}
	return deg
}
