// pkg/core/types.go
package core

// GeoPoint is a WGS84 coordinate pair in decimal degrees.
type GeoPoint struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
}

// LocationSample is a single raw fix from the location provider.
type LocationSample struct {
	Point            GeoPoint `json:"point"`
	AccuracyMeters   float64  `json:"accuracyMeters" validate:"gte=0"`
	CapturedAtMillis int64    `json:"capturedAtMillis" validate:"gt=0"`
}

// UserLocation is the last accepted position a user published.
// There is one record per user, overwritten on every accepted fix.
type UserLocation struct {
	UserID          string   `json:"userId" validate:"required"`
	Point           GeoPoint `json:"point"`
	UpdatedAtMillis int64    `json:"updatedAtMillis"`
}

// RouteSegment is a run of trajectory points drawn in a single color.
type RouteSegment struct {
	Points     []GeoPoint `json:"points"`
	ColorIndex int        `json:"colorIndex"`
}
