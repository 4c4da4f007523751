package geo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/OCAP2/livemap/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// ParsePoint parses a "lat,lng" string into a core.GeoPoint.
func ParsePoint(coords string) (core.GeoPoint, error) {
	parts := strings.Split(coords, ",")
	if len(parts) != 2 {
		return core.GeoPoint{}, ErrInvalidCoordinates
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || lat < -90 || lat > 90 {
		return core.GeoPoint{}, ErrInvalidCoordinates
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || lng < -180 || lng > 180 {
		return core.GeoPoint{}, ErrInvalidCoordinates
	}
	return core.GeoPoint{Latitude: lat, Longitude: lng}, nil
}

// ToWebMercator projects a WGS84 point (EPSG:4326) to EPSG:3857 meters,
// which is what tile-based map hosts draw in.
func ToWebMercator(p core.GeoPoint) (x, y float64) {
	epsg := wgs84.EPSG()
	f := epsg.Transform(4326, 3857)
	x, y, _ = f(p.Longitude, p.Latitude, 0)
	return x, y
}

// LineString converts a point run into a geom.LineString with X=longitude
// and Y=latitude.
func LineString(points []core.GeoPoint) (geom.LineString, error) {
	if len(points) < 2 {
		return geom.LineString{}, fmt.Errorf("linestring must have at least 2 points, got %d", len(points))
	}

	flatCoords := make([]float64, 0, len(points)*2)
	for _, p := range points {
		flatCoords = append(flatCoords, p.Longitude, p.Latitude)
	}

	seq := geom.NewSequence(flatCoords, geom.DimXY)
	return geom.NewLineString(seq)
}

// SegmentsWKT renders route segments as WKT LINESTRINGs, one per segment.
// Segments with fewer than two points are skipped.
func SegmentsWKT(segments []core.RouteSegment) []string {
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		ls, err := LineString(s.Points)
		if err != nil {
			continue
		}
		out = append(out, ls.AsText())
	}
	return out
}
