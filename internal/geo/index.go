package geo

import (
	"math"

	"github.com/OCAP2/livemap/pkg/core"
	"github.com/dhconnelly/rtreego"
)

const (
	metersPerDegreeLat = 111_320.0
	pointTolerance     = 1e-9
)

type indexed struct {
	id    string
	point core.GeoPoint
}

func (e *indexed) Bounds() rtreego.Rect {
	return rtreego.Point{e.point.Longitude, e.point.Latitude}.ToRect(pointTolerance)
}

// Index answers radius queries over a set of points. It is not safe for
// concurrent use.
type Index struct {
	tree  *rtreego.Rtree
	items map[string]*indexed
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{
		tree:  rtreego.NewTree(2, 25, 50),
		items: make(map[string]*indexed),
	}
}

// Insert adds or moves id to p.
func (ix *Index) Insert(id string, p core.GeoPoint) {
	if old, ok := ix.items[id]; ok {
		ix.tree.Delete(old)
	}
	e := &indexed{id: id, point: p}
	ix.items[id] = e
	ix.tree.Insert(e)
}

// Remove drops id; unknown ids are ignored.
func (ix *Index) Remove(id string) {
	if old, ok := ix.items[id]; ok {
		ix.tree.Delete(old)
		delete(ix.items, id)
	}
}

// Len returns the number of indexed points.
func (ix *Index) Len() int {
	return len(ix.items)
}

// Within returns the ids no farther than radiusMeters from center. The
// tree narrows the search to a bounding box; DistanceMeters decides. The
// box does not wrap at the antimeridian.
func (ix *Index) Within(center core.GeoPoint, radiusMeters float64) []string {
	if radiusMeters <= 0 || len(ix.items) == 0 {
		return nil
	}

	dLat := radiusMeters / metersPerDegreeLat
	dLng := 360.0
	if c := math.Cos(center.Latitude * math.Pi / 180); c > 1e-6 {
		dLng = math.Min(dLng, radiusMeters/(metersPerDegreeLat*c))
	}
	bb, err := rtreego.NewRect(
		rtreego.Point{center.Longitude - dLng, center.Latitude - dLat},
		[]float64{2 * dLng, 2 * dLat},
	)
	if err != nil {
		return nil
	}

	var out []string
	for _, s := range ix.tree.SearchIntersect(bb) {
		e := s.(*indexed)
		if DistanceMeters(center, e.point) <= radiusMeters {
			out = append(out, e.id)
		}
	}
	return out
}
