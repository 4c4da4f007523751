package track

import (
	"github.com/OCAP2/livemap/internal/geo"
	"github.com/OCAP2/livemap/pkg/core"
)

// Config holds the smoothing and segmentation parameters.
type Config struct {
	JitterMeters float64
	TurnDegrees  float64
	PaletteSize  int
}

// DefaultConfig returns the default route parameters.
func DefaultConfig() Config {
	return Config{
		JitterMeters: DefaultJitterMeters,
		TurnDegrees:  DefaultTurnDegrees,
		PaletteSize:  len(Palette),
	}
}

// Session is the trajectory of one tracking session. Segments are derived
// state recomputed from the full history on every append; sessions are
// short-lived so no incremental algorithm is needed. Not safe for concurrent
// use.
type Session struct {
	cfg      Config
	raw      []core.GeoPoint
	smoothed []core.GeoPoint
	segments []core.RouteSegment
}

// NewSession creates an empty Session.
func NewSession(cfg Config) *Session {
	return &Session{cfg: cfg}
}

// Append adds an accepted point and returns the recomputed segments.
func (s *Session) Append(p core.GeoPoint) []core.RouteSegment {
	s.raw = append(s.raw, p)
	s.smoothed = Smooth(s.raw, s.cfg.JitterMeters)
	s.segments = Segment(s.smoothed, s.cfg.TurnDegrees, s.cfg.PaletteSize)
	return s.segments
}

// Points returns the accepted points in order.
func (s *Session) Points() []core.GeoPoint {
	return append([]core.GeoPoint(nil), s.raw...)
}

// Smoothed returns the current smoothed route.
func (s *Session) Smoothed() []core.GeoPoint {
	return append([]core.GeoPoint(nil), s.smoothed...)
}

// Segments returns the current segments.
func (s *Session) Segments() []core.RouteSegment {
	return s.segments
}

// WKT returns the segments as WKT LINESTRINGs for archiving.
func (s *Session) WKT() []string {
	return geo.SegmentsWKT(s.segments)
}

// Len returns the number of accepted points.
func (s *Session) Len() int {
	return len(s.raw)
}

// Reset discards the trajectory.
func (s *Session) Reset() {
	s.raw = nil
	s.smoothed = nil
	s.segments = nil
}
