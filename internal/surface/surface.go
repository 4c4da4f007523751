// Package surface defines the map rendering surface the engine draws on.
//
// A Surface is not safe for concurrent mutation; callers drive it from the
// dispatcher's serialized context. Tap callbacks are invoked from the
// surface's own goroutine and may carry a handle that no longer matches the
// marker they were registered for, so handlers should capture the owner id
// they care about instead of trusting the handle.
package surface

import (
	"github.com/OCAP2/livemap/pkg/core"
)

// TapFunc is called when a marker is tapped.
type TapFunc func(h core.MarkerHandle)

// Surface is the placemark and tap-listener contract of a map SDK, plus
// route drawing for the local trajectory.
type Surface interface {
	AddMarker(p core.GeoPoint, icon core.Icon, label string) core.MarkerHandle
	MoveMarker(h core.MarkerHandle, p core.GeoPoint)
	// RemoveMarker is a no-op for unknown handles.
	RemoveMarker(h core.MarkerHandle)
	RegisterTapHandler(h core.MarkerHandle, fn TapFunc) core.HandlerHandle
	DrawRoute(segments []core.RouteSegment)
	ClearRoute()
}
