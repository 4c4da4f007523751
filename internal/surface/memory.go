package surface

import (
	"fmt"
	"sync"

	"github.com/OCAP2/livemap/pkg/core"
)

// Placemark is a marker as held by the in-memory surface.
type Placemark struct {
	Handle   core.MarkerHandle
	Position core.GeoPoint
	Icon     core.Icon
	Label    string
}

// Memory is an in-process Surface. It backs headless runs and tests, and
// can simulate the tap-listener staleness seen on real map SDKs.
type Memory struct {
	mu       sync.Mutex
	next     uint64
	markers  map[core.MarkerHandle]Placemark
	handlers map[core.MarkerHandle]TapFunc
	route    []core.RouteSegment
	removed  int
}

// NewMemory creates an empty Memory surface.
func NewMemory() *Memory {
	return &Memory{
		markers:  make(map[core.MarkerHandle]Placemark),
		handlers: make(map[core.MarkerHandle]TapFunc),
	}
}

func (m *Memory) AddMarker(p core.GeoPoint, icon core.Icon, label string) core.MarkerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	h := core.MarkerHandle(fmt.Sprintf("mk-%d", m.next))
	m.markers[h] = Placemark{Handle: h, Position: p, Icon: icon, Label: label}
	return h
}

func (m *Memory) MoveMarker(h core.MarkerHandle, p core.GeoPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.markers[h]
	if !ok {
		return
	}
	pm.Position = p
	m.markers[h] = pm
}

func (m *Memory) RemoveMarker(h core.MarkerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.markers[h]; !ok {
		return
	}
	delete(m.markers, h)
	delete(m.handlers, h)
	m.removed++
}

func (m *Memory) RegisterTapHandler(h core.MarkerHandle, fn TapFunc) core.HandlerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.markers[h]; !ok {
		return ""
	}
	m.handlers[h] = fn
	return core.HandlerHandle("tap-" + string(h))
}

func (m *Memory) DrawRoute(segments []core.RouteSegment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.route = append([]core.RouteSegment(nil), segments...)
}

func (m *Memory) ClearRoute() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.route = nil
}

// Tap fires the handler registered for h, if any, and reports whether one ran.
func (m *Memory) Tap(h core.MarkerHandle) bool {
	m.mu.Lock()
	fn, ok := m.handlers[h]
	m.mu.Unlock()
	if !ok {
		return false
	}
	fn(h)
	return true
}

// DetachHandlers drops every tap handler while leaving markers in place,
// the way some SDKs do after the hosting view is paused and resumed.
func (m *Memory) DetachHandlers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = make(map[core.MarkerHandle]TapFunc)
}

// Markers returns a copy of every placemark on the surface.
func (m *Memory) Markers() []Placemark {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Placemark, 0, len(m.markers))
	for _, pm := range m.markers {
		out = append(out, pm)
	}
	return out
}

// Marker returns the placemark for h.
func (m *Memory) Marker(h core.MarkerHandle) (Placemark, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.markers[h]
	return pm, ok
}

// MarkersByLabel returns the placemarks carrying label.
func (m *Memory) MarkersByLabel(label string) []Placemark {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Placemark
	for _, pm := range m.markers {
		if pm.Label == label {
			out = append(out, pm)
		}
	}
	return out
}

// Route returns the segments last drawn.
func (m *Memory) Route() []core.RouteSegment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.RouteSegment(nil), m.route...)
}

// Removed returns how many markers have been released.
func (m *Memory) Removed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removed
}
