// Package wssurface implements surface.Surface by streaming marker and route
// operations to a remote map host over WebSocket.
package wssurface

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/OCAP2/livemap/internal/geo"
	"github.com/OCAP2/livemap/internal/surface"
	"github.com/OCAP2/livemap/internal/track"
	"github.com/OCAP2/livemap/pkg/core"
	"github.com/OCAP2/livemap/pkg/streaming"
	"github.com/google/uuid"
)

// Config holds the map host connection settings.
type Config struct {
	URL       string
	Secret    string
	SessionID string
	ViewerID  string
}

// Surface mirrors map state locally so it can be replayed after a reconnect.
type Surface struct {
	conn *connection
	cfg  Config

	mu       sync.Mutex
	markers  map[core.MarkerHandle]streaming.AddMarkerPayload
	handlers map[core.MarkerHandle]registeredTap
	route    *streaming.DrawRoutePayload
}

type registeredTap struct {
	id string
	fn surface.TapFunc
}

// New creates a websocket surface. Call Init to connect.
func New(cfg Config, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Surface{
		conn:     newConnection(logger),
		cfg:      cfg,
		markers:  make(map[core.MarkerHandle]streaming.AddMarkerPayload),
		handlers: make(map[core.MarkerHandle]registeredTap),
	}
	s.conn.replay = s.snapshot
	s.conn.onTap = s.handleTap
	return s
}

// Init connects to the map host and waits for it to acknowledge the session.
func (s *Surface) Init() error {
	if err := s.conn.open(s.cfg.URL, s.cfg.Secret); err != nil {
		return err
	}
	data, err := marshalEnvelope(streaming.TypeHello, s.hello())
	if err != nil {
		return err
	}
	return s.conn.request(data, streaming.TypeHello, ackTimeout)
}

// Close disconnects from the map host.
func (s *Surface) Close() error {
	return s.conn.shutdown()
}

func (s *Surface) AddMarker(p core.GeoPoint, icon core.Icon, label string) core.MarkerHandle {
	h := core.MarkerHandle(uuid.NewString())
	payload := streaming.AddMarkerPayload{
		Handle:    string(h),
		Position:  position(p),
		IconKind:  icon.Kind,
		AvatarURL: icon.AvatarURL,
		Label:     label,
	}

	s.mu.Lock()
	s.markers[h] = payload
	s.mu.Unlock()

	s.send(streaming.TypeAddMarker, payload)
	return h
}

func (s *Surface) MoveMarker(h core.MarkerHandle, p core.GeoPoint) {
	s.mu.Lock()
	payload, ok := s.markers[h]
	if ok {
		payload.Position = position(p)
		s.markers[h] = payload
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.send(streaming.TypeMoveMarker, streaming.MoveMarkerPayload{Handle: string(h), Position: payload.Position})
}

func (s *Surface) RemoveMarker(h core.MarkerHandle) {
	s.mu.Lock()
	_, ok := s.markers[h]
	delete(s.markers, h)
	delete(s.handlers, h)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.send(streaming.TypeRemoveMarker, streaming.RemoveMarkerPayload{Handle: string(h)})
}

func (s *Surface) RegisterTapHandler(h core.MarkerHandle, fn surface.TapFunc) core.HandlerHandle {
	s.mu.Lock()
	if _, ok := s.markers[h]; !ok {
		s.mu.Unlock()
		return ""
	}
	id := uuid.NewString()
	s.handlers[h] = registeredTap{id: id, fn: fn}
	s.mu.Unlock()

	s.send(streaming.TypeRegisterTap, streaming.RegisterTapPayload{Handle: string(h), Handler: id})
	return core.HandlerHandle(id)
}

func (s *Surface) DrawRoute(segments []core.RouteSegment) {
	payload := routePayload(segments)

	s.mu.Lock()
	s.route = &payload
	s.mu.Unlock()

	s.send(streaming.TypeDrawRoute, payload)
}

func (s *Surface) ClearRoute() {
	s.mu.Lock()
	s.route = nil
	s.mu.Unlock()

	s.send(streaming.TypeClearRoute, nil)
}

func (s *Surface) handleTap(tap streaming.TapPayload) {
	s.mu.Lock()
	reg, ok := s.handlers[core.MarkerHandle(tap.Handle)]
	s.mu.Unlock()
	if !ok {
		s.conn.logger.Debug("Tap on unknown marker", "handle", tap.Handle)
		return
	}
	reg.fn(core.MarkerHandle(tap.Handle))
}

// snapshot renders the mirrored state as the message sequence a fresh host
// connection needs.
func (s *Surface) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [][]byte
	appendMsg := func(msgType string, payload any) {
		data, err := marshalEnvelope(msgType, payload)
		if err != nil {
			s.conn.logger.Warn("Failed to marshal replay message", "type", msgType, "error", err)
			return
		}
		out = append(out, data)
	}

	appendMsg(streaming.TypeHello, s.hello())
	for h, m := range s.markers {
		appendMsg(streaming.TypeAddMarker, m)
		if reg, ok := s.handlers[h]; ok {
			appendMsg(streaming.TypeRegisterTap, streaming.RegisterTapPayload{Handle: string(h), Handler: reg.id})
		}
	}
	if s.route != nil {
		appendMsg(streaming.TypeDrawRoute, *s.route)
	}
	return out
}

func (s *Surface) hello() streaming.HelloPayload {
	return streaming.HelloPayload{SessionID: s.cfg.SessionID, ViewerID: s.cfg.ViewerID}
}

func (s *Surface) send(msgType string, payload any) {
	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		s.conn.logger.Warn("Failed to marshal surface message", "type", msgType, "error", err)
		return
	}
	s.conn.enqueue(data)
}

// marshalEnvelope builds a JSON-encoded Envelope from a message type and payload.
func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env := streaming.Envelope{Type: msgType, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

func position(p core.GeoPoint) streaming.Position {
	x, y := geo.ToWebMercator(p)
	return streaming.Position{Lat: p.Latitude, Lng: p.Longitude, X: x, Y: y}
}

func routePayload(segments []core.RouteSegment) streaming.DrawRoutePayload {
	payload := streaming.DrawRoutePayload{Segments: make([]streaming.RouteSegment, 0, len(segments))}
	for _, seg := range segments {
		ls, err := geo.LineString(seg.Points)
		if err != nil {
			continue
		}
		payload.Segments = append(payload.Segments, streaming.RouteSegment{
			ColorIndex: seg.ColorIndex,
			Color:      track.Color(seg.ColorIndex),
			WKT:        ls.AsText(),
		})
	}
	return payload
}
