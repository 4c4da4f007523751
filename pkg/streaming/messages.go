// Package streaming defines the JSON messages exchanged with a map host over
// WebSocket.
package streaming

import (
	"encoding/json"
)

// Message type constants matching the streaming protocol.
const (
	TypeHello        = "hello"
	TypeAddMarker    = "add_marker"
	TypeMoveMarker   = "move_marker"
	TypeRemoveMarker = "remove_marker"
	TypeRegisterTap  = "register_tap"
	TypeDrawRoute    = "draw_route"
	TypeClearRoute   = "clear_route"

	// sent by the host
	TypeTap = "tap"
	TypeAck = "ack"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage is the host's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// HelloPayload opens a session with the host.
type HelloPayload struct {
	SessionID string `json:"sessionId"`
	ViewerID  string `json:"viewerId"`
}

// Position carries both geographic and Web Mercator coordinates so hosts
// can draw without reprojecting.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
}

// AddMarkerPayload places a marker.
type AddMarkerPayload struct {
	Handle    string   `json:"handle"`
	Position  Position `json:"position"`
	IconKind  string   `json:"iconKind"`
	AvatarURL string   `json:"avatarUrl,omitempty"`
	Label     string   `json:"label"`
}

// MoveMarkerPayload moves a marker.
type MoveMarkerPayload struct {
	Handle   string   `json:"handle"`
	Position Position `json:"position"`
}

// RemoveMarkerPayload removes a marker.
type RemoveMarkerPayload struct {
	Handle string `json:"handle"`
}

// RegisterTapPayload asks the host to report taps on a marker.
type RegisterTapPayload struct {
	Handle  string `json:"handle"`
	Handler string `json:"handler"`
}

// RouteSegment is one colored polyline of the trajectory.
type RouteSegment struct {
	ColorIndex int    `json:"colorIndex"`
	Color      string `json:"color"`
	WKT        string `json:"wkt"`
}

// DrawRoutePayload replaces the drawn trajectory.
type DrawRoutePayload struct {
	Segments []RouteSegment `json:"segments"`
}

// TapPayload is sent by the host when a marker is tapped. Handle may be
// stale after host lifecycle transitions.
type TapPayload struct {
	Handle string `json:"handle"`
}
