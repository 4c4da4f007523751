// pkg/core/marker.go
package core

// MarkerHandle identifies a marker on the map surface.
type MarkerHandle string

// HandlerHandle identifies a tap handler registered on the map surface.
type HandlerHandle string

// Icon describes how a marker is drawn. An empty AvatarURL means the
// surface should use its default icon.
type Icon struct {
	Kind      string `json:"kind"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Icon kinds understood by surfaces.
const (
	IconUser  = "user"
	IconEvent = "event"
)

// RenderedMarker is a marker this process placed on the map. It is owned by
// the component that created it and must be removed from the surface before
// it is dropped from that component's index.
type RenderedMarker struct {
	OwnerKey   string
	Position   GeoPoint
	Label      string
	Handle     MarkerHandle
	TapHandler HandlerHandle
}
