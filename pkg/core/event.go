// pkg/core/event.go
package core

// EventRecord is an ephemeral, location-anchored event. Participants grow over
// its lifetime; the record is deleted by its creator or once it expires.
type EventRecord struct {
	EventID         string            `json:"eventId" validate:"required"`
	CreatorID       string            `json:"creatorId" validate:"required"`
	Point           GeoPoint          `json:"point"`
	Name            string            `json:"name" validate:"required,max=120"`
	Description     string            `json:"description" validate:"max=2000"`
	CreatedAtMillis int64             `json:"createdAtMillis" validate:"gt=0"`
	ExpiresAtMillis int64             `json:"expiresAtMillis" validate:"gtfield=CreatedAtMillis"`
	Participants    map[string]string `json:"participants"`
}

// Expired reports whether the event has expired at nowMillis.
func (e EventRecord) Expired(nowMillis int64) bool {
	return nowMillis >= e.ExpiresAtMillis
}
