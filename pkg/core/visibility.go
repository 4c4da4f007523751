// pkg/core/visibility.go
package core

// VisibilityMode controls who may see a user's location.
type VisibilityMode string

const (
	VisibilityNone     VisibilityMode = "NONE"
	VisibilityFriends  VisibilityMode = "FRIENDS"
	VisibilityEveryone VisibilityMode = "EVERYONE"
)

// VisibilitySetting is owned by the subject user and read by every viewer.
type VisibilitySetting struct {
	UserID  string         `json:"userId" validate:"required"`
	Enabled bool           `json:"enabled"`
	Mode    VisibilityMode `json:"mode"`
}

// FriendSet is the set of user ids a viewer has marked as friends. A nil
// FriendSet means the list could not be read.
type FriendSet map[string]struct{}

// NewFriendSet builds a FriendSet from a list of user ids.
func NewFriendSet(ids ...string) FriendSet {
	s := make(FriendSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is in the set. A nil set contains nothing.
func (s FriendSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Known reports whether the set holds a friend list that was actually read.
func (s FriendSet) Known() bool {
	return s != nil
}

// IDs returns the members of the set in no particular order.
func (s FriendSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}
