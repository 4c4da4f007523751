// pkg/core/profile.go
package core

// Profile is the display data shown on a user marker.
type Profile struct {
	UserID      string `json:"userId" validate:"required"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty" validate:"omitempty,url"`
}
