// Package profile resolves a user's display name and avatar for marker
// labels.
package profile

import (
	"context"
	"errors"

	"github.com/OCAP2/livemap/pkg/core"
)

// ErrNotFound is returned when a user has no profile.
var ErrNotFound = errors.New("profile not found")

// Lookup resolves a user's profile.
type Lookup interface {
	Lookup(ctx context.Context, userID string) (core.Profile, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, userID string) (core.Profile, error)

func (f LookupFunc) Lookup(ctx context.Context, userID string) (core.Profile, error) {
	return f(ctx, userID)
}

// Default is the profile shown when a lookup fails or times out: the user
// id as label and the surface's default icon.
func Default(userID string) core.Profile {
	return core.Profile{UserID: userID, DisplayName: userID}
}

// Chain tries each lookup in order and returns the first success. It
// returns the last error if all fail.
func Chain(lookups ...Lookup) Lookup {
	return LookupFunc(func(ctx context.Context, userID string) (core.Profile, error) {
		err := ErrNotFound
		for _, l := range lookups {
			var p core.Profile
			p, err = l.Lookup(ctx, userID)
			if err == nil {
				return p, nil
			}
			if ctx.Err() != nil {
				return core.Profile{}, ctx.Err()
			}
		}
		return core.Profile{}, err
	})
}
