// Package visibility decides whether a viewer may see a subject's location.
package visibility

import (
	"context"
	"log/slog"

	"github.com/OCAP2/livemap/pkg/core"
)

// Evaluate applies a subject's sharing setting for viewerID.
//
// A missing setting is visible, and so is a FRIENDS setting when the friend
// list is unknown. This fail-open default matches the deployed clients and
// is kept as-is; see DESIGN.md.
func Evaluate(viewerID, subjectID string, setting *core.VisibilitySetting, friends core.FriendSet) bool {
	if setting == nil {
		return true
	}
	if !setting.Enabled {
		return false
	}

	switch setting.Mode {
	case core.VisibilityNone:
		return false
	case core.VisibilityFriends:
		if !friends.Known() {
			return true
		}
		return friends.Contains(subjectID)
	default:
		// EVERYONE and values this build does not know
		return true
	}
}

// SettingSource reads a subject's visibility setting. A nil setting with a
// nil error means the subject never stored one.
type SettingSource interface {
	Visibility(ctx context.Context, userID string) (*core.VisibilitySetting, error)
}

// Resolver evaluates the policy against remote settings. Lookup failures
// resolve to visible, favouring availability over strict privacy.
type Resolver struct {
	settings SettingSource
	logger   *slog.Logger
}

// NewResolver creates a Resolver reading settings from src.
func NewResolver(src SettingSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{settings: src, logger: logger}
}

// Visible fetches subjectID's setting and evaluates it for viewerID.
func (r *Resolver) Visible(ctx context.Context, viewerID, subjectID string, friends core.FriendSet) bool {
	setting, err := r.settings.Visibility(ctx, subjectID)
	if err != nil {
		r.logger.Warn("visibility lookup failed, showing user", "subject", subjectID, "error", err)
		return true
	}
	return Evaluate(viewerID, subjectID, setting, friends)
}
