// Package reconcile keeps one map marker per visible user in step with the
// remote location feed.
//
// Every method except New must run on the dispatcher's serialized context.
// Visibility and profile lookups run on their own goroutines and post their
// completion back onto that context, where it is re-checked against the
// latest state before any marker is created.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/OCAP2/livemap/internal/cache"
	"github.com/OCAP2/livemap/internal/profile"
	"github.com/OCAP2/livemap/internal/surface"
	"github.com/OCAP2/livemap/pkg/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/OCAP2/livemap/internal/reconcile"

// DefaultLookupTimeout bounds the visibility and profile lookups for one
// user.
const DefaultLookupTimeout = 5 * time.Second

// VisibilityChecker decides whether viewerID may see subjectID.
type VisibilityChecker interface {
	Visible(ctx context.Context, viewerID, subjectID string, friends core.FriendSet) bool
}

// Poster runs fn on the serialized context.
type Poster interface {
	Post(name string, fn func()) error
}

// Config holds the reconciler's collaborators.
type Config struct {
	ViewerID      string
	Surface       surface.Surface
	Visibility    VisibilityChecker
	Profiles      profile.Lookup
	Poster        Poster
	LookupTimeout time.Duration
	// OnTap is called on the serialized context with the user id bound to
	// the tapped marker.
	OnTap  func(userID string)
	Logger *slog.Logger
}

// Reconciler owns the user id to marker index.
type Reconciler struct {
	cfg     Config
	markers *cache.MarkerCache
	// user id to the ticket of the lookup whose result is still wanted
	pending map[string]uint64
	tickets uint64
	// the most recent feed snapshot, read by completions
	latest  map[string]core.UserLocation
	friends core.FriendSet

	ctx    context.Context
	cancel context.CancelFunc
	active bool

	created metric.Int64Counter
	moved   metric.Int64Counter
	removed metric.Int64Counter
}

// New creates an active Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	r := &Reconciler{
		cfg:     cfg,
		markers: cache.NewMarkerCache(),
		pending: make(map[string]uint64),
		latest:  make(map[string]core.UserLocation),
		ctx:     ctx,
		cancel:  cancel,
		active:  true,
	}

	m := otel.Meter(instrumentationName)
	// instrument errors only occur with a misconfigured provider; the
	// returned no-op instruments are still usable
	r.created, _ = m.Int64Counter("reconcile.markers.created", metric.WithDescription("User markers created"))
	r.moved, _ = m.Int64Counter("reconcile.markers.moved", metric.WithDescription("User markers moved"))
	r.removed, _ = m.Int64Counter("reconcile.markers.removed", metric.WithDescription("User markers removed"))
	return r
}

// Reconcile diffs current against the rendered markers. Markers of users
// still reporting are moved in place, users without a marker are looked up
// asynchronously, and markers of users no longer in current are released.
// Applying the same input twice is a no-op.
func (r *Reconciler) Reconcile(current map[string]core.UserLocation, friends core.FriendSet) {
	if !r.active {
		return
	}

	r.latest = make(map[string]core.UserLocation, len(current))
	for id, loc := range current {
		if id == r.cfg.ViewerID {
			continue
		}
		r.latest[id] = loc
	}
	r.friends = friends

	for id, loc := range r.latest {
		if m, ok := r.markers.Get(id); ok {
			if m.Position != loc.Point {
				r.cfg.Surface.MoveMarker(m.Handle, loc.Point)
				m.Position = loc.Point
				r.markers.Set(m)
				r.moved.Add(context.Background(), 1)
			}
			continue
		}
		r.lookup(id)
	}

	for _, id := range r.markers.Keys() {
		if _, ok := r.latest[id]; !ok {
			r.release(id)
		}
	}
}

// Refresh drops the markers of userIDs and evaluates them again against the
// latest snapshot, e.g. after their sharing settings changed. Lookups already
// in flight for those users are superseded, so their results are discarded.
// With no ids every rendered or pending user is refreshed.
func (r *Reconciler) Refresh(userIDs ...string) {
	if !r.active {
		return
	}
	if len(userIDs) == 0 {
		userIDs = r.markers.Keys()
		for id := range r.pending {
			userIDs = append(userIDs, id)
		}
	}
	for _, id := range userIDs {
		delete(r.pending, id)
		r.release(id)
	}
	r.Reconcile(r.latest, r.friends)
}

func (r *Reconciler) lookup(userID string) {
	if _, ok := r.pending[userID]; ok {
		return
	}
	r.tickets++
	ticket := r.tickets
	r.pending[userID] = ticket

	friends := r.friends
	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.LookupTimeout)
		defer cancel()

		visible := r.cfg.Visibility.Visible(ctx, r.cfg.ViewerID, userID, friends)

		p := profile.Default(userID)
		if visible && r.cfg.Profiles != nil {
			got, err := r.cfg.Profiles.Lookup(ctx, userID)
			if err != nil {
				r.cfg.Logger.Debug("profile lookup failed, using default", "user", userID, "error", err)
			} else {
				p = got
				if p.DisplayName == "" {
					p.DisplayName = userID
				}
			}
		}

		if err := r.cfg.Poster.Post("reconcile.complete", func() { r.complete(userID, ticket, visible, p) }); err != nil {
			r.cfg.Logger.Debug("dropping lookup completion", "user", userID, "error", err)
		}
	}()
}

// complete is the serialized half of lookup.
func (r *Reconciler) complete(userID string, ticket uint64, visible bool, p core.Profile) {
	if !r.active {
		return
	}
	if r.pending[userID] != ticket {
		r.cfg.Logger.Debug("discarding superseded lookup", "user", userID)
		return
	}
	delete(r.pending, userID)
	if !visible {
		return
	}
	// the user may have stopped reporting while the lookup ran
	loc, ok := r.latest[userID]
	if !ok {
		r.cfg.Logger.Debug("user left the feed during lookup", "user", userID)
		return
	}
	if _, exists := r.markers.Get(userID); exists {
		return
	}

	icon := core.Icon{Kind: core.IconUser, AvatarURL: p.AvatarURL}
	h := r.cfg.Surface.AddMarker(loc.Point, icon, p.DisplayName)
	tap := r.cfg.Surface.RegisterTapHandler(h, func(core.MarkerHandle) {
		// the handle may be stale; the marker is identified by userID
		if err := r.cfg.Poster.Post("reconcile.tap", func() { r.tapped(userID) }); err != nil {
			r.cfg.Logger.Debug("dropping marker tap", "user", userID, "error", err)
		}
	})

	r.markers.Set(core.RenderedMarker{
		OwnerKey:   userID,
		Position:   loc.Point,
		Label:      p.DisplayName,
		Handle:     h,
		TapHandler: tap,
	})
	r.created.Add(context.Background(), 1)
}

func (r *Reconciler) tapped(userID string) {
	if !r.active || r.cfg.OnTap == nil {
		return
	}
	if _, ok := r.markers.Get(userID); !ok {
		return
	}
	r.cfg.OnTap(userID)
}

func (r *Reconciler) release(userID string) {
	m, ok := r.markers.Get(userID)
	if !ok {
		return
	}
	r.cfg.Surface.RemoveMarker(m.Handle)
	r.markers.Delete(userID)
	r.removed.Add(context.Background(), 1)
}

// Close releases every marker, cancels in-flight lookups and makes late
// completions no-ops.
func (r *Reconciler) Close() {
	if !r.active {
		return
	}
	r.active = false
	r.cancel()
	for _, id := range r.markers.Keys() {
		r.release(id)
	}
	r.latest = make(map[string]core.UserLocation)
	r.pending = make(map[string]uint64)
}

// Marker returns the marker rendered for userID.
func (r *Reconciler) Marker(userID string) (core.RenderedMarker, bool) {
	return r.markers.Get(userID)
}

// Len returns the number of rendered markers.
func (r *Reconciler) Len() int {
	return r.markers.Len()
}

// Pending returns the number of lookups in flight.
func (r *Reconciler) Pending() int {
	return len(r.pending)
}
