// Package orchestrator wires the location provider, the feed store and the
// map surface together for one viewer.
//
// The viewer's own fixes are validated, appended to the session trajectory,
// drawn as a colored route and published to the store. Other users'
// locations, sharing settings, the viewer's friend list and events are
// followed through store subscriptions and rendered by the marker reconciler
// and the event manager. All surface mutations happen on the dispatcher's
// serialized context.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/OCAP2/livemap/internal/channel"
	"github.com/OCAP2/livemap/internal/clock"
	"github.com/OCAP2/livemap/internal/events"
	"github.com/OCAP2/livemap/internal/profile"
	"github.com/OCAP2/livemap/internal/provider"
	"github.com/OCAP2/livemap/internal/reconcile"
	"github.com/OCAP2/livemap/internal/sample"
	"github.com/OCAP2/livemap/internal/session"
	"github.com/OCAP2/livemap/internal/store"
	"github.com/OCAP2/livemap/internal/surface"
	"github.com/OCAP2/livemap/internal/track"
	"github.com/OCAP2/livemap/internal/visibility"
	"github.com/OCAP2/livemap/pkg/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/OCAP2/livemap/internal/orchestrator"

// DefaultStoreTimeout bounds a single store read or write.
const DefaultStoreTimeout = 5 * time.Second

// OwnLabel labels the viewer's own marker.
const OwnLabel = "You"

// ErrStarted is returned by Start on a running orchestrator.
var ErrStarted = errors.New("orchestrator already started")

// Loop is the serialized execution context. *dispatcher.Dispatcher
// implements it.
type Loop interface {
	Post(name string, fn func()) error
	Do(name string, fn func()) error
}

// Telemetry records every validated fix. *influx.Sink implements it.
type Telemetry interface {
	RecordFix(viewerID, sessionID string, fix core.LocationSample, d sample.Decision)
}

// Config holds the orchestrator's collaborators and thresholds.
type Config struct {
	ViewerID string
	Provider provider.Provider
	Records  *store.Records
	Surface  surface.Surface
	Loop     Loop
	Clock    clock.Clock
	// Visibility defaults to a fail-open resolver over Records.
	Visibility reconcile.VisibilityChecker
	// Profiles defaults to profile.Default labels.
	Profiles profile.Lookup
	// Session is restarted on every Start when set.
	Session   *session.Context
	Telemetry Telemetry

	Sample        sample.Config
	Route         track.Config
	EventRefresh  time.Duration
	LookupTimeout time.Duration
	StoreTimeout  time.Duration
	OnUserTap     func(userID string)
	OnEventOpen   func(core.EventRecord)
	Logger        *slog.Logger
}

// Status is a point-in-time view of the engine for health endpoints.
type Status struct {
	Active           bool           `json:"active"`
	SessionID        string         `json:"sessionId,omitempty"`
	UserMarkers      int            `json:"userMarkers"`
	PendingLookups   int            `json:"pendingLookups"`
	EventMarkers     int            `json:"eventMarkers"`
	TrajectoryPoints int            `json:"trajectoryPoints"`
	RouteSegments    int            `json:"routeSegments"`
	AcceptedFixes    int            `json:"acceptedFixes"`
	RejectedFixes    int            `json:"rejectedFixes"`
	Rejections       map[string]int `json:"rejections,omitempty"`
}

// Orchestrator runs the pipelines of one viewer.
type Orchestrator struct {
	cfg Config

	// guards the lifecycle fields below
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	subs    []store.Subscription
	outbox  *channel.Latest[core.UserLocation]
	wg      sync.WaitGroup

	// owned by the serialized context
	active     bool
	sessionID  string
	validator  *sample.Validator
	trajectory *track.Session
	reconciler *reconcile.Reconciler
	events     *events.Manager
	own        *core.RenderedMarker
	locations  map[string]core.UserLocation
	friends    core.FriendSet
	accepted   int
	rejections map[sample.Reason]int

	fixes     metric.Int64Counter
	published metric.Int64Counter
}

// New creates a stopped Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Visibility == nil {
		cfg.Visibility = visibility.NewResolver(cfg.Records, cfg.Logger)
	}
	if cfg.Sample == (sample.Config{}) {
		cfg.Sample = sample.DefaultConfig()
	}
	if cfg.Route == (track.Config{}) {
		cfg.Route = track.DefaultConfig()
	}

	o := &Orchestrator{
		cfg:        cfg,
		validator:  sample.NewValidator(cfg.Sample),
		trajectory: track.NewSession(cfg.Route),
		rejections: make(map[sample.Reason]int),
	}

	m := otel.Meter(instrumentationName)
	o.fixes, _ = m.Int64Counter("orchestrator.fixes", metric.WithDescription("Validated fixes by outcome"))
	o.published, _ = m.Int64Counter("orchestrator.locations.published", metric.WithDescription("Own locations written to the store"))
	return o
}

// Start subscribes to the provider and the store feeds and begins
// rendering. It fails if a subscription cannot be opened; nothing is left
// running in that case.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	subs, err := o.subscribe(runCtx)
	if err != nil {
		cancel()
		return err
	}

	err = o.cfg.Loop.Do("orchestrator.start", func() {
		o.active = true
		o.accepted = 0
		o.rejections = make(map[sample.Reason]int)
		o.locations = make(map[string]core.UserLocation)
		o.friends = core.FriendSet{}
		o.validator.Reset()
		o.trajectory.Reset()
		if o.cfg.Session != nil {
			o.sessionID = o.cfg.Session.Start(o.cfg.ViewerID, o.cfg.Clock.Now()).ID
		}

		o.reconciler = reconcile.New(reconcile.Config{
			ViewerID:      o.cfg.ViewerID,
			Surface:       o.cfg.Surface,
			Visibility:    o.cfg.Visibility,
			Profiles:      o.cfg.Profiles,
			Poster:        o.cfg.Loop,
			LookupTimeout: o.cfg.LookupTimeout,
			OnTap:         o.cfg.OnUserTap,
			Logger:        o.cfg.Logger.With("component", "reconcile"),
		})
		o.events = events.New(events.Config{
			Surface:         o.cfg.Surface,
			Source:          o.cfg.Records,
			Clock:           o.cfg.Clock,
			Poster:          o.cfg.Loop,
			RefreshInterval: o.cfg.EventRefresh,
			FetchTimeout:    o.cfg.StoreTimeout,
			OnOpen:          o.cfg.OnEventOpen,
			Logger:          o.cfg.Logger.With("component", "events"),
		})
		o.events.Resume()
	})
	if err != nil {
		for _, s := range subs {
			s.sub.Cancel()
		}
		cancel()
		return fmt.Errorf("start orchestrator: %w", err)
	}

	o.running = true
	o.cancel = cancel
	o.outbox = channel.NewLatest[core.UserLocation]()
	o.subs = o.subs[:0]
	for _, s := range subs {
		o.subs = append(o.subs, s.sub)
	}

	o.wg.Add(len(subs) + 2)
	for _, s := range subs {
		go func(s feed) {
			defer o.wg.Done()
			s.follow(runCtx, s.sub)
		}(s)
	}
	go o.readFixes(runCtx)
	go o.publish(o.outbox)

	o.cfg.Logger.Info("orchestrator started", "viewer", o.cfg.ViewerID, "session", o.sessionID)
	return nil
}

// Stop cancels the subscriptions and releases every marker and the route.
// Late completions of in-flight work are ignored. Safe to call on a stopped
// orchestrator.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.running = false

	o.cancel()
	for _, s := range o.subs {
		s.Cancel()
	}

	err := o.cfg.Loop.Do("orchestrator.stop", o.teardown)
	if err != nil {
		o.cfg.Logger.Warn("teardown did not run on the serialized context", "error", err)
	}

	o.outbox.Close()
	o.wg.Wait()
	o.cfg.Logger.Info("orchestrator stopped", "viewer", o.cfg.ViewerID)
}

func (o *Orchestrator) teardown() {
	if !o.active {
		return
	}
	o.active = false
	o.reconciler.Close()
	o.events.Close()
	o.cfg.Surface.ClearRoute()
	if o.own != nil {
		o.cfg.Surface.RemoveMarker(o.own.Handle)
		o.own = nil
	}
}

// Status reports the current counters. It returns the zero Status when the
// serialized context is gone.
func (o *Orchestrator) Status() Status {
	var st Status
	_ = o.cfg.Loop.Do("orchestrator.status", func() {
		st = Status{
			Active:           o.active,
			SessionID:        o.sessionID,
			TrajectoryPoints: o.trajectory.Len(),
			RouteSegments:    len(o.trajectory.Segments()),
			AcceptedFixes:    o.accepted,
		}
		if o.reconciler != nil {
			st.UserMarkers = o.reconciler.Len()
			st.PendingLookups = o.reconciler.Pending()
		}
		if o.events != nil {
			st.EventMarkers = o.events.Len()
		}
		if len(o.rejections) > 0 {
			st.Rejections = make(map[string]int, len(o.rejections))
			for r, n := range o.rejections {
				st.Rejections[string(r)] = n
				st.RejectedFixes += n
			}
		}
	})
	return st
}

// Route returns the trajectory as WKT LINESTRINGs, one per segment.
func (o *Orchestrator) Route() []string {
	var wkt []string
	_ = o.cfg.Loop.Do("orchestrator.route", func() {
		wkt = o.trajectory.WKT()
	})
	return wkt
}

func (o *Orchestrator) readFixes(ctx context.Context) {
	defer o.wg.Done()
	if o.cfg.Provider == nil {
		return
	}
	samples := o.cfg.Provider.Samples()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				o.cfg.Logger.Info("location provider closed")
				return
			}
			if err := o.cfg.Loop.Post("orchestrator.fix", func() { o.handleFix(s) }); err != nil {
				o.cfg.Logger.Debug("dropping fix", "error", err)
			}
		}
	}
}

// handleFix runs one fix through the validator and, when accepted, the
// trajectory, the route and the own marker.
func (o *Orchestrator) handleFix(s core.LocationSample) {
	if !o.active {
		return
	}
	d := o.validator.Validate(s)
	o.fixes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", string(d.Reason))))
	if o.cfg.Telemetry != nil {
		o.cfg.Telemetry.RecordFix(o.cfg.ViewerID, o.sessionID, s, d)
	}

	if !d.Accepted {
		o.rejections[d.Reason]++
		o.cfg.Logger.Debug("fix rejected",
			"reason", d.Reason,
			"accuracy", s.AccuracyMeters,
			"capturedAt", s.CapturedAtMillis)
		return
	}
	o.accepted++

	o.cfg.Surface.DrawRoute(o.trajectory.Append(s.Point))
	o.placeOwn(s.Point)

	if o.cfg.ViewerID != "" {
		o.outbox.Send(core.UserLocation{
			UserID:          o.cfg.ViewerID,
			Point:           s.Point,
			UpdatedAtMillis: clock.NowMillis(o.cfg.Clock),
		})
	}
}

func (o *Orchestrator) placeOwn(p core.GeoPoint) {
	if o.own != nil {
		if o.own.Position != p {
			o.cfg.Surface.MoveMarker(o.own.Handle, p)
			o.own.Position = p
		}
		return
	}
	h := o.cfg.Surface.AddMarker(p, core.Icon{Kind: core.IconUser}, OwnLabel)
	o.own = &core.RenderedMarker{OwnerKey: o.cfg.ViewerID, Position: p, Label: OwnLabel, Handle: h}
}

// publish writes the newest own location; intermediate ones are skipped
// when the store is slower than the provider.
func (o *Orchestrator) publish(outbox *channel.Latest[core.UserLocation]) {
	defer o.wg.Done()
	for loc := range outbox.Receive() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
		err := o.cfg.Records.PutLocation(ctx, loc)
		cancel()
		if err != nil {
			o.cfg.Logger.Warn("failed to publish own location", "error", err)
			continue
		}
		o.published.Add(context.Background(), 1)
	}
}
