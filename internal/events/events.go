// Package events renders ephemeral, location-anchored events and removes
// them when they expire.
//
// Like the user marker reconciler, every Manager method except New must run
// on the dispatcher's serialized context. Timer firings, refresh ticks and
// taps are posted back onto it.
package events

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/OCAP2/livemap/internal/clock"
	"github.com/OCAP2/livemap/internal/surface"
	"github.com/OCAP2/livemap/pkg/core"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/OCAP2/livemap/internal/events"

const (
	// DefaultRefreshInterval is the period of the self-healing sweep.
	DefaultRefreshInterval = 20 * time.Second
	// DefaultFetchTimeout bounds the store read of one sweep.
	DefaultFetchTimeout = 10 * time.Second
)

// Source lists the events that have not expired at nowMillis.
type Source interface {
	ActiveEvents(ctx context.Context, nowMillis int64) ([]core.EventRecord, error)
}

// Poster runs fn on the serialized context.
type Poster interface {
	Post(name string, fn func()) error
}

// Config holds the manager's collaborators.
type Config struct {
	Surface         surface.Surface
	Source          Source
	Clock           clock.Clock
	Poster          Poster
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	// OnOpen is called on the serialized context when an event marker is
	// tapped.
	OnOpen func(core.EventRecord)
	Logger *slog.Logger
}

type entry struct {
	record core.EventRecord
	marker core.RenderedMarker
	timer  clock.Timer
}

// Manager owns the event id to marker index and the expiry timers.
type Manager struct {
	cfg    Config
	events map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	active bool

	ticker     clock.Ticker
	stopTicker chan struct{}

	// sweeps are numbered so a slow fetch cannot overwrite a newer one
	sweepSeq     uint64
	appliedSweep uint64
	sweeps       int

	added   metric.Int64Counter
	expired metric.Int64Counter
}

// New creates an active, paused Manager. Call Resume to start sweeping.
func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:    cfg,
		events: make(map[string]*entry),
		ctx:    ctx,
		cancel: cancel,
		active: true,
	}

	meter := otel.Meter(instrumentationName)
	m.added, _ = meter.Int64Counter("events.markers.added", metric.WithDescription("Event markers created or replaced"))
	m.expired, _ = meter.Int64Counter("events.markers.expired", metric.WithDescription("Event markers removed by their expiry timer"))
	return m
}

// NewRecord builds a new event created by creatorID, lasting ttl from now.
// The creator is its first participant.
func NewRecord(creatorID, creatorName, name, description string, point core.GeoPoint, now time.Time, ttl time.Duration) core.EventRecord {
	return core.EventRecord{
		EventID:         uuid.NewString(),
		CreatorID:       creatorID,
		Point:           point,
		Name:            name,
		Description:     description,
		CreatedAtMillis: now.UnixMilli(),
		ExpiresAtMillis: now.Add(ttl).UnixMilli(),
		Participants:    map[string]string{creatorID: creatorName},
	}
}

// AddEvent renders record. Expired records are not rendered, and any marker
// left for them is removed. A record identical to the rendered one is a
// no-op; a changed one replaces the marker.
func (m *Manager) AddEvent(record core.EventRecord) {
	if !m.active {
		return
	}
	nowMillis := clock.NowMillis(m.cfg.Clock)
	if record.Expired(nowMillis) {
		m.RemoveEvent(record.EventID)
		return
	}
	if e, ok := m.events[record.EventID]; ok {
		if sameRecord(e.record, record) {
			return
		}
		m.RemoveEvent(record.EventID)
	}

	id := record.EventID
	h := m.cfg.Surface.AddMarker(record.Point, core.Icon{Kind: core.IconEvent}, record.Name)
	tap := m.cfg.Surface.RegisterTapHandler(h, func(core.MarkerHandle) {
		if err := m.cfg.Poster.Post("events.tap", func() { m.tapped(id) }); err != nil {
			m.cfg.Logger.Debug("dropping event tap", "event", id, "error", err)
		}
	})

	e := &entry{
		record: record,
		marker: core.RenderedMarker{
			OwnerKey:   id,
			Position:   record.Point,
			Label:      record.Name,
			Handle:     h,
			TapHandler: tap,
		},
	}
	ttl := time.Duration(record.ExpiresAtMillis-nowMillis) * time.Millisecond
	e.timer = m.cfg.Clock.AfterFunc(ttl, func() {
		if err := m.cfg.Poster.Post("events.expire", func() { m.expire(id, e) }); err != nil {
			m.cfg.Logger.Debug("dropping event expiry", "event", id, "error", err)
		}
	})

	m.events[id] = e
	m.added.Add(context.Background(), 1)
}

// expire removes the event only if e is still the rendered entry, so a
// timer that fired just before a replacement cannot remove the new marker.
func (m *Manager) expire(id string, e *entry) {
	if cur, ok := m.events[id]; !ok || cur != e {
		return
	}
	m.RemoveEvent(id)
	m.expired.Add(context.Background(), 1)
}

// RemoveEvent cancels the expiry timer and releases the marker. Unknown ids
// are ignored.
func (m *Manager) RemoveEvent(id string) {
	e, ok := m.events[id]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	m.cfg.Surface.RemoveMarker(e.marker.Handle)
	delete(m.events, id)
}

// Apply makes the rendered events match snapshot: present records are
// added, rendered events missing from it are removed.
func (m *Manager) Apply(snapshot map[string]core.EventRecord) {
	if !m.active {
		return
	}
	for _, rec := range snapshot {
		m.AddEvent(rec)
	}
	for id := range m.events {
		if _, ok := snapshot[id]; !ok {
			m.RemoveEvent(id)
		}
	}
}

// ReconcileAll rebuilds every event marker from the store. The fetch runs
// on its own goroutine; when it completes all markers are released and the
// fetched events added. A failed fetch leaves no events until the next
// sweep.
func (m *Manager) ReconcileAll(ctx context.Context) {
	if !m.active {
		return
	}
	m.sweepSeq++
	seq := m.sweepSeq
	nowMillis := clock.NowMillis(m.cfg.Clock)

	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
		defer cancel()
		records, err := m.cfg.Source.ActiveEvents(fetchCtx, nowMillis)
		if perr := m.cfg.Poster.Post("events.sweep", func() { m.applySweep(seq, records, err) }); perr != nil {
			m.cfg.Logger.Debug("dropping event sweep", "error", perr)
		}
	}()
}

func (m *Manager) applySweep(seq uint64, records []core.EventRecord, err error) {
	if !m.active || seq < m.appliedSweep {
		return
	}
	m.appliedSweep = seq
	m.sweeps++

	m.releaseAll()
	if err != nil {
		m.cfg.Logger.Warn("event refresh failed", "error", err)
		return
	}
	for _, rec := range records {
		m.AddEvent(rec)
	}
}

// Resume runs a sweep right away and then every RefreshInterval until
// Pause.
func (m *Manager) Resume() {
	if !m.active {
		return
	}
	m.stopSweeping()
	m.ReconcileAll(m.ctx)

	m.ticker = m.cfg.Clock.NewTicker(m.cfg.RefreshInterval)
	m.stopTicker = make(chan struct{})
	go m.tick(m.ticker, m.stopTicker)
}

func (m *Manager) tick(t clock.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			if err := m.cfg.Poster.Post("events.refresh", func() { m.ReconcileAll(m.ctx) }); err != nil {
				m.cfg.Logger.Debug("dropping event refresh", "error", err)
			}
		}
	}
}

// Pause stops the periodic sweep. Rendered events and their expiry timers
// stay in place.
func (m *Manager) Pause() {
	m.stopSweeping()
}

func (m *Manager) stopSweeping() {
	if m.ticker == nil {
		return
	}
	m.ticker.Stop()
	close(m.stopTicker)
	m.ticker = nil
	m.stopTicker = nil
}

func (m *Manager) tapped(id string) {
	if !m.active || m.cfg.OnOpen == nil {
		return
	}
	e, ok := m.events[id]
	if !ok {
		return
	}
	m.cfg.OnOpen(e.record)
}

func (m *Manager) releaseAll() {
	for id := range m.events {
		m.RemoveEvent(id)
	}
}

// Close stops sweeping, releases every marker and timer, and makes late
// callbacks no-ops.
func (m *Manager) Close() {
	if !m.active {
		return
	}
	m.stopSweeping()
	m.releaseAll()
	m.active = false
	m.cancel()
}

// Event returns the rendered record and marker for id.
func (m *Manager) Event(id string) (core.EventRecord, core.RenderedMarker, bool) {
	e, ok := m.events[id]
	if !ok {
		return core.EventRecord{}, core.RenderedMarker{}, false
	}
	return e.record, e.marker, true
}

// Len returns the number of rendered events.
func (m *Manager) Len() int {
	return len(m.events)
}

// Sweeps returns how many sweeps have been applied.
func (m *Manager) Sweeps() int {
	return m.sweeps
}

func sameRecord(a, b core.EventRecord) bool {
	return a.EventID == b.EventID &&
		a.CreatorID == b.CreatorID &&
		a.Point == b.Point &&
		a.Name == b.Name &&
		a.Description == b.Description &&
		a.CreatedAtMillis == b.CreatedAtMillis &&
		a.ExpiresAtMillis == b.ExpiresAtMillis &&
		maps.Equal(a.Participants, b.Participants)
}
