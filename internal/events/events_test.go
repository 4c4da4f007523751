package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/OCAP2/livemap/internal/clock"
	"github.com/OCAP2/livemap/internal/dispatcher"
	"github.com/OCAP2/livemap/internal/store"
	"github.com/OCAP2/livemap/internal/surface"
	"github.com/OCAP2/livemap/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type sourceFunc func(ctx context.Context, nowMillis int64) ([]core.EventRecord, error)

func (f sourceFunc) ActiveEvents(ctx context.Context, nowMillis int64) ([]core.EventRecord, error) {
	return f(ctx, nowMillis)
}

var start = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	d       *dispatcher.Dispatcher
	clock   *clock.Fake
	surface *surface.Memory
	records *store.Records
	m       *Manager
	opened  []string
}

func newHarness(t *testing.T, src Source) *harness {
	t.Helper()
	d, err := dispatcher.New(nopLogger{})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	h := &harness{
		t:       t,
		d:       d,
		clock:   clock.NewFake(start),
		surface: surface.NewMemory(),
		records: store.NewRecords(store.NewMemory()),
	}
	if src == nil {
		src = h.records
	}
	h.m = New(Config{
		Surface: h.surface,
		Source:  src,
		Clock:   h.clock,
		Poster:  d,
		OnOpen:  func(e core.EventRecord) { h.opened = append(h.opened, e.EventID) },
	})
	return h
}

// on runs fn on the serialized context and waits for it. Anything posted
// before the call has run by the time it returns.
func (h *harness) on(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.d.Do("test", fn))
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.on(func() {})
}

func (h *harness) count() int {
	n := 0
	h.on(func() { n = h.m.Len() })
	return n
}

func (h *harness) waitSweeps(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		got := 0
		_ = h.d.Do("sweeps", func() { got = h.m.Sweeps() })
		return got >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func event(id string, ttl time.Duration) core.EventRecord {
	return core.EventRecord{
		EventID:         id,
		CreatorID:       "creator",
		Point:           core.GeoPoint{Latitude: 52.52, Longitude: 13.405},
		Name:            "event " + id,
		CreatedAtMillis: start.UnixMilli(),
		ExpiresAtMillis: start.Add(ttl).UnixMilli(),
		Participants:    map[string]string{"creator": "Creator"},
	}
}

func TestAddEvent_ExpiresOnSimulatedClock(t *testing.T) {
	h := newHarness(t, nil)
	h.on(func() { h.m.AddEvent(event("e1", time.Minute)) })
	assert.Equal(t, 1, h.count())
	assert.Len(t, h.surface.MarkersByLabel("event e1"), 1)

	h.advance(59 * time.Second)
	assert.Equal(t, 1, h.count())

	h.advance(2 * time.Second)
	assert.Equal(t, 0, h.count())
	assert.Empty(t, h.surface.Markers())
	assert.Equal(t, 0, h.clock.PendingTimers())
}

func TestAddEvent_SkipsExpired(t *testing.T) {
	h := newHarness(t, nil)
	h.on(func() { h.m.AddEvent(event("old", 0)) })

	assert.Equal(t, 0, h.count())
	assert.Empty(t, h.surface.Markers())
	assert.Equal(t, 0, h.clock.PendingTimers())
}

func TestAddEvent_ReplacesExisting(t *testing.T) {
	h := newHarness(t, nil)
	first := event("e1", time.Minute)
	h.on(func() { h.m.AddEvent(first) })

	second := event("e1", 10*time.Minute)
	second.Name = "renamed"
	second.Participants = map[string]string{"creator": "Creator", "u2": "Bea"}
	h.on(func() { h.m.AddEvent(second) })

	assert.Equal(t, 1, h.count())
	assert.Len(t, h.surface.Markers(), 1)
	assert.Len(t, h.surface.MarkersByLabel("renamed"), 1)
	assert.Equal(t, 1, h.clock.PendingTimers())

	// the first timer was cancelled with its marker
	h.advance(2 * time.Minute)
	assert.Equal(t, 1, h.count())

	var rec core.EventRecord
	h.on(func() { rec, _, _ = h.m.Event("e1") })
	assert.Equal(t, "Bea", rec.Participants["u2"])
}

func TestAddEvent_SameRecordIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	e := event("e1", time.Minute)
	h.on(func() {
		h.m.AddEvent(e)
		h.m.AddEvent(e)
	})

	assert.Equal(t, 0, h.surface.Removed())
	assert.Equal(t, 1, h.clock.PendingTimers())
}

func TestRemoveEvent_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.on(func() {
		h.m.AddEvent(event("e1", time.Minute))
		h.m.RemoveEvent("e1")
		h.m.RemoveEvent("e1")
		h.m.RemoveEvent("never-added")
	})

	assert.Equal(t, 0, h.count())
	assert.Equal(t, 1, h.surface.Removed())
	assert.Equal(t, 0, h.clock.PendingTimers())
}

func TestApply(t *testing.T) {
	h := newHarness(t, nil)
	h.on(func() {
		h.m.Apply(map[string]core.EventRecord{
			"e1": event("e1", time.Minute),
			"e2": event("e2", time.Minute),
		})
	})
	assert.Equal(t, 2, h.count())

	h.on(func() {
		h.m.Apply(map[string]core.EventRecord{"e2": event("e2", time.Minute)})
	})
	assert.Equal(t, 1, h.count())
	assert.Equal(t, 1, h.surface.Removed())
}

func TestReconcileAll_LoadsActiveEvents(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.records.PutEvent(ctx, event("live", time.Hour)))
	expired := event("gone", time.Hour)
	expired.CreatedAtMillis = start.Add(-2 * time.Hour).UnixMilli()
	expired.ExpiresAtMillis = start.Add(-time.Hour).UnixMilli()
	require.NoError(t, h.records.PutEvent(ctx, expired))

	// a marker left from before is released by the sweep
	h.on(func() { h.m.AddEvent(event("local-only", time.Hour)) })

	h.on(func() { h.m.ReconcileAll(ctx) })
	h.waitSweeps(1)

	h.on(func() {
		_, _, ok := h.m.Event("live")
		assert.True(t, ok)
	})
	assert.Equal(t, 1, h.count())
	assert.Len(t, h.surface.Markers(), 1)
}

func TestReconcileAll_FetchFailureLeavesEmpty(t *testing.T) {
	h := newHarness(t, sourceFunc(func(context.Context, int64) ([]core.EventRecord, error) {
		return nil, errors.New("store unavailable")
	}))
	h.on(func() { h.m.AddEvent(event("e1", time.Hour)) })

	h.on(func() { h.m.ReconcileAll(context.Background()) })
	h.waitSweeps(1)

	assert.Equal(t, 0, h.count())
	assert.Empty(t, h.surface.Markers())
}

func TestResume_PeriodicSweepRepairsTapHandlers(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.records.PutEvent(context.Background(), event("e1", time.Hour)))

	h.on(func() { h.m.Resume() })
	h.waitSweeps(1)

	var marker core.RenderedMarker
	h.on(func() { _, marker, _ = h.m.Event("e1") })

	// the map host dropped its listeners
	h.surface.DetachHandlers()
	assert.False(t, h.surface.Tap(marker.Handle))

	h.clock.Advance(DefaultRefreshInterval)
	h.waitSweeps(2)

	h.on(func() { _, marker, _ = h.m.Event("e1") })
	require.True(t, h.surface.Tap(marker.Handle))
	require.Eventually(t, func() bool {
		n := 0
		h.on(func() { n = len(h.opened) })
		return n == 1
	}, time.Second, 5*time.Millisecond)
	h.on(func() { assert.Equal(t, []string{"e1"}, h.opened) })
}

func TestResume_PicksUpNewEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.on(func() { h.m.Resume() })
	h.waitSweeps(1)
	assert.Equal(t, 0, h.count())

	require.NoError(t, h.records.PutEvent(context.Background(), event("e1", time.Hour)))
	h.clock.Advance(DefaultRefreshInterval)
	h.waitSweeps(2)
	assert.Equal(t, 1, h.count())
}

func TestPause_StopsSweeping(t *testing.T) {
	h := newHarness(t, nil)
	h.on(func() { h.m.Resume() })
	h.waitSweeps(1)
	h.on(func() { h.m.Pause() })

	h.clock.Advance(3 * DefaultRefreshInterval)
	time.Sleep(20 * time.Millisecond)

	sweeps := 0
	h.on(func() { sweeps = h.m.Sweeps() })
	assert.Equal(t, 1, sweeps)
}

func TestClose_ReleasesEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.on(func() {
		h.m.AddEvent(event("e1", time.Minute))
		h.m.AddEvent(event("e2", time.Minute))
		h.m.Resume()
	})
	h.on(func() { h.m.Close() })

	assert.Empty(t, h.surface.Markers())
	assert.Equal(t, 0, h.clock.PendingTimers())

	h.on(func() { h.m.AddEvent(event("e3", time.Minute)) })
	assert.Equal(t, 0, h.count())
}

func TestTap_UnknownEventIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.on(func() { h.m.AddEvent(event("e1", time.Minute)) })

	var marker core.RenderedMarker
	h.on(func() { _, marker, _ = h.m.Event("e1") })
	h.on(func() { h.m.RemoveEvent("e1") })

	assert.False(t, h.surface.Tap(marker.Handle))
	h.on(func() { h.m.tapped("e1") })
	h.on(func() { assert.Empty(t, h.opened) })
}

type closedPoster struct{}

func (closedPoster) Post(string, func()) error { return errors.New("dispatcher closed") }

func TestTap_PostFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	surf := surface.NewMemory()
	m := New(Config{
		Surface: surf,
		Source:  store.NewRecords(store.NewMemory()),
		Clock:   clock.NewFake(start),
		Poster:  closedPoster{},
		Logger:  slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	defer m.Close()

	m.AddEvent(event("e1", time.Minute))
	_, marker, ok := m.Event("e1")
	require.True(t, ok)

	require.True(t, surf.Tap(marker.Handle))
	assert.Contains(t, buf.String(), "dropping event tap")
	assert.Contains(t, buf.String(), "event=e1")
}

func TestNewRecord(t *testing.T) {
	e := NewRecord("u1", "Ada", "Picnic", "bring snacks", core.GeoPoint{Latitude: 1, Longitude: 2}, start, 2*time.Hour)

	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, start.UnixMilli(), e.CreatedAtMillis)
	assert.Equal(t, start.Add(2*time.Hour).UnixMilli(), e.ExpiresAtMillis)
	assert.Equal(t, map[string]string{"u1": "Ada"}, e.Participants)
	assert.False(t, e.Expired(start.UnixMilli()))

	other := NewRecord("u1", "Ada", "Picnic", "", core.GeoPoint{}, start, time.Hour)
	assert.NotEqual(t, e.EventID, other.EventID)
}
