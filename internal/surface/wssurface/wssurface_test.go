package wssurface

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OCAP2/livemap/internal/surface"
	"github.com/OCAP2/livemap/pkg/core"
	"github.com/OCAP2/livemap/pkg/streaming"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Compile-time interface check.
var _ surface.Surface = (*Surface)(nil)

// testHost creates an httptest server that upgrades to WebSocket, records
// received messages, acks hello and exposes the live connection so tests can
// push taps.
func testHost(t *testing.T) (*httptest.Server, *messageLog) {
	t.Helper()
	ml := &messageLog{}

	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer c.Close()
		ml.setConn(c)

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}

			var env streaming.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			ml.add(env)

			if env.Type == streaming.TypeHello {
				ack := streaming.AckMessage{Type: streaming.TypeAck, For: env.Type}
				data, _ := json.Marshal(ack)
				if err := ml.write(data); err != nil {
					return
				}
			}
		}
	}))

	return srv, ml
}

type messageLog struct {
	mu       sync.Mutex
	wmu      sync.Mutex
	conn     *ws.Conn
	messages []streaming.Envelope
}

func (m *messageLog) setConn(c *ws.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = c
}

func (m *messageLog) write(data []byte) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return c.WriteMessage(ws.TextMessage, data)
}

func (m *messageLog) add(env streaming.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, env)
}

func (m *messageLog) all() []streaming.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]streaming.Envelope, len(m.messages))
	copy(cp, m.messages)
	return cp
}

func (m *messageLog) count(msgType string) int {
	n := 0
	for _, env := range m.all() {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestSurface(t *testing.T) (*Surface, *messageLog) {
	t.Helper()
	srv, ml := testHost(t)
	t.Cleanup(srv.Close)

	s := New(Config{URL: wsURL(srv), Secret: "s", SessionID: "sess", ViewerID: "u0"}, nil)
	require.NoError(t, s.Init())
	t.Cleanup(func() { _ = s.Close() })
	return s, ml
}

func TestInitSendsHello(t *testing.T) {
	_, ml := newTestSurface(t)

	msgs := ml.all()
	require.NotEmpty(t, msgs)
	assert.Equal(t, streaming.TypeHello, msgs[0].Type)

	var hello streaming.HelloPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &hello))
	assert.Equal(t, "sess", hello.SessionID)
	assert.Equal(t, "u0", hello.ViewerID)
}

func TestMarkerOperationsAreStreamed(t *testing.T) {
	s, ml := newTestSurface(t)

	h := s.AddMarker(core.GeoPoint{Latitude: 52.52, Longitude: 13.405}, core.Icon{Kind: core.IconUser}, "alice")
	s.MoveMarker(h, core.GeoPoint{Latitude: 52.53, Longitude: 13.41})
	s.RegisterTapHandler(h, func(core.MarkerHandle) {})
	s.RemoveMarker(h)
	s.RemoveMarker(h) // unknown now, not streamed

	require.Eventually(t, func() bool {
		return ml.count(streaming.TypeRemoveMarker) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, ml.count(streaming.TypeAddMarker))
	assert.Equal(t, 1, ml.count(streaming.TypeMoveMarker))
	assert.Equal(t, 1, ml.count(streaming.TypeRegisterTap))

	for _, env := range ml.all() {
		if env.Type != streaming.TypeAddMarker {
			continue
		}
		var add streaming.AddMarkerPayload
		require.NoError(t, json.Unmarshal(env.Payload, &add))
		assert.Equal(t, string(h), add.Handle)
		assert.Equal(t, "alice", add.Label)
		assert.InDelta(t, 1492238.0, add.Position.X, 100)
	}
}

func TestDrawRouteSendsWKT(t *testing.T) {
	s, ml := newTestSurface(t)

	s.DrawRoute([]core.RouteSegment{
		{Points: []core.GeoPoint{{Latitude: 0, Longitude: 0}, {Latitude: 0, Longitude: 1}}, ColorIndex: 0},
		{Points: []core.GeoPoint{{Latitude: 0, Longitude: 1}, {Latitude: 1, Longitude: 1}}, ColorIndex: 1},
	})
	s.ClearRoute()

	require.Eventually(t, func() bool {
		return ml.count(streaming.TypeClearRoute) == 1
	}, time.Second, 10*time.Millisecond)

	for _, env := range ml.all() {
		if env.Type != streaming.TypeDrawRoute {
			continue
		}
		var route streaming.DrawRoutePayload
		require.NoError(t, json.Unmarshal(env.Payload, &route))
		require.Len(t, route.Segments, 2)
		assert.Equal(t, "LINESTRING(0 0,1 0)", route.Segments[0].WKT)
		assert.Equal(t, 1, route.Segments[1].ColorIndex)
		assert.NotEmpty(t, route.Segments[1].Color)
	}
}

func TestTapFromHostReachesHandler(t *testing.T) {
	s, ml := newTestSurface(t)

	h := s.AddMarker(core.GeoPoint{}, core.Icon{Kind: core.IconEvent}, "picnic")
	tapped := make(chan core.MarkerHandle, 1)
	s.RegisterTapHandler(h, func(got core.MarkerHandle) { tapped <- got })

	raw, _ := json.Marshal(streaming.TapPayload{Handle: string(h)})
	data, _ := json.Marshal(streaming.Envelope{Type: streaming.TypeTap, Payload: raw})
	require.NoError(t, ml.write(data))

	select {
	case got := <-tapped:
		assert.Equal(t, h, got)
	case <-time.After(time.Second):
		t.Fatal("tap handler not called")
	}
}

func TestSnapshotReplaysState(t *testing.T) {
	s := New(Config{SessionID: "sess"}, nil)

	h := s.AddMarker(core.GeoPoint{}, core.Icon{Kind: core.IconUser}, "a")
	s.RegisterTapHandler(h, func(core.MarkerHandle) {})
	gone := s.AddMarker(core.GeoPoint{}, core.Icon{Kind: core.IconUser}, "b")
	s.RemoveMarker(gone)
	s.DrawRoute([]core.RouteSegment{{Points: []core.GeoPoint{{}, {Latitude: 1}}}})

	var types []string
	for _, data := range s.snapshot() {
		var env streaming.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		types = append(types, env.Type)
	}

	assert.Equal(t, []string{
		streaming.TypeHello,
		streaming.TypeAddMarker,
		streaming.TypeRegisterTap,
		streaming.TypeDrawRoute,
	}, types)
}

func TestReconnectReplaysState(t *testing.T) {
	s, ml := newTestSurface(t)
	s.AddMarker(core.GeoPoint{Latitude: 52.52, Longitude: 13.405}, core.Icon{Kind: core.IconUser}, "Ada")
	require.Eventually(t, func() bool { return ml.count(streaming.TypeAddMarker) == 1 }, time.Second, 5*time.Millisecond)

	// the host drops the socket
	ml.mu.Lock()
	c := ml.conn
	ml.mu.Unlock()
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return ml.count(streaming.TypeHello) == 2 && ml.count(streaming.TypeAddMarker) == 2
	}, 5*time.Second, 20*time.Millisecond)

	// the new socket carries live traffic as well
	s.AddMarker(core.GeoPoint{}, core.Icon{Kind: core.IconEvent}, "Picnic")
	require.Eventually(t, func() bool { return ml.count(streaming.TypeAddMarker) == 3 }, time.Second, 5*time.Millisecond)
}

func TestRoute(t *testing.T) {
	c := newConnection(slog.New(slog.NewTextHandler(io.Discard, nil)))
	var taps []string
	c.onTap = func(tap streaming.TapPayload) { taps = append(taps, tap.Handle) }

	c.route([]byte(`{"type":"tap","payload":{"handle":"h1"}}`))
	c.route([]byte(`{"type":"ack","for":"hello"}`))
	c.route([]byte(`{"type":"tap","payload":"not an object"}`))
	c.route([]byte(`{"type":"weather"}`))
	c.route([]byte(`not json`))

	assert.Equal(t, []string{"h1"}, taps)
	require.Len(t, c.acks, 1)
	assert.Equal(t, "hello", <-c.acks)
}

func TestShutdownIsIdempotent(t *testing.T) {
	s, _ := newTestSurface(t)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
