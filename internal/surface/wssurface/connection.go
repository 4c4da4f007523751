package wssurface

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/OCAP2/livemap/pkg/streaming"
	ws "github.com/gorilla/websocket"
)

const (
	outboxSize   = 4096
	ackBacklog   = 16
	redialLimit  = 10
	redialCap    = 30 * time.Second
	writeWait    = 10 * time.Second
	ackTimeout   = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
)

// connection keeps one WebSocket to the map host alive. Outgoing frames are
// queued on outbox and written by a single pump per socket; incoming frames
// are routed to acks or to onTap. A lost socket is redialled with backoff
// and the host state rebuilt from replay.
type connection struct {
	endpoint string
	outbox   chan []byte
	acks     chan string
	quit     chan struct{}

	mu     sync.Mutex
	live   *ws.Conn
	closed bool

	replay func() [][]byte
	onTap  func(streaming.TapPayload)

	logger *slog.Logger
}

func newConnection(logger *slog.Logger) *connection {
	return &connection{
		outbox: make(chan []byte, outboxSize),
		acks:   make(chan string, ackBacklog),
		quit:   make(chan struct{}),
		logger: logger,
	}
}

// open dials the host once and starts serving the socket.
func (c *connection) open(rawURL, secret string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid websocket URL: %w", err)
	}
	if secret != "" {
		q := u.Query()
		q.Set("secret", secret)
		u.RawQuery = q.Encode()
	}
	c.endpoint = u.String()

	conn, _, err := ws.DefaultDialer.Dial(c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	c.attach(conn)
	return nil
}

// attach makes conn the live socket and starts its pump and listener. The
// first of them to fail triggers a single redial.
func (c *connection) attach(conn *ws.Conn) {
	c.mu.Lock()
	c.live = conn
	c.mu.Unlock()

	lost := make(chan struct{})
	var once sync.Once
	drop := func(reason string, err error) {
		once.Do(func() {
			close(lost)
			select {
			case <-c.quit:
				return
			default:
			}
			c.logger.Warn("Map host connection lost", "reason", reason, "error", err)
			go c.redial(conn)
		})
	}

	go c.pump(conn, lost, drop)
	go c.listen(conn, drop)
}

// pump is the only writer of conn. It also pings the host so a silent peer
// is detected by the listener's read deadline.
func (c *connection) pump(conn *ws.Conn, lost <-chan struct{}, drop func(string, error)) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-lost:
			return
		case <-ping.C:
			if err := conn.WriteControl(ws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				drop("ping", err)
				return
			}
		case data := <-c.outbox:
			if err := writeFrame(conn, data); err != nil {
				drop("write", err)
				return
			}
		}
	}
}

func (c *connection) listen(conn *ws.Conn, drop func(string, error)) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			drop("read", err)
			return
		}
		// any traffic proves the host is alive
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.route(frame)
	}
}

// inbound covers both host frame shapes: enveloped taps and bare acks.
type inbound struct {
	Type    string          `json:"type"`
	For     string          `json:"for"`
	Payload json.RawMessage `json:"payload"`
}

func (c *connection) route(frame []byte) {
	var in inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		c.logger.Debug("Unrecognized message received", "raw", string(frame))
		return
	}

	switch in.Type {
	case streaming.TypeTap:
		var tap streaming.TapPayload
		if err := json.Unmarshal(in.Payload, &tap); err != nil {
			c.logger.Debug("Malformed tap", "raw", string(frame))
			return
		}
		if c.onTap != nil {
			c.onTap(tap)
		}
	case streaming.TypeAck:
		select {
		case c.acks <- in.For:
		default:
			c.logger.Debug("Ack backlog full, dropping", "for", in.For)
		}
	default:
		c.logger.Debug("Ignoring host message", "type", in.Type)
	}
}

// redial replaces the lost socket old, doubling the delay between attempts
// up to redialCap. The new socket receives the replay before anything
// queued.
func (c *connection) redial(old *ws.Conn) {
	c.mu.Lock()
	if c.closed || c.live != old {
		c.mu.Unlock()
		return
	}
	c.live = nil
	c.mu.Unlock()
	_ = old.Close()

	delay := time.Second
	for attempt := 1; attempt <= redialLimit; attempt++ {
		select {
		case <-c.quit:
			return
		case <-time.After(delay):
		}
		delay = min(2*delay, redialCap)

		conn, _, err := ws.DefaultDialer.Dial(c.endpoint, nil)
		if err != nil {
			c.logger.Warn("Reconnect dial failed", "attempt", attempt, "error", err)
			continue
		}
		if err := c.restore(conn); err != nil {
			c.logger.Warn("Failed to replay map state after reconnect", "error", err)
			_ = conn.Close()
			continue
		}

		c.logger.Info("Map host reconnected", "attempt", attempt)
		c.attach(conn)
		return
	}

	c.logger.Error("Map host reconnect failed after max attempts", "maxAttempts", redialLimit)
}

func (c *connection) restore(conn *ws.Conn) error {
	if c.replay == nil {
		return nil
	}
	for _, frame := range c.replay() {
		if err := writeFrame(conn, frame); err != nil {
			return err
		}
	}
	return nil
}

func writeFrame(conn *ws.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(ws.TextMessage, data)
}

// enqueue hands data to the pump without blocking. Frames are dropped while
// the outbox is full.
func (c *connection) enqueue(data []byte) {
	select {
	case c.outbox <- data:
	default:
		c.logger.Warn("Map host outbox full, dropping message")
	}
}

// request enqueues data and waits for the host to acknowledge ackFor.
func (c *connection) request(data []byte, ackFor string, timeout time.Duration) error {
	c.enqueue(data)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case got := <-c.acks:
			if got == ackFor {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("timeout waiting for ack of %q", ackFor)
		case <-c.quit:
			return fmt.Errorf("connection closed while waiting for ack of %q", ackFor)
		}
	}
}

// shutdown stops every goroutine and closes the socket with a normal
// closure frame. It is idempotent.
func (c *connection) shutdown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.quit)
	conn := c.live
	c.live = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return conn.Close()
}
