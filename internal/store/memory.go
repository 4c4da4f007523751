package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/OCAP2/livemap/internal/channel"
)

// Memory is an in-process Store. It is the default backend and the one
// tests run against.
type Memory struct {
	mu     sync.Mutex
	data   map[string]json.RawMessage
	subs   map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	prefix string
	ch     *channel.Latest[Snapshot]
	cancel func()
}

func (s *memorySub) Snapshots() <-chan Snapshot { return s.ch.Receive() }
func (s *memorySub) Cancel()                    { s.cancel() }

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]json.RawMessage),
		subs: make(map[*memorySub]struct{}),
	}
}

func (m *Memory) Put(_ context.Context, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = append(json.RawMessage(nil), value...)
	m.notifyLocked(key)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), v...), nil
}

func (m *Memory) List(_ context.Context, prefix string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.snapshotLocked(prefix), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.data[key]; !ok {
		return nil
	}
	delete(m.data, key)
	m.notifyLocked(key)
	return nil
}

func (m *Memory) Subscribe(_ context.Context, prefix string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{prefix: prefix, ch: channel.NewLatest[Snapshot]()}
	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, sub)
			m.mu.Unlock()
			sub.ch.Close()
		})
	}
	m.subs[sub] = struct{}{}
	sub.ch.Send(m.snapshotLocked(prefix))
	return sub, nil
}

// Close cancels every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*memorySub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	return nil
}

func (m *Memory) notifyLocked(key string) {
	for s := range m.subs {
		if strings.HasPrefix(key, s.prefix) {
			s.ch.Send(m.snapshotLocked(s.prefix))
		}
	}
}

func (m *Memory) snapshotLocked(prefix string) Snapshot {
	snap := make(Snapshot)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			snap[k] = append(json.RawMessage(nil), v...)
		}
	}
	return snap
}
