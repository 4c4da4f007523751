// Package redisstore implements store.Store on Redis. Writes SET the value
// and PUBLISH the key on a per-key change channel; subscriptions PSUBSCRIBE
// to the change channels under their prefix and re-read the prefix with
// SCAN on every notification.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/OCAP2/livemap/internal/channel"
	"github.com/OCAP2/livemap/internal/store"
	goredis "github.com/redis/go-redis/v9"
)

const (
	scanCount   = 256
	pingTimeout = 5 * time.Second
)

// Config holds the Redis connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// Store is a Redis-backed feed store.
type Store struct {
	client *goredis.Client
	ns     string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Error("Failed to ping Redis", "addr", cfg.Addr, "error", err)
		if cerr := rdb.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("Connected to Redis", "addr", cfg.Addr)

	return NewWithClient(rdb, cfg.Namespace, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, namespace string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		ns:     namespace,
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}
}

func (s *Store) dataKey(key string) string {
	return s.ns + "data:" + key
}

func (s *Store) changeChannel(key string) string {
	return s.ns + "chg:" + key
}

func (s *Store) keyFromData(dataKey string) string {
	return strings.TrimPrefix(dataKey, s.ns+"data:")
}

func (s *Store) Put(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, s.dataKey(key), []byte(value), 0)
		p.Publish(ctx, s.changeChannel(key), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	data, err := s.client.Get(ctx, s.dataKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return json.RawMessage(data), nil
}

func (s *Store) List(ctx context.Context, prefix string) (store.Snapshot, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.dataKey(prefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}

	snap := make(store.Snapshot, len(keys))
	if len(keys) == 0 {
		return snap, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget %s: %w", prefix, err)
	}
	for i, v := range vals {
		// deleted between SCAN and MGET
		str, ok := v.(string)
		if !ok {
			continue
		}
		snap[s.keyFromData(keys[i])] = json.RawMessage(str)
	}
	return snap, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, s.dataKey(key))
		p.Publish(ctx, s.changeChannel(key), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

type subscription struct {
	ch     *channel.Latest[store.Snapshot]
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	onStop func()
}

func (s *subscription) Snapshots() <-chan store.Snapshot { return s.ch.Receive() }

func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.onStop()
	})
}

func (s *Store) Subscribe(ctx context.Context, prefix string) (store.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrClosed
	}
	s.mu.Unlock()

	ps := s.client.PSubscribe(ctx, s.changeChannel(prefix)+"*")
	// wait for the subscription to be confirmed so no write is missed
	// between the initial snapshot and the first notification
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis psubscribe %s: %w", prefix, err)
	}

	initial, err := s.List(ctx, prefix)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		ch:     channel.NewLatest[store.Snapshot](),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sub.onStop = func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}
	sub.ch.Send(initial)

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go s.watch(subCtx, ps, prefix, sub)
	return sub, nil
}

func (s *Store) watch(ctx context.Context, ps *goredis.PubSub, prefix string, sub *subscription) {
	defer close(sub.done)
	defer sub.ch.Close()
	defer ps.Close()

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			snap, err := s.List(ctx, prefix)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("Redis snapshot failed", "prefix", prefix, "error", err)
				continue
			}
			sub.ch.Send(snap)
		}
	}
}

// Close cancels every subscription and closes the client.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	return s.client.Close()
}
