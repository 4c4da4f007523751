// Package gormstore implements store.Store on a SQL database through GORM.
// All records live in one table keyed by the feed key with a JSON value.
// Subscriptions poll a per-prefix fingerprint and publish a fresh snapshot
// when it changes; deletes are kept as tombstones so they move the
// fingerprint too.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/OCAP2/livemap/internal/channel"
	"github.com/OCAP2/livemap/internal/store"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultPollInterval is how often subscriptions check for changes.
const DefaultPollInterval = time.Second

// Record is one feed key.
type Record struct {
	FeedKey   string         `gorm:"column:feed_key;primaryKey;size:255"`
	Value     datatypes.JSON `gorm:"column:value"`
	Revision  int64          `gorm:"index"`
	Deleted   bool           `gorm:"index"`
	UpdatedAt time.Time
}

// TableName pins the table name.
func (Record) TableName() string {
	return "livemap_records"
}

// Store is a GORM-backed feed store.
type Store struct {
	db           *gorm.DB
	pollInterval time.Duration
	log          zerolog.Logger

	mu      sync.Mutex
	lastRev int64
	subs    map[*subscription]struct{}
	closed  bool
}

// New wraps db and migrates the records table.
func New(db *gorm.DB, pollInterval time.Duration, log zerolog.Logger) (*Store, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate records table: %w", err)
	}
	return &Store{
		db:           db,
		pollInterval: pollInterval,
		log:          log,
		subs:         make(map[*subscription]struct{}),
	}, nil
}

// nextRevision returns a strictly increasing revision for this process.
// Nanosecond clocks keep revisions from different writers ordered well
// enough for change detection.
func (s *Store) nextRevision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := time.Now().UnixNano()
	if rev <= s.lastRev {
		rev = s.lastRev + 1
	}
	s.lastRev = rev
	return rev
}

func (s *Store) upsert(ctx context.Context, rec Record) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "feed_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "revision", "deleted", "updated_at"}),
	}).Create(&rec).Error
}

func (s *Store) Put(ctx context.Context, key string, value json.RawMessage) error {
	rec := Record{
		FeedKey:   key,
		Value:     datatypes.JSON(value),
		Revision:  s.nextRevision(),
		UpdatedAt: time.Now(),
	}
	if err := s.upsert(ctx, rec); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("feed_key = ? AND deleted = ?", key, false).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return json.RawMessage(rec.Value), nil
}

func (s *Store) List(ctx context.Context, prefix string) (store.Snapshot, error) {
	var recs []Record
	err := s.db.WithContext(ctx).
		Where(`feed_key LIKE ? ESCAPE '\' AND deleted = ?`, likePrefix(prefix), false).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	snap := make(store.Snapshot, len(recs))
	for _, r := range recs {
		snap[r.FeedKey] = json.RawMessage(r.Value)
	}
	return snap, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("feed_key = ? AND deleted = ?", key, false).
		Updates(map[string]any{
			"value":      nil,
			"deleted":    true,
			"revision":   s.nextRevision(),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("delete %s: %w", key, res.Error)
	}
	return nil
}

// fingerprint identifies the state of a prefix: any put or delete under it
// raises the highest revision.
type fingerprint struct {
	MaxRevision int64
	Live        int64
}

func (s *Store) fingerprint(ctx context.Context, prefix string) (fingerprint, error) {
	var fp fingerprint
	err := s.db.WithContext(ctx).Model(&Record{}).
		Select("COALESCE(MAX(revision), 0) AS max_revision, COALESCE(SUM(CASE WHEN deleted THEN 0 ELSE 1 END), 0) AS live").
		Where(`feed_key LIKE ? ESCAPE '\'`, likePrefix(prefix)).
		Scan(&fp).Error
	return fp, err
}

type subscription struct {
	ch     *channel.Latest[store.Snapshot]
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	onStop func()
}

func (s *subscription) Snapshots() <-chan store.Snapshot { return s.ch.Receive() }

func (s *subscription) Cancel() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		s.onStop()
	})
}

func (s *Store) Subscribe(ctx context.Context, prefix string) (store.Subscription, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, store.ErrClosed
	}

	fp, err := s.fingerprint(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", prefix, err)
	}
	initial, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		ch:   channel.NewLatest[store.Snapshot](),
		stop: make(chan struct{}),
		done: make(chan struct{}),
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

	go s.poll(prefix, fp, sub)
	return sub, nil
}

func (s *Store) poll(prefix string, last fingerprint, sub *subscription) {
	defer close(sub.done)
	defer sub.ch.Close()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.stop:
			return
		case <-ticker.C:
			ctx := context.Background()
			fp, err := s.fingerprint(ctx, prefix)
			if err != nil {
				s.log.Warn().Err(err).Str("prefix", prefix).Msg("Poll failed")
				continue
			}
			if fp == last {
				continue
			}
			snap, err := s.List(ctx, prefix)
			if err != nil {
				s.log.Warn().Err(err).Str("prefix", prefix).Msg("Snapshot failed")
				continue
			}
			last = fp
			sub.ch.Send(snap)
		}
	}
}

// Compact removes tombstones older than age.
func (s *Store) Compact(ctx context.Context, age time.Duration) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("deleted = ? AND updated_at < ?", true, time.Now().Add(-age)).
		Delete(&Record{})
	return res.RowsAffected, res.Error
}

// Close cancels every subscription and closes the database.
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

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
