// Package store is the remote key-value feed store the engine reads users'
// locations, sharing settings, friend lists and events from.
//
// Keys are flat strings grouped by prefix ("locations/u1"). Subscriptions
// deliver full snapshots of every key under a prefix, never deltas, and may
// skip intermediate snapshots when the reader is slow.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("record not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Snapshot maps keys to their raw JSON values.
type Snapshot map[string]json.RawMessage

// Subscription is a live feed of snapshots for a key prefix. The channel
// is closed after Cancel.
type Subscription interface {
	Snapshots() <-chan Snapshot
	Cancel()
}

// Store is the remote feed store.
type Store interface {
	Put(ctx context.Context, key string, value json.RawMessage) error
	// Get returns ErrNotFound for unknown keys.
	Get(ctx context.Context, key string) (json.RawMessage, error)
	List(ctx context.Context, prefix string) (Snapshot, error)
	// Delete is a no-op for unknown keys.
	Delete(ctx context.Context, key string) error
	// Subscribe delivers the current snapshot right away and a new one after
	// every change under prefix.
	Subscribe(ctx context.Context, prefix string) (Subscription, error)
	Close() error
}

// Key prefixes for the record kinds.
const (
	PrefixLocations  = "locations/"
	PrefixVisibility = "visibility/"
	PrefixFriends    = "friends/"
	PrefixEvents     = "events/"
	PrefixProfiles   = "profiles/"
)
