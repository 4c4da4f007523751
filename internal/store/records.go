package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/OCAP2/livemap/pkg/core"
	"github.com/go-playground/validator/v10"
)

// ErrForbidden is returned when a user changes a record they do not own.
var ErrForbidden = errors.New("not permitted")

// Records reads and writes typed records on a Store. Decoded records are
// validated; invalid ones are treated as absent.
type Records struct {
	store    Store
	validate *validator.Validate
}

// NewRecords wraps s.
func NewRecords(s Store) *Records {
	return &Records{store: s, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Store returns the underlying store.
func (r *Records) Store() Store {
	return r.store
}

// LocationKey returns the key of userID's location record.
func LocationKey(userID string) string { return PrefixLocations + userID }

// VisibilityKey returns the key of userID's sharing setting.
func VisibilityKey(userID string) string { return PrefixVisibility + userID }

// FriendsKey returns the key of userID's friend list.
func FriendsKey(userID string) string { return PrefixFriends + userID }

// EventKey returns the key of an event record.
func EventKey(eventID string) string { return PrefixEvents + eventID }

// ProfileKey returns the key of userID's profile.
func ProfileKey(userID string) string { return PrefixProfiles + userID }

// IDFromKey strips the record prefix from key.
func IDFromKey(prefix, key string) string {
	return strings.TrimPrefix(key, prefix)
}

func (r *Records) put(ctx context.Context, key string, v any) error {
	if err := r.validate.Struct(v); err != nil {
		return fmt.Errorf("invalid record %s: %w", key, err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return r.store.Put(ctx, key, raw)
}

func (r *Records) decode(key string, raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	if err := r.validate.Struct(v); err != nil {
		return fmt.Errorf("invalid record %s: %w", key, err)
	}
	return nil
}

// PutLocation publishes a user's location.
func (r *Records) PutLocation(ctx context.Context, loc core.UserLocation) error {
	return r.put(ctx, LocationKey(loc.UserID), &loc)
}

// Locations returns every valid location record keyed by user id.
func (r *Records) Locations(ctx context.Context) (map[string]core.UserLocation, error) {
	snap, err := r.store.List(ctx, PrefixLocations)
	if err != nil {
		return nil, err
	}
	locs, _ := r.DecodeLocations(snap)
	return locs, nil
}

// DecodeLocations turns a locations snapshot into records keyed by user id.
// Records that fail to decode or validate are skipped and counted.
func (r *Records) DecodeLocations(snap Snapshot) (map[string]core.UserLocation, int) {
	out := make(map[string]core.UserLocation, len(snap))
	skipped := 0
	for key, raw := range snap {
		var loc core.UserLocation
		if err := r.decode(key, raw, &loc); err != nil {
			skipped++
			continue
		}
		out[loc.UserID] = loc
	}
	return out, skipped
}

// PutVisibility stores a user's sharing setting.
func (r *Records) PutVisibility(ctx context.Context, s core.VisibilitySetting) error {
	return r.put(ctx, VisibilityKey(s.UserID), &s)
}

// Visibility returns userID's sharing setting, or nil if none was stored.
func (r *Records) Visibility(ctx context.Context, userID string) (*core.VisibilitySetting, error) {
	raw, err := r.store.Get(ctx, VisibilityKey(userID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s core.VisibilitySetting
	if err := r.decode(VisibilityKey(userID), raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

type friendList struct {
	UserID  string   `json:"userId" validate:"required"`
	Friends []string `json:"friends"`
}

// PutFriends replaces userID's friend list.
func (r *Records) PutFriends(ctx context.Context, userID string, friends core.FriendSet) error {
	return r.put(ctx, FriendsKey(userID), &friendList{UserID: userID, Friends: friends.IDs()})
}

// Friends returns userID's friend set. A user without a list has no friends.
func (r *Records) Friends(ctx context.Context, userID string) (core.FriendSet, error) {
	raw, err := r.store.Get(ctx, FriendsKey(userID))
	if errors.Is(err, ErrNotFound) {
		return core.NewFriendSet(), nil
	}
	if err != nil {
		return nil, err
	}
	var fl friendList
	if err := r.decode(FriendsKey(userID), raw, &fl); err != nil {
		return nil, err
	}
	return core.NewFriendSet(fl.Friends...), nil
}

// PutProfile stores a user's display profile.
func (r *Records) PutProfile(ctx context.Context, p core.Profile) error {
	return r.put(ctx, ProfileKey(p.UserID), &p)
}

// Profile returns userID's stored profile or ErrNotFound.
func (r *Records) Profile(ctx context.Context, userID string) (core.Profile, error) {
	raw, err := r.store.Get(ctx, ProfileKey(userID))
	if err != nil {
		return core.Profile{}, err
	}
	var p core.Profile
	if err := r.decode(ProfileKey(userID), raw, &p); err != nil {
		return core.Profile{}, err
	}
	return p, nil
}

// PutEvent publishes an event record.
func (r *Records) PutEvent(ctx context.Context, e core.EventRecord) error {
	return r.put(ctx, EventKey(e.EventID), &e)
}

// Event returns an event record or ErrNotFound.
func (r *Records) Event(ctx context.Context, eventID string) (core.EventRecord, error) {
	raw, err := r.store.Get(ctx, EventKey(eventID))
	if err != nil {
		return core.EventRecord{}, err
	}
	var e core.EventRecord
	if err := r.decode(EventKey(eventID), raw, &e); err != nil {
		return core.EventRecord{}, err
	}
	return e, nil
}

// Events returns every valid event record keyed by event id, expired ones
// included.
func (r *Records) Events(ctx context.Context) (map[string]core.EventRecord, error) {
	snap, err := r.store.List(ctx, PrefixEvents)
	if err != nil {
		return nil, err
	}
	events, _ := r.DecodeEvents(snap)
	return events, nil
}

// ActiveEvents returns the events that have not expired at nowMillis.
func (r *Records) ActiveEvents(ctx context.Context, nowMillis int64) ([]core.EventRecord, error) {
	events, err := r.Events(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.EventRecord, 0, len(events))
	for _, e := range events {
		if !e.Expired(nowMillis) {
			out = append(out, e)
		}
	}
	return out, nil
}

// DecodeEvents turns an events snapshot into records keyed by event id.
// Records that fail to decode or validate are skipped and counted.
func (r *Records) DecodeEvents(snap Snapshot) (map[string]core.EventRecord, int) {
	out := make(map[string]core.EventRecord, len(snap))
	skipped := 0
	for key, raw := range snap {
		var e core.EventRecord
		if err := r.decode(key, raw, &e); err != nil {
			skipped++
			continue
		}
		out[e.EventID] = e
	}
	return out, skipped
}

// JoinEvent adds userID to an event's participants. The read-modify-write is
// not atomic; concurrent joins resolve last-writer-wins and the next join
// or refresh repairs the list.
func (r *Records) JoinEvent(ctx context.Context, eventID, userID, displayName string, nowMillis int64) error {
	e, err := r.Event(ctx, eventID)
	if err != nil {
		return err
	}
	if e.Expired(nowMillis) {
		return ErrNotFound
	}
	if e.Participants == nil {
		e.Participants = make(map[string]string)
	}
	if name, ok := e.Participants[userID]; ok && name == displayName {
		return nil
	}
	e.Participants[userID] = displayName
	return r.PutEvent(ctx, e)
}

// DeleteEvent removes an event. Only its creator may delete it.
func (r *Records) DeleteEvent(ctx context.Context, eventID, requesterID string) error {
	e, err := r.Event(ctx, eventID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if e.CreatorID != requesterID {
		return ErrForbidden
	}
	return r.store.Delete(ctx, EventKey(eventID))
}

// PruneExpired deletes every event expired at nowMillis and returns how
// many were removed.
func (r *Records) PruneExpired(ctx context.Context, nowMillis int64) (int, error) {
	events, err := r.Events(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for id, e := range events {
		if !e.Expired(nowMillis) {
			continue
		}
		if err := r.store.Delete(ctx, EventKey(id)); err != nil {
			return n, fmt.Errorf("delete expired event %s: %w", id, err)
		}
		n++
	}
	return n, nil
}
