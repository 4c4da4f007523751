package orchestrator

import (
	"bytes"
	"context"
	"fmt"

	"github.com/OCAP2/livemap/internal/store"
	"github.com/OCAP2/livemap/pkg/core"
)

type feed struct {
	prefix string
	sub    store.Subscription
	follow func(ctx context.Context, sub store.Subscription)
}

// subscribe opens every store feed. On failure the feeds opened so far are
// cancelled.
func (o *Orchestrator) subscribe(ctx context.Context) ([]feed, error) {
	feeds := []feed{
		{prefix: store.PrefixLocations, follow: o.followLocations},
		{prefix: store.PrefixEvents, follow: o.followEvents},
		{prefix: store.PrefixVisibility, follow: o.followVisibility},
	}
	if o.cfg.ViewerID != "" {
		feeds = append(feeds, feed{prefix: store.FriendsKey(o.cfg.ViewerID), follow: o.followFriends})
	}

	st := o.cfg.Records.Store()
	for i := range feeds {
		sub, err := st.Subscribe(ctx, feeds[i].prefix)
		if err != nil {
			for _, f := range feeds[:i] {
				f.sub.Cancel()
			}
			return nil, fmt.Errorf("subscribe %s: %w", feeds[i].prefix, err)
		}
		feeds[i].sub = sub
	}
	return feeds, nil
}

// drain calls fn for every snapshot until ctx is done or the subscription
// ends.
func drain(ctx context.Context, sub store.Subscription, fn func(store.Snapshot)) {
	snaps := sub.Snapshots()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			fn(snap)
		}
	}
}

func (o *Orchestrator) post(name string, fn func()) {
	if err := o.cfg.Loop.Post(name, fn); err != nil {
		o.cfg.Logger.Debug("dropping feed update", "task", name, "error", err)
	}
}

func (o *Orchestrator) followLocations(ctx context.Context, sub store.Subscription) {
	drain(ctx, sub, func(snap store.Snapshot) {
		locs, skipped := o.cfg.Records.DecodeLocations(snap)
		if skipped > 0 {
			o.cfg.Logger.Debug("skipped invalid location records", "count", skipped)
		}
		friends := o.readFriends(ctx)
		o.post("orchestrator.locations", func() {
			if !o.active {
				return
			}
			recovered := !o.friends.Known() && friends.Known()
			o.locations = locs
			o.friends = friends
			o.reconciler.Reconcile(locs, friends)
			if recovered {
				// markers shown while the list was unknown
				o.reconciler.Refresh()
			}
		})
	})
}

// readFriends returns the viewer's friends. Store errors yield a nil set,
// which the visibility policy treats as unknown: FRIENDS-only users are
// shown until a later read succeeds.
func (o *Orchestrator) readFriends(ctx context.Context) core.FriendSet {
	if o.cfg.ViewerID == "" {
		return core.NewFriendSet()
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()

	friends, err := o.cfg.Records.Friends(ctx, o.cfg.ViewerID)
	if err != nil {
		o.cfg.Logger.Warn("failed to read friend list, showing friends-only users", "error", err)
		return nil
	}
	return friends
}

func (o *Orchestrator) followEvents(ctx context.Context, sub store.Subscription) {
	drain(ctx, sub, func(snap store.Snapshot) {
		records, skipped := o.cfg.Records.DecodeEvents(snap)
		if skipped > 0 {
			o.cfg.Logger.Debug("skipped invalid event records", "count", skipped)
		}
		o.post("orchestrator.events", func() {
			if !o.active {
				return
			}
			o.events.Apply(records)
		})
	})
}

// followVisibility re-evaluates users whose sharing setting changed. The
// first snapshot only records the baseline; the location feed evaluates
// every user on its own.
func (o *Orchestrator) followVisibility(ctx context.Context, sub store.Subscription) {
	first := true
	var prev store.Snapshot
	drain(ctx, sub, func(snap store.Snapshot) {
		if first {
			first, prev = false, snap
			return
		}
		changed := changedKeys(prev, snap)
		prev = snap
		if len(changed) == 0 {
			return
		}
		ids := make([]string, 0, len(changed))
		for _, key := range changed {
			ids = append(ids, store.IDFromKey(store.PrefixVisibility, key))
		}
		o.post("orchestrator.visibility", func() {
			if !o.active {
				return
			}
			o.reconciler.Refresh(ids...)
		})
	})
}

// followFriends re-evaluates every user when the viewer's friend list
// changes. The subscription prefix also matches longer keys, so only the
// viewer's own key is compared.
func (o *Orchestrator) followFriends(ctx context.Context, sub store.Subscription) {
	key := store.FriendsKey(o.cfg.ViewerID)
	first := true
	var prev []byte
	drain(ctx, sub, func(snap store.Snapshot) {
		cur := snap[key]
		if first {
			first, prev = false, cur
			return
		}
		if bytes.Equal(prev, cur) {
			return
		}
		prev = cur

		friends := o.readFriends(ctx)
		o.post("orchestrator.friends", func() {
			if !o.active {
				return
			}
			o.friends = friends
			o.reconciler.Reconcile(o.locations, friends)
			o.reconciler.Refresh()
		})
	})
}

func changedKeys(prev, cur store.Snapshot) []string {
	var out []string
	for k, v := range cur {
		if old, ok := prev[k]; !ok || !bytes.Equal(old, v) {
			out = append(out, k)
		}
	}
	for k := range prev {
		if _, ok := cur[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}
