package profile

import (
	"context"
	"errors"

	"github.com/OCAP2/livemap/internal/store"
	"github.com/OCAP2/livemap/pkg/core"
)

// StoreLookup reads profiles published to the feed store.
type StoreLookup struct {
	records *store.Records
}

// NewStoreLookup creates a StoreLookup over records.
func NewStoreLookup(records *store.Records) *StoreLookup {
	return &StoreLookup{records: records}
}

func (l *StoreLookup) Lookup(ctx context.Context, userID string) (core.Profile, error) {
	p, err := l.records.Profile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return core.Profile{}, ErrNotFound
	}
	return p, err
}
