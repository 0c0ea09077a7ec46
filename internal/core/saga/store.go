package saga

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("saga not found")
	ErrStale    = errors.New("saga was modified concurrently")
)

// Store persists sagas. Save is a compare-and-swap on Version and bumps it.
type Store interface {
	Create(ctx context.Context, s *Saga) error
	Get(ctx context.Context, id string) (*Saga, error)
	Save(ctx context.Context, s *Saga, expectedVersion int64) error
	ListPending(ctx context.Context) ([]Saga, error)
	// ListUnreconciled returns failed sagas flagged NeedsReconciliation.
	ListUnreconciled(ctx context.Context) ([]Saga, error)
}
