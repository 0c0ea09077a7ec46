package saga

import (
	"context"
	"errors"
	"sync"
)

// ErrLeaseHeld is returned when another owner drives the saga.
var ErrLeaseHeld = errors.New("saga lease held elsewhere")

// Lease makes sure a single process drives a saga at a time.
type Lease interface {
	Acquire(ctx context.Context, sagaID string) (release func(), err error)
}

// LocalLease is an in-process Lease for single-replica deployments.
type LocalLease struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLease() *LocalLease { return &LocalLease{held: map[string]struct{}{}} }

func (l *LocalLease) Acquire(_ context.Context, id string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return nil, ErrLeaseHeld
	}
	l.held[id] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, id)
		l.mu.Unlock()
	}, nil
}
