package nats

import (
	"context"
	"errors"
	"fmt"

	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"device-orchestrator/internal/core/saga"
)

type kvStore interface {
	Create(key string, value []byte) (uint64, error)
	Delete(key string, opts ...natsgo.DeleteOpt) error
}

// Lease is a saga.Lease shared by all replicas through a KV bucket. A key
// exists while its saga is driven; the bucket TTL frees leases of crashed
// owners.
type Lease struct {
	kv    kvStore
	owner string
	lg    zerolog.Logger
}

func NewLease(kv natsgo.KeyValue, owner string, lg zerolog.Logger) *Lease {
	return &Lease{kv: kv, owner: owner, lg: lg.With().Str("component", "saga-lease").Logger()}
}

func (l *Lease) Acquire(ctx context.Context, sagaID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := l.kv.Create(sagaID, []byte(l.owner)); err != nil {
		if errors.Is(err, natsgo.ErrKeyExists) {
			return nil, saga.ErrLeaseHeld
		}
		return nil, fmt.Errorf("acquire lease %s: %w", sagaID, err)
	}
	return func() {
		if err := l.kv.Delete(sagaID); err != nil {
			l.lg.Warn().Err(err).Str("saga", sagaID).Msg("release lease")
		}
	}, nil
}
