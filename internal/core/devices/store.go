package devices

import (
	"context"
	"errors"

	"device-orchestrator/internal/core/provider"
)

var (
	ErrNotFound      = errors.New("device not found")
	ErrStale         = errors.New("device was modified concurrently")
	ErrAlreadyExists = errors.New("device already exists")
)

// Filter narrows List. Zero fields match everything.
type Filter struct {
	TenantID string
	Provider provider.Name
	Statuses []Status
}

// Store persists devices. Update is a compare-and-swap on Version: it fails
// with ErrStale when the stored version differs from expected, and bumps
// d.Version on success.
type Store interface {
	Insert(ctx context.Context, d *Device) error
	Get(ctx context.Context, id string) (*Device, error)
	List(ctx context.Context, f Filter) ([]Device, error)
	FindByInstance(ctx context.Context, p provider.Name, instanceID string) (*Device, error)
	Update(ctx context.Context, d *Device, expectedVersion int64) error
	Delete(ctx context.Context, id string) error
}
