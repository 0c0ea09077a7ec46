// Package memory holds in-process stores used when no database is configured.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"device-orchestrator/internal/core/devices"
	"device-orchestrator/internal/core/provider"
)

// DeviceStore is a devices.Store backed by a map. Rows are deep-copied on
// the way in and out so callers never share state with the store.
type DeviceStore struct {
	mu   sync.RWMutex
	rows map[string]devices.Device
}

func NewDeviceStore() *DeviceStore {
	return &DeviceStore{rows: map[string]devices.Device{}}
}

func cloneDevice(d devices.Device) devices.Device {
	if d.ProviderInstanceID != nil {
		v := *d.ProviderInstanceID
		d.ProviderInstanceID = &v
	}
	if d.IPAddress != nil {
		v := *d.IPAddress
		d.IPAddress = &v
	}
	if d.ProviderSpecificConfig != nil {
		raw, _ := json.Marshal(d.ProviderSpecificConfig)
		var cfg map[string]any
		_ = json.Unmarshal(raw, &cfg)
		d.ProviderSpecificConfig = cfg
	}
	return d
}

func (s *DeviceStore) Insert(_ context.Context, d *devices.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[d.ID]; ok {
		return devices.ErrAlreadyExists
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	d.Version = 1
	s.rows[d.ID] = cloneDevice(*d)
	return nil
}

func (s *DeviceStore) Get(_ context.Context, id string) (*devices.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.rows[id]
	if !ok {
		return nil, devices.ErrNotFound
	}
	out := cloneDevice(d)
	return &out, nil
}

func (s *DeviceStore) List(_ context.Context, f devices.Filter) ([]devices.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]devices.Device, 0, len(s.rows))
	for _, d := range s.rows {
		if f.TenantID != "" && d.TenantID != f.TenantID {
			continue
		}
		if f.Provider != "" && d.Provider != f.Provider {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, d.Status) {
			continue
		}
		out = append(out, cloneDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func hasStatus(list []devices.Status, s devices.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *DeviceStore) FindByInstance(_ context.Context, p provider.Name, instanceID string) (*devices.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.rows {
		if d.Provider == p && d.InstanceID() == instanceID {
			out := cloneDevice(d)
			return &out, nil
		}
	}
	return nil, devices.ErrNotFound
}

func (s *DeviceStore) Update(_ context.Context, d *devices.Device, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[d.ID]
	if !ok {
		return devices.ErrNotFound
	}
	if cur.Version != expected {
		return devices.ErrStale
	}
	d.Version = expected + 1
	d.CreatedAt = cur.CreatedAt
	d.UpdatedAt = time.Now().UTC()
	s.rows[d.ID] = cloneDevice(*d)
	return nil
}

func (s *DeviceStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return devices.ErrNotFound
	}
	delete(s.rows, id)
	return nil
}
