package gorm

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"device-orchestrator/internal/core/devices"
	"device-orchestrator/internal/core/provider"
)

// DeviceStore is a devices.Store over the devices table.
type DeviceStore struct {
	db *gorm.DB
}

func NewDeviceStore(db *gorm.DB) *DeviceStore { return &DeviceStore{db: db} }

func (s *DeviceStore) Insert(ctx context.Context, d *devices.Device) error {
	d.Version = 1
	err := s.db.WithContext(ctx).Create(d).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return devices.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert device %s: %w", d.ID, err)
	}
	return nil
}

func (s *DeviceStore) Get(ctx context.Context, id string) (*devices.Device, error) {
	var d devices.Device
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, devices.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", id, err)
	}
	return &d, nil
}

func (s *DeviceStore) List(ctx context.Context, f devices.Filter) ([]devices.Device, error) {
	q := s.db.WithContext(ctx).Model(&devices.Device{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	var out []devices.Device
	if err := q.Order("created_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return out, nil
}

func (s *DeviceStore) FindByInstance(ctx context.Context, p provider.Name, instanceID string) (*devices.Device, error) {
	var d devices.Device
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_instance_id = ?", p, instanceID).
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, devices.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find device by instance %s/%s: %w", p, instanceID, err)
	}
	return &d, nil
}

// Update writes every column of d if the row still carries expected.
func (s *DeviceStore) Update(ctx context.Context, d *devices.Device, expected int64) error {
	d.Version = expected + 1
	res := s.db.WithContext(ctx).Model(d).
		Where("version = ?", expected).
		Select("*").Omit("id", "created_at").
		Updates(d)
	if res.Error != nil {
		d.Version = expected
		return fmt.Errorf("update device %s: %w", d.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		d.Version = expected
		if _, err := s.Get(ctx, d.ID); err != nil {
			return err
		}
		return devices.ErrStale
	}
	return nil
}

func (s *DeviceStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&devices.Device{})
	if res.Error != nil {
		return fmt.Errorf("delete device %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return devices.ErrNotFound
	}
	return nil
}
