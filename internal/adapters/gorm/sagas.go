package gorm

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"device-orchestrator/internal/core/saga"
)

// SagaStore is a saga.Store over the sagas table.
type SagaStore struct {
	db *gorm.DB
}

func NewSagaStore(db *gorm.DB) *SagaStore { return &SagaStore{db: db} }

func (s *SagaStore) Create(ctx context.Context, v *saga.Saga) error {
	v.Version = 1
	if err := s.db.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("insert saga %s: %w", v.ID, err)
	}
	return nil
}

func (s *SagaStore) Get(ctx context.Context, id string) (*saga.Saga, error) {
	var v saga.Saga
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga %s: %w", id, err)
	}
	return &v, nil
}

func (s *SagaStore) Save(ctx context.Context, v *saga.Saga, expected int64) error {
	v.Version = expected + 1
	res := s.db.WithContext(ctx).Model(v).
		Where("version = ?", expected).
		Select("*").Omit("id", "created_at").
		Updates(v)
	if res.Error != nil {
		v.Version = expected
		return fmt.Errorf("save saga %s: %w", v.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		v.Version = expected
		if _, err := s.Get(ctx, v.ID); err != nil {
			return err
		}
		return saga.ErrStale
	}
	return nil
}

func (s *SagaStore) ListPending(ctx context.Context) ([]saga.Saga, error) {
	var out []saga.Saga
	err := s.db.WithContext(ctx).
		Where("status = ?", saga.StatusPending).
		Order("created_at").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list pending sagas: %w", err)
	}
	return out, nil
}

// ListUnreconciled returns failed sagas whose compensation did not complete.
func (s *SagaStore) ListUnreconciled(ctx context.Context) ([]saga.Saga, error) {
	var out []saga.Saga
	err := s.db.WithContext(ctx).
		Where("status = ? AND needs_reconciliation = ?", saga.StatusFailed, true).
		Order("created_at").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list unreconciled sagas: %w", err)
	}
	return out, nil
}
