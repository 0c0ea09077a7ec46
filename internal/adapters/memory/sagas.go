package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"device-orchestrator/internal/core/saga"
)

// SagaStore is a saga.Store backed by a map.
type SagaStore struct {
	mu   sync.RWMutex
	rows map[string][]byte
}

func NewSagaStore() *SagaStore {
	return &SagaStore{rows: map[string][]byte{}}
}

// Sagas are kept serialised, which gives cheap deep copies.
func (s *SagaStore) load(id string) (*saga.Saga, error) {
	raw, ok := s.rows[id]
	if !ok {
		return nil, saga.ErrNotFound
	}
	var out saga.Saga
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SagaStore) put(v *saga.Saga) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.rows[v.ID] = raw
	return nil
}

func (s *SagaStore) Create(_ context.Context, v *saga.Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	v.CreatedAt, v.UpdatedAt = now, now
	v.Version = 1
	return s.put(v)
}

func (s *SagaStore) Get(_ context.Context, id string) (*saga.Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(id)
}

func (s *SagaStore) Save(_ context.Context, v *saga.Saga, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.load(v.ID)
	if err != nil {
		return err
	}
	if cur.Version != expected {
		return saga.ErrStale
	}
	v.Version = expected + 1
	v.UpdatedAt = time.Now().UTC()
	return s.put(v)
}

func (s *SagaStore) ListPending(_ context.Context) ([]saga.Saga, error) {
	return s.scan(func(v *saga.Saga) bool { return v.Status == saga.StatusPending })
}

func (s *SagaStore) ListUnreconciled(_ context.Context) ([]saga.Saga, error) {
	return s.scan(func(v *saga.Saga) bool { return v.Status == saga.StatusFailed && v.NeedsReconciliation })
}

func (s *SagaStore) scan(keep func(*saga.Saga) bool) ([]saga.Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []saga.Saga
	for id := range s.rows {
		v, err := s.load(id)
		if err != nil {
			return nil, err
		}
		if keep(v) {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
