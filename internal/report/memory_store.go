package report

import (
	"context"
	"sync"
)

// Store persists exported reports.
type Store interface {
	Save(ctx context.Context, r *Report) error
	Get(ctx context.Context, id string) (*Report, error)
	Latest(ctx context.Context) (*Report, error)
	List(ctx context.Context, limit int) ([]*Report, error)
}

// MemoryStore keeps reports in process memory, newest last.
type MemoryStore struct {
	mu      sync.RWMutex
	reports []*Report
	byID    map[string]*Report
}

// NewMemoryStore creates an in-memory report store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Report)}
}

func (s *MemoryStore) Save(_ context.Context, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := clone(r)
	s.reports = append(s.reports, cp)
	s.byID[cp.ID] = cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (s *MemoryStore) Latest(_ context.Context) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.reports) == 0 {
		return nil, ErrNotFound
	}
	return clone(s.reports[len(s.reports)-1]), nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.reports) - limit
	if start < 0 || limit <= 0 {
		start = 0
	}
	out := make([]*Report, 0, len(s.reports)-start)
	for i := len(s.reports) - 1; i >= start; i-- {
		out = append(out, clone(s.reports[i]))
	}
	return out, nil
}

func clone(r *Report) *Report {
	cp := *r
	cp.TopFeatures = append([]FeatureImportance(nil), r.TopFeatures...)
	if r.Metrics.AUC != nil {
		v := *r.Metrics.AUC
		cp.Metrics.AUC = &v
	}
	if r.Metrics.AveragePrecision != nil {
		v := *r.Metrics.AveragePrecision
		cp.Metrics.AveragePrecision = &v
	}
	return &cp
}
