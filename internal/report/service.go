package report

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mbd888/fraudwatch/internal/retry"
)

// Builder produces a fresh report.
type Builder interface {
	Export(ctx context.Context) (*Report, error)
}

// Notifier hears about every freshly exported report.
type Notifier interface {
	ReportExported(r *Report)
}

// Service hands out the latest report, building one on first use or on
// request, and persists every report it builds.
type Service struct {
	builder  Builder
	store    Store
	logger   *slog.Logger
	notifier Notifier

	mu       sync.Mutex // serialises exports
	cached   *Report
	cachedMu sync.RWMutex
}

// NewService creates a report service.
func NewService(builder Builder, store Store, logger *slog.Logger) *Service {
	return &Service{builder: builder, store: store, logger: logger}
}

// SetNotifier registers n for export notifications. Call it before serving.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Current returns the cached report, falling back to the newest stored one
// and finally to a fresh export. refresh forces a new export.
func (s *Service) Current(ctx context.Context, refresh bool) (*Report, error) {
	if !refresh {
		if r := s.cachedReport(); r != nil {
			return r, nil
		}
		r, err := s.store.Latest(ctx)
		if err == nil {
			s.setCached(r)
			return r, nil
		}
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("failed to load latest report", "error", err)
		}
	}
	return s.Refresh(ctx)
}

// Refresh exports a new report and saves it. Concurrent callers wait for
// the export in progress rather than starting another.
func (s *Service) Refresh(ctx context.Context) (*Report, error) {
	before := s.cachedReport()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Someone else finished an export while we waited.
	if r := s.cachedReport(); r != nil && r != before {
		return r, nil
	}

	r, err := s.builder.Export(ctx)
	if err != nil {
		return nil, err
	}

	err = retry.Storage.Do(ctx, func(ctx context.Context) error {
		err := s.store.Save(ctx, r)
		if errors.Is(err, ErrStoreUnavailable) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		// The report is still good; it just is not persisted.
		s.logger.Error("failed to persist report", "id", r.ID, "error", err)
	}

	s.setCached(r)
	if s.notifier != nil {
		s.notifier.ReportExported(r)
	}
	return r, nil
}

// Get returns a stored report by id.
func (s *Service) Get(ctx context.Context, id string) (*Report, error) {
	return s.store.Get(ctx, id)
}

// List returns stored reports, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*Report, error) {
	return s.store.List(ctx, limit)
}

func (s *Service) cachedReport() *Report {
	s.cachedMu.RLock()
	defer s.cachedMu.RUnlock()
	return s.cached
}

func (s *Service) setCached(r *Report) {
	s.cachedMu.Lock()
	s.cached = r
	s.cachedMu.Unlock()
}
