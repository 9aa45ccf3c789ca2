package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/sony/gobreaker"
)

// ErrStoreUnavailable is returned while the breaker is open.
var ErrStoreUnavailable = errors.New("report: store unavailable")

// BreakerStore wraps a Store in a circuit breaker. After repeated failures
// calls fail at once with ErrStoreUnavailable until a probe succeeds.
// ErrNotFound counts as a success.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

// BreakerSettings tunes the breaker; zero fields take defaults.
type BreakerSettings struct {
	// Failures in a row that open the breaker.
	Failures uint32
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
}

// NewBreakerStore wraps next.
func NewBreakerStore(next Store, settings BreakerSettings, logger *slog.Logger) *BreakerStore {
	if settings.Failures == 0 {
		settings.Failures = 3
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "report-store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.Failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			metrics.StoreBreakerState.Set(breakerGauge(to))
		},
	})
	return &BreakerStore{next: next, cb: cb}
}

// State reports the breaker state ("closed", "half-open" or "open").
func (s *BreakerStore) State() string { return s.cb.State().String() }

func (s *BreakerStore) Save(ctx context.Context, r *Report) error {
	_, err := s.do(func() (any, error) { return nil, s.next.Save(ctx, r) })
	return err
}

func (s *BreakerStore) Get(ctx context.Context, id string) (*Report, error) {
	return s.one(func() (any, error) { return s.next.Get(ctx, id) })
}

func (s *BreakerStore) Latest(ctx context.Context) (*Report, error) {
	return s.one(func() (any, error) { return s.next.Latest(ctx) })
}

func (s *BreakerStore) List(ctx context.Context, limit int) ([]*Report, error) {
	v, err := s.do(func() (any, error) { return s.next.List(ctx, limit) })
	if err != nil {
		return nil, err
	}
	return v.([]*Report), nil
}

func (s *BreakerStore) one(fn func() (any, error)) (*Report, error) {
	v, err := s.do(fn)
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

func (s *BreakerStore) do(fn func() (any, error)) (any, error) {
	v, err := s.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return v, err
}

func breakerGauge(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
