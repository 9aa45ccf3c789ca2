// Package retry re-runs operations that fail transiently, backing off
// exponentially with jitter between attempts.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps a single sleep. Zero means uncapped.
	MaxDelay time.Duration
}

// Storage is used for report persistence and the start-up database ping.
var Storage = Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that the loop returns it immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do runs fn under the policy. It returns nil on the first success, the
// unwrapped error of a PermanentError, ctx.Err() when ctx ends during a
// backoff, or the last error once attempts run out.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts-1 {
			break
		}

		t := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

// Do is Policy{attempts, baseDelay, 0}.Do for callers without a context-aware fn.
func Do(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	p := Policy{Attempts: attempts, BaseDelay: baseDelay}
	return p.Do(ctx, func(context.Context) error { return fn() })
}

// backoff is BaseDelay doubled per attempt with +-25% jitter.
func (p Policy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	jitter := d / 4
	return d - jitter + time.Duration(randInt63n(int64(2*jitter+1)))
}

// randInt63n returns a value in [0, n).
func randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // v>>1 and n>0 keep this in range
}
