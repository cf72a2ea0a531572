// Package retry runs read-modify-commit operations against the store,
// retrying optimistic-concurrency conflicts with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campusx/exchange/internal/metrics"
	"github.com/campusx/exchange/internal/model"
	"github.com/campusx/exchange/internal/store"
)

// Policy bounds how often and how patiently a conflicting operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used when a component is built without an explicit policy.
var DefaultPolicy = Policy{
	MaxAttempts: 5,
	BaseDelay:   10 * time.Millisecond,
	MaxDelay:    500 * time.Millisecond,
}

// Delay returns the backoff before the given retry (attempt 1 is the first retry).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, fails with anything other than
// store.ErrWriteConflict, or the attempts run out. fn must re-read every
// record it writes on each call.
//
// Each conflict is counted under op. When the attempts run out the returned
// error wraps model.ErrConcurrencyConflict, never store.ErrWriteConflict.
func Do(ctx context.Context, op string, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(p.Delay(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		err = fn(ctx)
		if err == nil || !errors.Is(err, store.ErrWriteConflict) {
			return err
		}
		metrics.WriteConflicts.WithLabelValues(op).Inc()
	}

	metrics.RetriesExhausted.WithLabelValues(op).Inc()
	return fmt.Errorf("%s after %d attempts: %w", op, attempts, model.ErrConcurrencyConflict)
}
