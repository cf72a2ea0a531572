package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/campusx/exchange/internal/metrics"
	"github.com/campusx/exchange/internal/model"
	"github.com/campusx/exchange/internal/retry"
	"github.com/campusx/exchange/internal/store"
)

var fast = retry.Policy{MaxAttempts: 3, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), "test_ok", fast, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesConflicts(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), "test_retry", fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("account a: %w", store.ErrWriteConflict)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if got := testutil.ToFloat64(metrics.WriteConflicts.WithLabelValues("test_retry")); got != 2 {
		t.Errorf("conflicts counted = %v, want 2", got)
	}
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), "test_exhaust", fast, func(context.Context) error {
		calls++
		return store.ErrWriteConflict
	})
	if !errors.Is(err, model.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	if errors.Is(err, store.ErrWriteConflict) {
		t.Error("store conflict must not escape the retry layer")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if got := testutil.ToFloat64(metrics.RetriesExhausted.WithLabelValues("test_exhaust")); got != 1 {
		t.Errorf("exhausted counted = %v, want 1", got)
	}
}

func TestDo_OtherErrorsNotRetried(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), "test_other", fast, func(context.Context) error {
		calls++
		return model.ErrInsufficientFunds
	})
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := retry.Policy{MaxAttempts: 5, BaseDelay: time.Hour}
	err := retry.Do(ctx, "test_cancel", slow, func(context.Context) error {
		cancel()
		return store.ErrWriteConflict
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := retry.Policy{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 50 * time.Millisecond},
		{9, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
