package kv

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Microsecond, MaxBackoff: time.Microsecond}
}

func TestRetryConflictsRetriesUntilCommitted(t *testing.T) {
	calls := 0
	err := RetryConflicts(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryConflictsStopsOnOtherErrors(t *testing.T) {
	failure := errors.New("disk unavailable")
	calls := 0
	err := RetryConflicts(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected store failure to propagate, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestRetryConflictsIsBounded(t *testing.T) {
	calls := 0
	err := RetryConflicts(context.Background(), fastPolicy(4), func(context.Context) error {
		calls++
		return ErrConflict
	})
	if !errors.Is(err, ErrRetriesExhausted) || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected exhausted conflict error, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls)
	}
}

func TestRetryConflictsHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryConflicts(ctx, RetryPolicy{MaxAttempts: 100, InitialBackoff: time.Millisecond}, func(context.Context) error {
		return ErrConflict
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
