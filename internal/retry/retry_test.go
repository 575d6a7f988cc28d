package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustionReturnsLastError(t *testing.T) {
	last := errors.New("still broken")
	calls := 0
	err := Do(context.Background(), Options{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("earlier")
		}
		return last
	})
	if !errors.Is(err, last) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad request")
	err := Do(context.Background(), Options{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestDo_HonorsCancellationDuringSleep(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := Do(ctx, Options{MaxAttempts: 5, BaseDelay: 10 * time.Second}, func(ctx context.Context) error {
		return errors.New("always")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancellation was not honored during sleep")
	}
}
