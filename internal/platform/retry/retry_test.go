package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(maxAttempts uint) Policy {
	return Policy{
		InitialInterval:     time.Millisecond,
		MaxInterval:         2 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0,
		MaxAttempts:         maxAttempts,
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	transient := errors.New("seq already claimed")
	attempts := 0
	value, err := Do(context.Background(), fastPolicy(6), func(err error) bool {
		return errors.Is(err, transient)
	}, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, transient
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if value != 42 {
		t.Fatalf("expected 42, got %d", value)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	t.Parallel()

	permanent := errors.New("schema violation")
	attempts := 0
	_, err := Do(context.Background(), fastPolicy(6), func(error) bool { return false }, func() (struct{}, error) {
		attempts++
		return struct{}{}, permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestDoExhaustsAttemptBudget(t *testing.T) {
	t.Parallel()

	transient := errors.New("still conflicting")
	attempts := 0
	_, err := Do(context.Background(), fastPolicy(4), nil, func() (struct{}, error) {
		attempts++
		return struct{}{}, transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
}

func TestDoBatchRetriesOnlyUnprocessed(t *testing.T) {
	t.Parallel()

	calls := 0
	unprocessed, err := DoBatch(context.Background(), fastPolicy(6), []string{"a", "b", "c"}, func(_ context.Context, items []string) ([]string, error) {
		calls++
		if calls == 1 {
			if len(items) != 3 {
				t.Fatalf("expected full batch on first call, got %d items", len(items))
			}
			return []string{"c"}, errors.New("c failed")
		}
		if len(items) != 1 || items[0] != "c" {
			t.Fatalf("expected only failed item on retry, got %v", items)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("do batch: %v", err)
	}
	if unprocessed != nil {
		t.Fatalf("expected no unprocessed items, got %v", unprocessed)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDoBatchExhaustsAfterSixAttemptsWithSubsetAttached(t *testing.T) {
	t.Parallel()

	storeDown := errors.New("store unavailable")
	calls := 0
	unprocessed, err := DoBatch(context.Background(), DefaultPolicy().withFastIntervals(), []string{"x", "y"}, func(_ context.Context, items []string) ([]string, error) {
		calls++
		return items, storeDown
	})
	if calls != 6 {
		t.Fatalf("expected exactly 6 attempts, got %d", calls)
	}
	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected BatchError, got %v", err)
	}
	if batchErr.Attempts != 6 {
		t.Fatalf("expected 6 recorded attempts, got %d", batchErr.Attempts)
	}
	if batchErr.Unprocessed != 2 {
		t.Fatalf("expected 2 unprocessed, got %d", batchErr.Unprocessed)
	}
	if len(unprocessed) != 2 || unprocessed[0] != "x" || unprocessed[1] != "y" {
		t.Fatalf("expected failing subset returned, got %v", unprocessed)
	}
	if !errors.Is(err, storeDown) {
		t.Fatalf("expected last failure attached, got %v", err)
	}
}

func TestDoBatchEmptyInputIsNoop(t *testing.T) {
	t.Parallel()

	unprocessed, err := DoBatch(context.Background(), fastPolicy(6), nil, func(context.Context, []string) ([]string, error) {
		t.Fatal("batch fn should not run for empty input")
		return nil, nil
	})
	if err != nil || unprocessed != nil {
		t.Fatalf("expected noop, got %v %v", unprocessed, err)
	}
}

// withFastIntervals keeps the default attempt budget but shrinks waits so
// exhaustion tests stay fast.
func (p Policy) withFastIntervals() Policy {
	p.InitialInterval = time.Millisecond
	p.MaxInterval = 2 * time.Millisecond
	return p
}
