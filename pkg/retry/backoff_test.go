package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_SequenceDoublesToMax(t *testing.T) {
	// Jitter disabled so the base sequence is observable directly.
	b := &Backoff{
		current:    InitialBackoff,
		max:        MaxBackoff,
		multiplier: BackoffMultiplier,
	}

	expected := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second, // stays at max
	}
	for i, exp := range expected {
		if got := b.Next(); got != exp {
			t.Errorf("attempt %d: delay = %v, want %v", i, got, exp)
		}
	}
}

func TestBackoff_JitterWithinBounds(t *testing.T) {
	b := NewBackoff()
	d := b.Next()
	maxWithJitter := time.Duration(float64(InitialBackoff) * (1 + JitterFactor))
	if d < InitialBackoff || d > maxWithJitter {
		t.Errorf("first delay %v outside [%v, %v]", d, InitialBackoff, maxWithJitter)
	}
}

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), 2, func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, 0, func() error {
		calls++
		return errors.New("always fails")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
