package retrydelay

import (
	"context"
	"testing"
	"time"
)

func TestFixedAlwaysSame(t *testing.T) {
	f := Fixed{Delay: 50 * time.Millisecond}
	for attempt := 1; attempt <= 5; attempt++ {
		if d := f.GetDelay(context.Background(), attempt); d != 50*time.Millisecond {
			t.Fatalf("attempt %d: expected 50ms, got %v", attempt, d)
		}
	}
}

func TestLinearGrowsAndCaps(t *testing.T) {
	l := Linear{Base: 10 * time.Millisecond, Increment: 10 * time.Millisecond, Max: 25 * time.Millisecond}
	if d := l.GetDelay(context.Background(), 1); d != 10*time.Millisecond {
		t.Fatalf("attempt 1: expected 10ms, got %v", d)
	}
	if d := l.GetDelay(context.Background(), 2); d != 20*time.Millisecond {
		t.Fatalf("attempt 2: expected 20ms, got %v", d)
	}
	if d := l.GetDelay(context.Background(), 3); d != 25*time.Millisecond {
		t.Fatalf("attempt 3: expected cap of 25ms, got %v", d)
	}
}

func TestExponentialGrowsAndCaps(t *testing.T) {
	e := &Exponential{Base: 10 * time.Millisecond, Multiplier: 2, Max: 100 * time.Millisecond, Jitter: JitterNone}
	if d := e.GetDelay(context.Background(), 1); d != 10*time.Millisecond {
		t.Fatalf("attempt 1: expected 10ms, got %v", d)
	}
	if d := e.GetDelay(context.Background(), 2); d != 20*time.Millisecond {
		t.Fatalf("attempt 2: expected 20ms, got %v", d)
	}
	if d := e.GetDelay(context.Background(), 5); d != 100*time.Millisecond {
		t.Fatalf("attempt 5: expected cap of 100ms, got %v", d)
	}
}

func TestExponentialFullJitterBounded(t *testing.T) {
	e := NewExponential(20*time.Millisecond, 2, 200*time.Millisecond, JitterFull)
	for attempt := 1; attempt <= 4; attempt++ {
		d := e.GetDelay(context.Background(), attempt)
		if d < 0 || d > 200*time.Millisecond {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, 100*time.Millisecond); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestSleepReturnsAfterDelay(t *testing.T) {
	start := time.Now()
	if err := Sleep(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("Sleep returned before the delay elapsed")
	}
}
