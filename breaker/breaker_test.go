package breaker

import (
	"testing"
	"time"
)

// TestConsecutiveFailuresTripsAtThreshold mirrors spec.md S6: a breaker
// with threshold 2 opens on the second consecutive failure, denies
// execution until OpenDuration elapses, then allows exactly one half-open
// trial.
func TestConsecutiveFailuresTripsAtThreshold(t *testing.T) {
	b := New(Options{
		FailureThreshold:   2,
		OpenDuration:       50 * time.Millisecond,
		ThresholdType:      ConsecutiveFailures,
		HalfOpenTrialCount: 1,
	})
	fakeNow := time.Now()
	b.now = func() time.Time { return fakeNow }

	if !b.CanExecute() {
		t.Fatal("expected Closed breaker to allow the first call")
	}
	out := b.RecordFailure()
	if out.NewState != Closed {
		t.Fatalf("expected Closed after first failure, got %s", out.NewState)
	}

	if !b.CanExecute() {
		t.Fatal("expected Closed breaker to allow the second call")
	}
	out = b.RecordFailure()
	if out.NewState != Open {
		t.Fatalf("expected Open after second consecutive failure, got %s", out.NewState)
	}
	if out.Allowed {
		t.Fatal("expected the tripping call to report Allowed=false")
	}

	if b.CanExecute() {
		t.Fatal("expected Open breaker to deny execution before OpenDuration elapses")
	}

	fakeNow = fakeNow.Add(60 * time.Millisecond)
	if !b.CanExecute() {
		t.Fatal("expected HalfOpen breaker to allow the first trial after OpenDuration")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected HalfOpen, got %s", b.State())
	}
	if b.CanExecute() {
		t.Fatal("expected HalfOpen breaker to deny a second concurrent trial beyond HalfOpenTrialCount")
	}

	out = b.RecordFailure()
	if out.NewState != Open {
		t.Fatalf("expected a half-open failure to reopen the breaker, got %s", out.NewState)
	}
}

// TestHalfOpenSuccessCloses verifies a success in HalfOpen closes the
// breaker and resets its counters.
func TestHalfOpenSuccessCloses(t *testing.T) {
	b := New(Options{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond, ThresholdType: ConsecutiveFailures, HalfOpenTrialCount: 1})
	fakeNow := time.Now()
	b.now = func() time.Time { return fakeNow }

	b.CanExecute()
	b.RecordFailure() // trips to Open

	fakeNow = fakeNow.Add(20 * time.Millisecond)
	if !b.CanExecute() {
		t.Fatal("expected HalfOpen trial to be allowed")
	}
	out := b.RecordSuccess()
	if out.NewState != Closed {
		t.Fatalf("expected Closed after half-open success, got %s", out.NewState)
	}
}

// TestRollingWindowRateThreshold mirrors spec.md §8 property 7: with
// threshold 0.6 and minimum ops 5, S,F,S,F,S keeps the breaker Closed;
// one more F,F keeps it Closed (4/7 ~= 0.571); the next F opens it
// (5/8 = 0.625).
func TestRollingWindowRateThreshold(t *testing.T) {
	b := New(Options{
		ThresholdType:        RollingWindowRate,
		FailureRateThreshold: 0.6,
		MinimumOperations:    5,
		WindowDuration:       time.Hour,
		OpenDuration:         time.Hour,
	})

	record := func(success bool) Outcome {
		if success {
			return b.RecordSuccess()
		}
		return b.RecordFailure()
	}

	sequence := []bool{true, false, true, false, true}
	for _, success := range sequence {
		out := record(success)
		if out.NewState != Closed {
			t.Fatalf("expected Closed mid-sequence, got %s", out.NewState)
		}
	}

	out := record(false)
	if out.NewState != Closed {
		t.Fatalf("expected Closed at 3/6, got %s (stats=%+v)", out.NewState, b.Stats())
	}
	out = record(false)
	if out.NewState != Closed {
		t.Fatalf("expected Closed at 4/7 (second F), got %s", out.NewState)
	}

	out = record(false)
	if out.NewState != Open {
		t.Fatalf("expected Open at 5/8 = 0.625, got %s (stats=%+v)", out.NewState, b.Stats())
	}
}

func TestManagerCreatesOnDemandAndReuses(t *testing.T) {
	m := NewManager(DefaultOptions(), MemoryOptions{})
	defer m.Close()

	b1 := m.Get("node-a", nil)
	b2 := m.Get("node-a", nil)
	if b1 != b2 {
		t.Fatal("expected the same breaker instance on repeated Get for the same node")
	}

	b3 := m.Get("node-b", &Options{FailureThreshold: 1, OpenDuration: time.Second, ThresholdType: ConsecutiveFailures, HalfOpenTrialCount: 1})
	if b3 == b1 {
		t.Fatal("expected distinct breakers per node id")
	}
}
