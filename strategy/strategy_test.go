package strategy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creastat/npipeline/breaker"
	"github.com/creastat/npipeline/pipe"
)

func TestSequentialPreservesOrder(t *testing.T) {
	ctx := context.Background()
	input := pipe.Buffered("in", []int{1, 2, 3, 4})

	out := Sequential[int, int](ctx, "double", input, func(ctx context.Context, item int) (int, error) {
		return item * 2, nil
	})

	var got []int
	for v := range out.Items(ctx) {
		got = append(got, v)
	}
	want := []int{2, 4, 6, 8}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestParallelPreserveModeReordersBackToInputOrder(t *testing.T) {
	ctx := context.Background()
	input := pipe.Buffered("in", []int{1, 2, 3, 4, 5})

	out := Parallel[int, int](ctx, "slow-first", input, ParallelOptions{MaxDegreeOfParallelism: 4, Ordering: Preserve}, func(ctx context.Context, item int) (int, error) {
		if item == 1 {
			time.Sleep(20 * time.Millisecond)
		}
		return item, nil
	})

	var got []int
	for v := range out.Items(ctx) {
		got = append(got, v)
	}
	want := []int{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestParallelUnorderedDeliversAllItems(t *testing.T) {
	ctx := context.Background()
	input := pipe.Buffered("in", []int{1, 2, 3, 4, 5})

	out := Parallel[int, int](ctx, "unordered", input, ParallelOptions{MaxDegreeOfParallelism: 2, Ordering: Unordered}, func(ctx context.Context, item int) (int, error) {
		return item, nil
	})

	seen := map[int]bool{}
	for v := range out.Items(ctx) {
		seen[v] = true
	}
	for _, want := range []int{1, 2, 3, 4, 5} {
		if !seen[want] {
			t.Fatalf("expected to see %d, got %v", want, seen)
		}
	}
}

func TestParallelBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	input := pipe.Buffered("in", []int{1, 2, 3, 4, 5, 6, 7, 8})

	var current, max int32
	out := Parallel[int, int](ctx, "bounded", input, ParallelOptions{MaxDegreeOfParallelism: 3}, func(ctx context.Context, item int) (int, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			m := atomic.LoadInt32(&max)
			if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return item, nil
	})

	for range out.Items(ctx) {
	}
	if atomic.LoadInt32(&max) > 3 {
		t.Fatalf("expected at most 3 concurrent tasks, saw %d", max)
	}
}

func TestResilientRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	proc := Resilient(ResilientOptions{MaxAttempts: 3}, func(ctx context.Context, item int) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return item, nil
	})

	v, err := proc(ctx, 42)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestResilientDeniesWhenBreakerOpen(t *testing.T) {
	ctx := context.Background()
	b := breaker.New(breaker.Options{
		FailureThreshold:   1,
		OpenDuration:       time.Hour,
		ThresholdType:      breaker.ConsecutiveFailures,
		HalfOpenTrialCount: 1,
	})
	b.CanExecute()
	b.RecordFailure() // trips the breaker

	called := false
	proc := Resilient(ResilientOptions{NodeID: "n1", MaxAttempts: 1, Breaker: b}, func(ctx context.Context, item int) (int, error) {
		called = true
		return item, nil
	})

	_, err := proc(ctx, 1)
	if err == nil {
		t.Fatal("expected a circuit-open error")
	}
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *CircuitOpenError, got %T: %v", err, err)
	}
	if called {
		t.Fatal("expected the wrapped processor never to be invoked while open")
	}
}
