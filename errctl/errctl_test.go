package errctl

import (
	"context"
	"errors"
	"testing"

	"github.com/creastat/npipeline/retrydelay"
)

// TestRetrySucceedsWithinAttemptBudget mirrors spec.md §8 property 5: a
// node whose body fails k times then succeeds, with MaxNodeRestartAttempts
// >= k+1, completes successfully.
func TestRetrySucceedsWithinAttemptBudget(t *testing.T) {
	ctx := context.Background()
	calls := 0
	body := func(ctx context.Context, attempt int) (int, error) {
		calls++
		if calls <= 2 {
			return 0, errors.New("transient")
		}
		return 7, nil
	}

	opts := Options[int]{
		NodeID:    "n1",
		Resilient: true,
		Retry:     RetryOptions{MaxNodeRestartAttempts: 3, RetryDelay: retrydelay.Fixed{Delay: 0}},
		NodeHandler: func(ctx context.Context, nodeID string, item int, err error) (Decision, error) {
			return Retry, nil
		},
	}

	v, err := ExecuteWithRetries(ctx, opts, func() int { return 0 }, body)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

// TestRetryExhaustionWrapsError mirrors spec.md §8 property 5's "<k+1"
// branch: the run fails with NodeExecutionException wrapping
// RetryExhausted.
func TestRetryExhaustionWrapsError(t *testing.T) {
	ctx := context.Background()
	sentinel := errors.New("permanent")
	body := func(ctx context.Context, attempt int) (int, error) {
		return 0, sentinel
	}

	opts := Options[int]{
		NodeID:    "n1",
		Resilient: true,
		Retry:     RetryOptions{MaxNodeRestartAttempts: 2, RetryDelay: retrydelay.Fixed{Delay: 0}},
		NodeHandler: func(ctx context.Context, nodeID string, item int, err error) (Decision, error) {
			return Retry, nil
		},
	}

	_, err := ExecuteWithRetries(ctx, opts, func() int { return 0 }, body)
	var nee *NodeExecutionError
	if !errors.As(err, &nee) {
		t.Fatalf("expected *NodeExecutionError, got %T: %v", err, err)
	}
	var ree *RetryExhaustedError
	if !errors.As(err, &ree) {
		t.Fatalf("expected a wrapped *RetryExhaustedError, got %v", nee.Inner)
	}
	if ree.Attempts != 2 {
		t.Fatalf("expected 2 attempts recorded, got %d", ree.Attempts)
	}
}

func TestRestartNodeOnNonResilientStrategyIsConfigurationError(t *testing.T) {
	ctx := context.Background()
	body := func(ctx context.Context, attempt int) (int, error) {
		return 0, errors.New("boom")
	}
	opts := Options[int]{
		NodeID:    "n1",
		Resilient: false,
		Retry:     RetryOptions{MaxNodeRestartAttempts: 3},
		PipelineHandler: func(ctx context.Context, nodeID string, err error) (PipelineDecision, error) {
			return RestartNode, nil
		},
	}

	_, err := ExecuteWithRetries(ctx, opts, func() int { return 0 }, body)
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigurationError, got %T: %v", err, err)
	}
}

func TestSkipTreatsFailureAsNoOpSuccess(t *testing.T) {
	ctx := context.Background()
	dl := NewBoundedDeadLetterSink[int](10)
	body := func(ctx context.Context, attempt int) (int, error) {
		return 0, errors.New("bad item")
	}
	opts := Options[int]{
		NodeID:     "n1",
		DeadLetter: dl,
		NodeHandler: func(ctx context.Context, nodeID string, item int, err error) (Decision, error) {
			return Skip, nil
		},
	}

	v, err := ExecuteWithRetries(ctx, opts, func() int { return 99 }, body)
	if err != nil {
		t.Fatalf("expected skip to be a no-op success, got %v", err)
	}
	if v != 0 {
		t.Fatalf("expected zero value, got %d", v)
	}
	entries := dl.Entries()
	if len(entries) != 1 || entries[0].Item != 99 {
		t.Fatalf("expected exactly one dead-letter entry for item 99, got %v", entries)
	}
}

func TestBoundedDeadLetterSinkRaisesWhenExceeded(t *testing.T) {
	dl := NewBoundedDeadLetterSink[int](1)
	ctx := context.Background()
	if err := dl.Offer(ctx, "n1", 1, errors.New("x")); err != nil {
		t.Fatalf("expected first offer to succeed: %v", err)
	}
	if err := dl.Offer(ctx, "n1", 2, errors.New("y")); err == nil {
		t.Fatal("expected the second offer to exceed the bound")
	}
}

func TestCancellationPropagatesUnwrapped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	body := func(ctx context.Context, attempt int) (int, error) {
		return 0, ctx.Err()
	}
	opts := Options[int]{NodeID: "n1"}

	_, err := ExecuteWithRetries(ctx, opts, func() int { return 0 }, body)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected unwrapped context.Canceled, got %v", err)
	}
}
