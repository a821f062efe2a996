// Package strategy implements the per-node execution strategies of
// spec.md §4.4: Sequential, Parallel (bounded concurrency, preserve or
// unordered), and the Resilient retry/circuit-breaker wrapper.
//
// Sequential mirrors the teacher's runStage (pipeline.go): a single
// goroutine draining one channel into another, serially. Parallel
// generalizes the bounded-semaphore wave execution of the mbflow example's
// WorkflowEngine.executeWave (one goroutine per in-flight item, a
// capacity-P semaphore, a WaitGroup) from "one wave of independent nodes"
// to "one bounded-concurrency window of items through a single node",
// adding an ordered-output mode the original wave executor has no need
// for. Resilient generalizes mbflow's retryNode/calculateRetryDelay from
// "whole-node retry on a fixed exponential backoff" to "per-item retry
// against a pluggable retrydelay.Strategy, gated by a breaker.CircuitBreaker".
package strategy

import (
	"context"
	"errors"
	"sync"

	"github.com/creastat/npipeline/breaker"
	"github.com/creastat/npipeline/obs"
	"github.com/creastat/npipeline/pipe"
	"github.com/creastat/npipeline/retrydelay"
)

// ErrItemSkipped signals that a per-item error handler chose to skip a
// failing item (spec.md §4.5 step 6: "Skip: drop item, continue"). A
// processor returning it is understood by Sequential/Parallel to mean
// "produced nothing for this item, keep reading" rather than "abort the
// stream", which is what any other non-nil error still means.
var ErrItemSkipped = errors.New("item skipped by error handler")

// ItemProcessor transforms one item. Returning an error fails that item;
// the wrapping strategy decides whether that failure aborts the pipe.
type ItemProcessor[In, Out any] func(ctx context.Context, item In) (Out, error)

// Sequential invokes proc on each item of input in order, emitting results
// in the same order, one at a time (spec.md: "Invokes node.processItem one
// item at a time, in input order").
func Sequential[In, Out any](ctx context.Context, name string, input pipe.Pipe[In], proc ItemProcessor[In, Out]) pipe.Pipe[Out] {
	return pipe.Stream[Out](ctx, name, pipe.DefaultBufferSize, func(ctx context.Context, out chan<- Out) error {
		for item := range input.Items(ctx) {
			result, err := proc(ctx, item)
			if err != nil {
				if errors.Is(err, ErrItemSkipped) {
					continue
				}
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- result:
			}
		}
		return input.Err()
	})
}

// Ordering selects Parallel's output-ordering mode.
type Ordering string

const (
	// Preserve emits results in input order (the default for transforms
	// where order matters).
	Preserve Ordering = "preserve"
	// Unordered emits results as soon as they are ready.
	Unordered Ordering = "unordered"
)

// ParallelOptions configures the Parallel strategy.
type ParallelOptions struct {
	// MaxDegreeOfParallelism bounds in-flight item tasks. Values <= 0 are
	// treated as 1.
	MaxDegreeOfParallelism int
	Ordering               Ordering
}

// Parallel runs proc over input with bounded concurrency P, reading a new
// item only when fewer than P are in flight (spec.md: "Backpressure: new
// items read only when in-flight < P").
func Parallel[In, Out any](ctx context.Context, name string, input pipe.Pipe[In], opts ParallelOptions, proc ItemProcessor[In, Out]) pipe.Pipe[Out] {
	p := opts.MaxDegreeOfParallelism
	if p <= 0 {
		p = 1
	}
	ordering := opts.Ordering
	if ordering == "" {
		ordering = Preserve
	}

	return pipe.Stream[Out](ctx, name, pipe.DefaultBufferSize, func(ctx context.Context, out chan<- Out) error {
		if ordering == Unordered {
			return runUnordered(ctx, input, p, proc, out)
		}
		return runPreserveOrder(ctx, input, p, proc, out)
	})
}

type result[Out any] struct {
	val Out
	err error
}

// runPreserveOrder uses a sequence-numbered in-flight table: each accepted
// item gets a dedicated future channel pushed, in input order, onto a
// bounded futures channel; the consumer drains futures strictly in order,
// so the Pth-ahead item can finish early but waits its turn to be emitted.
func runPreserveOrder[In, Out any](ctx context.Context, input pipe.Pipe[In], p int, proc ItemProcessor[In, Out], out chan<- Out) error {
	sem := make(chan struct{}, p)
	futures := make(chan chan result[Out], p)

	go func() {
		defer close(futures)
		for item := range input.Items(ctx) {
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			fc := make(chan result[Out], 1)
			select {
			case <-ctx.Done():
				<-sem
				return
			case futures <- fc:
			}
			go func(item In, fc chan result[Out]) {
				defer func() { <-sem }()
				v, err := proc(ctx, item)
				fc <- result[Out]{val: v, err: err}
			}(item, fc)
		}
	}()

	for fc := range futures {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-fc:
			if r.err != nil {
				if errors.Is(r.err, ErrItemSkipped) {
					continue
				}
				return r.err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- r.val:
			}
		}
	}
	return input.Err()
}

type errBox struct {
	mu  sync.Mutex
	err error
}

func (b *errBox) set(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
}

func (b *errBox) get() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// runUnordered launches one goroutine per accepted item, bounded by a
// capacity-P semaphore, and forwards results to out as soon as each
// finishes, generalizing executeWave's "semaphore + WaitGroup + errChan"
// shape from a fixed wave of nodes to a live stream of items.
func runUnordered[In, Out any](ctx context.Context, input pipe.Pipe[In], p int, proc ItemProcessor[In, Out], out chan<- Out) error {
	sem := make(chan struct{}, p)
	var wg sync.WaitGroup
	box := &errBox{}

	for item := range input.Items(ctx) {
		if box.get() != nil {
			break
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(item In) {
			defer wg.Done()
			defer func() { <-sem }()
			v, err := proc(ctx, item)
			if err != nil {
				if errors.Is(err, ErrItemSkipped) {
					return
				}
				box.set(err)
				return
			}
			select {
			case <-ctx.Done():
			case out <- v:
			}
		}(item)
	}
	wg.Wait()

	if err := box.get(); err != nil {
		return err
	}
	return input.Err()
}

// CircuitOpenError is returned by a Resilient-wrapped processor when the
// node's breaker denies execution.
type CircuitOpenError struct {
	NodeID string
}

func (e *CircuitOpenError) Error() string {
	return "circuit open for node " + e.NodeID
}

// ResilientOptions configures the Resilient wrapper.
type ResilientOptions struct {
	NodeID          string
	MaxAttempts     int
	RetryDelay      retrydelay.Strategy
	Breaker         *breaker.CircuitBreaker
	// Observer receives a NodeRetry event before each delay-then-retry
	// (spec.md §4.7/§8 property 5: "NodeRetry events count k"); nil is
	// treated as a no-op observer.
	Observer obs.ExecutionObserver
	// Retryable decides whether a given failure should be retried at all;
	// nil means every non-cancellation error is retryable.
	Retryable func(error) bool
}

// Resilient wraps proc with per-node retry and circuit-breaker consultation
// (spec.md §4.4): before each attempt it consults the breaker, and between
// retries it awaits the configured retry-delay strategy.
func Resilient[In, Out any](opts ResilientOptions, proc ItemProcessor[In, Out]) ItemProcessor[In, Out] {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	observer := opts.Observer
	if observer == nil {
		observer = obs.NopObserver{}
	}

	return func(ctx context.Context, item In) (Out, error) {
		var zero Out
		var lastErr error

		for attempt := 1; attempt <= maxAttempts; attempt++ {
			if opts.Breaker != nil && !opts.Breaker.CanExecute() {
				return zero, &CircuitOpenError{NodeID: opts.NodeID}
			}

			v, err := proc(ctx, item)
			if err == nil {
				if opts.Breaker != nil {
					opts.Breaker.RecordSuccess()
				}
				return v, nil
			}
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}

			if opts.Breaker != nil {
				opts.Breaker.RecordFailure()
			}
			lastErr = err

			retryable := opts.Retryable == nil || opts.Retryable(err)
			if !retryable || attempt == maxAttempts {
				break
			}
			observer.NodeRetry(opts.NodeID, attempt, lastErr)
			if opts.RetryDelay != nil {
				if sleepErr := retrydelay.Sleep(ctx, opts.RetryDelay.GetDelay(ctx, attempt)); sleepErr != nil {
					return zero, sleepErr
				}
			}
		}
		return zero, lastErr
	}
}
