// Package merge implements the pipe-merge service of spec.md §4.2: fusing
// the N inbound pipes of a node into the single pipe its execution plan
// consumes.
//
// Interleave generalizes the teacher's FanOutRouter.distributeEvents /
// processBranch shape (fanout.go) from 1→N routing to N→1 merging: one
// dedicated producer goroutine per input, a shared channel, a WaitGroup
// that closes the channel once every producer has drained. Concatenate
// generalizes BarrierStage's single-pass drain (barrier.go) from "collect
// until every branch sends a terminal DoneEvent" to "read every input pipe
// fully, in order".
package merge

import (
	"context"
	"sync"

	"github.com/creastat/npipeline/pipe"
)

// Kind selects a built-in merge strategy.
type Kind string

const (
	// KindInterleave is the default: items from every input are delivered
	// as they arrive, preserving per-input order but not cross-input
	// order.
	KindInterleave Kind = "interleave"
	// KindConcatenate fully drains input i before touching input i+1.
	KindConcatenate Kind = "concatenate"
	// KindCustom defers to a node-supplied Func.
	KindCustom Kind = "custom"
)

// Func is the shape of a custom merge strategy: (ctx, inputs) -> merged
// pipe. It receives no node argument; cancellation arrives through ctx.
type Func[T any] func(ctx context.Context, inputs []pipe.Pipe[T]) pipe.Pipe[T]

// Capacity is the bounded-queue size used by Interleave; zero means
// pipe.DefaultBufferSize.
type Capacity int

// Interleave fuses inputs into one pipe. Ordering: items from the same
// input preserve their relative order; interleaving between inputs is
// nondeterministic but fair, since every producer has its own goroutine
// contending for the same shared channel.
func Interleave[T any](ctx context.Context, name string, capacity Capacity, inputs []pipe.Pipe[T]) pipe.Pipe[T] {
	cap := int(capacity)
	if cap <= 0 {
		cap = pipe.DefaultBufferSize
	}

	return pipe.Stream[T](ctx, name, cap, func(ctx context.Context, out chan<- T) error {
		var wg sync.WaitGroup
		wg.Add(len(inputs))
		for _, in := range inputs {
			go func(in pipe.Pipe[T]) {
				defer wg.Done()
				for item := range in.Items(ctx) {
					select {
					case <-ctx.Done():
						return
					case out <- item:
					}
				}
			}(in)
		}
		wg.Wait()

		for _, in := range inputs {
			if err := in.Err(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Concatenate fuses inputs by fully draining input i before touching
// input i+1. Ordering: output = inputs[0] ++ inputs[1] ++ ...
func Concatenate[T any](ctx context.Context, name string, inputs []pipe.Pipe[T]) pipe.Pipe[T] {
	return pipe.Stream[T](ctx, name, pipe.DefaultBufferSize, func(ctx context.Context, out chan<- T) error {
		for _, in := range inputs {
			for item := range in.Items(ctx) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case out <- item:
				}
			}
			if err := in.Err(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Custom runs a node-supplied merge function.
func Custom[T any](ctx context.Context, inputs []pipe.Pipe[T], fn Func[T]) pipe.Pipe[T] {
	return fn(ctx, inputs)
}

// Merge dispatches to the named strategy, falling back to Interleave.
func Merge[T any](ctx context.Context, name string, kind Kind, capacity Capacity, inputs []pipe.Pipe[T], custom Func[T]) pipe.Pipe[T] {
	switch kind {
	case KindConcatenate:
		return Concatenate[T](ctx, name, inputs)
	case KindCustom:
		if custom != nil {
			return Custom[T](ctx, inputs, custom)
		}
		fallthrough
	default:
		return Interleave[T](ctx, name, capacity, inputs)
	}
}

// JoinErased fuses heterogeneous inputs for Join nodes, which bypass the
// output-type filter entirely (spec.md §4.2: "Join nodes pass all inputs
// through an erased Pipe<object?> without type filtering").
func JoinErased(ctx context.Context, name string, capacity Capacity, inputs []pipe.Pipe[any]) pipe.Pipe[any] {
	return Interleave[any](ctx, name, capacity, inputs)
}
