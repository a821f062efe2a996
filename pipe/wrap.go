package pipe

import (
	"context"
	"reflect"
	"sync/atomic"
)

// erasedPipe type-erases a Pipe[T] into a Pipe[any], used by join and merge
// services that must handle heterogeneous element types without violating
// Go's lack of covariant generics.
type erasedPipe[T any] struct {
	inner Pipe[T]
}

// Erase converts a typed pipe into an erased Pipe[any]. Join nodes consume
// erased input; non-Join nodes never see one.
func Erase[T any](p Pipe[T]) Pipe[any] {
	return &erasedPipe[T]{inner: p}
}

func (e *erasedPipe[T]) Items(ctx context.Context) <-chan any {
	in := e.inner.Items(ctx)
	out := make(chan any)
	go func() {
		defer close(out)
		for item := range in {
			select {
			case <-ctx.Done():
				return
			case out <- item:
			}
		}
	}()
	return out
}

func (e *erasedPipe[T]) StreamName() string { return e.inner.StreamName() }

func (e *erasedPipe[T]) ItemType() reflect.Type { return e.inner.ItemType() }

func (e *erasedPipe[T]) Err() error { return e.inner.Err() }

func (e *erasedPipe[T]) Dispose() { e.inner.Dispose() }

// unerasedPipe reconstitutes a typed Pipe[T] from an erased Pipe[any],
// type-asserting each item as it is read.
type unerasedPipe[T any] struct {
	inner Pipe[any]
	typ   reflect.Type
}

// Unerase converts an erased Pipe[any] back into a typed Pipe[T], the
// inverse of Erase. Used when a plan built from a generic constructor
// needs to hand a node its declared input type after the runner has
// merged/branched erased pipes.
func Unerase[T any](p Pipe[any]) Pipe[T] {
	return &unerasedPipe[T]{inner: p, typ: reflect.TypeFor[T]()}
}

func (u *unerasedPipe[T]) Items(ctx context.Context) <-chan T {
	in := u.inner.Items(ctx)
	out := make(chan T)
	go func() {
		defer close(out)
		for v := range in {
			typed, _ := v.(T)
			select {
			case <-ctx.Done():
				return
			case out <- typed:
			}
		}
	}()
	return out
}

func (u *unerasedPipe[T]) StreamName() string { return u.inner.StreamName() }

func (u *unerasedPipe[T]) ItemType() reflect.Type { return u.typ }

func (u *unerasedPipe[T]) Err() error { return u.inner.Err() }

func (u *unerasedPipe[T]) Dispose() { u.inner.Dispose() }

// StatsCounter is a monotonically-increasing, concurrency-safe counter used
// for TotalProcessedItems and per-node item counts (spec.md §5: "StatsCounter
// uses atomic add").
type StatsCounter struct {
	n atomic.Int64
}

// Add increments the counter by delta and returns the new value.
func (c *StatsCounter) Add(delta int64) int64 { return c.n.Add(delta) }

// Load returns the current value.
func (c *StatsCounter) Load() int64 { return c.n.Load() }

// countingPipe wraps a Pipe[T] and increments a shared counter on every
// item that passes through, without altering ordering or identity
// (spec.md §4.1's "counting passthrough").
type countingPipe[T any] struct {
	inner   Pipe[T]
	counter *StatsCounter
}

// Count wraps a pipe so every item delivered through it increments counter
// by one. A nil counter makes Count a no-op passthrough.
func Count[T any](p Pipe[T], counter *StatsCounter) Pipe[T] {
	if counter == nil {
		return p
	}
	return &countingPipe[T]{inner: p, counter: counter}
}

func (c *countingPipe[T]) Items(ctx context.Context) <-chan T {
	in := c.inner.Items(ctx)
	out := make(chan T)
	go func() {
		defer close(out)
		for item := range in {
			c.counter.Add(1)
			select {
			case <-ctx.Done():
				return
			case out <- item:
			}
		}
	}()
	return out
}

func (c *countingPipe[T]) StreamName() string { return c.inner.StreamName() }

func (c *countingPipe[T]) ItemType() reflect.Type { return c.inner.ItemType() }

func (c *countingPipe[T]) Err() error { return c.inner.Err() }

func (c *countingPipe[T]) Dispose() { c.inner.Dispose() }
