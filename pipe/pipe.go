// Package pipe implements the data-pipe abstraction: a lazy, forward-only,
// typed async sequence consumed at most once, generalizing the bare
// `chan core.Event` the teacher threads through every Stage.
package pipe

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"
)

// DefaultBufferSize is the channel capacity used when a pipe is created
// without an explicit capacity. It is smaller than the 100-slot buffered
// channels the teacher allocates throughout pipeline.go
// (`make(chan core.Event, 100)`).
const DefaultBufferSize = 64

// Pipe is a lazy, forward-only, typed async sequence of T.
type Pipe[T any] interface {
	// Items returns the channel of items. A streaming pipe may be ranged
	// over only once; a buffered pipe may be ranged over repeatedly.
	Items(ctx context.Context) <-chan T

	// StreamName identifies the pipe for diagnostics and metrics.
	StreamName() string

	// ItemType reports the runtime type of T.
	ItemType() reflect.Type

	// Err returns the terminal error, if any, once Items has drained.
	// Calling Err before the channel is drained returns nil.
	Err() error

	// Dispose releases any resources held by the pipe. Safe to call more
	// than once.
	Dispose()
}

// PanicError reports a Producer that panicked; Stream recovers it so one
// misbehaving producer fails only its own pipe rather than crashing the
// process, mirroring pipeline.go's runStage defer/recover idiom.
type PanicError struct {
	StreamName string
	Recovered  any
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("pipe %s: producer panicked: %v\n%s", e.StreamName, e.Recovered, e.StackTrace)
}

// Producer is the function shape a streaming pipe wraps: it reads from ctx
// and writes items to out, returning any terminal error. It must close
// neither out nor stop on its own; Stream handles both.
type Producer[T any] func(ctx context.Context, out chan<- T) error

type streamingPipe[T any] struct {
	name   string
	ch     chan T
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	err    error
	typ    reflect.Type
}

// Stream creates a pipe backed by a user-supplied producer running on its
// own goroutine, the same "goroutine writes to a channel, defer close on
// exit" shape as pipeline.go's runStage.
func Stream[T any](ctx context.Context, name string, capacity int, produce Producer[T]) Pipe[T] {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	runCtx, cancel := context.WithCancel(ctx)
	p := &streamingPipe[T]{
		name:   name,
		ch:     make(chan T, capacity),
		cancel: cancel,
		done:   make(chan struct{}),
		typ:    reflect.TypeFor[T](),
	}

	go func() {
		defer close(p.done)
		defer close(p.ch)
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					err = &PanicError{StreamName: name, Recovered: r, StackTrace: string(buf[:n])}
				}
			}()
			err = produce(runCtx, p.ch)
		}()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}()

	return p
}

func (p *streamingPipe[T]) Items(ctx context.Context) <-chan T {
	return p.ch
}

func (p *streamingPipe[T]) StreamName() string { return p.name }

func (p *streamingPipe[T]) ItemType() reflect.Type { return p.typ }

func (p *streamingPipe[T]) Err() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *streamingPipe[T]) Dispose() {
	p.cancel()
}

// bufferedPipe is the in-memory, multi-iterable shape: each call to Items
// replays the backing slice on a fresh channel.
type bufferedPipe[T any] struct {
	name  string
	items []T
	typ   reflect.Type
}

// Buffered wraps a finite, already-materialized list of items as a
// multi-consumable pipe — used by sources/aggregates that happen to
// produce a finite buffer rather than a live stream.
func Buffered[T any](name string, items []T) Pipe[T] {
	return &bufferedPipe[T]{name: name, items: items, typ: reflect.TypeFor[T]()}
}

func (p *bufferedPipe[T]) Items(ctx context.Context) <-chan T {
	out := make(chan T, len(p.items))
	go func() {
		defer close(out)
		for _, item := range p.items {
			select {
			case <-ctx.Done():
				return
			case out <- item:
			}
		}
	}()
	return out
}

func (p *bufferedPipe[T]) StreamName() string { return p.name }

func (p *bufferedPipe[T]) ItemType() reflect.Type { return p.typ }

func (p *bufferedPipe[T]) Err() error { return nil }

func (p *bufferedPipe[T]) Dispose() {}

// Empty returns a pipe that yields nothing.
func Empty[T any](name string) Pipe[T] {
	return Buffered[T](name, nil)
}
