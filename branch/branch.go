// Package branch implements the branching-multicast service of spec.md
// §4.3: splitting one pipe into K bounded per-subscriber queues so a node
// with multiple outgoing edges can be consumed independently by each
// downstream.
//
// This generalizes the teacher's FanOutRouter/FanOutStage (fanout.go):
// where the teacher fans a fixed core.Event out across statically
// configured branch Stages and re-merges their outputs via
// distributeEvents' "one dedicated reader forwarding into per-branch
// channels" shape, Multicast keeps that single-reader shape but feeds every
// subscriber the very same item instead of routing by event-type filter,
// and exposes each branch as an ordinary pipe.Pipe[T] rather than a raw
// channel.
package branch

import (
	"context"
	"reflect"
	"sync/atomic"

	"github.com/creastat/npipeline/pipe"
)

// Options configures a multicast (spec.md §4.3: "BranchOptions").
type Options struct {
	// PerSubscriberBufferCapacity bounds each subscriber's queue. If a
	// queue is full, the single internal reader blocks on it, propagating
	// backpressure to the upstream producer. Zero applies an internal
	// default.
	PerSubscriberBufferCapacity int
}

const defaultCapacity = 64

// Metrics mirrors spec.md §4.3's BranchMetrics record, stored in the
// pipeline context keyed BranchMetrics::<nodeId>. Safe for concurrent
// reads via Snapshot while the multicast is running.
type Metrics struct {
	SubscriberCount       int
	PerSubscriberCapacity int
	maxAggregateBacklog   int64
	subscribersCompleted  int64
	faulted               int32
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		SubscriberCount:       m.SubscriberCount,
		PerSubscriberCapacity: m.PerSubscriberCapacity,
		maxAggregateBacklog:   atomic.LoadInt64(&m.maxAggregateBacklog),
		subscribersCompleted:  atomic.LoadInt64(&m.subscribersCompleted),
		faulted:               atomic.LoadInt32(&m.faulted),
	}
}

func (m Metrics) MaxAggregateBacklog() int64  { return m.maxAggregateBacklog }
func (m Metrics) SubscribersCompleted() int64 { return m.subscribersCompleted }
func (m Metrics) Faulted() bool               { return m.faulted != 0 }

// subscriberPipe is one of the K independently-consumable branches a
// Multicast produces.
type subscriberPipe[T any] struct {
	name string
	ch   chan T
	done chan struct{}
	err  *error
	typ  reflect.Type
}

func (s *subscriberPipe[T]) Items(ctx context.Context) <-chan T { return s.ch }
func (s *subscriberPipe[T]) StreamName() string                 { return s.name }
func (s *subscriberPipe[T]) ItemType() reflect.Type             { return s.typ }
func (s *subscriberPipe[T]) Dispose()                           {}

func (s *subscriberPipe[T]) Err() error {
	select {
	case <-s.done:
		return *s.err
	default:
		return nil
	}
}

// Multicast fans source's items out to K bounded subscriber pipes. A single
// internal goroutine reads source exactly once and offers each item to
// every subscriber queue in turn, blocking on a full queue so backpressure
// propagates upstream (spec.md §4.3). For k <= 1 it produces a single
// subscriber pipe; Multicast itself never counts items.
//
// When source faults or is cancelled, every subscriber pipe surfaces the
// same error from Err once drained (spec.md: "the multicast marks all
// queues faulted with the same exception").
func Multicast[T any](ctx context.Context, name string, k int, opts Options, source pipe.Pipe[T]) ([]pipe.Pipe[T], *Metrics) {
	if k < 1 {
		k = 1
	}
	capacity := opts.PerSubscriberBufferCapacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	metrics := &Metrics{SubscriberCount: k, PerSubscriberCapacity: capacity}
	subs := make([]*subscriberPipe[T], k)
	out := make([]pipe.Pipe[T], k)
	for i := range subs {
		subs[i] = &subscriberPipe[T]{
			name: name,
			ch:   make(chan T, capacity),
			done: make(chan struct{}),
			err:  new(error),
			typ:  reflect.TypeFor[T](),
		}
		out[i] = subs[i]
	}

	go func() {
		fault := runMulticast(ctx, subs, metrics, source)
		for _, s := range subs {
			*s.err = fault
			close(s.ch)
			close(s.done)
		}
		if fault != nil {
			atomic.StoreInt32(&metrics.faulted, 1)
		} else {
			atomic.StoreInt64(&metrics.subscribersCompleted, int64(k))
		}
	}()

	return out, metrics
}

func runMulticast[T any](ctx context.Context, subs []*subscriberPipe[T], metrics *Metrics, source pipe.Pipe[T]) error {
	for v := range source.Items(ctx) {
		backlog := int64(0)
		for _, s := range subs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case s.ch <- v:
				backlog += int64(len(s.ch))
			}
		}
		if backlog > atomic.LoadInt64(&metrics.maxAggregateBacklog) {
			atomic.StoreInt64(&metrics.maxAggregateBacklog, backlog)
		}
	}
	return source.Err()
}
