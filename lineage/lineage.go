// Package lineage is the optional provenance-wrapper module spec.md §9
// calls out as "orthogonal to the core merge contract": a Packet[T] carries
// an item plus its originating node id and a lexically sortable id, and a
// pipe of packets can be unwrapped back to a plain pipe of items at the
// boundary where lineage no longer matters.
//
// Packet ids use github.com/oklog/ulid/v2, the same crypto/rand-seeded
// generator 2389-research-mammoth/spec/core/ulid.go centralizes behind
// NewULID, generalized here from a single ULID type to a generic envelope.
package lineage

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/creastat/npipeline/pipe"
)

// NewID generates a new lexically sortable id using crypto/rand entropy,
// mirroring core.NewULID.
func NewID() ulid.ULID {
	return ulid.MustNew(ulid.Now(), rand.Reader)
}

// Packet wraps an item with provenance: the id it was stamped with, the
// node that produced it, and the id of the packet it was derived from (the
// zero ULID for items with no known parent).
type Packet[T any] struct {
	ID        ulid.ULID
	NodeID    string
	ParentID  ulid.ULID
	Item      T
	StampedAt time.Time
}

// Stamp wraps each item flowing through in with a fresh Packet, attributing
// it to nodeID. ParentID is left as the zero ULID, since a plain item has
// no known parent packet.
func Stamp[T any](ctx context.Context, nodeID string, in pipe.Pipe[T]) pipe.Pipe[Packet[T]] {
	return pipe.Stream[Packet[T]](ctx, in.StreamName()+".lineage", pipe.DefaultBufferSize, func(ctx context.Context, out chan<- Packet[T]) error {
		for v := range in.Items(ctx) {
			p := Packet[T]{ID: NewID(), NodeID: nodeID, Item: v, StampedAt: time.Now()}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- p:
			}
		}
		return in.Err()
	})
}

// Derive stamps an output item with a new packet attributing it to nodeID,
// carrying parent's id forward as provenance (used by Transform/Aggregate
// plans that want to keep lineage threaded across a 1:1 or N:1 mapping).
func Derive[T any](nodeID string, parent Packet[any], item T) Packet[T] {
	return Packet[T]{ID: NewID(), NodeID: nodeID, ParentID: parent.ID, Item: item, StampedAt: time.Now()}
}

// Unwrap discards provenance, yielding a plain pipe of the wrapped items —
// the boundary where lineage stops mattering (e.g. just before a Sink that
// has no use for it).
func Unwrap[T any](ctx context.Context, in pipe.Pipe[Packet[T]]) pipe.Pipe[T] {
	return pipe.Stream[T](ctx, in.StreamName()+".unwrapped", pipe.DefaultBufferSize, func(ctx context.Context, out chan<- T) error {
		for p := range in.Items(ctx) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- p.Item:
			}
		}
		return in.Err()
	})
}
