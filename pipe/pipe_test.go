package pipe

import (
	"context"
	"testing"

	"pgregory.net/rapid"
)

// TestStreamPreservesOrder verifies that a streaming pipe delivers items in
// producer order (spec.md §5: "Within one pipe, items are delivered in
// producer order").
func TestStreamPreservesOrder(t *testing.T) {
	ctx := context.Background()
	p := Stream[int](ctx, "ints", 0, func(ctx context.Context, out chan<- int) error {
		for i := 0; i < 5; i++ {
			out <- i
		}
		return nil
	})

	var got []int
	for v := range p.Items(ctx) {
		got = append(got, v)
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("expected %d at index %d, got %d", i, i, v)
		}
	}
	if err := p.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestStreamRecoversProducerPanic verifies a panicking Producer fails only
// its own pipe, surfacing as a *PanicError from Err, rather than crashing
// the test process.
func TestStreamRecoversProducerPanic(t *testing.T) {
	ctx := context.Background()
	p := Stream[int](ctx, "panicky", 0, func(ctx context.Context, out chan<- int) error {
		out <- 1
		panic("boom")
	})

	var got []int
	for v := range p.Items(ctx) {
		got = append(got, v)
	}

	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected to see the item sent before the panic, got %v", got)
	}
	var pe *PanicError
	if err := p.Err(); err == nil {
		t.Fatal("expected a non-nil error after a producer panic")
	} else if pe, _ = err.(*PanicError); pe == nil {
		t.Fatalf("expected *PanicError, got %T: %v", err, err)
	}
}

// TestBufferedIsMultiIterable verifies a buffered pipe can be ranged over
// more than once, unlike the single-consumption streaming pipe.
func TestBufferedIsMultiIterable(t *testing.T) {
	ctx := context.Background()
	p := Buffered("fixed", []string{"a", "b", "c"})

	for pass := 0; pass < 2; pass++ {
		var got []string
		for v := range p.Items(ctx) {
			got = append(got, v)
		}
		if len(got) != 3 {
			t.Fatalf("pass %d: expected 3 items, got %d", pass, len(got))
		}
	}
}

// TestPropertyCountIncrementsSharedCounter is a property test: for any sequence of
// items, Count must deliver every item unchanged and bump the counter
// exactly once per item.
func TestPropertyCountIncrementsSharedCounter(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		items := rapid.SliceOfN(rapid.Int(), 0, 50).Draw(rt, "items")

		ctx := context.Background()
		counter := &StatsCounter{}
		base := Buffered("nums", items)
		counted := Count[int](base, counter)

		var got []int
		for v := range counted.Items(ctx) {
			got = append(got, v)
		}

		if len(got) != len(items) {
			rt.Fatalf("expected %d items, got %d", len(items), len(got))
		}
		for i := range items {
			if got[i] != items[i] {
				rt.Fatalf("item %d mismatch: want %d got %d", i, items[i], got[i])
			}
		}
		if int(counter.Load()) != len(items) {
			rt.Fatalf("expected counter %d, got %d", len(items), counter.Load())
		}
	})
}

// TestEraseLosesStaticTypeButKeepsValues verifies erasure round-trips the
// same values through an any-typed channel, the mechanism Join nodes rely
// on to accept heterogeneous inputs.
func TestEraseLosesStaticTypeButKeepsValues(t *testing.T) {
	ctx := context.Background()
	p := Buffered("typed", []int{1, 2, 3})
	erased := Erase[int](p)

	var got []any
	for v := range erased.Items(ctx) {
		got = append(got, v)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0].(int) != 1 {
		t.Fatalf("expected first item to be 1, got %v", got[0])
	}
}

// TestUnerasePairsWithErase verifies the round trip Erase then Unerase
// reconstitutes the original typed sequence.
func TestUnerasePairsWithErase(t *testing.T) {
	ctx := context.Background()
	p := Buffered("typed", []int{4, 5, 6})
	roundtripped := Unerase[int](Erase[int](p))

	var got []int
	for v := range roundtripped.Items(ctx) {
		got = append(got, v)
	}
	if len(got) != 3 || got[0] != 4 || got[1] != 5 || got[2] != 6 {
		t.Fatalf("expected [4 5 6], got %v", got)
	}
}
