package stages

import (
	"context"
	"sync"

	"github.com/creastat/npipeline/graph"
	"github.com/creastat/npipeline/internal/telemetry"
	"github.com/creastat/npipeline/npipeline"
	"github.com/creastat/npipeline/pipe"
)

// CollectingSinkConfig configures a sink that appends every item it sees
// to an in-memory slice behind a mutex, generalizing history.go's
// "intercept the terminal event, persist it" shape from one special-cased
// event type to every item the sink receives. The sink itself never
// rejects an item; it fails only when its input pipe reports a terminal
// error, which it returns unchanged.
type CollectingSinkConfig[T any] struct {
	Logger telemetry.Logger
}

// CollectingSink accumulates every item delivered to it.
type CollectingSink[T any] struct {
	mu    sync.Mutex
	items []T
}

// NewCollectingSink builds a Sink node backed by a fresh CollectingSink,
// returning both the node definition and a handle to read back what it
// collected once the run completes.
func NewCollectingSink[T any](id string, opts npipeline.NodeOptions, config CollectingSinkConfig[T]) (graph.NodeDefinition, *CollectingSink[T]) {
	logger := config.Logger.WithModule(id)
	sink := &CollectingSink[T]{}

	def := npipeline.Sink[T](id, opts, func(ctx context.Context, in pipe.Pipe[T]) error {
		count := 0
		for v := range in.Items(ctx) {
			sink.mu.Lock()
			sink.items = append(sink.items, v)
			sink.mu.Unlock()
			count++
		}
		logger.Info("collected items", telemetry.Int("count", count))
		return in.Err()
	})
	return def, sink
}

// Items returns a snapshot of everything collected so far.
func (s *CollectingSink[T]) Items() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, len(s.items))
	copy(out, s.items)
	return out
}
