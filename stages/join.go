package stages

import (
	"context"
	"fmt"

	"github.com/creastat/npipeline/graph"
	"github.com/creastat/npipeline/internal/telemetry"
	"github.com/creastat/npipeline/npipeline"
	"github.com/creastat/npipeline/pipe"
)

// CollectJoinConfig configures a join node that drains every upstream
// edge's interleaved, type-erased items and emits one combined summary
// once all of them close, generalizing rag.go's "retrieve chunks from a
// vector store, join them into one context string" shape from "one
// provider call" to "drain whatever the graph's fan-in already merged".
type CollectJoinConfig struct {
	Combine func(items []any) string
	Logger  telemetry.Logger
}

// NewCollectJoin builds a Join node that emits a single combined string.
func NewCollectJoin(id string, opts npipeline.NodeOptions, config CollectJoinConfig) graph.NodeDefinition {
	logger := config.Logger.WithModule(id)
	combine := config.Combine
	if combine == nil {
		combine = func(items []any) string { return fmt.Sprintf("%v", items) }
	}

	return npipeline.Join[string](id, opts, func(ctx context.Context, in pipe.Pipe[any]) pipe.Pipe[string] {
		return pipe.Stream[string](ctx, id, pipe.DefaultBufferSize, func(ctx context.Context, out chan<- string) error {
			var items []any
			for item := range in.Items(ctx) {
				items = append(items, item)
			}
			logger.Debug("joined items", telemetry.Int("count", len(items)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- combine(items):
			}
			return in.Err()
		})
	})
}
