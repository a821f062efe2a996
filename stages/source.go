// Package stages holds a handful of generic example nodes exercising the
// engine end to end, the domain-generic descendant of the teacher's
// voice-pipeline stage set: where the teacher wired STT/LLM/TTS/RAG
// stages behind provider SDKs this package has no such domain, so each
// file keeps the teacher's config-struct-plus-constructor shape and
// Process-style per-item loop but emits/consumes plain values instead.
package stages

import (
	"context"

	"github.com/creastat/npipeline/graph"
	"github.com/creastat/npipeline/internal/telemetry"
	"github.com/creastat/npipeline/npipeline"
	"github.com/creastat/npipeline/pipe"
)

// SequenceSourceConfig configures a source that emits a fixed sequence of
// integers, generalizing stt.go's STTStageConfig (a provider handle plus
// logger) down to "the values to emit plus a logger", since this package
// has no streaming transcription provider to wrap.
type SequenceSourceConfig struct {
	Values []int
	Logger telemetry.Logger
}

// NewSequenceSource builds a Source node emitting config.Values in order.
func NewSequenceSource(id string, opts npipeline.NodeOptions, config SequenceSourceConfig) graph.NodeDefinition {
	logger := config.Logger.WithModule(id)
	return npipeline.Source[int](id, opts, func(ctx context.Context) pipe.Pipe[int] {
		logger.Info("emitting sequence", telemetry.Int("count", len(config.Values)))
		return pipe.Buffered(id, config.Values)
	})
}
