package stages

import (
	"context"
	"testing"

	"github.com/creastat/npipeline/errctl"
	"github.com/creastat/npipeline/internal/telemetry"
	"github.com/creastat/npipeline/npipeline"
	"github.com/creastat/npipeline/pipe"
)

func TestSequenceSourceBuildsSingleNodeGraph(t *testing.T) {
	def := NewSequenceSource("src", npipeline.NodeOptions{}, SequenceSourceConfig{
		Values: []int{1, 2, 3},
		Logger: telemetry.Nop(),
	})

	g, err := npipeline.NewGraphBuilder().AddNode(def).Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Nodes()) != 1 {
		t.Fatalf("expected 1 node, got %d", len(g.Nodes()))
	}
}

func TestFlakyTransformSucceedsAfterInducedFailures(t *testing.T) {
	def, sink := NewCollectingSink[int]("sink", npipeline.NodeOptions{}, CollectingSinkConfig[int]{Logger: telemetry.Nop()})

	flaky := NewFlakyTransform[int, int]("flaky", npipeline.NodeOptions{
		Strategy: npipeline.StrategyResilient,
		Retry:    errctl.RetryOptions{MaxNodeRestartAttempts: 3},
	}, FlakyTransformConfig[int, int]{
		FailuresBeforeSuccess: 2,
		Apply: func(ctx context.Context, item int) (int, error) {
			return item * 10, nil
		},
		Logger: telemetry.Nop(),
	})

	src := npipeline.Source[int]("src", npipeline.NodeOptions{}, func(ctx context.Context) pipe.Pipe[int] {
		return pipe.Buffered("src", []int{1})
	})

	g, err := npipeline.NewGraphBuilder().
		AddNode(src).AddNode(flaky).AddNode(def).
		Connect("src", "flaky").Connect("flaky", "sink").
		Build()
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	pctx := npipeline.NewPipelineContext("run")
	pctx.Logger = telemetry.Nop()
	metrics, err := npipeline.NewPipeline(g).Execute(context.Background(), pctx)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if !metrics.Success {
		t.Fatal("expected metrics.Success to be true")
	}
	if got := sink.Items(); len(got) != 1 || got[0] != 10 {
		t.Fatalf("expected sink to collect [10], got %v", got)
	}
}

func TestCollectingSinkStartsEmpty(t *testing.T) {
	_, sink := NewCollectingSink[string]("sink", npipeline.NodeOptions{}, CollectingSinkConfig[string]{Logger: telemetry.Nop()})
	if len(sink.Items()) != 0 {
		t.Fatal("expected a freshly constructed sink to be empty")
	}
}
