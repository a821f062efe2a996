package npipeline

import (
	"fmt"

	"github.com/creastat/npipeline/graph"
)

// GraphBuilder constructs pipeline DAGs with a fluent API, generalizing
// the teacher's GraphBuilder (builder.go) from "named stages wired by
// Connect" to "typed node definitions wired by declared edges", and
// replacing the single entry/exit-node bookkeeping with the structural
// Source/Sink checks graph.ValidateGraph already performs.
type GraphBuilder struct {
	nodes []graph.NodeDefinition
	edges []graph.Edge
	opts  graph.ExecutionOptions
}

// NewGraphBuilder creates an empty builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{}
}

// AddNode registers a node definition produced by Source/Transform/
// TransformItem/Join/Aggregate/Sink.
func (b *GraphBuilder) AddNode(def graph.NodeDefinition) *GraphBuilder {
	b.nodes = append(b.nodes, def)
	return b
}

// Connect creates an edge from one node id to another.
func (b *GraphBuilder) Connect(from, to string) *GraphBuilder {
	b.edges = append(b.edges, graph.Edge{SourceNodeID: from, TargetNodeID: to})
	return b
}

// WithExecutionOptions sets graph-wide defaults.
func (b *GraphBuilder) WithExecutionOptions(opts graph.ExecutionOptions) *GraphBuilder {
	b.opts = opts
	return b
}

// Build assembles and validates the graph.
func (b *GraphBuilder) Build() (*graph.PipelineGraph, error) {
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("pipeline must have at least one node")
	}

	g := graph.New()
	g.ExecutionOptions = b.opts
	for _, def := range b.nodes {
		if err := g.AddNode(def); err != nil {
			return nil, fmt.Errorf("failed to add node %q: %w", def.ID, err)
		}
	}
	for _, e := range b.edges {
		g.AddEdge(e)
	}

	if err := graph.ValidateGraph(g); err != nil {
		return nil, fmt.Errorf("graph validation failed: %w", err)
	}
	return g, nil
}
