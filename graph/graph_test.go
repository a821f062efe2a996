package graph

import (
	"reflect"
	"testing"
)

func build(t *testing.T) *PipelineGraph {
	t.Helper()
	g := New()
	intType := reflect.TypeFor[int]()
	if err := g.AddNode(NodeDefinition{ID: "src", Kind: Source, OutputType: intType}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddNode(NodeDefinition{ID: "xform", Kind: Transform, InputType: intType, OutputType: intType}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddNode(NodeDefinition{ID: "sink", Kind: Sink, InputType: intType}); err != nil {
		t.Fatal(err)
	}
	g.AddEdge(Edge{SourceNodeID: "src", TargetNodeID: "xform"})
	g.AddEdge(Edge{SourceNodeID: "xform", TargetNodeID: "sink"})
	return g
}

func TestValidateGraphAcceptsValidDAG(t *testing.T) {
	g := build(t)
	if err := ValidateGraph(g); err != nil {
		t.Fatalf("expected valid graph, got %v", err)
	}
}

func TestTopologicalSortOrdersUpstreamBeforeDownstream(t *testing.T) {
	g := build(t)
	order, err := TopologicalSort(g)
	if err != nil {
		t.Fatal(err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["src"] >= pos["xform"] || pos["xform"] >= pos["sink"] {
		t.Fatalf("expected src < xform < sink, got order %v", order)
	}
}

func TestCycleIsRejected(t *testing.T) {
	g := New()
	g.AddNode(NodeDefinition{ID: "a", Kind: Transform})
	g.AddNode(NodeDefinition{ID: "b", Kind: Transform})
	g.AddEdge(Edge{SourceNodeID: "a", TargetNodeID: "b"})
	g.AddEdge(Edge{SourceNodeID: "b", TargetNodeID: "a"})

	if _, err := TopologicalSort(g); err == nil {
		t.Fatal("expected a cycle to be rejected")
	}
}

func TestDuplicateNodeIDIsRejected(t *testing.T) {
	g := New()
	if err := g.AddNode(NodeDefinition{ID: "a", Kind: Source}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddNode(NodeDefinition{ID: "a", Kind: Sink}); err == nil {
		t.Fatal("expected duplicate node id to be rejected")
	}
}

func TestEdgeToMissingNodeIsRejected(t *testing.T) {
	g := New()
	g.AddNode(NodeDefinition{ID: "a", Kind: Source})
	g.AddEdge(Edge{SourceNodeID: "a", TargetNodeID: "ghost"})

	if err := ValidateGraph(g); err == nil {
		t.Fatal("expected an edge to a nonexistent node to be rejected")
	}
}

func TestSourceWithInboundEdgeIsRejected(t *testing.T) {
	g := New()
	g.AddNode(NodeDefinition{ID: "a", Kind: Transform})
	g.AddNode(NodeDefinition{ID: "b", Kind: Source})
	g.AddEdge(Edge{SourceNodeID: "a", TargetNodeID: "b"})

	if err := ValidateGraph(g); err == nil {
		t.Fatal("expected a source with an inbound edge to be rejected")
	}
}

func TestSinkWithOutboundEdgeIsRejected(t *testing.T) {
	g := New()
	g.AddNode(NodeDefinition{ID: "a", Kind: Sink})
	g.AddNode(NodeDefinition{ID: "b", Kind: Transform})
	g.AddEdge(Edge{SourceNodeID: "a", TargetNodeID: "b"})

	if err := ValidateGraph(g); err == nil {
		t.Fatal("expected a sink with an outbound edge to be rejected")
	}
}

func TestIncompatibleTypesAreRejected(t *testing.T) {
	g := New()
	g.AddNode(NodeDefinition{ID: "a", Kind: Source, OutputType: reflect.TypeFor[string]()})
	g.AddNode(NodeDefinition{ID: "b", Kind: Sink, InputType: reflect.TypeFor[int]()})
	g.AddEdge(Edge{SourceNodeID: "a", TargetNodeID: "b"})

	if err := ValidateGraph(g); err == nil {
		t.Fatal("expected incompatible types to be rejected")
	}
}

func TestJoinNodeBypassesTypeFiltering(t *testing.T) {
	g := New()
	g.AddNode(NodeDefinition{ID: "a", Kind: Source, OutputType: reflect.TypeFor[string]()})
	g.AddNode(NodeDefinition{ID: "b", Kind: Source, OutputType: reflect.TypeFor[int]()})
	g.AddNode(NodeDefinition{ID: "j", Kind: Join})
	g.AddEdge(Edge{SourceNodeID: "a", TargetNodeID: "j"})
	g.AddEdge(Edge{SourceNodeID: "b", TargetNodeID: "j"})

	if err := ValidateGraph(g); err != nil {
		t.Fatalf("expected a join to accept heterogeneous input types, got %v", err)
	}
}
