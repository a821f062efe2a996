// Package graph implements the graph model and topological scheduler of
// spec.md §3/§4.1: node definitions, edges, the pipeline graph, validation
// passes, and Kahn's-algorithm topological sort.
//
// This generalizes the teacher's PipelineGraph/graphNode/graphEdge
// (graph.go) from a graph of fixed core.Stage values wired by name to a
// graph of generic NodeDefinitions wired by declared Kind/InputType/
// OutputType, and generalizes validation.go's detectCycles/
// checkReachability/validateTypeCompatibility passes into ValidateGraph,
// adding the node-id-uniqueness and edge-endpoint-existence passes the
// teacher's name-keyed map made implicit.
package graph

import (
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
)

// Kind is the tagged variant a NodeDefinition belongs to (spec.md §3).
type Kind string

const (
	Source    Kind = "source"
	Transform Kind = "transform"
	Join      Kind = "join"
	Aggregate Kind = "aggregate"
	Sink      Kind = "sink"
)

// NodeDefinition describes one node in a PipelineGraph. Plan is an opaque
// handle to the concrete execution plan (npipeline.Plan's per-node
// delegate); graph never imports the root package, avoiding a cycle.
type NodeDefinition struct {
	ID                   string `validate:"required"`
	Kind                 Kind   `validate:"required,oneof=source transform join aggregate sink"`
	InputType            reflect.Type
	OutputType           reflect.Type
	ExecutionStrategyRef string
	ErrorHandlerTypeRef  string
	MergeStrategyKind    string
	Annotations          map[string]any
	Plan                 any
}

// Edge connects two node ids. A graph may have multiple edges sharing a
// source (fan-out) or a target (fan-in).
type Edge struct {
	SourceNodeID string `validate:"required"`
	TargetNodeID string `validate:"required"`
}

// ExecutionOptions carries graph-wide defaults (spec.md §3:
// "PipelineGraph.ExecutionOptions").
type ExecutionOptions struct {
	NodeExecutionAnnotations map[string]any
	CircuitBreakerOptions    any
	MemoryOptions            any
}

// PipelineGraph is the compiled, validated topology.
type PipelineGraph struct {
	nodes            map[string]*NodeDefinition
	order            []string // insertion order, for deterministic iteration
	edges            []Edge
	outEdges         map[string][]Edge
	inEdges          map[string][]Edge
	ExecutionOptions ExecutionOptions
}

// New creates an empty graph.
func New() *PipelineGraph {
	return &PipelineGraph{
		nodes:    make(map[string]*NodeDefinition),
		outEdges: make(map[string][]Edge),
		inEdges:  make(map[string][]Edge),
	}
}

var validate = validator.New()

// AddNode registers a node, validating its struct tags.
func (g *PipelineGraph) AddNode(def NodeDefinition) error {
	if err := validate.Struct(def); err != nil {
		return &ValidationError{Message: "invalid node definition", Details: err.Error()}
	}
	if _, exists := g.nodes[def.ID]; exists {
		return &ValidationError{Message: "graph validation failed", Details: fmt.Sprintf("node id %q already exists", def.ID)}
	}
	g.nodes[def.ID] = &def
	g.order = append(g.order, def.ID)
	return nil
}

// AddEdge registers a directed edge. Endpoint existence is checked by
// ValidateGraph, not here, so graphs can be built incrementally.
func (g *PipelineGraph) AddEdge(e Edge) {
	g.edges = append(g.edges, e)
	g.outEdges[e.SourceNodeID] = append(g.outEdges[e.SourceNodeID], e)
	g.inEdges[e.TargetNodeID] = append(g.inEdges[e.TargetNodeID], e)
}

// Node looks up a node definition by id.
func (g *PipelineGraph) Node(id string) (*NodeDefinition, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node definition in insertion order.
func (g *PipelineGraph) Nodes() []*NodeDefinition {
	out := make([]*NodeDefinition, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edges returns every edge.
func (g *PipelineGraph) Edges() []Edge { return g.edges }

// InEdges returns the edges whose target is nodeID (its upstream fan-in
// set), in the order they were added.
func (g *PipelineGraph) InEdges(nodeID string) []Edge { return g.inEdges[nodeID] }

// OutEdges returns the edges whose source is nodeID (its downstream
// fan-out set), in the order they were added.
func (g *PipelineGraph) OutEdges(nodeID string) []Edge { return g.outEdges[nodeID] }

// ValidationError represents a graph-construction or validation failure.
// It is a spec.md §7 "Configuration error": fatal at setup.
type ValidationError struct {
	Message string
	Details string
}

func (e *ValidationError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// ValidateGraph runs every structural and type-compatibility pass spec.md
// requires before a graph may be executed.
func ValidateGraph(g *PipelineGraph) error {
	if err := validateEndpoints(g); err != nil {
		return err
	}
	if err := validateSourceSinkShape(g); err != nil {
		return err
	}
	if _, err := TopologicalSort(g); err != nil {
		return err
	}
	if err := validateTypeCompatibility(g); err != nil {
		return err
	}
	return nil
}

func validateEndpoints(g *PipelineGraph) error {
	for _, e := range g.edges {
		if _, ok := g.nodes[e.SourceNodeID]; !ok {
			return &ValidationError{Message: "graph validation failed", Details: fmt.Sprintf("edge source %q does not exist", e.SourceNodeID)}
		}
		if _, ok := g.nodes[e.TargetNodeID]; !ok {
			return &ValidationError{Message: "graph validation failed", Details: fmt.Sprintf("edge target %q does not exist", e.TargetNodeID)}
		}
	}
	return nil
}

// validateSourceSinkShape enforces "a Source has no inbound edges; a Sink
// has no outbound edges" (spec.md §3 invariants).
func validateSourceSinkShape(g *PipelineGraph) error {
	for _, n := range g.Nodes() {
		switch n.Kind {
		case Source:
			if len(g.inEdges[n.ID]) > 0 {
				return &ValidationError{Message: "graph validation failed", Details: fmt.Sprintf("source node %q has inbound edges", n.ID)}
			}
		case Sink:
			if len(g.outEdges[n.ID]) > 0 {
				return &ValidationError{Message: "graph validation failed", Details: fmt.Sprintf("sink node %q has outbound edges", n.ID)}
			}
		}
	}
	return nil
}

// validateTypeCompatibility checks that a target's InputType is assignable
// from every source's OutputType along an edge, except Join targets which
// bypass the check (spec.md §4.2: "Join nodes pass all inputs through an
// erased Pipe... without type filtering").
func validateTypeCompatibility(g *PipelineGraph) error {
	for _, e := range g.edges {
		target := g.nodes[e.TargetNodeID]
		if target.Kind == Join {
			continue
		}
		source := g.nodes[e.SourceNodeID]
		if source.OutputType == nil || target.InputType == nil {
			continue
		}
		if !source.OutputType.AssignableTo(target.InputType) {
			return &ValidationError{
				Message: "graph validation failed",
				Details: fmt.Sprintf("edge %s -> %s: output type %s is not assignable to input type %s", e.SourceNodeID, e.TargetNodeID, source.OutputType, target.InputType),
			}
		}
	}
	return nil
}

// TopologicalSort orders node ids via Kahn's algorithm. A cycle yields a
// *ValidationError (spec.md §3: "the graph is acyclic (validated by
// topological sort)").
func TopologicalSort(g *PipelineGraph) ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, e := range g.edges {
		indegree[e.TargetNodeID]++
	}

	queue := make([]string, 0)
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, e := range g.outEdges[id] {
			indegree[e.TargetNodeID]--
			if indegree[e.TargetNodeID] == 0 {
				queue = append(queue, e.TargetNodeID)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, &ValidationError{Message: "graph validation failed", Details: "cycle detected in pipeline graph"}
	}
	return order, nil
}
