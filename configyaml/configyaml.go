// Package configyaml is the example PipelineFactory of spec.md §6: it
// unmarshals a pipeline's graph shape (nodes, edges, per-node execution
// options) from YAML and resolves each node's builder name against a
// caller-supplied registry of graph.NodeDefinition builders, since a wire
// format can name a
// node's plan but cannot carry a Go closure across the boundary.
//
// Grounded on alexisbeaulieu97-Streamy's internal/config/parser.go
// (os.ReadFile + yaml.Unmarshal + line-numbered parse errors) and
// internal/infrastructure/config/yaml_loader.go (load-then-validate,
// wrapping parse/validation failures in a single error type).
package configyaml

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/creastat/npipeline/graph"
)

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

// ParseError reports a YAML syntax failure, with the line number extracted
// from the underlying yaml.v3 error message when available.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NodeSpec is one node entry in the YAML document: the node's id, the name
// of the registry builder to call, plus raw options passed through to it.
type NodeSpec struct {
	ID      string         `yaml:"id"`
	Builder string         `yaml:"builder"`
	Options map[string]any `yaml:"options"`
}

// EdgeSpec is one edge entry.
type EdgeSpec struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Document is the top-level YAML shape: a named pipeline's nodes and edges.
type Document struct {
	Name  string     `yaml:"name"`
	Nodes []NodeSpec `yaml:"nodes"`
	Edges []EdgeSpec `yaml:"edges"`
}

// Builder constructs a graph.NodeDefinition from a YAML node's raw options.
type Builder func(id string, options map[string]any) (graph.NodeDefinition, error)

// Registry maps a YAML node's "builder" field to the Builder that knows how
// to construct it; callers register one entry per node kind their pipeline
// uses (e.g. "http.source", "json.transform").
type Registry map[string]Builder

// Load reads path, parses it as a Document, and resolves every node against
// registry into a graph.PipelineGraph, returning the same parse/validation
// error shapes ParseConfig/YAMLLoader.Load do in the teacher.
func Load(path string, registry Registry) (*graph.PipelineGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Path: path, Line: extractLine(err), Err: err}
	}

	g := graph.New()
	for _, spec := range doc.Nodes {
		build, ok := registry[spec.Builder]
		if !ok {
			return nil, fmt.Errorf("pipeline %q: node %q references unknown builder %q", doc.Name, spec.ID, spec.Builder)
		}
		def, err := build(spec.ID, spec.Options)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: building node %q: %w", doc.Name, spec.ID, err)
		}
		if err := g.AddNode(def); err != nil {
			return nil, fmt.Errorf("pipeline %q: adding node %q: %w", doc.Name, spec.ID, err)
		}
	}
	for _, e := range doc.Edges {
		g.AddEdge(graph.Edge{SourceNodeID: e.From, TargetNodeID: e.To})
	}

	if err := graph.ValidateGraph(g); err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", doc.Name, err)
	}
	return g, nil
}

func extractLine(err error) int {
	if err == nil {
		return 0
	}
	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}
	var line int
	if _, scanErr := fmt.Sscanf(matches[1], "%d", &line); scanErr != nil {
		return 0
	}
	return line
}
