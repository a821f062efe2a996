package configyaml

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/creastat/npipeline/graph"
	"github.com/creastat/npipeline/pipe"
)

func testRegistry() Registry {
	return Registry{
		"test.source": func(id string, _ map[string]any) (graph.NodeDefinition, error) {
			return graph.NodeDefinition{
				ID:   id,
				Kind: graph.Source,
				Plan: func(ctx context.Context) pipe.Pipe[any] {
					return pipe.Buffered[any](id, []any{1, 2, 3})
				},
			}, nil
		},
		"test.sink": func(id string, _ map[string]any) (graph.NodeDefinition, error) {
			return graph.NodeDefinition{
				ID:   id,
				Kind: graph.Sink,
				Plan: func(ctx context.Context, in pipe.Pipe[any]) error {
					for range in.Items(ctx) {
					}
					return in.Err()
				},
			}, nil
		},
	}
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadBuildsValidatedGraph(t *testing.T) {
	path := writeYAML(t, `
name: demo
nodes:
  - id: src
    builder: test.source
  - id: sink
    builder: test.sink
edges:
  - from: src
    to: sink
`)

	g, err := Load(path, testRegistry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Nodes()) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(g.Nodes()))
	}
}

func TestLoadRejectsUnknownBuilder(t *testing.T) {
	path := writeYAML(t, `
name: demo
nodes:
  - id: src
    builder: nonexistent.kind
`)

	if _, err := Load(path, testRegistry()); err == nil {
		t.Fatal("expected an error for an unregistered builder")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeYAML(t, "name: [unterminated")

	_, err := Load(path, testRegistry())
	if err == nil {
		t.Fatal("expected a parse error")
	}
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
}
