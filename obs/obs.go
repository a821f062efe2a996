// Package obs implements the observability surface of spec.md §4.7: an
// execution-observer callback interface, a per-node auto-observability
// scope, and aggregate pipeline metrics. Structured logging is handled by
// internal/telemetry directly; a run's *PipelineContext carries a
// telemetry.Logger rather than a separate logger abstraction here.
//
// There is no single teacher file this generalizes structurally (the
// event-pipeline reports status purely via core.StatusEvent/core.ErrorEvent
// values flowing through the data channel itself); the signal vocabulary
// here is the natural typed-callback translation of that same
// status/error reporting idiom, renamed to the node-started/completed/
// retry/queue-drop/queue-metrics events spec.md §4.7 names.
package obs

import (
	"sync"
	"time"
)

// ExecutionObserver receives per-node lifecycle events. Any method left
// nil on an embedding implementation is simply never reachable; callers
// should use NopObserver as a base when only a few hooks are needed.
type ExecutionObserver interface {
	NodeStarted(nodeID, nodeKind string, startedAt time.Time)
	NodeCompleted(nodeID, nodeKind string, duration time.Duration, success bool, err error)
	NodeRetry(nodeID string, attempt int, lastErr error)
	QueueDrop(nodeID string, reason string)
	QueueMetrics(nodeID string, depth, capacity int)
}

// NopObserver implements ExecutionObserver with no-ops; embed it to
// override only the events a collector cares about.
type NopObserver struct{}

func (NopObserver) NodeStarted(string, string, time.Time)                 {}
func (NopObserver) NodeCompleted(string, string, time.Duration, bool, error) {}
func (NopObserver) NodeRetry(string, int, error)                          {}
func (NopObserver) QueueDrop(string, string)                              {}
func (NopObserver) QueueMetrics(string, int, int)                        {}

// AutoObservabilityScope is a per-node RAII-style scope: item counters
// increment as items flow, and End computes derived metrics (spec.md
// §4.7: "throughput = items/elapsed, avg ms/item").
type AutoObservabilityScope struct {
	NodeID    string
	NodeKind  string
	startedAt time.Time

	mu        sync.Mutex
	itemCount int64
	failed    bool
	lastErr   error
	ended     bool
	endedAt   time.Time
}

// NewAutoObservabilityScope starts a scope, recording the start time.
func NewAutoObservabilityScope(nodeID, nodeKind string) *AutoObservabilityScope {
	return &AutoObservabilityScope{NodeID: nodeID, NodeKind: nodeKind, startedAt: time.Now()}
}

// RecordItem increments the scope's item counter.
func (s *AutoObservabilityScope) RecordItem() {
	s.mu.Lock()
	s.itemCount++
	s.mu.Unlock()
}

// RecordFailure marks the scope as having observed a failure.
func (s *AutoObservabilityScope) RecordFailure(err error) {
	s.mu.Lock()
	s.failed = true
	s.lastErr = err
	s.mu.Unlock()
}

// End finalizes the scope and returns its derived metrics. Safe to call
// more than once; subsequent calls return the same snapshot.
func (s *AutoObservabilityScope) End() NodeMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		s.endedAt = time.Now()
	}
	elapsed := s.endedAt.Sub(s.startedAt)
	m := NodeMetrics{
		NodeID:      s.NodeID,
		NodeKind:    s.NodeKind,
		ItemCount:   s.itemCount,
		Duration:    elapsed,
		Success:     !s.failed,
		LastError:   s.lastErr,
	}
	if elapsed > 0 && s.itemCount > 0 {
		m.ThroughputPerSec = float64(s.itemCount) / elapsed.Seconds()
		m.AvgMillisPerItem = float64(elapsed.Milliseconds()) / float64(s.itemCount)
	}
	return m
}

// NodeMetrics is one node's contribution to PipelineMetrics.
type NodeMetrics struct {
	NodeID           string
	NodeKind         string
	ItemCount        int64
	Duration         time.Duration
	Success          bool
	LastError        error
	ThroughputPerSec float64
	AvgMillisPerItem float64
}

// PipelineMetrics aggregates every node's metrics for one run (spec.md
// §4.7).
type PipelineMetrics struct {
	Name                string
	RunID               string
	Start               time.Time
	End                 time.Time
	Duration            time.Duration
	Success             bool
	TotalItemsProcessed int64
	PerNode             map[string]NodeMetrics
}

// MetricsSink receives a finished run's aggregate metrics asynchronously
// (spec.md §4.7: "emit asynchronously to registered sinks").
type MetricsSink interface {
	Publish(m PipelineMetrics)
}

// MetricsSinkFunc adapts a function to MetricsSink.
type MetricsSinkFunc func(m PipelineMetrics)

func (f MetricsSinkFunc) Publish(m PipelineMetrics) { f(m) }
