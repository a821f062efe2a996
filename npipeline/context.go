// Package npipeline is the pipeline runner: it binds a validated
// graph.PipelineGraph to instantiated node plans, topologically schedules
// them, wires merge/branch/strategy/error-handling around each node, and
// collects sink completions into a single run result.
//
// PipelineContext generalizes the reserved-key "shared dictionary" pattern
// spec.md §6/§9 calls for: a typed struct for the fields every run needs
// (logger/observer/state manager/breaker manager), plus a sync.Map side-channel for
// the remaining per-node keys (§6's NodeRetryOptions(nodeId),
// BranchMetricsForNode(nodeId), etc.), matching §9's "a structured per-run
// record plus a typed side-channel map for pluggable extensions".
package npipeline

import (
	"context"
	"sync"
	"time"

	"github.com/creastat/npipeline/breaker"
	"github.com/creastat/npipeline/errctl"
	"github.com/creastat/npipeline/internal/telemetry"
	"github.com/creastat/npipeline/obs"
	"github.com/creastat/npipeline/pipe"
	"github.com/creastat/npipeline/retrydelay"
)

// PipelineContext is the per-run shared state threaded through every node's
// execution. It is append-mostly: keys are written once at setup or via
// coordinated per-nodeId writes (spec.md §5).
type PipelineContext struct {
	RunID            string
	StartTimeUTC     time.Time
	ParallelExecution bool

	Logger            telemetry.Logger
	Observer          obs.ExecutionObserver
	StateManager      StateManager
	BreakerManager    *breaker.Manager
	DefaultRetryDelay retrydelay.Strategy
	MetricsSinks      []obs.MetricsSink

	TotalProcessedItems pipe.StatsCounter

	items sync.Map

	mu                 sync.Mutex
	lastRetryExhausted error
}

// NewPipelineContext constructs a context for one run.
func NewPipelineContext(runID string) *PipelineContext {
	return &PipelineContext{
		RunID:        runID,
		StartTimeUTC: time.Now(),
		Logger:       telemetry.Nop(),
		Observer:     obs.NopObserver{},
	}
}

// reserved key constructors, mirroring spec.md §6's enumerated key list.

func nodeRetryOptionsKey(nodeID string) string      { return "NodeRetryOptions::" + nodeID }
func circuitBreakerOptionsKey(nodeID string) string { return "CircuitBreakerOptions::" + nodeID }
func branchOptionsKey(nodeID string) string         { return "BranchOptionsForNode::" + nodeID }
func mergeCapacityKey(nodeID string) string         { return "MergeCapacityForNode::" + nodeID }
func branchMetricsKey(nodeID string) string         { return "BranchMetrics::" + nodeID }
func observabilityScopeKey(nodeID string) string    { return "NodeObservabilityScope::" + nodeID }

// SetNodeRetryOptions stores a per-node retry override, consulted before
// the pipeline-global default (spec.md §4.5 step 1).
func (c *PipelineContext) SetNodeRetryOptions(nodeID string, opts errctl.RetryOptions) {
	c.items.Store(nodeRetryOptionsKey(nodeID), opts)
}

// NodeRetryOptions returns the per-node retry override, if any.
func (c *PipelineContext) NodeRetryOptions(nodeID string) (errctl.RetryOptions, bool) {
	v, ok := c.items.Load(nodeRetryOptionsKey(nodeID))
	if !ok {
		return errctl.RetryOptions{}, false
	}
	return v.(errctl.RetryOptions), true
}

// SetCircuitBreakerOptions stores a per-node breaker override.
func (c *PipelineContext) SetCircuitBreakerOptions(nodeID string, opts breaker.Options) {
	c.items.Store(circuitBreakerOptionsKey(nodeID), opts)
}

// CircuitBreakerOptions returns the per-node breaker override, if any.
func (c *PipelineContext) CircuitBreakerOptions(nodeID string) (breaker.Options, bool) {
	v, ok := c.items.Load(circuitBreakerOptionsKey(nodeID))
	if !ok {
		return breaker.Options{}, false
	}
	return v.(breaker.Options), true
}

// SetBranchOptions stores a per-node multicast override.
func (c *PipelineContext) SetBranchOptions(nodeID string, opts BranchOptions) {
	c.items.Store(branchOptionsKey(nodeID), opts)
}

// BranchOptionsForNode returns the per-node multicast override, if any.
func (c *PipelineContext) BranchOptionsForNode(nodeID string) (BranchOptions, bool) {
	v, ok := c.items.Load(branchOptionsKey(nodeID))
	if !ok {
		return BranchOptions{}, false
	}
	return v.(BranchOptions), true
}

// SetMergeCapacity stores a per-node merge-queue capacity override.
func (c *PipelineContext) SetMergeCapacity(nodeID string, capacity int) {
	c.items.Store(mergeCapacityKey(nodeID), capacity)
}

// MergeCapacityForNode returns the per-node merge-queue capacity, if set.
func (c *PipelineContext) MergeCapacityForNode(nodeID string) (int, bool) {
	v, ok := c.items.Load(mergeCapacityKey(nodeID))
	if !ok {
		return 0, false
	}
	return v.(int), true
}

// recordBranchMetrics stores the latest BranchMetrics snapshot for a node.
func (c *PipelineContext) recordBranchMetrics(nodeID string, snapshot any) {
	c.items.Store(branchMetricsKey(nodeID), snapshot)
}

// BranchMetricsForNode returns the branch-metrics snapshot for a node,
// recorded once its subscriber pipes have drained. The runner records one
// for every non-Sink node whose plan produced an output pipe, including
// nodes with a single outgoing edge.
func (c *PipelineContext) BranchMetricsForNode(nodeID string) (any, bool) {
	return c.items.Load(branchMetricsKey(nodeID))
}

// recordObservabilityScope stores a node's running scope so downstream
// strategies can read/update it without holding a reference (spec.md §9:
// "break [the cycle] by having strategies read the scope via a key in
// context").
func (c *PipelineContext) recordObservabilityScope(nodeID string, scope *obs.AutoObservabilityScope) {
	c.items.Store(observabilityScopeKey(nodeID), scope)
}

// NodeObservabilityScope returns the running scope for a node, if any.
func (c *PipelineContext) NodeObservabilityScope(nodeID string) (*obs.AutoObservabilityScope, bool) {
	v, ok := c.items.Load(observabilityScopeKey(nodeID))
	if !ok {
		return nil, false
	}
	return v.(*obs.AutoObservabilityScope), true
}

// SetLastRetryExhausted records the most recent RetryExhausted failure
// seen by any node this run (spec.md §6: "LastRetryExhaustedException").
func (c *PipelineContext) SetLastRetryExhausted(err error) {
	c.mu.Lock()
	c.lastRetryExhausted = err
	c.mu.Unlock()
}

// LastRetryExhausted returns the most recently recorded RetryExhausted
// failure, if any.
func (c *PipelineContext) LastRetryExhausted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRetryExhausted
}

// StateManager is the optional persistence hook, invoked after each
// successful node (spec.md §6: "StateManager.createSnapshot(ctx, cancel)
// — invoked after each successful node; failures logged, never fatal").
type StateManager interface {
	CreateSnapshot(ctx context.Context, pctx *PipelineContext) error
}

// BranchOptions configures a node's branching multicast; re-exported here
// (rather than importing branch.Options at every call site) so context
// accessors and NodeOptions share one vocabulary.
type BranchOptions struct {
	PerSubscriberBufferCapacity int
}
