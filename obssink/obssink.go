// Package obssink is an example obs.ExecutionObserver/obs.MetricsSink that
// streams a run's lifecycle events and final metrics to a WebSocket client
// as JSON envelopes, one message type per event kind.
//
// Grounded on stages/websocket_sink.go's event-to-JSON-message sink: the
// same typed envelope idiom (protocol.OutputMessage's Type/Payload/
// Timestamp shape) and the same graceful-degradation rule — a write
// failure marks the connection dead and every subsequent event is
// dropped rather than failing the run.
package obssink

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/creastat/npipeline/internal/telemetry"
	"github.com/creastat/npipeline/obs"
)

// EventType tags the kind of envelope carried over the socket.
type EventType string

const (
	EventNodeStarted   EventType = "node.started"
	EventNodeCompleted EventType = "node.completed"
	EventNodeRetry     EventType = "node.retry"
	EventQueueDrop     EventType = "queue.drop"
	EventQueueMetrics  EventType = "queue.metrics"
	EventRunMetrics    EventType = "run.metrics"
)

// Envelope is the wire message sent for every event.
type Envelope struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"runId"`
	Timestamp int64     `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Sink streams obs events for one run over a WebSocket connection. It
// implements both obs.ExecutionObserver and obs.MetricsSink.
type Sink struct {
	conn   *websocket.Conn
	runID  string
	logger telemetry.Logger

	mu   sync.Mutex
	dead bool
}

// New wraps an already-established WebSocket connection.
func New(conn *websocket.Conn, runID string, logger telemetry.Logger) *Sink {
	return &Sink{conn: conn, runID: runID, logger: logger}
}

func (s *Sink) send(t EventType, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return
	}

	env := Envelope{Type: t, RunID: s.runID, Timestamp: time.Now().UnixMilli(), Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("marshal observability envelope", telemetry.Err(err), telemetry.String("type", string(t)))
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Error("write observability envelope", telemetry.Err(err), telemetry.String("type", string(t)))
		s.dead = true
	}
}

type nodeStartedPayload struct {
	NodeID    string    `json:"nodeId"`
	NodeKind  string    `json:"nodeKind"`
	StartedAt time.Time `json:"startedAt"`
}

func (s *Sink) NodeStarted(nodeID, nodeKind string, startedAt time.Time) {
	s.send(EventNodeStarted, nodeStartedPayload{NodeID: nodeID, NodeKind: nodeKind, StartedAt: startedAt})
}

type nodeCompletedPayload struct {
	NodeID     string `json:"nodeId"`
	NodeKind   string `json:"nodeKind"`
	DurationMs int64  `json:"durationMs"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

func (s *Sink) NodeCompleted(nodeID, nodeKind string, duration time.Duration, success bool, err error) {
	p := nodeCompletedPayload{NodeID: nodeID, NodeKind: nodeKind, DurationMs: duration.Milliseconds(), Success: success}
	if err != nil {
		p.Error = err.Error()
	}
	s.send(EventNodeCompleted, p)
}

type nodeRetryPayload struct {
	NodeID  string `json:"nodeId"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

func (s *Sink) NodeRetry(nodeID string, attempt int, lastErr error) {
	p := nodeRetryPayload{NodeID: nodeID, Attempt: attempt}
	if lastErr != nil {
		p.Error = lastErr.Error()
	}
	s.send(EventNodeRetry, p)
}

type queueDropPayload struct {
	NodeID string `json:"nodeId"`
	Reason string `json:"reason"`
}

func (s *Sink) QueueDrop(nodeID string, reason string) {
	s.send(EventQueueDrop, queueDropPayload{NodeID: nodeID, Reason: reason})
}

type queueMetricsPayload struct {
	NodeID   string `json:"nodeId"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

func (s *Sink) QueueMetrics(nodeID string, depth, capacity int) {
	s.send(EventQueueMetrics, queueMetricsPayload{NodeID: nodeID, Depth: depth, Capacity: capacity})
}

type runMetricsPayload struct {
	Success             bool                      `json:"success"`
	TotalItemsProcessed int64                     `json:"totalItemsProcessed"`
	DurationMs          int64                     `json:"durationMs"`
	PerNode             map[string]nodeSummary    `json:"perNode"`
}

type nodeSummary struct {
	ItemCount        int64   `json:"itemCount"`
	Success          bool    `json:"success"`
	ThroughputPerSec float64 `json:"throughputPerSec"`
}

// Publish implements obs.MetricsSink, sent once a run completes.
func (s *Sink) Publish(m obs.PipelineMetrics) {
	perNode := make(map[string]nodeSummary, len(m.PerNode))
	for id, nm := range m.PerNode {
		perNode[id] = nodeSummary{ItemCount: nm.ItemCount, Success: nm.Success, ThroughputPerSec: nm.ThroughputPerSec}
	}
	s.send(EventRunMetrics, runMetricsPayload{
		Success:             m.Success,
		TotalItemsProcessed: m.TotalItemsProcessed,
		DurationMs:          m.Duration.Milliseconds(),
		PerNode:             perNode,
	})
}
