package obssink

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/creastat/npipeline/internal/telemetry"
	"github.com/creastat/npipeline/obs"
)

func newTestPair(t *testing.T) (*Sink, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConnCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-serverConnCh
	t.Cleanup(func() { serverConn.Close() })

	return New(serverConn, "run-1", telemetry.Nop()), clientConn
}

func TestNodeCompletedSendsEnvelope(t *testing.T) {
	sink, clientConn := newTestPair(t)

	sink.NodeCompleted("xf", "transform", 5*time.Millisecond, true, nil)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != EventNodeCompleted || env.RunID != "run-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestPublishSendsRunMetrics(t *testing.T) {
	sink, clientConn := newTestPair(t)

	sink.Publish(obs.PipelineMetrics{
		Success:             true,
		TotalItemsProcessed: 3,
		PerNode:             map[string]obs.NodeMetrics{"xf": {ItemCount: 3, Success: true}},
	})

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != EventRunMetrics {
		t.Fatalf("expected %s, got %s", EventRunMetrics, env.Type)
	}
}

func TestSendAfterWriteFailureIsANoop(t *testing.T) {
	sink, clientConn := newTestPair(t)
	clientConn.Close()

	sink.NodeStarted("src", "source", time.Now())
	time.Sleep(50 * time.Millisecond)
	sink.NodeStarted("src", "source", time.Now())
}
