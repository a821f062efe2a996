// Command npipeline-demo is an example server wiring every piece of the
// engine together end to end: it loads its configuration from the
// environment (internal/envconfig), serves a chi router exposing health,
// run-trigger, and WebSocket-observability endpoints (grounded on
// 2389-research-mammoth/web/server.go's buildRouter/ListenAndServe shape),
// persists run snapshots to SQLite (sqlitestate), and streams per-node
// lifecycle events and the final PipelineMetrics to any connected
// WebSocket client (obssink), all behind a pipeline graph built in-process
// by demoGraph; this command does not load graphs from YAML.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/creastat/npipeline/breaker"
	"github.com/creastat/npipeline/errctl"
	"github.com/creastat/npipeline/graph"
	"github.com/creastat/npipeline/internal/envconfig"
	"github.com/creastat/npipeline/internal/telemetry"
	"github.com/creastat/npipeline/npipeline"
	"github.com/creastat/npipeline/obs"
	"github.com/creastat/npipeline/obssink"
	"github.com/creastat/npipeline/sqlitestate"
	"github.com/creastat/npipeline/stages"
)

func main() {
	cfg, err := envconfig.Load(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	logger := telemetry.New(os.Stdout, cfg.LogLevel).WithModule("npipeline-demo")

	store, err := sqlitestate.Open(cfg.SqlitePath)
	if err != nil {
		logger.Error("open state store", telemetry.Err(err))
		os.Exit(1)
	}
	defer store.Close()

	srv := &server{cfg: cfg, logger: logger, store: store}
	router := srv.buildRouter()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	logger.Info("listening", telemetry.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("serve", telemetry.Err(err))
		os.Exit(1)
	}
}

type server struct {
	cfg    envconfig.Config
	logger telemetry.Logger
	store  *sqlitestate.Manager

	upgrader websocket.Upgrader
}

func (s *server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealth)
	r.Get("/run", s.handleRun)
	r.Get("/ws", s.handleWS)
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleRun executes one pipeline run synchronously and reports its
// aggregate metrics as JSON, logging and persisting along the way. It
// takes no observability WebSocket; use /ws to watch a run live.
func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := uuid.NewString()
	pctx := npipeline.NewPipelineContext(runID)
	pctx.Logger = s.logger.WithModule("run").WithFields(telemetry.String("run_id", runID))
	pctx.StateManager = s.store
	pctx.BreakerManager = breaker.NewManager(breaker.DefaultOptions(), breaker.MemoryOptions{})

	metrics, err := npipeline.NewPipeline(demoGraph(pctx.Logger)).Execute(r.Context(), pctx)
	if err != nil {
		s.logger.Error("run failed", telemetry.Err(err), telemetry.String("run_id", runID))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"runId":%q,"success":%v,"totalItems":%d,"durationMs":%d}`,
		runID, metrics.Success, metrics.TotalItemsProcessed, metrics.Duration.Milliseconds())
}

// handleWS upgrades to a WebSocket connection, runs the demo pipeline once
// with an obssink.Sink wired as both ExecutionObserver and MetricsSink, so
// the client watches every node's lifecycle live.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade", telemetry.Err(err))
		return
	}
	defer conn.Close()

	runID := uuid.NewString()
	sink := obssink.New(conn, runID, s.logger)

	pctx := npipeline.NewPipelineContext(runID)
	pctx.Logger = s.logger.WithModule("run").WithFields(telemetry.String("run_id", runID))
	pctx.StateManager = s.store
	pctx.Observer = sink
	pctx.MetricsSinks = []obs.MetricsSink{sink}
	pctx.BreakerManager = breaker.NewManager(breaker.DefaultOptions(), breaker.MemoryOptions{})

	if _, err := npipeline.NewPipeline(demoGraph(pctx.Logger)).Execute(r.Context(), pctx); err != nil {
		s.logger.Error("run failed", telemetry.Err(err), telemetry.String("run_id", runID))
	}
}

// demoGraph builds a small three-node pipeline out of the generic example
// nodes in the stages package: a source emitting random integers, a
// transform that fails its first two attempts per item before squaring it
// (demonstrating the Resilient strategy's per-item retry), and a sink that
// collects the results — enough to exercise the full scheduler/merge/
// branch/observability path without depending on any external service.
func demoGraph(logger telemetry.Logger) *graph.PipelineGraph {
	values := make([]int, 10)
	for i := range values {
		values[i] = rand.Intn(100)
	}

	src := stages.NewSequenceSource("numbers", npipeline.NodeOptions{}, stages.SequenceSourceConfig{
		Values: values,
		Logger: logger,
	})

	square := stages.NewFlakyTransform[int, int]("square", npipeline.NodeOptions{
		Strategy: npipeline.StrategyResilient,
		Retry:    errctl.RetryOptions{MaxNodeRestartAttempts: 3},
	}, stages.FlakyTransformConfig[int, int]{
		FailuresBeforeSuccess: 2,
		Apply: func(ctx context.Context, item int) (int, error) {
			return item * item, nil
		},
		Logger: logger,
	})

	sinkDef, _ := stages.NewCollectingSink[int]("log", npipeline.NodeOptions{}, stages.CollectingSinkConfig[int]{Logger: logger})

	g, err := npipeline.NewGraphBuilder().
		AddNode(src).AddNode(square).AddNode(sinkDef).
		Connect("numbers", "square").Connect("square", "log").
		Build()
	if err != nil {
		panic(fmt.Sprintf("demo graph failed to build: %v", err))
	}
	return g
}
