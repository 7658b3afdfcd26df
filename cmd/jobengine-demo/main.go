// Command jobengine-demo wires the engine's components together the
// way services/orchestrator/main.go wires a single service: structured
// logging, OTel tracing/metrics with a Prometheus bridge, an HTTP
// surface for health and job submission, a grpc health endpoint, and
// signal-driven graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/jobengine/breaker"
	"github.com/swarmguard/jobengine/dag"
	"github.com/swarmguard/jobengine/enginegrpc"
	"github.com/swarmguard/jobengine/enginelog"
	"github.com/swarmguard/jobengine/events"
	"github.com/swarmguard/jobengine/job"
	"github.com/swarmguard/jobengine/pool"
	"github.com/swarmguard/jobengine/queue"
	"github.com/swarmguard/jobengine/telemetry"
)

const serviceName = "jobengine-demo"

func main() {
	enginelog.Init(serviceName)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, serviceName)
	shutdownMetrics, promHandler, instruments := telemetry.InitMetrics(ctx, serviceName)

	sink := events.Multi{events.NewChannelSink(256)}

	meter := otel.GetMeterProvider().Meter(serviceName)
	transitions, _ := meter.Int64Counter("jobengine_demo_circuit_transitions_total")

	cb := breaker.New(breaker.Config{
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		WindowDuration:       10 * time.Second,
		OpenDuration:         2 * time.Second,
		HalfOpenMaxRequests:  2,
	}, sink, transitions)

	q, err := queue.New(queue.Config{
		Capacity:      1024,
		Policy:        queue.PolicyAdaptive,
		LowWatermark:  0.5,
		HighWatermark: 0.85,
		BlockTimeout:  time.Second,
	}, sink, &instruments)
	if err != nil {
		slog.Error("queue init failed", "error", err)
		return
	}

	p := pool.New(pool.Config{
		Name:    serviceName,
		Workers: 8,
		Stealing: pool.StealingConfig{
			Enabled:        true,
			VictimStrategy: pool.VictimAdaptive,
		},
		Policies: []pool.Policy{&pool.CircuitBreakerPolicy{Breaker: cb}},
	}, q, sink, &instruments)

	if err := p.Start(ctx); err != nil {
		slog.Error("pool start failed", "error", err)
		return
	}

	health, err := enginegrpc.New(":9095")
	if err != nil {
		slog.Error("health server init failed", "error", err)
		return
	}
	go health.PollProbers(ctx, 2*time.Second, map[string]enginegrpc.Prober{"pool": p})
	go func() {
		if err := health.Serve(ctx); err != nil {
			slog.Error("grpc health server error", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		j := job.NewBuilder(func() error {
			time.Sleep(10 * time.Millisecond)
			return nil
		}).Named(req.Name).Build()

		if err := p.Submit(r.Context(), j); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"job_id": j.ID})
	})
	mux.HandleFunc("/v1/dag/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		g := sampleGraph()
		if err := g.ExecuteAll(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		data, _ := g.ToJSON()
		_, _ = w.Write(data)
	})
	if promHandler != nil {
		mux.Handle("/metrics", promHandler)
	}

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	slog.Info("jobengine-demo started", "http_addr", ":8080", "grpc_health_addr", health.Addr())
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	_ = p.Stop()
	_ = srv.Shutdown(shutdownCtx)
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

// sampleGraph builds a tiny fetch -> transform -> publish DAG, the
// demo's analog of orchestrator/main.go's seeded "sample" workflow.
func sampleGraph() *dag.Graph {
	g := dag.New(dag.Config{ExecuteInParallel: true, MaxWorkers: 4, DetectCycles: true}, nil, nil)
	fetch := g.AddJob(dag.NewDagJob("fetch", func(*dag.RunContext) (any, error) {
		return 41, nil
	}))
	transform := g.AddJob(dag.NewDagJob("transform", func(ctx *dag.RunContext) (any, error) {
		return ctx.Results[fetch].(int) + 1, nil
	}))
	publish := g.AddJob(dag.NewDagJob("publish", func(ctx *dag.RunContext) (any, error) {
		return fmt.Sprintf("published:%d", ctx.Results[transform].(int)), nil
	}))
	_ = g.AddDependency(transform, fetch)
	_ = g.AddDependency(publish, transform)
	return g
}
