package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Instruments holds the cross-component counters/histograms shared by
// the engine packages that take an *Instruments at construction time
// (queue, pool).
type Instruments struct {
	JobsSubmitted      metric.Int64Counter
	JobsRejected       metric.Int64Counter
	JobsCompleted      metric.Int64Counter
	JobsFailed          metric.Int64Counter
	RetryAttempts       metric.Int64Counter
	CircuitTransitions  metric.Int64Counter
	StealAttempts       metric.Int64Counter
	StealSuccesses      metric.Int64Counter
	QueueDepth          metric.Int64Gauge
	JobDuration         metric.Float64Histogram
}

// NewInstruments registers the common instrument set against meter.
// queue.New and pool.New take the resulting *Instruments, breaker.New
// takes a single metric.Int64Counter for its transitions, and dag.New
// takes no metric instruments; InitMetrics builds the set from the
// global meter provider.
func NewInstruments(meter metric.Meter) Instruments {
	jobsSubmitted, _ := meter.Int64Counter("jobengine_jobs_submitted_total")
	jobsRejected, _ := meter.Int64Counter("jobengine_jobs_rejected_total")
	jobsCompleted, _ := meter.Int64Counter("jobengine_jobs_completed_total")
	jobsFailed, _ := meter.Int64Counter("jobengine_jobs_failed_total")
	retryAttempts, _ := meter.Int64Counter("jobengine_retry_attempts_total")
	circuitTransitions, _ := meter.Int64Counter("jobengine_circuit_transitions_total")
	stealAttempts, _ := meter.Int64Counter("jobengine_steal_attempts_total")
	stealSuccesses, _ := meter.Int64Counter("jobengine_steal_successes_total")
	queueDepth, _ := meter.Int64Gauge("jobengine_queue_depth")
	jobDuration, _ := meter.Float64Histogram("jobengine_job_duration_seconds")

	return Instruments{
		JobsSubmitted:      jobsSubmitted,
		JobsRejected:       jobsRejected,
		JobsCompleted:      jobsCompleted,
		JobsFailed:         jobsFailed,
		RetryAttempts:      retryAttempts,
		CircuitTransitions: circuitTransitions,
		StealAttempts:      stealAttempts,
		StealSuccesses:     stealSuccesses,
		QueueDepth:         queueDepth,
		JobDuration:        jobDuration,
	}
}

// InitMetrics sets up a global OTLP push exporter and, unlike the
// teacher's otelinit.InitMetrics (whose promHandler return is always
// nil, leaving main.go's "/metrics" mount dead), also returns a live
// http.Handler backed by a Prometheus bridge reader so a pull-based
// scrape path works too. Both readers observe the same meter provider.
func InitMetrics(ctx context.Context, component string) (shutdown func(context.Context) error, promHandler http.Handler, instruments Instruments) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(component),
		attribute.String("component", component),
	))

	promExporter, err := prometheus.New()
	if err != nil {
		slog.Warn("prometheus bridge init failed", "error", err)
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(initCtx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if promExporter != nil {
		opts = append(opts, sdkmetric.WithReader(promExporter))
	}
	if err == nil {
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))))
	} else {
		slog.Warn("otlp metrics exporter init failed, continuing with prometheus only", "error", err)
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)

	instruments = NewInstruments(otel.GetMeterProvider().Meter("jobengine"))
	return mp.Shutdown, promHTTPHandler(), instruments
}
