package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

var _ engine.Metrics = (*Metrics)(nil)

// Metrics provides Prometheus metrics for deployment runs. A disabled
// Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Artifact metrics
	artifacts        *prometheus.CounterVec
	artifactDuration *prometheus.HistogramVec
	deletions        *prometheus.CounterVec

	// Remote API metrics
	remoteCalls        *prometheus.CounterVec
	remoteCallDuration *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	pollIterations     *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of deployment runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of deployment runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		artifacts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_total",
				Help:      "Total number of artifact upserts",
			},
			[]string{"type", "action", "status"},
		),
		artifactDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "artifact_duration_seconds",
				Help:      "Duration of artifact upserts in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "action"},
		),
		deletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deletions_total",
				Help:      "Total number of artifacts deleted from workspaces",
			},
			[]string{"status"},
		),

		remoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Total number of platform API calls",
			},
			[]string{"operation", "status"},
		),
		remoteCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_call_duration_seconds",
				Help:      "Duration of platform API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retried remote operations",
			},
			[]string{"operation", "class"},
		),
		pollIterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_iterations_total",
				Help:      "Total number of long-running operation polls",
			},
			[]string{"operation", "status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.artifacts,
		m.artifactDuration,
		m.deletions,
		m.remoteCalls,
		m.remoteCallDuration,
		m.retries,
		m.pollIterations,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Enabled reports whether measurements are recorded.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// Registry returns the private registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRun records a finished run with its status and duration.
func (m *Metrics) RecordRun(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRemoteCall records one platform API request.
func (m *Metrics) RecordRemoteCall(operation, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.remoteCalls.WithLabelValues(operation, status).Inc()
	m.remoteCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRetry records a retried attempt and the class of error that caused it.
func (m *Metrics) RecordRetry(operation string, class engine.ErrorClass) {
	if m.registry == nil {
		return
	}
	m.retries.WithLabelValues(operation, string(class)).Inc()
}

// RecordPollIteration records one poll of a long-running operation.
func (m *Metrics) RecordPollIteration(operation string, status engine.OperationStatus) {
	if m.registry == nil {
		return
	}
	m.pollIterations.WithLabelValues(operation, string(status)).Inc()
}

// RecordArtifact records an artifact upsert.
func (m *Metrics) RecordArtifact(artifactType, action, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.artifacts.WithLabelValues(artifactType, action, status).Inc()
	m.artifactDuration.WithLabelValues(artifactType, action).Observe(duration.Seconds())
}

// RecordDeletion adds count deletions with the given status.
func (m *Metrics) RecordDeletion(status string, count int) {
	if m.registry == nil || count <= 0 {
		return
	}
	m.deletions.WithLabelValues(status).Add(float64(count))
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.registry == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer binds the listen address and serves the metrics path
// in the background. It is a no-op when metrics are disabled or no address
// is configured.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil {
		return fmt.Errorf("metrics server already started")
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	listener, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddress, err)
	}

	m.listener = listener
	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	server := m.server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	logger.Info().Str("address", listener.Addr().String()).Str("path", path).Msg("serving metrics")
	return nil
}

// Addr returns the bound metrics address, or "" when not serving.
func (m *Metrics) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Shutdown stops the metrics server if it is running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	server := m.server
	m.server, m.listener = nil, nil
	m.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
