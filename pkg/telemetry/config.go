package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Config is the telemetry setup of one wsdeploy process.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Environment is the deployment_env the run targets.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig

	// ResourceAttributes are added to every exported span.
	ResourceAttributes map[string]string
}

// LoggingConfig selects where and how log lines are written.
type LoggingConfig struct {
	Level  string
	Format string // console or json
	// Output is stderr, stdout or a file path opened for append.
	Output string
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Enabled  bool
	Exporter string // otlp, stdout or none
	// Endpoint is the OTLP gRPC collector, host:port.
	Endpoint     string
	Insecure     bool
	Headers      map[string]string
	SamplingRate float64

	MaxExportBatchSize int
	ExportTimeout      time.Duration
}

// MetricsConfig selects the Prometheus registry and its endpoint.
type MetricsConfig struct {
	Enabled bool
	// ListenAddress serves Path when set; empty records without serving.
	ListenAddress string
	Path          string
	Namespace     string
	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64
}

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	spanExporters = []string{"otlp", "stdout", "none"}
)

// DefaultConfig logs info to stderr in console form, with tracing and
// metrics off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "wsdeploy",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging:        LoggingConfig{Level: "info", Format: "console", Output: "stderr"},
		Tracing: TracingConfig{
			Exporter:           "none",
			Insecure:           true,
			Headers:            map[string]string{},
			SamplingRate:       1,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Path:      "/metrics",
			Namespace: "wsdeploy",
			// Remote operations and polls run for seconds to minutes.
			DefaultHistogramBuckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		ResourceAttributes: map[string]string{},
	}
}

// Validate reports every problem of the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" || c.ServiceVersion == "" {
		errs = append(errs, errors.New("service name and version are required"))
	}
	if !slices.Contains(logLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("log level %q is not one of %v", c.Logging.Level, logLevels))
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("log format %q is not one of %v", c.Logging.Format, logFormats))
	}
	if c.Tracing.Enabled {
		switch {
		case !slices.Contains(spanExporters, c.Tracing.Exporter):
			errs = append(errs, fmt.Errorf("trace exporter %q is not one of %v", c.Tracing.Exporter, spanExporters))
		case c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "":
			errs = append(errs, errors.New("otlp exporter requires an endpoint"))
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate %v is outside [0, 1]", c.Tracing.SamplingRate))
	}
	return errors.Join(errs...)
}
