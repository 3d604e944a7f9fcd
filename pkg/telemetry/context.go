package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

// Telemetry bundles logging, tracing and metrics for one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config, opts ...TracerOption) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	opts = append([]TracerOption{WithResourceAttributes(cfg.ResourceAttributes)}, opts...)
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, opts...)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = errors.Join(tracer.Shutdown(context.Background()), logger.Close())
		return nil, err
	}

	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Config: cfg}, nil
}

// StartMetricsServer serves the metrics endpoint if one is configured.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(t.Logger.NewComponentLogger("metrics").Zerolog())
}

// Flush exports the spans still buffered.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// Shutdown stops the metrics server, flushes traces and closes the log
// file. Every component is shut down even when an earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Metrics.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// InstrumentedContext carries the root span and logger of one command.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartCommand opens the root span of a CLI command against workspace.
// Logger is tagged with the command, the workspace and, when sampled, the
// trace id.
func (t *Telemetry) StartCommand(ctx context.Context, command, workspace string) *InstrumentedContext {
	ctx, span := t.Tracer.StartCommandSpan(ctx, command, workspace)

	logger := t.Logger.NewComponentLogger(command).WithWorkspace(workspace)
	if id := TraceID(ctx); id != "" {
		logger = logger.WithField("trace_id", id)
	}

	return &InstrumentedContext{
		Ctx:    ctx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// EndRun ends a deploy command and tags the span with the ledger run. The
// returned logger carries the run id for follow-up messages.
func (ic *InstrumentedContext) EndRun(report *engine.DeployReport, err error) *Logger {
	log := ic.Logger.WithField("duration", ic.Timer.Duration().String())
	if report != nil {
		ic.Span.SetAttributes(AttrRunID.String(report.RunID), AttrRunStatus.String(string(report.Status)))
		log = log.WithRunID(report.RunID)
	}
	ic.End(err)
	return log
}

// End finishes the command span, tagging failures with the engine error
// class and code.
func (ic *InstrumentedContext) End(err error) {
	if err == nil {
		RecordSuccess(ic.Span)
		ic.Span.End()
		return
	}
	ic.Span.SetAttributes(AttrErrorClass.String(string(engine.ClassOf(err))))
	if code := engine.ErrorCode(err); code != "" {
		ic.Span.SetAttributes(AttrErrorCode.String(code))
	}
	RecordError(ic.Span, err)
	ic.Span.End()
}
