// Package telemetry provides logging, tracing and metrics for wsdeploy.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Telemetry value that
// the CLI builds at startup and shuts down on exit.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
// # Structured Logging
//
// Logger wraps zerolog with component loggers and the fields deployment
// logs share: workspace and run_id. Engine components take the plain
// zerolog.Logger returned by Logger.Zerolog.
//
//	logger := tel.Logger.NewComponentLogger("deployer").WithWorkspace("sales-dev")
//	logger.Zerolog().Info().Msg("deploying")
//
// # Distributed Tracing
//
// NewTracer installs a global tracer provider when tracing is enabled, so
// the spans the engine opens with otel.Tracer (deploy, reconcile,
// upsert_artifact, poll_operation) and the HTTP client spans of the
// platform transport share one trace per command. Exporters: otlp (gRPC)
// and stdout; "none" samples without exporting.
//
// # Metrics
//
// Metrics implements engine.Metrics on a private registry:
//
//	runs_completed_total{status}            run_duration_seconds{status}
//	artifacts_total{type,action,status}     artifact_duration_seconds{type,action}
//	remote_calls_total{operation,status}    remote_call_duration_seconds{operation}
//	retries_total{operation,class}          poll_iterations_total{operation,status}
//	deletions_total{status}
//	errors_by_class_total{class}            errors_by_code_total{code}
//
// All names carry the configured namespace (default "wsdeploy"). A
// disabled Metrics accepts every call and records nothing.
//
// # Commands
//
//	ic := tel.StartCommand(ctx, "deploy", name)
//	report, err := deployer.Deploy(ic.Ctx, req)
//	ic.EndRun(report, err)
//
// End and EndRun tag failed spans with the engine error class and code;
// EndRun also records the run id and status.
package telemetry
