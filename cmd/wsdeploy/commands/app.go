package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/wsdeploy/pkg/config"
	"github.com/openfroyo/wsdeploy/pkg/engine"
	"github.com/openfroyo/wsdeploy/pkg/platform"
	"github.com/openfroyo/wsdeploy/pkg/policy"
	"github.com/openfroyo/wsdeploy/pkg/repository"
	"github.com/openfroyo/wsdeploy/pkg/stores"
	"github.com/openfroyo/wsdeploy/pkg/telemetry"
)

// appOptions selects the components a command needs.
type appOptions struct {
	version string

	// dryRun marks policy evaluations as previews.
	dryRun bool

	// ledger opens the run ledger when one is configured.
	ledger bool

	// metricsServer serves /metrics for the lifetime of the command.
	metricsServer bool

	// watchPolicies reloads policy files on change when configured.
	watchPolicies bool
}

// app is the wired dependency graph of one command invocation.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	schemas  *config.SchemaRegistry
	client   *platform.Client
	scanner  *repository.Scanner
	guard    *policy.Engine
	ledger   *stores.SQLiteStore
	deployer *engine.Deployer

	policyWatcher *policy.Loader
}

// newApp loads the configuration and wires every component.
func newApp(ctx context.Context, opts appOptions) (_ *app, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg, opts.version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	zerolog.SetGlobalLevel(telemetry.ParseLevel(tel.Config.Logging.Level))

	a := &app{
		cfg:     cfg,
		tel:     tel,
		logger:  tel.Logger.Zerolog(),
		schemas: config.NewSchemaRegistry(),
	}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	if opts.metricsServer {
		if err := tel.StartMetricsServer(); err != nil {
			return nil, err
		}
	}

	a.client, err = newPlatformClient(cfg, tel, opts.version)
	if err != nil {
		return nil, err
	}

	a.scanner = repository.NewScanner(a.schemas, a.logger)

	if cfg.Policy.Enabled {
		a.guard, err = newPolicyEngine(ctx, cfg, opts.dryRun, a.logger)
		if err != nil {
			return nil, err
		}
		if watched := policySources(cfg); opts.watchPolicies && cfg.Policy.Watch && len(watched) > 0 {
			a.policyWatcher, err = a.guard.Watch(ctx, watched)
			if err != nil {
				return nil, err
			}
		}
	}

	if opts.ledger && cfg.Ledger.Path != "" {
		a.ledger, err = stores.Open(ctx, cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open run ledger: %w", err)
		}
	}

	deployerCfg := engine.DeployerConfig{
		API:        a.client,
		Source:     a.scanner,
		Metrics:    tel.Metrics,
		Logger:     a.logger,
		Retry:      cfg.Retry,
		Poll:       cfg.Poll,
		Resolver:   cfg.Resolver,
		Reconciler: cfg.Reconciler,
	}
	// Interface fields stay nil rather than holding typed nil pointers.
	if a.guard != nil {
		deployerCfg.Guard = a.guard
	}
	if a.ledger != nil {
		deployerCfg.Ledger = a.ledger
	}

	a.deployer, err = engine.NewDeployer(deployerCfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases every component, flushing telemetry last.
func (a *app) Close(ctx context.Context) {
	if a.policyWatcher != nil {
		if err := a.policyWatcher.StopWatching(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to stop policy watcher")
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close run ledger")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

// request builds the deployment request from the configuration.
func (a *app) request() (engine.DeployRequest, error) {
	principals, err := a.cfg.Principals()
	if err != nil {
		return engine.DeployRequest{}, err
	}
	return a.cfg.DeployRequest(principals), nil
}

func telemetryConfig(cfg *config.Config, version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	if cfg.Profile.DeploymentEnv != "" {
		tc.Environment = cfg.Profile.DeploymentEnv
	}

	tc.Logging.Level = cfg.Telemetry.LogLevel
	tc.Logging.Format = cfg.Telemetry.LogFormat
	if cfg.Telemetry.LogOutput != "" {
		tc.Logging.Output = cfg.Telemetry.LogOutput
	}
	if verbose {
		tc.Logging.Level = "debug"
	}

	tc.Metrics.Enabled = cfg.Telemetry.Metrics.Enabled
	tc.Metrics.ListenAddress = cfg.Telemetry.Metrics.ListenAddress
	if cfg.Telemetry.Metrics.Path != "" {
		tc.Metrics.Path = cfg.Telemetry.Metrics.Path
	}
	if cfg.Telemetry.Metrics.Namespace != "" {
		tc.Metrics.Namespace = cfg.Telemetry.Metrics.Namespace
	}

	tc.Tracing.Enabled = cfg.Telemetry.Tracing.Enabled
	tc.Tracing.Exporter = cfg.Telemetry.Tracing.Exporter
	tc.Tracing.Endpoint = cfg.Telemetry.Tracing.Endpoint
	tc.Tracing.SamplingRate = cfg.Telemetry.Tracing.SamplingRate
	tc.Tracing.Insecure = cfg.Telemetry.Tracing.Insecure
	for k, v := range cfg.Telemetry.Tracing.Headers {
		tc.Tracing.Headers[k] = v
	}

	tc.ResourceAttributes["workspace.name"] = cfg.Workspace.Name
	if cfg.BuildNumber != "" {
		tc.ResourceAttributes["build.number"] = cfg.BuildNumber
	}
	return tc
}

func newPlatformClient(cfg *config.Config, tel *telemetry.Telemetry, version string) (*platform.Client, error) {
	opts := []platform.Opt{
		platform.WithLogger(tel.Logger.Zerolog()),
		platform.WithMetrics(tel.Metrics),
		platform.WithTraceProvider(tel.Tracer.Provider()),
		platform.WithUserAgent("wsdeploy/" + version),
		platform.WithRateLimit(cfg.Platform.RequestsPerSecond, cfg.Platform.Burst),
	}
	if cfg.Platform.BaseURL != "" {
		opts = append(opts, platform.WithBaseURL(cfg.Platform.BaseURL))
	}
	if cfg.Platform.Timeout > 0 {
		opts = append(opts, platform.WithHTTPClient(&http.Client{Timeout: cfg.Platform.Timeout}))
	}

	switch {
	case cfg.Platform.Token != "":
		opts = append(opts, platform.WithStaticToken(cfg.Platform.Token))
	case cfg.Platform.TenantID != "":
		opts = append(opts, platform.WithClientCredentials(cfg.Platform.TenantID, cfg.Platform.ClientID, cfg.Platform.ClientSecret))
	default:
		return nil, engine.NewValidationError("platform credentials are required", nil)
	}

	return platform.NewClient(opts...)
}

func newPolicyEngine(ctx context.Context, cfg *config.Config, dryRun bool, logger zerolog.Logger) (*policy.Engine, error) {
	mode, err := policy.ParseMode(cfg.Policy.Mode)
	if err != nil {
		return nil, err
	}
	eng, err := policy.NewEngine(policy.Config{
		Mode:         mode,
		MaxDeletions: cfg.Policy.MaxDeletions,
		Environment:  cfg.Profile.DeploymentEnv,
		BuildNumber:  cfg.BuildNumber,
		DryRun:       dryRun,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	if cfg.Policy.Bundle != "" {
		if err := eng.LoadBundle(ctx, cfg.Policy.Bundle); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Policy.Disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, engine.NewValidationError("policy.disabled names an unknown policy: "+name, err)
		}
	}
	return eng, nil
}

// policySources lists the files and folders policies are read from.
func policySources(cfg *config.Config) []string {
	sources := append([]string(nil), cfg.Policy.Paths...)
	if cfg.Policy.Bundle != "" {
		sources = append(sources, cfg.Policy.Bundle)
	}
	return sources
}
