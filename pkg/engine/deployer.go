package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DeployerConfig is everything a Deployer needs. API and Source are
// required; the rest is optional.
type DeployerConfig struct {
	API     PlatformAPI
	Source  ArtifactSource
	Guard   PlanGuard
	Ledger  RunLedger
	Metrics Metrics
	Clock   Clock
	Logger  zerolog.Logger

	Retry      RetryPolicy
	Poll       PollPolicy
	Resolver   ResolverOptions
	Reconciler ReconcilerOptions
}

// DeployRequest is one deployment of a repository folder into a workspace.
type DeployRequest struct {
	WorkspaceName  string
	CapacityID     string
	RepositoryRoot string
	TargetFolder   string

	// Principals, when non-empty, replace the workspace membership.
	Principals []Principal

	// Environment, when set, is published and made the workspace default.
	Environment *EnvironmentSettings
}

// Validate checks the request before any remote call.
func (r DeployRequest) Validate() error {
	switch {
	case r.WorkspaceName == "":
		return NewValidationError("workspace name is required", nil)
	case r.RepositoryRoot == "":
		return NewValidationError("repository root is required", nil)
	}
	return nil
}

// DeployReport is the outcome of a deployment. Records starts with the
// workspace record.
type DeployReport struct {
	RunID         string              `json:"run_id"`
	Workspace     WorkspaceHandle     `json:"workspace"`
	Status        RunStatus           `json:"status"`
	Plan          *ReconciliationPlan `json:"-"`
	Summary       PlanSummary         `json:"summary"`
	PipelineOrder []string            `json:"pipeline_order,omitempty"`
	Deleted       []string            `json:"deleted,omitempty"`
	Records       []DeploymentRecord  `json:"records"`
	Transitions   []StateTransition   `json:"transitions,omitempty"`
	AccessChanges []AccessOperation   `json:"access_changes,omitempty"`
	Compensated   bool                `json:"compensated,omitempty"`
	StartedAt     time.Time           `json:"started_at"`
	FinishedAt    time.Time           `json:"finished_at"`
}

// PlanPreview is a read-only view of what a deployment would do.
type PlanPreview struct {
	Workspace     WorkspaceHandle     `json:"workspace"`
	Exists        bool                `json:"exists"`
	Plan          *ReconciliationPlan `json:"plan"`
	PipelineOrder []string            `json:"pipeline_order,omitempty"`
	Edges         []DependencyEdge    `json:"edges,omitempty"`
	PolicyError   string              `json:"policy_error,omitempty"`
}

// Deployer is the orchestration entry point.
type Deployer struct {
	cfg     DeployerConfig
	retry   *RetryExecutor
	poller  *AsyncOperationPoller
	clock   Clock
	metrics Metrics
	logger  zerolog.Logger
}

// NewDeployer validates cfg and creates a deployer. Zero policies are
// replaced by their defaults.
func NewDeployer(cfg DeployerConfig) (*Deployer, error) {
	if cfg.API == nil {
		return nil, NewValidationError("platform API is required", nil)
	}
	if cfg.Source == nil {
		return nil, NewValidationError("artifact source is required", nil)
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Poll == (PollPolicy{}) {
		cfg.Poll = DefaultPollPolicy()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if err := cfg.Poll.Validate(); err != nil {
		return nil, fmt.Errorf("invalid poll policy: %w", err)
	}
	if cfg.Resolver == (ResolverOptions{}) {
		cfg.Resolver = DefaultResolverOptions()
	}

	clock := clockOrSystem(cfg.Clock)
	metrics := metricsOrNop(cfg.Metrics)
	retry := NewRetryExecutor(cfg.Retry,
		WithRetryClock(clock),
		WithRetryLogger(cfg.Logger),
		WithRetryMetrics(metrics))
	poller := NewAsyncOperationPoller(cfg.API, cfg.Poll,
		WithPollerClock(clock),
		WithPollerLogger(cfg.Logger),
		WithPollerMetrics(metrics))

	return &Deployer{
		cfg:     cfg,
		retry:   retry,
		poller:  poller,
		clock:   clock,
		metrics: metrics,
		logger:  cfg.Logger.With().Str("component", "deployer").Logger(),
	}, nil
}

// Deploy reconciles the workspace with the repository folder. When the
// workspace was created by this run and the run fails, the workspace is
// deleted again; a failure of that deletion is logged and the original
// error is returned.
func (d *Deployer) Deploy(ctx context.Context, req DeployRequest) (*DeployReport, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	report := &DeployReport{
		RunID:     uuid.New().String(),
		Workspace: WorkspaceHandle{Name: req.WorkspaceName},
		Status:    RunStatusRunning,
		StartedAt: d.clock.Now(),
	}
	logger := d.logger.With().Str("run_id", report.RunID).Str("workspace", req.WorkspaceName).Logger()

	ctx, span := otel.Tracer("wsdeploy/engine").Start(ctx, "deploy")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", report.RunID),
		attribute.String("workspace.name", req.WorkspaceName),
		attribute.String("repository.folder", req.TargetFolder),
	)

	if d.cfg.Ledger != nil {
		if err := d.cfg.Ledger.StartRun(ctx, report.RunID, req.WorkspaceName, report.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to start run: %w", err)
		}
	}
	logger.Info().Str("folder", req.TargetFolder).Msg("Starting deployment")

	err := d.deploy(ctx, req, report, logger)

	report.FinishedAt = d.clock.Now()
	switch {
	case err == nil:
		report.Status = RunStatusSucceeded
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		report.Status = RunStatusCancelled
	default:
		report.Status = RunStatusFailed
	}

	// A cancelled run keeps what it created; only failures are rolled back.
	if err != nil && report.Workspace.Created && report.Status != RunStatusCancelled {
		report.Compensated = d.compensate(ctx, report.Workspace, logger)
	}

	if d.cfg.Ledger != nil {
		if ferr := d.cfg.Ledger.FinishRun(context.WithoutCancel(ctx), report.RunID, report.Status, err); ferr != nil {
			logger.Warn().Err(ferr).Msg("Failed to finish run in ledger")
		}
	}
	d.metrics.RecordRun(string(report.Status), report.FinishedAt.Sub(report.StartedAt))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Str("status", string(report.Status)).Msg("Deployment failed")
		return report, err
	}

	span.SetStatus(codes.Ok, "")
	logger.Info().
		Int("records", len(report.Records)).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Deployment succeeded")
	return report, nil
}

func (d *Deployer) deploy(ctx context.Context, req DeployRequest, report *DeployReport, logger zerolog.Logger) error {
	inventory := NewArtifactInventory(d.cfg.API, d.cfg.Source, d.retry, d.cfg.Logger)

	// Repository content is validated before anything is changed remotely.
	desired, err := inventory.SnapshotDesired(ctx, req.RepositoryRoot, req.TargetFolder)
	if err != nil {
		return err
	}

	resolver := NewWorkspaceResolver(d.cfg.API, d.retry, d.clock, d.cfg.Resolver, d.cfg.Logger)
	ws, err := resolver.Resolve(ctx, req.WorkspaceName, req.CapacityID)
	if err != nil {
		return err
	}
	report.Workspace = *ws
	logger = logger.With().Str("workspace_id", ws.ID).Logger()

	if d.cfg.Ledger != nil {
		if err := d.cfg.Ledger.SetRunWorkspace(ctx, report.RunID, ws.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to store workspace id in ledger")
		}
	}

	action := ActionUpdate
	if ws.Created {
		action = ActionCreate
	}
	d.appendRecord(ctx, report, DeploymentRecord{
		ArtifactType: ArtifactTypeWorkspace,
		ArtifactName: ws.Name,
		ArtifactID:   ws.ID,
		Action:       action,
		RecordedAt:   d.clock.Now(),
	}, logger)

	if len(req.Principals) > 0 {
		ops, err := NewAccessSynchronizer(d.cfg.API, d.retry, d.cfg.Logger).Sync(ctx, *ws, req.Principals)
		if err != nil {
			return err
		}
		report.AccessChanges = ops
	}

	var deployed map[ArtifactKey]*ArtifactDescriptor
	if !ws.Created {
		deployed, err = inventory.SnapshotDeployed(ctx, *ws)
		if err != nil {
			return err
		}
	}

	upserter := NewArtifactUpserter(d.cfg.API, inventory, d.poller, d.retry, d.cfg.Logger, d.metrics)
	reconciler := NewReconciler(ReconcilerDeps{
		Items:       d.cfg.API,
		Inventory:   inventory,
		Upserter:    upserter,
		Retry:       d.retry,
		Clock:       d.clock,
		Guard:       d.cfg.Guard,
		Records:     d.cfg.Ledger,
		Transitions: d.cfg.Ledger,
		Metrics:     d.metrics,
		Logger:      logger,
	}, d.cfg.Reconciler)

	result, err := reconciler.Reconcile(ctx, ReconcileInput{
		RunID:     report.RunID,
		Workspace: *ws,
		Deployed:  deployed,
		Desired:   desired,
	})
	if result != nil {
		report.Plan = result.Plan
		if result.Plan != nil {
			report.Summary = result.Plan.Summary()
		}
		report.PipelineOrder = result.PipelineOrder
		report.Deleted = result.Deleted
		report.Records = append(report.Records, result.Records...)
		report.Transitions = result.Transitions
	}
	if err != nil {
		return err
	}

	if req.Environment != nil {
		activator := NewEnvironmentActivator(d.cfg.API, inventory, upserter, d.poller, d.retry, d.clock, d.cfg.Logger)
		activation, err := activator.Activate(ctx, *ws, *req.Environment)
		if err != nil {
			return err
		}
		if activation.Record != nil {
			d.appendRecord(ctx, report, *activation.Record, logger)
		}
	}

	return nil
}

// appendRecord adds a record to the report and the ledger. The reconciler
// persists its own records; this is for records produced around it.
func (d *Deployer) appendRecord(ctx context.Context, report *DeployReport, record DeploymentRecord, logger zerolog.Logger) {
	report.Records = append(report.Records, record)
	if d.cfg.Ledger == nil {
		return
	}
	if err := d.cfg.Ledger.AppendRecord(ctx, report.RunID, record); err != nil {
		logger.Warn().Err(err).Str("artifact", record.ArtifactName).Msg("Failed to persist deployment record")
	}
}

func (d *Deployer) compensate(ctx context.Context, ws WorkspaceHandle, logger zerolog.Logger) bool {
	logger.Warn().Str("workspace_id", ws.ID).Msg("Deleting workspace created by the failed run")

	resolver := NewWorkspaceResolver(d.cfg.API, d.retry, d.clock, d.cfg.Resolver, d.cfg.Logger)
	if err := resolver.Delete(context.WithoutCancel(ctx), ws); err != nil {
		logger.Error().Err(err).Str("workspace_id", ws.ID).Msg("Compensating workspace deletion failed")
		return false
	}
	return true
}

// Plan previews a deployment without creating or changing anything.
func (d *Deployer) Plan(ctx context.Context, req DeployRequest) (*PlanPreview, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	inventory := NewArtifactInventory(d.cfg.API, d.cfg.Source, d.retry, d.cfg.Logger)
	desired, err := inventory.SnapshotDesired(ctx, req.RepositoryRoot, req.TargetFolder)
	if err != nil {
		return nil, err
	}

	resolver := NewWorkspaceResolver(d.cfg.API, d.retry, d.clock, d.cfg.Resolver, d.cfg.Logger)
	ws, exists, err := resolver.Lookup(ctx, req.WorkspaceName)
	if err != nil {
		return nil, err
	}

	preview := &PlanPreview{Exists: exists}
	deployed := map[ArtifactKey]*ArtifactDescriptor{}
	if exists {
		preview.Workspace = *ws
		deployed, err = inventory.SnapshotDeployed(ctx, *ws)
		if err != nil {
			return nil, err
		}
	} else {
		preview.Workspace = WorkspaceHandle{Name: req.WorkspaceName, Created: true}
	}

	preview.Plan = ComputePlan(deployed, desired)

	dr := NewDependencyResolver(inventory, d.cfg.Reconciler.LookupMode, d.cfg.Logger)
	order, err := dr.Order(pipelineBodies(preview.Plan))
	if err != nil {
		return nil, err
	}
	preview.PipelineOrder = order
	preview.Edges = dr.Edges()

	if d.cfg.Guard != nil {
		if err := d.cfg.Guard.CheckPlan(ctx, preview.Workspace, preview.Plan); err != nil {
			if !HasCode(err, ErrCodePolicyDenied) {
				return nil, err
			}
			preview.PolicyError = err.Error()
		}
	}

	return preview, nil
}
