package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// ReconcilerOptions tunes deletion pacing, confirmation and deploy parallelism.
type ReconcilerOptions struct {
	// DeleteBatchSize is the number of deletions issued before pausing.
	DeleteBatchSize int `yaml:"delete_batch_size" json:"delete_batch_size"`

	// DeleteBatchPause is the pause between deletion batches.
	DeleteBatchPause time.Duration `yaml:"delete_batch_pause" json:"delete_batch_pause"`

	// ConfirmTimeout bounds the wait for deleted items to disappear.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout" json:"confirm_timeout"`

	// ConfirmInterval is the wait between confirmation listings.
	ConfirmInterval time.Duration `yaml:"confirm_interval" json:"confirm_interval"`

	// Parallelism bounds concurrent upserts within the non-pipeline waves.
	Parallelism int `yaml:"parallelism" json:"parallelism"`

	// LookupMode is the identifier space pipeline references are read in.
	LookupMode LookupMode `yaml:"lookup_mode" json:"lookup_mode"`
}

// DefaultReconcilerOptions returns the platform's quota-friendly defaults.
func DefaultReconcilerOptions() ReconcilerOptions {
	return ReconcilerOptions{
		DeleteBatchSize:  30,
		DeleteBatchPause: 55 * time.Second,
		ConfirmTimeout:   600 * time.Second,
		ConfirmInterval:  30 * time.Second,
		Parallelism:      1,
		LookupMode:       LookupRepository,
	}
}

func (o ReconcilerOptions) withDefaults() ReconcilerOptions {
	d := DefaultReconcilerOptions()
	if o.DeleteBatchSize <= 0 {
		o.DeleteBatchSize = d.DeleteBatchSize
	}
	if o.DeleteBatchPause < 0 {
		o.DeleteBatchPause = 0
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = d.ConfirmTimeout
	}
	if o.ConfirmInterval <= 0 {
		o.ConfirmInterval = d.ConfirmInterval
	}
	if o.Parallelism <= 0 {
		o.Parallelism = d.Parallelism
	}
	if o.LookupMode == "" {
		o.LookupMode = d.LookupMode
	}
	return o
}

// ReconcileInput is one reconciliation of a workspace.
type ReconcileInput struct {
	RunID     string
	Workspace WorkspaceHandle
	Deployed  map[ArtifactKey]*ArtifactDescriptor
	Desired   map[ArtifactKey]*ArtifactDescriptor
}

// ReconcileResult is what a reconciliation did.
type ReconcileResult struct {
	Plan          *ReconciliationPlan
	PipelineOrder []string
	Deleted       []string
	Records       []DeploymentRecord
	Transitions   []StateTransition
	FinalState    ReconcileState
}

// Reconciler drives a workspace from its deployed state to its desired
// state. A Reconciler runs a single reconciliation.
type Reconciler struct {
	items       ItemAPI
	inventory   *ArtifactInventory
	upserter    *ArtifactUpserter
	retry       *RetryExecutor
	clock       Clock
	guard       PlanGuard
	records     RecordSink
	transitions TransitionSink
	opts        ReconcilerOptions
	logger      zerolog.Logger
	metrics     Metrics

	mu      sync.Mutex
	state   ReconcileState
	history []StateTransition
	report  []DeploymentRecord
	runID   string
}

// ReconcilerDeps are the collaborators of a Reconciler. Guard, Records,
// Transitions and Metrics are optional.
type ReconcilerDeps struct {
	Items       ItemAPI
	Inventory   *ArtifactInventory
	Upserter    *ArtifactUpserter
	Retry       *RetryExecutor
	Clock       Clock
	Guard       PlanGuard
	Records     RecordSink
	Transitions TransitionSink
	Metrics     Metrics
	Logger      zerolog.Logger
}

// NewReconciler creates a reconciler in the initial state.
func NewReconciler(deps ReconcilerDeps, opts ReconcilerOptions) *Reconciler {
	retry := deps.Retry
	if retry == nil {
		retry = NewRetryExecutor(DefaultRetryPolicy())
	}
	return &Reconciler{
		items:       deps.Items,
		inventory:   deps.Inventory,
		upserter:    deps.Upserter,
		retry:       retry,
		clock:       clockOrSystem(deps.Clock),
		guard:       deps.Guard,
		records:     deps.Records,
		transitions: deps.Transitions,
		opts:        opts.withDefaults(),
		logger:      deps.Logger.With().Str("component", "reconciler").Logger(),
		metrics:     metricsOrNop(deps.Metrics),
		state:       StateInitial,
	}
}

// State returns the current state.
func (r *Reconciler) State() ReconcileState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Transitions returns the state changes so far.
func (r *Reconciler) Transitions() []StateTransition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateTransition(nil), r.history...)
}

// Records returns the deployment records so far, in completion order.
func (r *Reconciler) Records() []DeploymentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DeploymentRecord(nil), r.report...)
}

// Reconcile runs the state machine to Done or Failed. The result is
// returned in both cases.
func (r *Reconciler) Reconcile(ctx context.Context, in ReconcileInput) (*ReconcileResult, error) {
	if r.State() != StateInitial {
		return nil, NewPermanentError("reconciler has already run", nil).WithCode(ErrCodeInternal)
	}
	r.runID = in.RunID

	ctx, span := otel.Tracer("wsdeploy/engine").Start(ctx, "reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("workspace.name", in.Workspace.Name), attribute.String("run.id", in.RunID))

	res := &ReconcileResult{}
	err := r.run(ctx, in, res)
	if err != nil {
		span.RecordError(err)
		r.fail(ctx, err)
	}

	res.Records = r.Records()
	res.Transitions = r.Transitions()
	res.FinalState = r.State()
	return res, err
}

func (r *Reconciler) run(ctx context.Context, in ReconcileInput, res *ReconcileResult) error {
	ws := in.Workspace
	if !ws.Resolved() {
		return NewValidationError("workspace is not resolved", nil).WithResource(ws.Name)
	}

	deployed := in.Deployed
	if ws.Created || deployed == nil {
		deployed = map[ArtifactKey]*ArtifactDescriptor{}
	}
	plan := ComputePlan(deployed, in.Desired)
	res.Plan = plan

	summary := plan.Summary()
	if err := r.transition(ctx, StateDiffed, fmt.Sprintf("create=%d update=%d delete=%d",
		summary.ToCreate, summary.ToUpdate, summary.ToDelete)); err != nil {
		return err
	}

	if r.guard != nil {
		if err := r.guard.CheckPlan(ctx, ws, plan); err != nil {
			return err
		}
	}

	order, err := r.pipelineOrder(plan)
	if err != nil {
		return err
	}
	res.PipelineOrder = order

	if !ws.Created && len(plan.ToDelete) > 0 {
		if err := r.transition(ctx, StateDeleting, fmt.Sprintf("%d stale artifacts", len(plan.ToDelete))); err != nil {
			return err
		}
		deleted, err := r.deleteStale(ctx, ws, plan.ToDelete)
		if err != nil {
			return err
		}
		res.Deleted = deleted

		if err := r.transition(ctx, StateConfirmingDeletion, ""); err != nil {
			return err
		}
		if err := r.confirmDeletion(ctx, ws, deleted); err != nil {
			return err
		}
	}

	if err := r.transition(ctx, StateDeploying, ""); err != nil {
		return err
	}
	if err := r.deploy(ctx, ws, plan, order); err != nil {
		return err
	}

	return r.transition(ctx, StateDone, fmt.Sprintf("%d artifacts deployed", len(r.Records())))
}

// pipelineOrder orders the pipelines to create or update.
func (r *Reconciler) pipelineOrder(plan *ReconciliationPlan) ([]string, error) {
	pipelines := pipelineBodies(plan)
	if len(pipelines) == 0 {
		return nil, nil
	}
	return NewDependencyResolver(r.inventory, r.opts.LookupMode, r.logger).Order(pipelines)
}

// deleteStale deletes the artifacts in batches, pausing between batches.
// Items that are already gone count as deleted.
func (r *Reconciler) deleteStale(ctx context.Context, ws WorkspaceHandle, stale []*ArtifactDescriptor) ([]string, error) {
	deleted := make([]string, 0, len(stale))
	for start := 0; start < len(stale); start += r.opts.DeleteBatchSize {
		if start > 0 && r.opts.DeleteBatchPause > 0 {
			r.logger.Info().Dur("pause", r.opts.DeleteBatchPause).Msg("Pausing between deletion batches")
			if err := r.clock.Sleep(ctx, r.opts.DeleteBatchPause); err != nil {
				return deleted, err
			}
		}

		end := start + r.opts.DeleteBatchSize
		if end > len(stale) {
			end = len(stale)
		}
		for _, a := range stale[start:end] {
			err := r.retry.Do(ctx, "delete_item", func(ctx context.Context) error {
				return r.items.DeleteItem(ctx, ws.ID, a.RemoteID)
			})
			if err != nil && !IsNotFound(err) {
				r.metrics.RecordDeletion("failed", 1)
				return deleted, fmt.Errorf("failed to delete %s: %w", a.Key(), err)
			}
			r.logger.Info().Str("artifact", a.DisplayName).Str("type", string(a.Type)).Str("id", a.RemoteID).Msg("Deleted stale artifact")
			deleted = append(deleted, a.RemoteID)
		}
		r.metrics.RecordDeletion("succeeded", end-start)
	}
	return deleted, nil
}

// confirmDeletion re-lists the workspace until none of ids remain.
func (r *Reconciler) confirmDeletion(ctx context.Context, ws WorkspaceHandle, ids []string) error {
	pending := mapset.NewSet(ids...)
	confirmed := mapset.NewSet[string]()
	deadline := r.clock.Now().Add(r.opts.ConfirmTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		items, err := Retry(ctx, r.retry, "list_items", func(ctx context.Context) ([]RemoteItem, error) {
			return r.items.ListItems(ctx, ws.ID)
		})
		if err != nil {
			return fmt.Errorf("failed to list items while confirming deletion: %w", err)
		}

		present := mapset.NewSetWithSize[string](len(items))
		for _, item := range items {
			present.Add(item.ID)
		}
		gone := pending.Difference(present)
		confirmed = confirmed.Union(gone)
		pending = pending.Difference(gone)

		if pending.Cardinality() == 0 {
			r.logger.Info().Int("confirmed", confirmed.Cardinality()).Msg("Deletion confirmed")
			return nil
		}

		now := r.clock.Now()
		if !now.Before(deadline) {
			still := pending.ToSlice()
			sort.Strings(still)
			return NewPermanentError(
				fmt.Sprintf("%d deleted artifacts still present after %s", len(still), r.opts.ConfirmTimeout), nil).
				WithCode(ErrCodeDeletionNotConfirmed).
				WithResource(ws.Name).
				WithDetail("pending", still).
				WithDetail("confirmed", confirmed.Cardinality())
		}

		wait := r.opts.ConfirmInterval
		if remaining := deadline.Sub(now); wait > remaining {
			wait = remaining
		}
		r.logger.Debug().Int("pending", pending.Cardinality()).Dur("wait", wait).Msg("Waiting for deletions to converge")
		if err := r.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// deploy upserts the plan wave by wave. Pipelines go last, one at a time,
// in dependency order.
func (r *Reconciler) deploy(ctx context.Context, ws WorkspaceHandle, plan *ReconciliationPlan, order []string) error {
	pipelines := make(map[string]PlannedUpdate)

	for _, wave := range deployWaves(plan) {
		var concurrent []PlannedUpdate
		for _, u := range wave {
			if u.Artifact.Type.IsPipeline() {
				pipelines[u.Artifact.DisplayName] = u
				continue
			}
			concurrent = append(concurrent, u)
		}
		if len(concurrent) == 0 {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.opts.Parallelism)
		for _, u := range concurrent {
			g.Go(func() error {
				return r.deployOne(gctx, ws, u)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	for _, name := range order {
		u, ok := pipelines[name]
		if !ok {
			continue
		}
		if err := r.deployOne(ctx, ws, u); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) deployOne(ctx context.Context, ws WorkspaceHandle, u PlannedUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	result, err := r.upserter.Upsert(ctx, ws, u.Artifact, u.RemoteID)
	if err != nil {
		return fmt.Errorf("failed to deploy %s: %w", u.Artifact.Key(), err)
	}

	record := DeploymentRecord{
		ArtifactType: u.Artifact.Type.Canonical(),
		ArtifactName: u.Artifact.DisplayName,
		LocationID:   ws.ID,
		ArtifactID:   result.RemoteID,
		Action:       result.Action,
		BodyDigest:   result.BodyDigest,
		RecordedAt:   r.clock.Now(),
	}

	r.mu.Lock()
	r.report = append(r.report, record)
	r.mu.Unlock()

	if r.records != nil {
		if err := r.records.AppendRecord(ctx, r.runID, record); err != nil {
			r.logger.Warn().Err(err).Str("artifact", record.ArtifactName).Msg("Failed to persist deployment record")
		}
	}
	return nil
}

func (r *Reconciler) transition(ctx context.Context, next ReconcileState, message string) error {
	r.mu.Lock()
	from := r.state
	if !from.CanTransition(next) {
		r.mu.Unlock()
		return NewPermanentError(fmt.Sprintf("illegal state transition %s -> %s", from, next), nil).
			WithCode(ErrCodeInternal)
	}
	t := StateTransition{From: from, To: next, At: r.clock.Now(), Message: message}
	r.state = next
	r.history = append(r.history, t)
	r.mu.Unlock()

	r.logger.Info().Str("from", string(from)).Str("state", string(next)).Str("detail", message).Msg("Reconciler state changed")

	if r.transitions != nil {
		// The run context may already be cancelled when failing.
		if err := r.transitions.AppendTransition(context.WithoutCancel(ctx), r.runID, t); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to persist state transition")
		}
	}
	return nil
}

func (r *Reconciler) fail(ctx context.Context, err error) {
	if r.State().IsTerminal() {
		return
	}
	r.metrics.RecordError(string(ClassOf(err)), ErrorCode(err))
	_ = r.transition(ctx, StateFailed, err.Error())
}
