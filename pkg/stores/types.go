package stores

import (
	"context"
	"time"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

// Run represents a deployment run
type Run struct {
	ID            string           `json:"id"`
	WorkspaceName string           `json:"workspace_name"`
	WorkspaceID   *string          `json:"workspace_id,omitempty"`
	Status        engine.RunStatus `json:"status"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	Error         *string          `json:"error,omitempty"`
	ErrorCode     *string          `json:"error_code,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Record is one reported artifact of a run
type Record struct {
	ID    int64  `json:"id"`
	RunID string `json:"run_id"`
	Seq   int    `json:"seq"`
	engine.DeploymentRecord
}

// Transition is one persisted reconciler state change
type Transition struct {
	ID    int64  `json:"id"`
	RunID string `json:"run_id"`
	engine.StateTransition
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	WorkspaceName string
	Status        engine.RunStatus
	Limit         int
	Offset        int
}

// Ledger is the persistence surface of the run ledger
type Ledger interface {
	engine.RunLedger

	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Queries
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	ListRecords(ctx context.Context, runID string) ([]*Record, error)
	ListTransitions(ctx context.Context, runID string) ([]*Transition, error)
	LastSuccessfulRun(ctx context.Context, workspaceName string) (*Run, error)

	// Maintenance
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
	HealthCheck(ctx context.Context) error
}
