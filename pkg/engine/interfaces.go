package engine

import (
	"context"
	"time"
)

// WorkspaceAPI manages workspaces on the remote platform.
type WorkspaceAPI interface {
	// FindWorkspace looks a workspace up by exact display name.
	// found is false when no workspace has that name.
	FindWorkspace(ctx context.Context, name string) (ws *RemoteWorkspace, found bool, err error)

	// ListWorkspaces lists every workspace visible to the caller.
	ListWorkspaces(ctx context.Context) ([]RemoteWorkspace, error)

	// CreateWorkspace creates a workspace. A taken name yields a conflict error.
	CreateWorkspace(ctx context.Context, name, capacityID string) (*RemoteWorkspace, error)

	// DeleteWorkspace deletes a workspace and everything in it.
	DeleteWorkspace(ctx context.Context, workspaceID string) error
}

// ItemAPI manages items inside a workspace.
type ItemAPI interface {
	// ListItems lists every item in the workspace.
	ListItems(ctx context.Context, workspaceID string) ([]RemoteItem, error)

	// CreateItem creates an item, possibly asynchronously.
	CreateItem(ctx context.Context, workspaceID string, req ItemRequest) (*ItemResponse, error)

	// UpdateItemDefinition replaces the definition of an existing item.
	UpdateItemDefinition(ctx context.Context, workspaceID, itemID string, parts []DefinitionPart) (*ItemResponse, error)

	// DeleteItem deletes an item.
	DeleteItem(ctx context.Context, workspaceID, itemID string) error
}

// OperationAPI reads long-running operation state.
type OperationAPI interface {
	// GetOperationState reads the current state of op.
	GetOperationState(ctx context.Context, op *Operation) (*OperationState, error)

	// GetOperationResult returns the item produced by a succeeded operation.
	GetOperationResult(ctx context.Context, op *Operation) (*RemoteItem, error)
}

// EnvironmentAPI manages runtime environments and workspace runtime settings.
type EnvironmentAPI interface {
	// PublishEnvironment publishes the staged state of an environment.
	PublishEnvironment(ctx context.Context, workspaceID, environmentID string) error

	// GetEnvironmentPublishState returns the raw publish state string.
	GetEnvironmentPublishState(ctx context.Context, workspaceID, environmentID string) (string, error)

	// UpdateRuntimeSettings makes the named environment the workspace default.
	UpdateRuntimeSettings(ctx context.Context, workspaceID, environmentName, runtimeVersion string) error
}

// AccessAPI manages workspace membership.
type AccessAPI interface {
	// ListWorkspaceUsers returns the current members of the workspace.
	ListWorkspaceUsers(ctx context.Context, workspaceID string) ([]Principal, error)

	// BulkUpdateWorkspaceUsers applies membership changes in one call.
	BulkUpdateWorkspaceUsers(ctx context.Context, workspaceID string, ops []AccessOperation) error
}

// PlatformAPI is everything the engine consumes from the remote platform.
type PlatformAPI interface {
	WorkspaceAPI
	ItemAPI
	OperationAPI
	EnvironmentAPI
	AccessAPI
}

// ArtifactSource reads desired artifacts from the repository artifact store.
type ArtifactSource interface {
	// LoadArtifacts returns the artifacts defined under targetFolder of
	// repositoryRoot in discovery order.
	LoadArtifacts(ctx context.Context, repositoryRoot, targetFolder string) ([]*ArtifactDescriptor, error)
}

// PlanGuard inspects a plan before any mutation and may veto it.
type PlanGuard interface {
	// CheckPlan returns an error with code ErrCodePolicyDenied to veto.
	CheckPlan(ctx context.Context, ws WorkspaceHandle, plan *ReconciliationPlan) error
}

// RecordSink receives reported output as it is produced.
type RecordSink interface {
	AppendRecord(ctx context.Context, runID string, record DeploymentRecord) error
}

// TransitionSink receives Reconciler state changes.
type TransitionSink interface {
	AppendTransition(ctx context.Context, runID string, transition StateTransition) error
}

// RunLedger persists runs, their reported output and state transitions.
type RunLedger interface {
	RecordSink
	TransitionSink

	// StartRun registers a new run.
	StartRun(ctx context.Context, runID, workspaceName string, startedAt time.Time) error

	// SetRunWorkspace stores the resolved workspace id of a run.
	SetRunWorkspace(ctx context.Context, runID, workspaceID string) error

	// FinishRun marks the run terminal.
	FinishRun(ctx context.Context, runID string, status RunStatus, runErr error) error
}

// Metrics receives engine measurements. Implementations must tolerate
// being called concurrently.
type Metrics interface {
	RecordRun(status string, duration time.Duration)
	RecordRemoteCall(operation, status string, duration time.Duration)
	RecordRetry(operation string, class ErrorClass)
	RecordPollIteration(operation string, status OperationStatus)
	RecordArtifact(artifactType, action, status string, duration time.Duration)
	RecordDeletion(status string, count int)
	RecordError(errorClass, errorCode string)
}

// Clock abstracts time so that backoff schedules can be tested.
type Clock interface {
	Now() time.Time

	// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}
