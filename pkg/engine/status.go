package engine

import (
	"fmt"
	"strings"
)

// RunStatus represents the overall status of a deployment run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every artifact was deployed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run aborted with an error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the caller cancelled the run.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// ReconcileState is a state of the Reconciler state machine.
type ReconcileState string

const (
	StateInitial            ReconcileState = "initial"
	StateDiffed             ReconcileState = "diffed"
	StateDeleting           ReconcileState = "deleting"
	StateConfirmingDeletion ReconcileState = "confirming_deletion"
	StateDeploying          ReconcileState = "deploying"
	StateDone               ReconcileState = "done"
	StateFailed             ReconcileState = "failed"
)

// IsTerminal returns true for Done and Failed.
func (s ReconcileState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// allowedTransitions lists the legal successor states. Failed is reachable
// from every non-terminal state and is handled separately.
var allowedTransitions = map[ReconcileState][]ReconcileState{
	StateInitial:            {StateDiffed},
	StateDiffed:             {StateDeleting, StateDeploying},
	StateDeleting:           {StateConfirmingDeletion},
	StateConfirmingDeletion: {StateDeploying},
	StateDeploying:          {StateDone},
}

// CanTransition reports whether the state machine may move from s to next.
func (s ReconcileState) CanTransition(next ReconcileState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OperationStatus is the status of a long-running remote operation.
type OperationStatus string

const (
	OperationRunning   OperationStatus = "Running"
	OperationSucceeded OperationStatus = "Succeeded"
	OperationFailed    OperationStatus = "Failed"
	OperationCancelled OperationStatus = "Cancelled"
)

// IsTerminal returns true once the operation will not change any more.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationSucceeded || s == OperationFailed || s == OperationCancelled
}

// ParseOperationStatus maps the status strings used by the platform
// ("NotStarted", "Running", "Succeeded", "Success", "Failed", ...) onto
// OperationStatus. Unknown values are treated as still running.
func ParseOperationStatus(raw string) OperationStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "success", "completed":
		return OperationSucceeded
	case "failed", "failure":
		return OperationFailed
	case "cancelled", "canceled":
		return OperationCancelled
	default:
		return OperationRunning
	}
}

// DeployAction records what happened to an artifact during a run.
type DeployAction string

const (
	ActionCreate DeployAction = "create"
	ActionUpdate DeployAction = "update"
	ActionDelete DeployAction = "delete"
)

// Validate checks if the deploy action is valid.
func (a DeployAction) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return nil
	default:
		return fmt.Errorf("invalid deploy action: %s", a)
	}
}

// LookupMode selects the identifier space used by reference resolution.
type LookupMode string

const (
	// LookupRepository resolves repository-local logical ids.
	LookupRepository LookupMode = "repository"

	// LookupDeployed resolves platform-assigned remote ids.
	LookupDeployed LookupMode = "deployed"
)

// ParseLookupMode parses a lookup mode name, case-insensitively.
func ParseLookupMode(raw string) (LookupMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "repository", "":
		return LookupRepository, nil
	case "deployed":
		return LookupDeployed, nil
	default:
		return "", fmt.Errorf("invalid lookup mode: %s", raw)
	}
}
