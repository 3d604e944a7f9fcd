package policy

import (
	"fmt"
	"time"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block a deployment.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must never reach the platform.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity vetoes a plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Mode decides what a blocking violation does.
type Mode string

const (
	// ModeEnforcing rejects plans with blocking violations.
	ModeEnforcing Mode = "enforcing"

	// ModeAdvisory logs blocking violations and lets the plan proceed.
	ModeAdvisory Mode = "advisory"
)

// ParseMode parses a mode name. The empty string selects ModeEnforcing.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeEnforcing:
		return ModeEnforcing, nil
	case ModeAdvisory:
		return ModeAdvisory, nil
	default:
		return "", fmt.Errorf("unknown policy mode %q", s)
	}
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// package's deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Builtin marks policies shipped with the binary.
	Builtin bool `json:"builtin,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource names the artifact that violated the policy, if any.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

func (v PolicyViolation) String() string {
	if v.Resource == "" {
		return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s (%s)", v.Severity, v.Policy, v.Message, v.Resource)
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists violations that don't block a deployment.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// Failures lists policies that could not be evaluated.
	Failures []string `json:"failures,omitempty"`

	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// PolicyInput is the document bound to input in every policy.
type PolicyInput struct {
	Workspace WorkspaceInput `json:"workspace"`
	Plan      PlanInput      `json:"plan"`
	Context   *PolicyContext `json:"context"`
	Params    PolicyParams   `json:"params"`
}

// WorkspaceInput describes the target workspace.
type WorkspaceInput struct {
	Name    string `json:"name"`
	ID      string `json:"id,omitempty"`
	Created bool   `json:"created"`
}

// PlanInput is a reconciliation plan flattened for Rego.
type PlanInput struct {
	Create []ArtifactInput `json:"create"`
	Update []ArtifactInput `json:"update"`
	Delete []ArtifactInput `json:"delete"`
	Counts PlanCounts      `json:"counts"`
}

// PlanCounts summarizes a plan.
type PlanCounts struct {
	Create int `json:"create"`
	Update int `json:"update"`
	Delete int `json:"delete"`
}

// ArtifactInput is one planned artifact.
type ArtifactInput struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	LogicalID string `json:"logical_id,omitempty"`
	RemoteID  string `json:"remote_id,omitempty"`
	Source    string `json:"source,omitempty"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Environment is the deployment environment (e.g. "dev", "prod").
	Environment string `json:"environment,omitempty"`

	// BuildNumber identifies the CI build driving the run.
	BuildNumber string `json:"build_number,omitempty"`

	// Operation is "deploy" or "plan".
	Operation string `json:"operation,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// DryRun is true for previews.
	DryRun bool `json:"dry_run"`
}

// PolicyParams carries tunables read by the built-in policies.
type PolicyParams struct {
	// MaxDeletions caps plan deletions; negative disables the check.
	MaxDeletions int `json:"max_deletions"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}

// NewPlanInput flattens plan for evaluation.
func NewPlanInput(ws engine.WorkspaceHandle, plan *engine.ReconciliationPlan) (WorkspaceInput, PlanInput) {
	wi := WorkspaceInput{Name: ws.Name, ID: ws.ID, Created: ws.Created}
	pi := PlanInput{
		Create: []ArtifactInput{},
		Update: []ArtifactInput{},
		Delete: []ArtifactInput{},
	}
	if plan == nil {
		return wi, pi
	}

	for _, a := range plan.ToCreate {
		pi.Create = append(pi.Create, artifactInput(a, ""))
	}
	for _, u := range plan.ToUpdate {
		pi.Update = append(pi.Update, artifactInput(u.Artifact, u.RemoteID))
	}
	for _, a := range plan.ToDelete {
		pi.Delete = append(pi.Delete, artifactInput(a, a.RemoteID))
	}
	pi.Counts = PlanCounts{Create: len(pi.Create), Update: len(pi.Update), Delete: len(pi.Delete)}
	return wi, pi
}

func artifactInput(a *engine.ArtifactDescriptor, remoteID string) ArtifactInput {
	if a == nil {
		return ArtifactInput{RemoteID: remoteID}
	}
	return ArtifactInput{
		Name:      a.DisplayName,
		Type:      string(a.Type),
		LogicalID: a.LogicalID,
		RemoteID:  remoteID,
		Source:    a.Source,
	}
}
