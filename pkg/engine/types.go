package engine

import (
	"fmt"
	"strings"
	"time"
)

// ArtifactType is the platform item type of an artifact.
type ArtifactType string

const (
	// ArtifactTypePipeline is a data pipeline. Pipelines may invoke other pipelines.
	ArtifactTypePipeline ArtifactType = "DataPipeline"

	// ArtifactTypeLakehouse is a storage container.
	ArtifactTypeLakehouse ArtifactType = "Lakehouse"

	// ArtifactTypeNotebook is a compute notebook.
	ArtifactTypeNotebook ArtifactType = "Notebook"

	// ArtifactTypeEventhouse is an analytical database host.
	ArtifactTypeEventhouse ArtifactType = "Eventhouse"

	// ArtifactTypeKQLDatabase is an analytical database.
	ArtifactTypeKQLDatabase ArtifactType = "KQLDatabase"

	// ArtifactTypeEnvironment is a runtime environment.
	ArtifactTypeEnvironment ArtifactType = "Environment"

	// ArtifactTypeWorkspace is only used in reported output.
	ArtifactTypeWorkspace ArtifactType = "Workspace"
)

// Equal compares artifact types case-insensitively.
func (t ArtifactType) Equal(other ArtifactType) bool {
	return strings.EqualFold(strings.TrimSpace(string(t)), strings.TrimSpace(string(other)))
}

// IsPipeline reports whether t is the pipeline type.
func (t ArtifactType) IsPipeline() bool {
	return t.Equal(ArtifactTypePipeline)
}

// HasDefinition reports whether items of this type are deployed with a
// definition payload. Storage, database and environment items are created
// by name only.
func (t ArtifactType) HasDefinition() bool {
	switch {
	case t.Equal(ArtifactTypeLakehouse), t.Equal(ArtifactTypeEventhouse),
		t.Equal(ArtifactTypeKQLDatabase), t.Equal(ArtifactTypeEnvironment):
		return false
	default:
		return true
	}
}

// Tier returns the deploy wave of the type. Lower tiers deploy first:
// storage, databases and environments, then compute, then pipelines.
func (t ArtifactType) Tier() int {
	switch {
	case t.IsPipeline():
		return 2
	case t.HasDefinition():
		return 1
	default:
		return 0
	}
}

// Canonical returns the well-known spelling of t when it matches one.
func (t ArtifactType) Canonical() ArtifactType {
	for _, known := range []ArtifactType{
		ArtifactTypePipeline, ArtifactTypeLakehouse, ArtifactTypeNotebook,
		ArtifactTypeEventhouse, ArtifactTypeKQLDatabase, ArtifactTypeEnvironment,
	} {
		if t.Equal(known) {
			return known
		}
	}
	return ArtifactType(strings.TrimSpace(string(t)))
}

// ArtifactKey identifies an artifact within a workspace snapshot.
type ArtifactKey struct {
	DisplayName string       `json:"display_name"`
	Type        ArtifactType `json:"type"`
}

// KeyOf builds the snapshot key for name and type.
func KeyOf(name string, t ArtifactType) ArtifactKey {
	return ArtifactKey{DisplayName: name, Type: t.Canonical()}
}

// String renders the key as "name.Type".
func (k ArtifactKey) String() string {
	return fmt.Sprintf("%s.%s", k.DisplayName, k.Type)
}

// DefinitionPart is one file of an artifact definition.
type DefinitionPart struct {
	// Path is the repository-relative path of the file inside the artifact folder.
	Path string `json:"path"`

	// Payload is the raw file content.
	Payload []byte `json:"-"`
}

// SidecarFileName is the descriptor file carried by every artifact folder.
const SidecarFileName = ".platform"

// IsSidecar reports whether the part is the artifact's sidecar descriptor.
func (p DefinitionPart) IsSidecar() bool {
	return p.Path == SidecarFileName || strings.HasSuffix(p.Path, "/"+SidecarFileName)
}

// ArtifactDescriptor describes an artifact on either side of a reconciliation.
type ArtifactDescriptor struct {
	// DisplayName is the human name, unique per type within a workspace.
	DisplayName string `json:"display_name"`

	// Type is the platform item type.
	Type ArtifactType `json:"type"`

	// LogicalID is the stable repository-local identifier.
	LogicalID string `json:"logical_id,omitempty"`

	// RemoteID is the platform-assigned identifier, empty until known.
	RemoteID string `json:"remote_id,omitempty"`

	// Description is the free-form description.
	Description string `json:"description,omitempty"`

	// BodyPath is the path of the primary definition file.
	BodyPath string `json:"body_path,omitempty"`

	// Body is the primary definition content.
	Body []byte `json:"-"`

	// Parts are the remaining definition files, sidecar included.
	Parts []DefinitionPart `json:"-"`

	// Source is where the descriptor was read from (a repository folder).
	Source string `json:"source,omitempty"`
}

// Key returns the snapshot key of the artifact.
func (a *ArtifactDescriptor) Key() ArtifactKey {
	return KeyOf(a.DisplayName, a.Type)
}

// Clone returns a copy that does not share part slices with a.
func (a *ArtifactDescriptor) Clone() *ArtifactDescriptor {
	c := *a
	if a.Body != nil {
		c.Body = append([]byte(nil), a.Body...)
	}
	if a.Parts != nil {
		c.Parts = make([]DefinitionPart, len(a.Parts))
		for i, p := range a.Parts {
			c.Parts[i] = DefinitionPart{Path: p.Path, Payload: append([]byte(nil), p.Payload...)}
		}
	}
	return &c
}

// Definition returns every definition part in submission order: the
// primary body first, then the remaining parts.
func (a *ArtifactDescriptor) Definition() []DefinitionPart {
	parts := make([]DefinitionPart, 0, len(a.Parts)+1)
	if a.BodyPath != "" || len(a.Body) > 0 {
		parts = append(parts, DefinitionPart{Path: a.BodyPath, Payload: a.Body})
	}
	return append(parts, a.Parts...)
}

// WorkspaceHandle identifies the target workspace of a run.
type WorkspaceHandle struct {
	// Name is the workspace display name.
	Name string `json:"name"`

	// ID is the platform identifier, set once resolved.
	ID string `json:"id,omitempty"`

	// Created is true when this run created the workspace.
	Created bool `json:"created"`
}

// Resolved reports whether the workspace identifier is known.
func (w WorkspaceHandle) Resolved() bool {
	return w.ID != ""
}

// RemoteWorkspace is a workspace as listed by the platform.
type RemoteWorkspace struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
	CapacityID  string `json:"capacityId,omitempty"`
}

// RemoteItem is an item as listed by the platform.
type RemoteItem struct {
	ID          string       `json:"id"`
	DisplayName string       `json:"displayName"`
	Type        ArtifactType `json:"type"`
	Description string       `json:"description,omitempty"`
	WorkspaceID string       `json:"workspaceId,omitempty"`
}

// ItemRequest is a create-item call.
type ItemRequest struct {
	DisplayName string
	Type        ArtifactType
	Description string
	Definition  []DefinitionPart
}

// ItemResponse is the outcome of a create or update-definition call. Exactly
// one of Item and Operation is set when the platform returned content; both
// are nil for an empty 200 response.
type ItemResponse struct {
	Item      *RemoteItem
	Operation *Operation
}

// Operation is a long-running remote operation.
type Operation struct {
	// Handle is the platform operation id.
	Handle string `json:"handle"`

	// PollURL is where the operation state is read.
	PollURL string `json:"poll_url,omitempty"`

	// RetryAfter is the server's suggested polling interval.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Status is the last observed status.
	Status OperationStatus `json:"status"`
}

// OperationState is one observation of an operation.
type OperationState struct {
	Status          OperationStatus
	PercentComplete int
	RetryAfter      time.Duration
	Error           string
}

// DependencyEdge states that From's body invokes To.
type DependencyEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// PipelineBody is a pipeline name with its definition body, input to
// dependency ordering.
type PipelineBody struct {
	Name string
	Body []byte
}

// PlannedUpdate is an artifact present on both sides.
type PlannedUpdate struct {
	Artifact *ArtifactDescriptor `json:"artifact"`
	RemoteID string              `json:"remote_id"`
}

// ReconciliationPlan is the difference between desired and deployed sets.
type ReconciliationPlan struct {
	ToCreate []*ArtifactDescriptor `json:"to_create"`
	ToUpdate []PlannedUpdate       `json:"to_update"`
	ToDelete []*ArtifactDescriptor `json:"to_delete"`
}

// DeleteIDs returns the remote ids of the artifacts to delete.
func (p *ReconciliationPlan) DeleteIDs() []string {
	ids := make([]string, 0, len(p.ToDelete))
	for _, a := range p.ToDelete {
		ids = append(ids, a.RemoteID)
	}
	return ids
}

// IsEmpty reports whether the plan has nothing to do.
func (p *ReconciliationPlan) IsEmpty() bool {
	return len(p.ToCreate) == 0 && len(p.ToUpdate) == 0 && len(p.ToDelete) == 0
}

// Summary returns counts for logging.
func (p *ReconciliationPlan) Summary() PlanSummary {
	return PlanSummary{
		ToCreate: len(p.ToCreate),
		ToUpdate: len(p.ToUpdate),
		ToDelete: len(p.ToDelete),
	}
}

// PlanSummary provides plan counts.
type PlanSummary struct {
	ToCreate int `json:"to_create"`
	ToUpdate int `json:"to_update"`
	ToDelete int `json:"to_delete"`
}

// DeploymentRecord is one entry of a run's reported output.
type DeploymentRecord struct {
	ArtifactType ArtifactType `json:"artifactType"`
	ArtifactName string       `json:"artifactName"`
	LocationID   string       `json:"locationId,omitempty"`
	ArtifactID   string       `json:"artifactId"`
	Action       DeployAction `json:"action"`
	BodyDigest   string       `json:"bodyDigest,omitempty"`
	RecordedAt   time.Time    `json:"recordedAt"`
}

// StateTransition records one Reconciler state change.
type StateTransition struct {
	From    ReconcileState `json:"from"`
	To      ReconcileState `json:"to"`
	At      time.Time      `json:"at"`
	Message string         `json:"message,omitempty"`
}

// Principal is a workspace member.
type Principal struct {
	Identifier    string `json:"identifier"`
	PrincipalType string `json:"principalType"`
	Access        string `json:"access"`
}

// AccessOperation is one entry of a bulk membership update.
type AccessOperation struct {
	Operation     string `json:"operation"`
	Identifier    string `json:"identifier"`
	PrincipalType string `json:"principalType,omitempty"`
	Access        string `json:"groupUserAccessRight,omitempty"`
}
