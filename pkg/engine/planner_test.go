package engine

import (
	"testing"
)

func snapshot(descs ...*ArtifactDescriptor) map[ArtifactKey]*ArtifactDescriptor {
	m := make(map[ArtifactKey]*ArtifactDescriptor, len(descs))
	for _, d := range descs {
		m[d.Key()] = d
	}
	return m
}

func names(descs []*ArtifactDescriptor) []string {
	out := make([]string, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.DisplayName)
	}
	return out
}

func TestComputePlan(t *testing.T) {
	deployed := snapshot(
		&ArtifactDescriptor{DisplayName: "X", Type: ArtifactTypeNotebook, RemoteID: "id-x"},
		&ArtifactDescriptor{DisplayName: "Y", Type: ArtifactTypeNotebook, RemoteID: "id-y"},
	)
	desired := snapshot(
		&ArtifactDescriptor{DisplayName: "Y", Type: ArtifactTypeNotebook},
		&ArtifactDescriptor{DisplayName: "Z", Type: ArtifactTypeNotebook},
	)

	plan := ComputePlan(deployed, desired)

	if got := names(plan.ToCreate); len(got) != 1 || got[0] != "Z" {
		t.Errorf("expected to create [Z], got %v", got)
	}
	if len(plan.ToUpdate) != 1 || plan.ToUpdate[0].Artifact.DisplayName != "Y" || plan.ToUpdate[0].RemoteID != "id-y" {
		t.Errorf("expected to update Y with id-y, got %+v", plan.ToUpdate)
	}
	if got := plan.DeleteIDs(); len(got) != 1 || got[0] != "id-x" {
		t.Errorf("expected to delete [id-x], got %v", got)
	}
	if s := plan.Summary(); s.ToCreate != 1 || s.ToUpdate != 1 || s.ToDelete != 1 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestComputePlanMatchesOnNameAndType(t *testing.T) {
	deployed := snapshot(&ArtifactDescriptor{DisplayName: "Sales", Type: ArtifactTypeLakehouse, RemoteID: "id-1"})
	desired := snapshot(&ArtifactDescriptor{DisplayName: "Sales", Type: ArtifactTypeNotebook})

	plan := ComputePlan(deployed, desired)
	if len(plan.ToCreate) != 1 || len(plan.ToDelete) != 1 || len(plan.ToUpdate) != 0 {
		t.Errorf("expected same name with another type to be create+delete, got %+v", plan.Summary())
	}
}

func TestComputePlanEmpty(t *testing.T) {
	plan := ComputePlan(nil, nil)
	if !plan.IsEmpty() {
		t.Errorf("expected empty plan, got %+v", plan.Summary())
	}
}

func TestDeployWaves(t *testing.T) {
	plan := &ReconciliationPlan{
		ToCreate: []*ArtifactDescriptor{
			{DisplayName: "Orchestrate", Type: ArtifactTypePipeline},
			{DisplayName: "bronze", Type: ArtifactTypeLakehouse},
			{DisplayName: "Clean", Type: ArtifactTypeNotebook},
		},
		ToUpdate: []PlannedUpdate{
			{Artifact: &ArtifactDescriptor{DisplayName: "Archive", Type: ArtifactTypeLakehouse}, RemoteID: "id-a"},
			{Artifact: &ArtifactDescriptor{DisplayName: "Extract", Type: ArtifactTypePipeline}, RemoteID: "id-e"},
		},
	}

	waves := deployWaves(plan)
	if len(waves) != 3 {
		t.Fatalf("expected 3 waves, got %d", len(waves))
	}

	want := [][]string{{"Archive", "bronze"}, {"Clean"}, {"Extract", "Orchestrate"}}
	for i, wave := range waves {
		if len(wave) != len(want[i]) {
			t.Fatalf("wave %d: expected %v, got %d artifacts", i, want[i], len(wave))
		}
		for j, u := range wave {
			if u.Artifact.DisplayName != want[i][j] {
				t.Errorf("wave %d position %d: expected %s, got %s", i, j, want[i][j], u.Artifact.DisplayName)
			}
		}
	}
	if waves[0][0].RemoteID != "id-a" {
		t.Errorf("expected update to carry its remote id, got %q", waves[0][0].RemoteID)
	}

	pipelines := pipelineBodies(plan)
	if len(pipelines) != 2 || pipelines[0].Name != "Extract" || pipelines[1].Name != "Orchestrate" {
		t.Errorf("unexpected pipeline bodies %v", pipelines)
	}
}

func TestArtifactTypeTiers(t *testing.T) {
	tests := []struct {
		typ           ArtifactType
		tier          int
		hasDefinition bool
	}{
		{ArtifactTypeLakehouse, 0, false},
		{ArtifactTypeEventhouse, 0, false},
		{ArtifactTypeKQLDatabase, 0, false},
		{ArtifactTypeEnvironment, 0, false},
		{ArtifactTypeNotebook, 1, true},
		{"SemanticModel", 1, true},
		{ArtifactTypePipeline, 2, true},
		{"datapipeline", 2, true},
	}
	for _, tt := range tests {
		if got := tt.typ.Tier(); got != tt.tier {
			t.Errorf("%s: expected tier %d, got %d", tt.typ, tt.tier, got)
		}
		if got := tt.typ.HasDefinition(); got != tt.hasDefinition {
			t.Errorf("%s: expected HasDefinition %v, got %v", tt.typ, tt.hasDefinition, got)
		}
	}
}
