package engine

import (
	"context"
	"errors"
	"testing"
)

func TestSnapshotDeployed(t *testing.T) {
	api := newFakePlatform()
	wsID := api.addWorkspace("analytics-dev")
	lakeID := api.addItem(wsID, "Bronze", ArtifactTypeLakehouse)
	api.addItem(wsID, "Load", "datapipeline")
	api.addItem(wsID, "Bronze", ArtifactTypeLakehouse)

	inv := NewArtifactInventory(api, nil, testRetry(newFakeClock()), testLogger)
	ws := WorkspaceHandle{Name: "analytics-dev", ID: wsID}

	deployed, err := inv.SnapshotDeployed(context.Background(), ws)
	if err != nil {
		t.Fatalf("failed to snapshot deployed items: %v", err)
	}
	if len(deployed) != 2 {
		t.Fatalf("expected 2 deployed items, got %d", len(deployed))
	}
	if got := deployed[KeyOf("Bronze", ArtifactTypeLakehouse)].RemoteID; got != lakeID {
		t.Errorf("expected the first duplicate to win, got %s", got)
	}
	if _, ok := deployed[KeyOf("Load", ArtifactTypePipeline)]; !ok {
		t.Error("expected pipeline type to be canonicalized")
	}

	if name, ok := inv.ResolveReference(lakeID, LookupDeployed); !ok || name != "Bronze" {
		t.Errorf("expected remote id to resolve to Bronze, got %q %v", name, ok)
	}

	if _, err := inv.SnapshotDeployed(context.Background(), WorkspaceHandle{Name: "x"}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected unresolved workspace to be rejected, got %v", err)
	}
}

func TestSnapshotDesiredRejectsDuplicates(t *testing.T) {
	tests := []struct {
		name      string
		artifacts []*ArtifactDescriptor
	}{
		{
			name: "same key",
			artifacts: []*ArtifactDescriptor{
				{DisplayName: "Load", Type: ArtifactTypePipeline},
				{DisplayName: "Load", Type: "DATAPIPELINE"},
			},
		},
		{
			name: "same logical id",
			artifacts: []*ArtifactDescriptor{
				{DisplayName: "Load", Type: ArtifactTypePipeline, LogicalID: "aaaa"},
				{DisplayName: "Other", Type: ArtifactTypeNotebook, LogicalID: "AAAA"},
			},
		},
		{
			name:      "missing name",
			artifacts: []*ArtifactDescriptor{{Type: ArtifactTypeNotebook}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := NewArtifactInventory(newFakePlatform(), &fakeSource{artifacts: tt.artifacts}, nil, testLogger)
			if _, err := inv.SnapshotDesired(context.Background(), "/repo", "workspace"); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestResolveLogicalID(t *testing.T) {
	source := &fakeSource{artifacts: []*ArtifactDescriptor{
		{DisplayName: "Extract", Type: ArtifactTypePipeline, LogicalID: "11111111-0000-0000-0000-000000000001"},
		{DisplayName: "Load", Type: ArtifactTypePipeline, LogicalID: "11111111-0000-0000-0000-000000000002"},
	}}
	inv := NewArtifactInventory(newFakePlatform(), source, nil, testLogger)
	if _, err := inv.SnapshotDesired(context.Background(), "/repo", "workspace"); err != nil {
		t.Fatalf("failed to snapshot desired artifacts: %v", err)
	}

	if name, ok := inv.ResolveReference("11111111-0000-0000-0000-000000000002", LookupRepository); !ok || name != "Load" {
		t.Errorf("expected logical id to resolve to Load, got %q %v", name, ok)
	}

	_, err := inv.ResolveLogicalID("11111111-0000-0000-0000-000000000001")
	if !errors.Is(err, ErrUnresolvedReference) {
		t.Fatalf("expected unresolved reference before deployment, got %v", err)
	}
	if _, err := inv.ResolveLogicalID("ffffffff-0000-0000-0000-000000000000"); !errors.Is(err, ErrUnresolvedReference) {
		t.Errorf("expected unresolved reference for an undeclared id, got %v", err)
	}

	inv.RecordDeployed(&ArtifactDescriptor{DisplayName: "Extract", Type: ArtifactTypePipeline, RemoteID: "remote-1"})

	id, err := inv.ResolveLogicalID("11111111-0000-0000-0000-000000000001")
	if err != nil {
		t.Fatalf("failed to resolve logical id after deployment: %v", err)
	}
	if id != "remote-1" {
		t.Errorf("expected remote-1, got %s", id)
	}
	if got, ok := inv.DeployedID(KeyOf("Extract", ArtifactTypePipeline)); !ok || got != "remote-1" {
		t.Errorf("expected deployed id remote-1, got %q %v", got, ok)
	}
}

func TestLogicalIDsLongestFirst(t *testing.T) {
	source := &fakeSource{artifacts: []*ArtifactDescriptor{
		{DisplayName: "A", Type: ArtifactTypeNotebook, LogicalID: "abc"},
		{DisplayName: "B", Type: ArtifactTypeNotebook, LogicalID: "abcdef"},
		{DisplayName: "C", Type: ArtifactTypeNotebook},
	}}
	inv := NewArtifactInventory(newFakePlatform(), source, nil, testLogger)
	if _, err := inv.SnapshotDesired(context.Background(), "/repo", ""); err != nil {
		t.Fatalf("failed to snapshot desired artifacts: %v", err)
	}

	ids := inv.LogicalIDs()
	if len(ids) != 2 || ids[0] != "abcdef" || ids[1] != "abc" {
		t.Errorf("expected [abcdef abc], got %v", ids)
	}
}
