package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ArtifactInventory holds the deployed and desired artifact sets of one run
// and maps identifiers between the repository and deployed spaces.
// It is safe for concurrent use.
type ArtifactInventory struct {
	items  ItemAPI
	source ArtifactSource
	retry  *RetryExecutor
	logger zerolog.Logger

	mu          sync.RWMutex
	desired     map[ArtifactKey]*ArtifactDescriptor
	deployed    map[ArtifactKey]*ArtifactDescriptor
	byLogicalID map[string]ArtifactKey
	byRemoteID  map[string]ArtifactKey
}

// NewArtifactInventory creates an empty inventory.
func NewArtifactInventory(items ItemAPI, source ArtifactSource, retry *RetryExecutor, logger zerolog.Logger) *ArtifactInventory {
	if retry == nil {
		retry = NewRetryExecutor(DefaultRetryPolicy())
	}
	return &ArtifactInventory{
		items:       items,
		source:      source,
		retry:       retry,
		logger:      logger.With().Str("component", "inventory").Logger(),
		desired:     make(map[ArtifactKey]*ArtifactDescriptor),
		deployed:    make(map[ArtifactKey]*ArtifactDescriptor),
		byLogicalID: make(map[string]ArtifactKey),
		byRemoteID:  make(map[string]ArtifactKey),
	}
}

// SnapshotDeployed lists the items of the workspace and replaces the
// deployed set with them.
func (inv *ArtifactInventory) SnapshotDeployed(ctx context.Context, ws WorkspaceHandle) (map[ArtifactKey]*ArtifactDescriptor, error) {
	if !ws.Resolved() {
		return nil, NewValidationError("workspace is not resolved", nil).WithResource(ws.Name)
	}

	items, err := Retry(ctx, inv.retry, "list_items", func(ctx context.Context) ([]RemoteItem, error) {
		return inv.items.ListItems(ctx, ws.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list items of workspace %s: %w", ws.Name, err)
	}

	deployed := make(map[ArtifactKey]*ArtifactDescriptor, len(items))
	byRemoteID := make(map[string]ArtifactKey, len(items))
	for _, item := range items {
		desc := &ArtifactDescriptor{
			DisplayName: item.DisplayName,
			Type:        item.Type.Canonical(),
			RemoteID:    item.ID,
			Description: item.Description,
			Source:      ws.ID,
		}
		key := desc.Key()
		if _, dup := deployed[key]; dup {
			inv.logger.Warn().Str("artifact", key.String()).Str("id", item.ID).Msg("Ignoring duplicate deployed item")
			continue
		}
		deployed[key] = desc
		byRemoteID[strings.ToLower(item.ID)] = key
	}

	inv.mu.Lock()
	inv.deployed = deployed
	inv.byRemoteID = byRemoteID
	inv.mu.Unlock()

	inv.logger.Debug().Str("workspace", ws.Name).Int("items", len(deployed)).Msg("Captured deployed snapshot")
	return copySnapshot(deployed), nil
}

// SnapshotDesired loads the artifacts of targetFolder and replaces the
// desired set with them. Duplicate keys or logical ids are rejected.
func (inv *ArtifactInventory) SnapshotDesired(ctx context.Context, repositoryRoot, targetFolder string) (map[ArtifactKey]*ArtifactDescriptor, error) {
	if inv.source == nil {
		return nil, NewValidationError("no artifact source configured", nil)
	}

	artifacts, err := inv.source.LoadArtifacts(ctx, repositoryRoot, targetFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to load artifacts from %s: %w", targetFolder, err)
	}

	desired := make(map[ArtifactKey]*ArtifactDescriptor, len(artifacts))
	byLogicalID := make(map[string]ArtifactKey, len(artifacts))
	for _, a := range artifacts {
		if a.DisplayName == "" || a.Type == "" {
			return nil, NewValidationError("artifact has no display name or type", nil).WithResource(a.Source)
		}
		key := a.Key()
		if prev, dup := desired[key]; dup {
			return nil, NewValidationError(fmt.Sprintf("duplicate artifact %s", key), nil).
				WithResource(a.Source).
				WithDetail("first", prev.Source)
		}
		if a.LogicalID != "" {
			lid := strings.ToLower(a.LogicalID)
			if other, dup := byLogicalID[lid]; dup {
				return nil, NewValidationError(
					fmt.Sprintf("logical id %s is declared by both %s and %s", a.LogicalID, other, key), nil).
					WithResource(a.Source)
			}
			byLogicalID[lid] = key
		}
		desired[key] = a
	}

	inv.mu.Lock()
	inv.desired = desired
	inv.byLogicalID = byLogicalID
	inv.mu.Unlock()

	inv.logger.Debug().Str("folder", targetFolder).Int("artifacts", len(desired)).Msg("Captured desired snapshot")
	return copySnapshot(desired), nil
}

// ResolveReference translates a logical id (repository space) or a remote id
// (deployed space) to the display name of the artifact it identifies.
func (inv *ArtifactInventory) ResolveReference(id string, mode LookupMode) (string, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	lid := strings.ToLower(strings.TrimSpace(id))
	switch mode {
	case LookupDeployed:
		key, ok := inv.byRemoteID[lid]
		if !ok {
			return "", false
		}
		return key.DisplayName, true
	default:
		key, ok := inv.byLogicalID[lid]
		if !ok {
			return "", false
		}
		return key.DisplayName, true
	}
}

// ResolveLogicalID returns the remote id of the artifact declaring
// logicalID. It fails with UnresolvedReference when that artifact has no
// remote identity yet.
func (inv *ArtifactInventory) ResolveLogicalID(logicalID string) (string, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	key, ok := inv.byLogicalID[strings.ToLower(logicalID)]
	if !ok {
		return "", NewPermanentError(fmt.Sprintf("logical id %s is not declared by any artifact", logicalID), nil).
			WithCode(ErrCodeUnresolvedReference).
			WithResource(logicalID)
	}
	deployed, ok := inv.deployed[key]
	if !ok || deployed.RemoteID == "" {
		return "", NewPermanentError(fmt.Sprintf("%s has not been deployed yet", key), nil).
			WithCode(ErrCodeUnresolvedReference).
			WithResource(key.String()).
			WithDetail("logical_id", logicalID)
	}
	return deployed.RemoteID, nil
}

// RecordDeployed registers the remote identity of a freshly deployed artifact.
func (inv *ArtifactInventory) RecordDeployed(desc *ArtifactDescriptor) {
	if desc == nil || desc.RemoteID == "" {
		return
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()

	key := desc.Key()
	inv.deployed[key] = &ArtifactDescriptor{
		DisplayName: desc.DisplayName,
		Type:        desc.Type.Canonical(),
		LogicalID:   desc.LogicalID,
		RemoteID:    desc.RemoteID,
		Description: desc.Description,
	}
	inv.byRemoteID[strings.ToLower(desc.RemoteID)] = key
}

// DeployedID returns the remote id of key, if deployed.
func (inv *ArtifactInventory) DeployedID(key ArtifactKey) (string, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	d, ok := inv.deployed[key]
	if !ok || d.RemoteID == "" {
		return "", false
	}
	return d.RemoteID, true
}

// LogicalIDs returns the declared logical ids of the desired set, longest
// first so that no id is rewritten as a prefix of another.
func (inv *ArtifactInventory) LogicalIDs() []string {
	inv.mu.RLock()
	ids := make([]string, 0, len(inv.desired))
	for _, a := range inv.desired {
		if a.LogicalID != "" {
			ids = append(ids, a.LogicalID)
		}
	}
	inv.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) > len(ids[j])
		}
		return ids[i] < ids[j]
	})
	return ids
}

func copySnapshot(m map[ArtifactKey]*ArtifactDescriptor) map[ArtifactKey]*ArtifactDescriptor {
	out := make(map[ArtifactKey]*ArtifactDescriptor, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
