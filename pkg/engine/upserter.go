package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ZeroGUID is the placeholder for "the current workspace" in artifact bodies.
const ZeroGUID = "00000000-0000-0000-0000-000000000000"

// maxDescriptionRunes is the platform's description length limit.
const maxDescriptionRunes = 256

// UpsertAPI is what the upserter needs from the platform.
type UpsertAPI interface {
	ItemAPI
	OperationAPI
}

// UpsertResult describes one created or updated artifact.
type UpsertResult struct {
	RemoteID   string
	Action     DeployAction
	BodyDigest string
}

// ArtifactUpserter creates or updates a single artifact after rewriting its
// logical references to remote ids.
type ArtifactUpserter struct {
	api       UpsertAPI
	inventory *ArtifactInventory
	poller    *AsyncOperationPoller
	retry     *RetryExecutor
	logger    zerolog.Logger
	metrics   Metrics
}

// NewArtifactUpserter creates an upserter.
func NewArtifactUpserter(
	api UpsertAPI,
	inventory *ArtifactInventory,
	poller *AsyncOperationPoller,
	retry *RetryExecutor,
	logger zerolog.Logger,
	metrics Metrics,
) *ArtifactUpserter {
	if retry == nil {
		retry = NewRetryExecutor(DefaultRetryPolicy())
	}
	if poller == nil {
		poller = NewAsyncOperationPoller(api, DefaultPollPolicy())
	}
	return &ArtifactUpserter{
		api:       api,
		inventory: inventory,
		poller:    poller,
		retry:     retry,
		logger:    logger.With().Str("component", "upserter").Logger(),
		metrics:   metricsOrNop(metrics),
	}
}

// Upsert deploys desc into ws. With an existing remote id the definition is
// updated, otherwise the artifact is created. The inventory learns the
// resulting remote id.
func (u *ArtifactUpserter) Upsert(ctx context.Context, ws WorkspaceHandle, desc *ArtifactDescriptor, existingRemoteID string) (*UpsertResult, error) {
	ctx, span := otel.Tracer("wsdeploy/engine").Start(ctx, "upsert_artifact")
	defer span.End()
	span.SetAttributes(
		attribute.String("artifact.name", desc.DisplayName),
		attribute.String("artifact.type", string(desc.Type)),
		attribute.String("workspace.id", ws.ID),
	)

	start := time.Now()
	result, err := u.upsert(ctx, ws, desc, existingRemoteID)

	action := string(ActionCreate)
	if existingRemoteID != "" {
		action = string(ActionUpdate)
	}
	if err != nil {
		u.metrics.RecordArtifact(string(desc.Type), action, "failed", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	u.metrics.RecordArtifact(string(desc.Type), string(result.Action), "succeeded", time.Since(start))
	span.SetAttributes(attribute.String("artifact.id", result.RemoteID), attribute.String("artifact.action", string(result.Action)))
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (u *ArtifactUpserter) upsert(ctx context.Context, ws WorkspaceHandle, desc *ArtifactDescriptor, existingRemoteID string) (*UpsertResult, error) {
	if !ws.Resolved() {
		return nil, NewValidationError("workspace is not resolved", nil).WithResource(ws.Name)
	}

	rewritten, err := u.Rewrite(ws, desc)
	if err != nil {
		return nil, err
	}
	digest := bodyDigest(rewritten.Body)

	logger := u.logger.With().Str("artifact", desc.DisplayName).Str("type", string(desc.Type)).Logger()

	if existingRemoteID != "" {
		if err := u.update(ctx, ws, rewritten, existingRemoteID); err != nil {
			return nil, err
		}
		logger.Info().Str("id", existingRemoteID).Msg("Updated artifact")
		return u.finish(rewritten, existingRemoteID, ActionUpdate, digest), nil
	}

	remoteID, err := u.create(ctx, ws, rewritten)
	if IsConflict(err) {
		existing, lookupErr := u.findExisting(ctx, ws, rewritten.Key())
		if lookupErr != nil {
			return nil, fmt.Errorf("%w (adopting existing item failed: %v)", err, lookupErr)
		}
		logger.Warn().Str("id", existing).Msg("Name already taken, updating the existing item")
		if err := u.update(ctx, ws, rewritten, existing); err != nil {
			return nil, err
		}
		return u.finish(rewritten, existing, ActionUpdate, digest), nil
	}
	if err != nil {
		return nil, err
	}

	logger.Info().Str("id", remoteID).Msg("Created artifact")
	return u.finish(rewritten, remoteID, ActionCreate, digest), nil
}

func (u *ArtifactUpserter) finish(desc *ArtifactDescriptor, remoteID string, action DeployAction, digest string) *UpsertResult {
	deployed := *desc
	deployed.RemoteID = remoteID
	u.inventory.RecordDeployed(&deployed)
	return &UpsertResult{RemoteID: remoteID, Action: action, BodyDigest: digest}
}

// Rewrite returns a copy of desc whose body and definition parts carry
// remote ids in place of logical ids and the workspace id in place of
// ZeroGUID. The sidecar and the artifact's own logical id are left alone.
func (u *ArtifactUpserter) Rewrite(ws WorkspaceHandle, desc *ArtifactDescriptor) (*ArtifactDescriptor, error) {
	out := desc.Clone()

	for _, lid := range u.inventory.LogicalIDs() {
		if strings.EqualFold(lid, desc.LogicalID) {
			continue
		}
		pattern := logicalIDPattern(lid)
		if !referencesID(out, pattern) {
			continue
		}

		remoteID, err := u.inventory.ResolveLogicalID(lid)
		if err != nil {
			return nil, fmt.Errorf("cannot rewrite references of %s: %w", desc.Key(), err)
		}

		replacement := []byte(remoteID)
		out.Body = pattern.ReplaceAllLiteral(out.Body, replacement)
		for i := range out.Parts {
			if !out.Parts[i].IsSidecar() {
				out.Parts[i].Payload = pattern.ReplaceAllLiteral(out.Parts[i].Payload, replacement)
			}
		}
	}

	if ws.ID != "" {
		zero, id := []byte(ZeroGUID), []byte(ws.ID)
		out.Body = bytes.ReplaceAll(out.Body, zero, id)
		for i := range out.Parts {
			if !out.Parts[i].IsSidecar() {
				out.Parts[i].Payload = bytes.ReplaceAll(out.Parts[i].Payload, zero, id)
			}
		}
	}

	return out, nil
}

// logicalIDPattern matches lid regardless of case; ids are GUIDs and
// authors paste them in either case.
func logicalIDPattern(lid string) *regexp.Regexp {
	return regexp.MustCompile("(?i)" + regexp.QuoteMeta(lid))
}

func referencesID(desc *ArtifactDescriptor, pattern *regexp.Regexp) bool {
	if pattern.Match(desc.Body) {
		return true
	}
	for _, p := range desc.Parts {
		if !p.IsSidecar() && pattern.Match(p.Payload) {
			return true
		}
	}
	return false
}

func (u *ArtifactUpserter) create(ctx context.Context, ws WorkspaceHandle, desc *ArtifactDescriptor) (string, error) {
	req := ItemRequest{
		DisplayName: desc.DisplayName,
		Type:        desc.Type.Canonical(),
		Description: truncateRunes(desc.Description, maxDescriptionRunes),
	}
	if desc.Type.HasDefinition() {
		req.Definition = desc.Definition()
	}

	resp, err := Retry(ctx, u.retry, "create_item", func(ctx context.Context) (*ItemResponse, error) {
		return u.api.CreateItem(ctx, ws.ID, req)
	})
	if err != nil {
		return "", err
	}

	if resp != nil && resp.Item != nil && resp.Item.ID != "" {
		return resp.Item.ID, nil
	}
	if resp != nil && resp.Operation != nil {
		item, err := u.await(ctx, desc, resp.Operation, true)
		if err != nil {
			return "", err
		}
		if item != nil && item.ID != "" {
			return item.ID, nil
		}
	}

	// Accepted without a usable result: the item is found by name.
	return u.findExisting(ctx, ws, desc.Key())
}

func (u *ArtifactUpserter) update(ctx context.Context, ws WorkspaceHandle, desc *ArtifactDescriptor, remoteID string) error {
	if !desc.Type.HasDefinition() {
		return nil
	}

	parts := desc.Definition()
	resp, err := Retry(ctx, u.retry, "update_item_definition", func(ctx context.Context) (*ItemResponse, error) {
		return u.api.UpdateItemDefinition(ctx, ws.ID, remoteID, parts)
	})
	if err != nil {
		return err
	}
	if resp != nil && resp.Operation != nil {
		_, err := u.await(ctx, desc, resp.Operation, false)
		return err
	}
	return nil
}

// await polls op to completion and, for creates, fetches the produced item.
func (u *ArtifactUpserter) await(ctx context.Context, desc *ArtifactDescriptor, op *Operation, fetchResult bool) (*RemoteItem, error) {
	status, err := u.poller.Poll(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", desc.Key(), err)
	}

	if status != OperationSucceeded {
		return nil, NewPermanentError(fmt.Sprintf("operation %s ended %s", op.Handle, status), nil).
			WithCode(ErrCodeOperationFailed).
			WithResource(desc.Key().String()).
			WithDetail("status", string(status))
	}
	if !fetchResult {
		return nil, nil
	}

	item, err := Retry(ctx, u.retry, "get_operation_result", func(ctx context.Context) (*RemoteItem, error) {
		return u.api.GetOperationResult(ctx, op)
	})
	if IsNotFound(err) {
		return nil, nil
	}
	return item, err
}

func (u *ArtifactUpserter) findExisting(ctx context.Context, ws WorkspaceHandle, key ArtifactKey) (string, error) {
	items, err := Retry(ctx, u.retry, "list_items", func(ctx context.Context) ([]RemoteItem, error) {
		return u.api.ListItems(ctx, ws.ID)
	})
	if err != nil {
		return "", err
	}
	for _, item := range items {
		if KeyOf(item.DisplayName, item.Type) == key {
			return item.ID, nil
		}
	}
	return "", NewNotFoundError(fmt.Sprintf("%s not found in workspace %s", key, ws.Name), nil).WithResource(key.String())
}

func bodyDigest(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
