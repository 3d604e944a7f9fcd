package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
)

// Bulk membership operations.
const (
	AccessOpAdd    = "add"
	AccessOpUpdate = "update"
	AccessOpRemove = "remove"
)

// ParsePrincipals parses a "|"-separated list of JSON objects with the keys
// identifier, principalType and access. Single quotes are accepted in place
// of double quotes. Exact duplicates are dropped; the same identifier with
// two different access rights is rejected.
func ParsePrincipals(raw string) ([]Principal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var principals []Principal
	seen := make(map[string]string)
	for _, chunk := range strings.Split(raw, "|") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		chunk = strings.ReplaceAll(chunk, "'", "\"")

		var fields map[string]string
		if err := json.Unmarshal([]byte(chunk), &fields); err != nil {
			return nil, NewValidationError(fmt.Sprintf("invalid principal entry %q", chunk), err)
		}
		p := Principal{
			Identifier:    strings.TrimSpace(fields["identifier"]),
			PrincipalType: strings.TrimSpace(fields["principalType"]),
			Access:        strings.TrimSpace(fields["access"]),
		}
		if p.Identifier == "" || p.PrincipalType == "" || p.Access == "" {
			return nil, NewValidationError(fmt.Sprintf("principal entry %q is missing identifier, principalType or access", chunk), nil)
		}

		id, access := strings.ToLower(p.Identifier), strings.ToLower(p.Access)
		if prev, ok := seen[id]; ok {
			if prev != access {
				return nil, NewValidationError(
					fmt.Sprintf("principal %s is listed with different access rights: %s and %s", p.Identifier, prev, access), nil).
					WithResource(p.Identifier)
			}
			continue
		}
		seen[id] = access
		principals = append(principals, p)
	}
	return principals, nil
}

// DiffAccess returns the bulk operations that turn current into desired:
// adds and updates in desired order, then removals sorted by identifier.
func DiffAccess(desired, current []Principal) []AccessOperation {
	have := make(map[string]Principal, len(current))
	for _, p := range current {
		have[strings.ToLower(p.Identifier)] = p
	}

	wanted := mapset.NewSet[string]()
	var ops []AccessOperation
	for _, p := range desired {
		id := strings.ToLower(p.Identifier)
		wanted.Add(id)

		cur, ok := have[id]
		switch {
		case !ok:
			ops = append(ops, AccessOperation{Operation: AccessOpAdd, Identifier: p.Identifier, PrincipalType: p.PrincipalType, Access: p.Access})
		case !strings.EqualFold(cur.Access, p.Access):
			ops = append(ops, AccessOperation{Operation: AccessOpUpdate, Identifier: p.Identifier, PrincipalType: p.PrincipalType, Access: p.Access})
		}
	}

	var removals []AccessOperation
	for id, p := range have {
		if !wanted.Contains(id) {
			removals = append(removals, AccessOperation{Operation: AccessOpRemove, Identifier: p.Identifier, PrincipalType: p.PrincipalType})
		}
	}
	sort.Slice(removals, func(i, j int) bool {
		return strings.ToLower(removals[i].Identifier) < strings.ToLower(removals[j].Identifier)
	})
	return append(ops, removals...)
}

// AccessSynchronizer makes workspace membership match a principal list.
type AccessSynchronizer struct {
	api    AccessAPI
	retry  *RetryExecutor
	logger zerolog.Logger
}

// NewAccessSynchronizer creates a synchronizer.
func NewAccessSynchronizer(api AccessAPI, retry *RetryExecutor, logger zerolog.Logger) *AccessSynchronizer {
	if retry == nil {
		retry = NewRetryExecutor(DefaultRetryPolicy())
	}
	return &AccessSynchronizer{
		api:    api,
		retry:  retry,
		logger: logger.With().Str("component", "access-sync").Logger(),
	}
}

// Sync applies the membership changes in one bulk call and returns them.
// Nothing is sent when membership already matches.
func (s *AccessSynchronizer) Sync(ctx context.Context, ws WorkspaceHandle, desired []Principal) ([]AccessOperation, error) {
	current, err := Retry(ctx, s.retry, "list_workspace_users", func(ctx context.Context) ([]Principal, error) {
		return s.api.ListWorkspaceUsers(ctx, ws.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list users of workspace %s: %w", ws.Name, err)
	}

	ops := DiffAccess(desired, current)
	if len(ops) == 0 {
		s.logger.Info().Str("workspace", ws.Name).Msg("Workspace access already up to date")
		return nil, nil
	}

	err = s.retry.Do(ctx, "bulk_update_workspace_users", func(ctx context.Context) error {
		return s.api.BulkUpdateWorkspaceUsers(ctx, ws.ID, ops)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update users of workspace %s: %w", ws.Name, err)
	}

	s.logger.Info().Str("workspace", ws.Name).Int("operations", len(ops)).Msg("Synchronized workspace access")
	return ops, nil
}
