package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ResolverOptions tunes the conflict path of the WorkspaceResolver.
type ResolverOptions struct {
	// ConflictLookupAttempts is how often the name is looked up again after a
	// create was rejected with a naming conflict.
	ConflictLookupAttempts int `yaml:"conflict_lookup_attempts" json:"conflict_lookup_attempts"`

	// ConflictLookupDelay is the fixed wait between those lookups.
	ConflictLookupDelay time.Duration `yaml:"conflict_lookup_delay" json:"conflict_lookup_delay"`
}

// DefaultResolverOptions returns three lookups two seconds apart.
func DefaultResolverOptions() ResolverOptions {
	return ResolverOptions{
		ConflictLookupAttempts: 3,
		ConflictLookupDelay:    2 * time.Second,
	}
}

// WorkspaceResolver turns a workspace name into a stable workspace id,
// creating the workspace when it does not exist.
type WorkspaceResolver struct {
	api    WorkspaceAPI
	retry  *RetryExecutor
	clock  Clock
	opts   ResolverOptions
	logger zerolog.Logger
}

// NewWorkspaceResolver creates a resolver.
func NewWorkspaceResolver(api WorkspaceAPI, retry *RetryExecutor, clock Clock, opts ResolverOptions, logger zerolog.Logger) *WorkspaceResolver {
	if retry == nil {
		retry = NewRetryExecutor(DefaultRetryPolicy())
	}
	if opts.ConflictLookupAttempts <= 0 {
		opts.ConflictLookupAttempts = DefaultResolverOptions().ConflictLookupAttempts
	}
	if opts.ConflictLookupDelay < 0 {
		opts.ConflictLookupDelay = 0
	}
	return &WorkspaceResolver{
		api:    api,
		retry:  retry,
		clock:  clockOrSystem(clock),
		opts:   opts,
		logger: logger.With().Str("component", "workspace-resolver").Logger(),
	}
}

// Resolve finds the workspace named name or creates it on capacityID. A
// create rejected because the name is taken falls back to repeated lookups
// and then to listing every visible workspace.
func (r *WorkspaceResolver) Resolve(ctx context.Context, name, capacityID string) (*WorkspaceHandle, error) {
	if strings.TrimSpace(name) == "" {
		return nil, NewValidationError("workspace name is empty", nil)
	}

	ctx, span := otel.Tracer("wsdeploy/engine").Start(ctx, "resolve_workspace")
	defer span.End()
	span.SetAttributes(attribute.String("workspace.name", name))

	logger := r.logger.With().Str("workspace", name).Logger()

	if ws, found, err := r.find(ctx, name); err != nil {
		return nil, err
	} else if found {
		logger.Info().Str("id", ws.ID).Msg("Found existing workspace")
		return &WorkspaceHandle{Name: name, ID: ws.ID}, nil
	}

	created, err := Retry(ctx, r.retry, "create_workspace", func(ctx context.Context) (*RemoteWorkspace, error) {
		return r.api.CreateWorkspace(ctx, name, capacityID)
	})
	if err == nil {
		logger.Info().Str("id", created.ID).Str("capacity", capacityID).Msg("Created workspace")
		span.SetAttributes(attribute.Bool("workspace.created", true))
		return &WorkspaceHandle{Name: name, ID: created.ID, Created: true}, nil
	}
	if !IsConflict(err) {
		return nil, fmt.Errorf("failed to create workspace %s: %w", name, err)
	}

	logger.Warn().Msg("Workspace name already taken, looking it up again")
	id, err := r.resolveConflict(ctx, name)
	if err != nil {
		return nil, err
	}
	return &WorkspaceHandle{Name: name, ID: id}, nil
}

// Lookup finds the workspace without ever creating it. found is false when
// no workspace carries the name.
func (r *WorkspaceResolver) Lookup(ctx context.Context, name string) (*WorkspaceHandle, bool, error) {
	ws, found, err := r.find(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if found {
		return &WorkspaceHandle{Name: name, ID: ws.ID}, true, nil
	}

	id, ok, err := r.scan(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return &WorkspaceHandle{Name: name, ID: id}, true, nil
}

// Delete removes the workspace. It is used as compensation when a first
// deployment into a freshly created workspace fails.
func (r *WorkspaceResolver) Delete(ctx context.Context, ws WorkspaceHandle) error {
	if !ws.Resolved() {
		return nil
	}
	err := r.retry.Do(ctx, "delete_workspace", func(ctx context.Context) error {
		return r.api.DeleteWorkspace(ctx, ws.ID)
	})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to delete workspace %s: %w", ws.Name, err)
	}
	r.logger.Info().Str("workspace", ws.Name).Str("id", ws.ID).Msg("Deleted workspace")
	return nil
}

func (r *WorkspaceResolver) resolveConflict(ctx context.Context, name string) (string, error) {
	for attempt := 1; attempt <= r.opts.ConflictLookupAttempts; attempt++ {
		ws, found, err := r.find(ctx, name)
		if err != nil {
			return "", err
		}
		if found {
			r.logger.Info().Str("workspace", name).Int("attempt", attempt).Str("id", ws.ID).Msg("Resolved workspace after conflict")
			return ws.ID, nil
		}
		if attempt < r.opts.ConflictLookupAttempts {
			if err := r.clock.Sleep(ctx, r.opts.ConflictLookupDelay); err != nil {
				return "", err
			}
		}
	}

	id, ok, err := r.scan(ctx, name)
	if err != nil {
		return "", err
	}
	if ok {
		r.logger.Info().Str("workspace", name).Str("id", id).Msg("Resolved workspace from full listing")
		return id, nil
	}

	return "", NewPermanentError(fmt.Sprintf("workspace %s exists but could not be found", name), nil).
		WithCode(ErrCodeWorkspaceUnresolvable).
		WithResource(name).
		WithDetail("lookup_attempts", r.opts.ConflictLookupAttempts)
}

func (r *WorkspaceResolver) find(ctx context.Context, name string) (*RemoteWorkspace, bool, error) {
	type result struct {
		ws    *RemoteWorkspace
		found bool
	}
	res, err := Retry(ctx, r.retry, "find_workspace", func(ctx context.Context) (result, error) {
		ws, found, err := r.api.FindWorkspace(ctx, name)
		return result{ws: ws, found: found}, err
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up workspace %s: %w", name, err)
	}
	if !res.found || res.ws == nil || res.ws.ID == "" {
		return nil, false, nil
	}
	return res.ws, true, nil
}

// scan lists every workspace and matches the display name exactly.
func (r *WorkspaceResolver) scan(ctx context.Context, name string) (string, bool, error) {
	all, err := Retry(ctx, r.retry, "list_workspaces", func(ctx context.Context) ([]RemoteWorkspace, error) {
		return r.api.ListWorkspaces(ctx)
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to list workspaces: %w", err)
	}
	for _, ws := range all {
		if ws.DisplayName == name && ws.ID != "" {
			return ws.ID, true, nil
		}
	}
	return "", false, nil
}
