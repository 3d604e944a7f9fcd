package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Defaults for runtime environment activation.
const (
	DefaultEnvironmentName = "Spark_Environment"
	DefaultRuntimeVersion  = "1.3"
)

// EnvironmentSettings selects the runtime environment made default in a workspace.
type EnvironmentSettings struct {
	Name           string `yaml:"name" json:"name"`
	RuntimeVersion string `yaml:"runtime_version" json:"runtime_version"`
}

// EnvironmentActivation is the outcome of an activation.
type EnvironmentActivation struct {
	EnvironmentID string
	PublishState  string
	Record        *DeploymentRecord
}

// EnvironmentActivator publishes a runtime environment and makes it the
// workspace default.
type EnvironmentActivator struct {
	api       EnvironmentAPI
	inventory *ArtifactInventory
	upserter  *ArtifactUpserter
	poller    *AsyncOperationPoller
	retry     *RetryExecutor
	clock     Clock
	logger    zerolog.Logger
}

// NewEnvironmentActivator creates an activator. The poller's policy is
// replaced by EnvironmentPollPolicy.
func NewEnvironmentActivator(
	api EnvironmentAPI,
	inventory *ArtifactInventory,
	upserter *ArtifactUpserter,
	poller *AsyncOperationPoller,
	retry *RetryExecutor,
	clock Clock,
	logger zerolog.Logger,
) *EnvironmentActivator {
	if retry == nil {
		retry = NewRetryExecutor(DefaultRetryPolicy())
	}
	return &EnvironmentActivator{
		api:       api,
		inventory: inventory,
		upserter:  upserter,
		poller:    poller.WithPolicy(EnvironmentPollPolicy()),
		retry:     retry,
		clock:     clockOrSystem(clock),
		logger:    logger.With().Str("component", "environment").Logger(),
	}
}

// Activate makes sure the environment exists, publishes it, waits for the
// publish to finish and sets it as the workspace default.
func (a *EnvironmentActivator) Activate(ctx context.Context, ws WorkspaceHandle, settings EnvironmentSettings) (*EnvironmentActivation, error) {
	if settings.Name == "" {
		settings.Name = DefaultEnvironmentName
	}
	if settings.RuntimeVersion == "" {
		settings.RuntimeVersion = DefaultRuntimeVersion
	}
	logger := a.logger.With().Str("workspace", ws.Name).Str("environment", settings.Name).Logger()

	out := &EnvironmentActivation{}
	key := KeyOf(settings.Name, ArtifactTypeEnvironment)
	envID, ok := a.inventory.DeployedID(key)
	if !ok {
		desc := &ArtifactDescriptor{DisplayName: settings.Name, Type: ArtifactTypeEnvironment}
		res, err := a.upserter.Upsert(ctx, ws, desc, "")
		if err != nil {
			return nil, fmt.Errorf("failed to create environment %s: %w", settings.Name, err)
		}
		envID = res.RemoteID
		out.Record = &DeploymentRecord{
			ArtifactType: ArtifactTypeEnvironment,
			ArtifactName: settings.Name,
			LocationID:   ws.ID,
			ArtifactID:   envID,
			Action:       res.Action,
			RecordedAt:   a.clock.Now(),
		}
		logger.Info().Str("id", envID).Msg("Created environment")
	}
	out.EnvironmentID = envID

	err := a.retry.Do(ctx, "publish_environment", func(ctx context.Context) error {
		return a.api.PublishEnvironment(ctx, ws.ID, envID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish environment %s: %w", settings.Name, err)
	}
	logger.Info().Msg("Environment publish requested")

	status, err := a.poller.PollUntil(ctx, "environment_publish", func(ctx context.Context) (OperationStatus, time.Duration, error) {
		raw, err := a.api.GetEnvironmentPublishState(ctx, ws.ID, envID)
		if err != nil {
			return "", 0, err
		}
		out.PublishState = raw
		return publishStatus(raw), 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("environment %s did not finish publishing: %w", settings.Name, err)
	}
	if status != OperationSucceeded {
		return nil, NewPermanentError(fmt.Sprintf("environment publish ended in state %q", out.PublishState), nil).
			WithCode(ErrCodeOperationFailed).
			WithResource(key.String())
	}

	err = a.retry.Do(ctx, "update_runtime_settings", func(ctx context.Context) error {
		return a.api.UpdateRuntimeSettings(ctx, ws.ID, settings.Name, settings.RuntimeVersion)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set default environment %s: %w", settings.Name, err)
	}

	logger.Info().Str("runtime_version", settings.RuntimeVersion).Msg("Environment set as workspace default")
	return out, nil
}

// publishStatus maps an environment publish state. Only "running" and
// states before it keep polling; every other state is terminal.
func publishStatus(raw string) OperationStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "running", "waiting", "notstarted":
		return OperationRunning
	case "success", "succeeded":
		return OperationSucceeded
	case "cancelled", "canceled":
		return OperationCancelled
	default:
		return OperationFailed
	}
}
