package platform

import (
	"context"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

type environmentResponse struct {
	ID         string `json:"id"`
	Properties struct {
		PublishDetails struct {
			State string `json:"state"`
		} `json:"publishDetails"`
	} `json:"properties"`
}

type sparkSettings struct {
	Environment sparkEnvironment `json:"environment"`
}

type sparkEnvironment struct {
	Name           string `json:"name"`
	RuntimeVersion string `json:"runtimeVersion"`
}

func environmentPath(workspaceID, environmentID string) string {
	return "workspaces/" + escapePath(workspaceID) + "/environments/" + escapePath(environmentID)
}

// PublishEnvironment publishes the staged state of an environment.
func (c *Client) PublishEnvironment(ctx context.Context, workspaceID, environmentID string) error {
	resp, err := c.post(ctx, "publish_environment", environmentPath(workspaceID, environmentID)+"/staging/publish", nil, nil)
	if err != nil {
		return withResource(err, environmentID)
	}
	ensureReaderClosed(resp)
	return nil
}

// GetEnvironmentPublishState returns properties.publishDetails.state.
func (c *Client) GetEnvironmentPublishState(ctx context.Context, workspaceID, environmentID string) (string, error) {
	resp, err := c.get(ctx, "get_environment", environmentPath(workspaceID, environmentID), nil)
	if err != nil {
		return "", withResource(err, environmentID)
	}
	var env environmentResponse
	if err := decodeJSON(resp, &env); err != nil {
		return "", err
	}
	return env.Properties.PublishDetails.State, nil
}

// UpdateRuntimeSettings makes the named environment the workspace default.
func (c *Client) UpdateRuntimeSettings(ctx context.Context, workspaceID, environmentName, runtimeVersion string) error {
	if environmentName == "" || runtimeVersion == "" {
		return engine.NewValidationError("environment name and runtime version are required", nil)
	}
	resp, err := c.patch(ctx, "update_spark_settings", "workspaces/"+escapePath(workspaceID)+"/spark/settings", sparkSettings{
		Environment: sparkEnvironment{Name: environmentName, RuntimeVersion: runtimeVersion},
	})
	if err != nil {
		return withResource(err, workspaceID)
	}
	ensureReaderClosed(resp)
	return nil
}
