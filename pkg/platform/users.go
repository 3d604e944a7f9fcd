package platform

import (
	"context"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

type workspaceUser struct {
	Identifier           string `json:"identifier"`
	PrincipalType        string `json:"principalType"`
	GroupUserAccessRight string `json:"groupUserAccessRight"`
}

type bulkUsersRequest struct {
	Operations []engine.AccessOperation `json:"operations"`
}

func usersPath(workspaceID string) string {
	return "workspaces/" + escapePath(workspaceID) + "/users"
}

// ListWorkspaceUsers returns the current members of the workspace.
func (c *Client) ListWorkspaceUsers(ctx context.Context, workspaceID string) ([]engine.Principal, error) {
	users, err := listAll[workspaceUser](ctx, c, "list_workspace_users", usersPath(workspaceID), nil)
	if err != nil {
		return nil, withResource(err, workspaceID)
	}
	out := make([]engine.Principal, 0, len(users))
	for _, u := range users {
		out = append(out, engine.Principal{
			Identifier:    u.Identifier,
			PrincipalType: u.PrincipalType,
			Access:        u.GroupUserAccessRight,
		})
	}
	return out, nil
}

// BulkUpdateWorkspaceUsers applies membership changes in one call.
func (c *Client) BulkUpdateWorkspaceUsers(ctx context.Context, workspaceID string, ops []engine.AccessOperation) error {
	if len(ops) == 0 {
		return nil
	}
	resp, err := c.post(ctx, "bulk_update_users", usersPath(workspaceID)+"/bulk", nil, bulkUsersRequest{Operations: ops})
	if err != nil {
		return withResource(err, workspaceID)
	}
	ensureReaderClosed(resp)
	return nil
}
