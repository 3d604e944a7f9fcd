package platform

import (
	"context"
	"net/url"
	"strings"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

// page is one page of a list endpoint.
type page[T any] struct {
	Value             []T    `json:"value"`
	ContinuationToken string `json:"continuationToken,omitempty"`
	ContinuationURI   string `json:"continuationUri,omitempty"`
}

// listAll follows continuation links until the last page.
func listAll[T any](ctx context.Context, c *Client, op, path string, query url.Values) ([]T, error) {
	var out []T
	seen := map[string]bool{}
	for {
		resp, err := c.get(ctx, op, path, query)
		if err != nil {
			return nil, err
		}
		var p page[T]
		if err := decodeJSON(resp, &p); err != nil {
			return nil, err
		}
		out = append(out, p.Value...)

		next := p.ContinuationURI
		if next == "" && p.ContinuationToken == "" {
			return out, nil
		}
		key := next + "|" + p.ContinuationToken
		if seen[key] {
			return nil, engine.NewTransientError("list pagination did not advance", nil).WithOperation(op)
		}
		seen[key] = true

		if next != "" {
			path, query = next, nil
			continue
		}
		q := url.Values{}
		for k, v := range query {
			if k != "continuationToken" {
				q[k] = v
			}
		}
		q.Set("continuationToken", p.ContinuationToken)
		query = q
	}
}

// FindWorkspace looks a workspace up by exact display name.
func (c *Client) FindWorkspace(ctx context.Context, name string) (*engine.RemoteWorkspace, bool, error) {
	query := url.Values{}
	query.Set("$filter", "displayName eq '"+strings.ReplaceAll(name, "'", "''")+"'")

	list, err := listAll[engine.RemoteWorkspace](ctx, c, "find_workspace", "workspaces", query)
	if err != nil {
		return nil, false, err
	}
	// The filter is advisory on some tenants; match exactly here.
	for i := range list {
		if list[i].DisplayName == name {
			ws := list[i]
			return &ws, true, nil
		}
	}
	return nil, false, nil
}

// ListWorkspaces lists every workspace visible to the caller.
func (c *Client) ListWorkspaces(ctx context.Context) ([]engine.RemoteWorkspace, error) {
	return listAll[engine.RemoteWorkspace](ctx, c, "list_workspaces", "workspaces", nil)
}

type createWorkspaceRequest struct {
	DisplayName string `json:"displayName"`
	CapacityID  string `json:"capacityId,omitempty"`
}

// CreateWorkspace creates a workspace on the given capacity.
func (c *Client) CreateWorkspace(ctx context.Context, name, capacityID string) (*engine.RemoteWorkspace, error) {
	resp, err := c.post(ctx, "create_workspace", "workspaces", nil, createWorkspaceRequest{
		DisplayName: name,
		CapacityID:  capacityID,
	})
	if err != nil {
		return nil, withResource(err, name)
	}
	var ws engine.RemoteWorkspace
	if err := decodeJSON(resp, &ws); err != nil {
		return nil, err
	}
	if ws.DisplayName == "" {
		ws.DisplayName = name
	}
	return &ws, nil
}

// DeleteWorkspace deletes a workspace and everything in it.
func (c *Client) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	resp, err := c.delete(ctx, "delete_workspace", "workspaces/"+escapePath(workspaceID))
	if err != nil {
		return withResource(err, workspaceID)
	}
	ensureReaderClosed(resp)
	return nil
}
