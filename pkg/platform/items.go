package platform

import (
	"context"
	"encoding/base64"
	"net/http"
	"path"
	"strings"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

const payloadTypeInlineBase64 = "InlineBase64"

type definitionPart struct {
	Path        string `json:"path"`
	Payload     string `json:"payload"`
	PayloadType string `json:"payloadType"`
}

type itemDefinition struct {
	Parts []definitionPart `json:"parts"`
}

type createItemRequest struct {
	DisplayName string          `json:"displayName"`
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Definition  *itemDefinition `json:"definition,omitempty"`
}

type updateDefinitionRequest struct {
	Definition itemDefinition `json:"definition"`
}

func encodeDefinition(parts []engine.DefinitionPart) *itemDefinition {
	if len(parts) == 0 {
		return nil
	}
	def := &itemDefinition{Parts: make([]definitionPart, 0, len(parts))}
	for _, p := range parts {
		def.Parts = append(def.Parts, definitionPart{
			Path:        strings.TrimLeft(path.Clean("/"+p.Path), "/"),
			Payload:     base64.StdEncoding.EncodeToString(p.Payload),
			PayloadType: payloadTypeInlineBase64,
		})
	}
	return def
}

func itemsPath(workspaceID string) string {
	return "workspaces/" + escapePath(workspaceID) + "/items"
}

// ListItems lists every item in the workspace.
func (c *Client) ListItems(ctx context.Context, workspaceID string) ([]engine.RemoteItem, error) {
	items, err := listAll[engine.RemoteItem](ctx, c, "list_items", itemsPath(workspaceID), nil)
	if err != nil {
		return nil, withResource(err, workspaceID)
	}
	return items, nil
}

// CreateItem creates an item. A 202 answer yields an Operation to poll.
func (c *Client) CreateItem(ctx context.Context, workspaceID string, req engine.ItemRequest) (*engine.ItemResponse, error) {
	body := createItemRequest{
		DisplayName: req.DisplayName,
		Type:        string(req.Type.Canonical()),
		Description: req.Description,
		Definition:  encodeDefinition(req.Definition),
	}
	resp, err := c.post(ctx, "create_item", itemsPath(workspaceID), nil, body)
	if err != nil {
		return nil, withResource(err, req.DisplayName)
	}
	out, err := c.itemResponse(resp)
	if err != nil {
		return nil, withResource(err, req.DisplayName)
	}
	if out.Item != nil && out.Item.WorkspaceID == "" {
		out.Item.WorkspaceID = workspaceID
	}
	return out, nil
}

// UpdateItemDefinition replaces the definition of an existing item.
func (c *Client) UpdateItemDefinition(ctx context.Context, workspaceID, itemID string, parts []engine.DefinitionPart) (*engine.ItemResponse, error) {
	def := encodeDefinition(parts)
	if def == nil {
		return nil, engine.NewValidationError("definition update without parts", nil).WithResource(itemID)
	}
	target := itemsPath(workspaceID) + "/" + escapePath(itemID) + "/updateDefinition"
	resp, err := c.post(ctx, "update_item_definition", target, nil, updateDefinitionRequest{Definition: *def})
	if err != nil {
		return nil, withResource(err, itemID)
	}
	return c.itemResponse(resp)
}

// DeleteItem deletes an item.
func (c *Client) DeleteItem(ctx context.Context, workspaceID, itemID string) error {
	resp, err := c.delete(ctx, "delete_item", itemsPath(workspaceID)+"/"+escapePath(itemID))
	if err != nil {
		return withResource(err, itemID)
	}
	ensureReaderClosed(resp)
	return nil
}

// itemResponse reads a create or update answer: 201 with the item, 202
// with an operation, or an empty 200.
func (c *Client) itemResponse(resp *http.Response) (*engine.ItemResponse, error) {
	if resp.StatusCode == http.StatusAccepted {
		defer ensureReaderClosed(resp)
		op, err := operationFromResponse(resp)
		if err != nil {
			return nil, err
		}
		return &engine.ItemResponse{Operation: op}, nil
	}

	var item engine.RemoteItem
	if err := decodeJSON(resp, &item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		return &engine.ItemResponse{}, nil
	}
	return &engine.ItemResponse{Item: &item}, nil
}
