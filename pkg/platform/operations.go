package platform

import (
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

type operationError struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

type operationStateResponse struct {
	Status          string          `json:"status"`
	PercentComplete int             `json:"percentComplete"`
	Error           *operationError `json:"error,omitempty"`
}

// operationFromResponse reads the Location, Retry-After and
// x-ms-operation-id headers of an accepted request.
func operationFromResponse(resp *http.Response) (*engine.Operation, error) {
	location := resp.Header.Get("Location")
	handle := resp.Header.Get("x-ms-operation-id")
	if handle == "" && location != "" {
		handle = path.Base(strings.TrimRight(strings.SplitN(location, "?", 2)[0], "/"))
	}
	if location == "" && handle == "" {
		return nil, engine.NewPermanentError("accepted response carries no Location header", nil).
			WithCode(engine.ErrCodeOperationFailed)
	}
	if location == "" {
		location = "operations/" + escapePath(handle)
	}
	return &engine.Operation{
		Handle:     handle,
		PollURL:    location,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), DefaultOperationRetryAfter),
		Status:     engine.OperationRunning,
	}, nil
}

// GetOperationState reads the current state of op from its poll location.
func (c *Client) GetOperationState(ctx context.Context, op *engine.Operation) (*engine.OperationState, error) {
	target := op.PollURL
	if target == "" {
		target = "operations/" + escapePath(op.Handle)
	}
	resp, err := c.get(ctx, "get_operation", target, nil)
	if err != nil {
		return nil, withResource(err, op.Handle)
	}
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), 0)

	var body operationStateResponse
	if err := decodeJSON(resp, &body); err != nil {
		return nil, err
	}
	state := &engine.OperationState{
		Status:          engine.ParseOperationStatus(body.Status),
		PercentComplete: body.PercentComplete,
		RetryAfter:      retryAfter,
	}
	if body.Error != nil {
		state.Error = strings.TrimSpace(body.Error.ErrorCode + " " + body.Error.Message)
	}
	return state, nil
}

// GetOperationResult returns the item produced by a succeeded operation.
func (c *Client) GetOperationResult(ctx context.Context, op *engine.Operation) (*engine.RemoteItem, error) {
	resp, err := c.get(ctx, "get_operation_result", "operations/"+escapePath(op.Handle)+"/result", nil)
	if err != nil {
		return nil, withResource(err, op.Handle)
	}
	var item engine.RemoteItem
	if err := decodeJSON(resp, &item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, engine.NewNotFoundError("operation result carries no item", nil).WithResource(op.Handle)
	}
	return &item, nil
}
