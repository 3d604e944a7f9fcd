package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

// errCodeNameNotAvailableYet is returned while a deleted item's display
// name is still reserved.
const errCodeNameNotAvailableYet = "ItemDisplayNameNotAvailableYet"

const maxErrorBody = 1 << 20

// apiError is the error document returned by the platform.
type apiError struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

// checkResponseErr maps a non-2xx response onto the engine error taxonomy.
func checkResponseErr(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var body apiError
	if resp.Body != nil {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err == nil && len(raw) > 0 {
			if jsonErr := json.Unmarshal(raw, &body); jsonErr != nil || body.Message == "" {
				body.Message = strings.TrimSpace(string(raw))
			}
		}
	}
	if body.Message == "" {
		body.Message = http.StatusText(resp.StatusCode)
	}
	msg := fmt.Sprintf("%s returned %d: %s", op, resp.StatusCode, body.Message)
	cause := fmt.Errorf("status %d", resp.StatusCode)

	var out *engine.EngineError
	switch status := resp.StatusCode; {
	case status == http.StatusTooManyRequests:
		out = engine.NewThrottledError(msg, parseRetryAfter(resp.Header.Get("Retry-After"), 0), cause)
	case status == http.StatusRequestTimeout || status >= 500:
		out = engine.NewTransientError(msg, cause)
	case status == http.StatusConflict:
		if body.ErrorCode == errCodeNameNotAvailableYet {
			out = engine.NewTransientError(msg, cause)
		} else {
			out = engine.NewConflictError(msg, cause)
		}
	case status == http.StatusNotFound:
		out = engine.NewNotFoundError(msg, cause)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		out = engine.NewValidationError(msg, cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		out = engine.NewPermanentError(msg, cause).WithCode(engine.ErrCodePermissionDenied)
	default:
		out = engine.NewPermanentError(msg, cause).WithCode(engine.ErrCodeInternal)
	}

	out = out.WithOperation(op).WithDetail("status", resp.StatusCode)
	if body.ErrorCode != "" {
		out = out.WithDetail("error_code", body.ErrorCode)
	}
	if body.RequestID != "" {
		out = out.WithDetail("request_id", body.RequestID)
	}
	return out
}

// withResource tags a classified error with the resource it concerns.
func withResource(err error, resource string) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Resource == "" {
		ee.WithResource(resource)
	}
	return err
}

// classifyTokenError maps a failed token fetch. It returns nil when err is
// not a token error.
func classifyTokenError(op string, err error) error {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) {
		return nil
	}
	status := 0
	if rErr.Response != nil {
		status = rErr.Response.StatusCode
	}
	msg := "failed to acquire access token"
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return engine.NewTransientError(msg, err).WithOperation(op)
	}
	return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodePermissionDenied).WithOperation(op)
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. fallback is returned when the header is absent or unreadable.
func parseRetryAfter(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
