package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/wsdeploy/pkg/engine"
)

// get sends an http GET request to the API.
func (c *Client) get(ctx context.Context, op, path string, query url.Values) (*http.Response, error) {
	return c.sendRequest(ctx, op, http.MethodGet, path, query, nil, nil)
}

// post sends an http POST request to the API. A nil body sends no content.
func (c *Client) post(ctx context.Context, op, path string, query url.Values, obj any) (*http.Response, error) {
	body, headers, err := prepareJSONRequest(obj, nil)
	if err != nil {
		return nil, err
	}
	return c.sendRequest(ctx, op, http.MethodPost, path, query, body, headers)
}

func (c *Client) patch(ctx context.Context, op, path string, obj any) (*http.Response, error) {
	body, headers, err := prepareJSONRequest(obj, nil)
	if err != nil {
		return nil, err
	}
	return c.sendRequest(ctx, op, http.MethodPatch, path, nil, body, headers)
}

func (c *Client) delete(ctx context.Context, op, path string) (*http.Response, error) {
	return c.sendRequest(ctx, op, http.MethodDelete, path, nil, nil, nil)
}

func prepareJSONRequest(obj any, headers http.Header) (io.Reader, http.Header, error) {
	if obj == nil {
		return nil, headers, nil
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(obj); err != nil {
		return nil, headers, engine.NewValidationError("failed to encode request body", err)
	}
	hdr := http.Header{}
	if headers != nil {
		hdr = headers.Clone()
	}
	hdr.Set("Content-Type", "application/json")
	return &buf, hdr, nil
}

// resolveURL joins path onto the API root. Absolute URLs, such as
// operation Location headers and continuation URIs, are used as given.
func (c *Client) resolveURL(path string, query url.Values) (string, error) {
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		u, err := url.Parse(path)
		if err != nil {
			return "", engine.NewValidationError("invalid absolute url", err).WithResource(path)
		}
		if len(query) > 0 {
			q := u.Query()
			for k, vs := range query {
				for _, v := range vs {
					q.Add(k, v)
				}
			}
			u.RawQuery = q.Encode()
		}
		return u.String(), nil
	}

	full := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	return full, nil
}

func (c *Client) buildRequest(ctx context.Context, method, target string, body io.Reader, headers http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, engine.NewValidationError("failed to build request", err)
	}
	for k, v := range headers {
		req.Header[http.CanonicalHeaderKey(k)] = v
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

func (c *Client) sendRequest(ctx context.Context, op, method, path string, query url.Values, body io.Reader, headers http.Header) (*http.Response, error) {
	target, err := c.resolveURL(path, query)
	if err != nil {
		return nil, err
	}
	req, err := c.buildRequest(ctx, method, target, body, headers)
	if err != nil {
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, engine.NewThrottledError("client request quota exhausted", 0, err).WithOperation(op)
		}
	}

	start := time.Now()
	resp, err := c.doRequest(op, req)
	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	c.metrics.RecordRemoteCall(op, status, time.Since(start))
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("operation", op).
		Str("method", method).
		Str("url", target).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Remote call completed")

	if err := checkResponseErr(op, resp); err != nil {
		ensureReaderClosed(resp)
		return nil, err
	}
	return resp, nil
}

// doRequest wraps http.Client.Do and classifies connection failures.
func (c *Client) doRequest(op string, req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err == nil {
		return resp, nil
	}

	// Context sentinels are returned as-is so callers can compare them.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, engine.NewTransientError("request timed out", err).WithOperation(op)
	}
	if tokenErr := classifyTokenError(op, err); tokenErr != nil {
		return nil, tokenErr
	}
	return nil, engine.NewTransientError(fmt.Sprintf("error during connect to %s", req.URL.Host), err).WithOperation(op)
}

func decodeJSON(resp *http.Response, v any) error {
	defer ensureReaderClosed(resp)
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return engine.NewTransientError("failed to decode response body", err)
	}
	return nil
}

func ensureReaderClosed(response *http.Response) {
	if response != nil && response.Body != nil {
		// Drain a little so the transport can reuse the connection.
		_, _ = io.CopyN(io.Discard, response.Body, 512)
		_ = response.Body.Close()
	}
}

func escapePath(segment string) string {
	return url.PathEscape(segment)
}
