package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPCapability performs one HTTP call against an arbitrary endpoint.
// Responses are returned as parsed JSON when possible, otherwise as
// {text, status_code}.
type HTTPCapability struct {
	baseURL string
	headers map[string]string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPCapability creates the capability. baseURL and headers are
// fallbacks applied when a call does not carry its own.
func NewHTTPCapability(baseURL string, headers map[string]string, timeout time.Duration) *HTTPCapability {
	return &HTTPCapability{
		baseURL: baseURL,
		headers: headers,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements Capability.
func (c *HTTPCapability) Name() string { return CapabilityHTTP }

// Timeout implements Capability.
func (c *HTTPCapability) Timeout() time.Duration { return c.timeout }

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// Execute implements Capability.
func (c *HTTPCapability) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	method := stringParam(params, ParamMethod)
	if !allowedMethods[method] {
		return nil, fmt.Errorf("http call: unsupported method %q", method)
	}
	path := stringParam(params, ParamPath)
	if path == "" {
		return nil, fmt.Errorf("http call requires %s", ParamPath)
	}
	baseURL := stringParam(params, ParamBaseURL)
	if baseURL == "" {
		baseURL = c.baseURL
	}
	payload := payloadParams(params)

	var (
		body  io.Reader
		query url.Values
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		query = url.Values{}
		for k, v := range payload {
			query.Set(k, fmt.Sprintf("%v", v))
		}
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding http body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	target := baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if headers, ok := params[ParamHeaders].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading http response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http call returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err == nil {
		return parsed, nil
	}
	return map[string]any{"text": string(raw), "status_code": resp.StatusCode}, nil
}
