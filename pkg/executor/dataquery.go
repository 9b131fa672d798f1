package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// QueryRunner executes one data query and returns the row list.
type QueryRunner interface {
	Query(ctx context.Context, query string, binds map[string]any) ([]map[string]any, error)
}

// DataQueryCapability delegates a query string plus bind parameters to a
// data-access backend.
type DataQueryCapability struct {
	runner  QueryRunner
	timeout time.Duration
}

// NewDataQueryCapability creates the capability over the given runner.
func NewDataQueryCapability(runner QueryRunner, timeout time.Duration) *DataQueryCapability {
	return &DataQueryCapability{runner: runner, timeout: timeout}
}

// Name implements Capability.
func (c *DataQueryCapability) Name() string { return CapabilityDataQuery }

// Timeout implements Capability.
func (c *DataQueryCapability) Timeout() time.Duration { return c.timeout }

// Execute implements Capability.
func (c *DataQueryCapability) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	query := stringParam(params, ParamQuery)
	if query == "" {
		return nil, fmt.Errorf("data query requires %s", ParamQuery)
	}
	binds, _ := params[ParamBinds].(map[string]any)

	rows, err := c.runner.Query(ctx, query, binds)
	if err != nil {
		return nil, fmt.Errorf("data query failed: %w", err)
	}
	return map[string]any{"rows": rows, "count": len(rows)}, nil
}

// ERPQueryRunner runs data queries through the ERP HTTP API.
type ERPQueryRunner struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewERPQueryRunner creates a runner against the ERP query endpoint.
func NewERPQueryRunner(baseURL, token string, timeout time.Duration) *ERPQueryRunner {
	return &ERPQueryRunner{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Query implements QueryRunner.
func (r *ERPQueryRunner) Query(ctx context.Context, query string, binds map[string]any) ([]map[string]any, error) {
	body, err := json.Marshal(map[string]any{"query": query, "binds": binds})
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading query response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query endpoint returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out struct {
		Rows []map[string]any `json:"rows"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}
	return out.Rows, nil
}
