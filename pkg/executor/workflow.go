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

// WorkflowCapability runs an application on the workflow platform. When the
// binding requests schema discovery the invocation is two-phase: first fetch
// the workflow's declared input schema, then post the run.
type WorkflowCapability struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

// NewWorkflowCapability creates the capability with platform-level
// fallbacks; per-call parameters override them.
func NewWorkflowCapability(baseURL, apiKey string, timeout time.Duration) *WorkflowCapability {
	return &WorkflowCapability{
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements Capability.
func (c *WorkflowCapability) Name() string { return CapabilityWorkflow }

// Timeout implements Capability.
func (c *WorkflowCapability) Timeout() time.Duration { return c.timeout }

// Execute implements Capability.
func (c *WorkflowCapability) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	workflowID := stringParam(params, ParamWorkflowID)
	if workflowID == "" {
		return nil, fmt.Errorf("workflow call requires %s", ParamWorkflowID)
	}
	baseURL := stringParam(params, ParamBaseURL)
	if baseURL == "" {
		baseURL = c.baseURL
	}
	apiKey := stringParam(params, ParamAPIKey)
	if apiKey == "" {
		apiKey = c.apiKey
	}
	inputs := payloadParams(params)

	if boolParam(params, ParamDiscoverSchema) {
		schema, err := c.fetchSchema(ctx, baseURL, apiKey, workflowID)
		if err != nil {
			return nil, fmt.Errorf("workflow schema discovery failed: %w", err)
		}
		// Discovery narrows the posted inputs to declared fields.
		inputs = filterToSchema(inputs, schema)
	}

	return c.run(ctx, baseURL, apiKey, workflowID, inputs)
}

type workflowSchema struct {
	Parameters []struct {
		Name string `json:"name"`
	} `json:"parameters"`
}

func (c *WorkflowCapability) fetchSchema(ctx context.Context, baseURL, apiKey, workflowID string) (*workflowSchema, error) {
	url := fmt.Sprintf("%s/workflows/%s/parameters", baseURL, workflowID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("schema endpoint returned %d", resp.StatusCode)
	}

	var schema workflowSchema
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&schema); err != nil {
		return nil, fmt.Errorf("decoding workflow schema: %w", err)
	}
	return &schema, nil
}

func filterToSchema(inputs map[string]any, schema *workflowSchema) map[string]any {
	declared := make(map[string]bool, len(schema.Parameters))
	for _, p := range schema.Parameters {
		declared[p.Name] = true
	}
	if len(declared) == 0 {
		return inputs
	}
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if declared[k] {
			out[k] = v
		}
	}
	return out
}

func (c *WorkflowCapability) run(ctx context.Context, baseURL, apiKey, workflowID string, inputs map[string]any) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{"inputs": inputs})
	if err != nil {
		return nil, fmt.Errorf("encoding workflow inputs: %w", err)
	}
	url := fmt.Sprintf("%s/workflows/%s/run", baseURL, workflowID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workflow run request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading workflow response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("workflow run returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out struct {
		RunID   string         `json:"run_id"`
		Outputs map[string]any `json:"outputs"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding workflow response: %w", err)
	}
	return map[string]any{"run_id": out.RunID, "outputs": out.Outputs}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
