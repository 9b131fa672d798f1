package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPCapabilityGetWithQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/products", r.URL.Path)
		assert.Equal(t, "widget", r.URL.Query().Get("name"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"found": true}`))
	}))
	defer srv.Close()

	c := NewHTTPCapability("", nil, 5*time.Second)
	out, err := c.Execute(context.Background(), map[string]any{
		ParamMethod:  "GET",
		ParamPath:    "/products",
		ParamBaseURL: srv.URL,
		"name":       "widget",
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["found"])
}

func TestHTTPCapabilityPostBodyAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "S1", body["sku"])
		assert.NotContains(t, body, ParamMethod, "reserved keys never leak into the body")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": "p1"}`))
	}))
	defer srv.Close()

	c := NewHTTPCapability(srv.URL, nil, 5*time.Second)
	out, err := c.Execute(context.Background(), map[string]any{
		ParamMethod:  "POST",
		ParamPath:    "/products",
		ParamHeaders: map[string]any{"Authorization": "Bearer tok"},
		"sku":        "S1",
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", out["id"])
}

func TestHTTPCapabilityNonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	c := NewHTTPCapability(srv.URL, nil, 5*time.Second)
	out, err := c.Execute(context.Background(), map[string]any{
		ParamMethod: "GET",
		ParamPath:   "/x",
	})
	require.NoError(t, err)
	assert.Equal(t, "plain text", out["text"])
	assert.Equal(t, http.StatusOK, out["status_code"])
}

func TestHTTPCapabilityErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPCapability(srv.URL, nil, 5*time.Second)
	_, err := c.Execute(context.Background(), map[string]any{
		ParamMethod: "GET", ParamPath: "/x",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	_, err = c.Execute(context.Background(), map[string]any{
		ParamMethod: "PATCH", ParamPath: "/x",
	})
	require.Error(t, err, "PATCH is outside the supported method set")
}

func TestWorkflowCapabilityTwoPhase(t *testing.T) {
	var schemaFetched bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/workflows/wf_42/parameters":
			schemaFetched = true
			assert.Equal(t, "Bearer K", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"parameters":[{"name":"period"}]}`))
		case "/workflows/wf_42/run":
			var body struct {
				Inputs map[string]any `json:"inputs"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "weekly", body.Inputs["period"])
			assert.NotContains(t, body.Inputs, "extra", "undeclared inputs are filtered after discovery")
			_, _ = w.Write([]byte(`{"run_id":"r1","outputs":{"report":"done"}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewWorkflowCapability(srv.URL, "K", 5*time.Second)
	out, err := c.Execute(context.Background(), map[string]any{
		ParamWorkflowID:     "wf_42",
		ParamDiscoverSchema: true,
		"period":            "weekly",
		"extra":             "ignored",
	})
	require.NoError(t, err)
	assert.True(t, schemaFetched)
	assert.Equal(t, "r1", out["run_id"])
	outputs, ok := out["outputs"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "done", outputs["report"])
}

func TestWorkflowCapabilitySinglePhase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/workflows/wf_7/run", r.URL.Path)
		_, _ = w.Write([]byte(`{"run_id":"r2","outputs":{}}`))
	}))
	defer srv.Close()

	c := NewWorkflowCapability(srv.URL, "K", 5*time.Second)
	out, err := c.Execute(context.Background(), map[string]any{ParamWorkflowID: "wf_7"})
	require.NoError(t, err)
	assert.Equal(t, "r2", out["run_id"])

	_, err = c.Execute(context.Background(), map[string]any{})
	require.Error(t, err, "workflow id is mandatory")
}

func TestDataQueryCapability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/query", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body struct {
			Query string         `json:"query"`
			Binds map[string]any `json:"binds"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "select * from products where sku = :sku", body.Query)
		_, _ = w.Write([]byte(`{"rows":[{"sku":"S1","stock":3}]}`))
	}))
	defer srv.Close()

	runner := NewERPQueryRunner(srv.URL, "tok", 5*time.Second)
	c := NewDataQueryCapability(runner, 5*time.Second)
	out, err := c.Execute(context.Background(), map[string]any{
		ParamQuery: "select * from products where sku = :sku",
		ParamBinds: map[string]any{"sku": "S1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out["count"])
	rows, ok := out["rows"].([]map[string]any)
	require.True(t, ok)
	assert.Equal(t, "S1", rows[0]["sku"])
}
