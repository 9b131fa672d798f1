// Package executor performs the engine's external calls. Each execution
// worker is a short-lived actor that makes exactly one call through a named
// capability; blocking inside a worker is tolerated because workers never
// share a goroutine with aggregator actors.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/pkg/config"
)

// Reserved parameter keys. Keys with a leading underscore carry call-site
// plumbing (bindings, queries); everything else is payload.
const (
	ParamWorkflowID     = "_workflow_id"
	ParamAPIKey         = "_api_key"
	ParamBaseURL        = "_base_url"
	ParamDiscoverSchema = "_discover_schema"
	ParamMethod         = "_method"
	ParamPath           = "_path"
	ParamHeaders        = "_headers"
	ParamQuery          = "_query"
	ParamBinds          = "_binds"
)

// Built-in capability names.
const (
	CapabilityWorkflow  = "workflow"
	CapabilityHTTP      = "http"
	CapabilityDataQuery = "data_query"
)

// Capability is one kind of external call.
type Capability interface {
	Name() string
	// Timeout bounds a single Execute call.
	Timeout() time.Duration
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Registry resolves capabilities by name. Acquisition of an unregistered
// capability fails loudly; registration happens at startup only.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds a capability. Duplicate names are a startup error.
func (r *Registry) Register(c Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[c.Name()]; exists {
		return fmt.Errorf("capability %q already registered", c.Name())
	}
	r.caps[c.Name()] = c
	return nil
}

// Get resolves a capability by name.
func (r *Registry) Get(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("capability %q not registered (known: %s)", name, strings.Join(r.names(), ", "))
	}
	return c, nil
}

func (r *Registry) names() []string {
	out := make([]string, 0, len(r.caps))
	for name := range r.caps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NewDefaultRegistry registers the built-in capabilities from configuration.
func NewDefaultRegistry(cfg config.ExecutorConfig) (*Registry, error) {
	r := NewRegistry()
	builtins := []Capability{
		NewWorkflowCapability(cfg.WorkflowBaseURL, cfg.WorkflowAPIKey, cfg.WorkflowTimeout),
		NewHTTPCapability("", nil, cfg.HTTPTimeout),
		NewDataQueryCapability(
			NewERPQueryRunner(cfg.ERPBaseURL, cfg.ERPToken, cfg.DataQueryTimeout),
			cfg.DataQueryTimeout),
	}
	for _, c := range builtins {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// payloadParams strips the reserved underscore-prefixed keys, leaving the
// caller's payload.
func payloadParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}
