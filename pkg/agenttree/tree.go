// Package agenttree defines the read-only agent tree contract: the naming
// and authority space semantic pointers are resolved against, and the source
// of backend bindings for leaf agents. The persistent tree lives in an
// external repository; the core only consumes this interface.
package agenttree

import (
	"context"
	"errors"
)

// ErrNodeNotFound is returned for unknown node ids.
var ErrNodeNotFound = errors.New("agent node not found")

// WorkflowBinding binds a node to a workflow-platform application.
type WorkflowBinding struct {
	WorkflowID string `json:"workflow_id"`
	APIKey     string `json:"api_key,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	// DiscoverSchema requests the two-phase invocation: fetch the workflow's
	// declared input schema before running it.
	DiscoverSchema bool `json:"discover_schema,omitempty"`
}

// HTTPBinding binds a node to an HTTP endpoint template.
type HTTPBinding struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	BaseURL string            `json:"base_url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Empty reports whether the binding carries no usable endpoint.
func (b *HTTPBinding) Empty() bool {
	return b == nil || (b.Method == "" && b.Path == "")
}

// ArgSpec declares one parameter of a node's backend.
type ArgSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Node is the metadata of one agent tree node.
type Node struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`

	Name        string `json:"name"`
	Capability  string `json:"capability,omitempty"`
	Description string `json:"description,omitempty"`
	Datascope   string `json:"datascope,omitempty"`

	Workflow *WorkflowBinding `json:"dify,omitempty"`
	HTTP     *HTTPBinding     `json:"http,omitempty"`
	Args     []ArgSpec        `json:"args,omitempty"`

	// SCCID groups nodes forming a strongly-connected dependency cluster;
	// assigned by the repository.
	SCCID string `json:"scc_id,omitempty"`
}

// SubgraphNode is one node of an influence subgraph.
type SubgraphNode struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties,omitempty"`
}

// SubgraphEdge is one weighted dependency edge.
type SubgraphEdge struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Weight float64 `json:"weight"`
}

// Subgraph is the influence neighborhood of a node, annotated with SCC ids.
type Subgraph struct {
	Nodes []SubgraphNode `json:"nodes"`
	Edges []SubgraphEdge `json:"edges"`
}

// Repository is the read-only agent tree contract.
type Repository interface {
	GetChildren(ctx context.Context, nodeID string) ([]string, error)
	// GetParent returns "" for root nodes.
	GetParent(ctx context.Context, nodeID string) (string, error)
	GetAgentMeta(ctx context.Context, nodeID string) (*Node, error)
	IsLeafAgent(ctx context.Context, nodeID string) (bool, error)
	GetRootAgents(ctx context.Context) ([]string, error)
	// GetInfluencedSubgraphWithSCC returns the dependency neighborhood of
	// root, pruned to edges with weight >= threshold and paths of at most
	// maxHops, with scc_id set on each node's properties.
	GetInfluencedSubgraphWithSCC(ctx context.Context, root string, threshold float64, maxHops int) (*Subgraph, error)
}
