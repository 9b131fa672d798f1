package agenttree

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// InMemoryRepository is a Repository backed by an in-process node table.
// It serves tests and single-process deployments; SCC ids are computed
// over the declared dependency edges with Tarjan's algorithm.
type InMemoryRepository struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	children map[string][]string
	// deps are directed dependency edges (distinct from the parent/child
	// tree): from → to with a weight.
	deps map[string]map[string]float64

	sccDirty bool
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		nodes:    make(map[string]*Node),
		children: make(map[string][]string),
		deps:     make(map[string]map[string]float64),
	}
}

// AddNode registers a node. Parent linkage comes from node.ParentID.
func (r *InMemoryRepository) AddNode(node *Node) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("node requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[node.ID]; exists {
		return fmt.Errorf("node %q already exists", node.ID)
	}
	if node.ParentID != "" {
		if _, ok := r.nodes[node.ParentID]; !ok {
			return fmt.Errorf("parent %q of node %q not found", node.ParentID, node.ID)
		}
		r.children[node.ParentID] = append(r.children[node.ParentID], node.ID)
	}
	copied := *node
	r.nodes[node.ID] = &copied
	r.sccDirty = true
	return nil
}

// AddDependency declares a weighted dependency edge between two nodes.
func (r *InMemoryRepository) AddDependency(from, to string, weight float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[from]; !ok {
		return fmt.Errorf("dependency source: %w: %s", ErrNodeNotFound, from)
	}
	if _, ok := r.nodes[to]; !ok {
		return fmt.Errorf("dependency target: %w: %s", ErrNodeNotFound, to)
	}
	if r.deps[from] == nil {
		r.deps[from] = make(map[string]float64)
	}
	r.deps[from][to] = weight
	r.sccDirty = true
	return nil
}

// GetChildren implements Repository.
func (r *InMemoryRepository) GetChildren(_ context.Context, nodeID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.nodes[nodeID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	out := make([]string, len(r.children[nodeID]))
	copy(out, r.children[nodeID])
	return out, nil
}

// GetParent implements Repository.
func (r *InMemoryRepository) GetParent(_ context.Context, nodeID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return node.ParentID, nil
}

// GetAgentMeta implements Repository. SCC ids are refreshed lazily.
func (r *InMemoryRepository) GetAgentMeta(_ context.Context, nodeID string) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshSCCsLocked()
	node, ok := r.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	copied := *node
	return &copied, nil
}

// IsLeafAgent implements Repository.
func (r *InMemoryRepository) IsLeafAgent(_ context.Context, nodeID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.nodes[nodeID]; !ok {
		return false, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return len(r.children[nodeID]) == 0, nil
}

// GetRootAgents implements Repository.
func (r *InMemoryRepository) GetRootAgents(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var roots []string
	for id, node := range r.nodes {
		if node.ParentID == "" {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots, nil
}

// GetInfluencedSubgraphWithSCC implements Repository.
func (r *InMemoryRepository) GetInfluencedSubgraphWithSCC(_ context.Context, root string, threshold float64, maxHops int) (*Subgraph, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshSCCsLocked()
	if _, ok := r.nodes[root]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, root)
	}

	// BFS over dependency edges at or above the weight threshold.
	visited := map[string]int{root: 0}
	queue := []string{root}
	sub := &Subgraph{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		hops := visited[cur]
		if maxHops > 0 && hops >= maxHops {
			continue
		}
		targets := make([]string, 0, len(r.deps[cur]))
		for to := range r.deps[cur] {
			targets = append(targets, to)
		}
		sort.Strings(targets)
		for _, to := range targets {
			w := r.deps[cur][to]
			if w < threshold {
				continue
			}
			sub.Edges = append(sub.Edges, SubgraphEdge{From: cur, To: to, Weight: w})
			if _, seen := visited[to]; !seen {
				visited[to] = hops + 1
				queue = append(queue, to)
			}
		}
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		node := r.nodes[id]
		sub.Nodes = append(sub.Nodes, SubgraphNode{
			ID: id,
			Properties: map[string]any{
				"name":       node.Name,
				"capability": node.Capability,
				"scc_id":     node.SCCID,
			},
		})
	}
	return sub, nil
}

// refreshSCCsLocked recomputes scc_id assignments with Tarjan's algorithm
// over the dependency edges. Caller holds the write lock.
func (r *InMemoryRepository) refreshSCCsLocked() {
	if !r.sccDirty {
		return
	}
	r.sccDirty = false

	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	sccCount := 0

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		targets := make([]string, 0, len(r.deps[v]))
		for to := range r.deps[v] {
			targets = append(targets, to)
		}
		sort.Strings(targets)
		for _, w := range targets {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && indices[w] < lowlink[v] {
				lowlink[v] = indices[w]
			}
		}

		if lowlink[v] == indices[v] {
			sccCount++
			sccID := fmt.Sprintf("scc-%d", sccCount)
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				r.nodes[w].SCCID = sccID
				if w == v {
					break
				}
			}
		}
	}

	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, seen := indices[id]; !seen {
			strongconnect(id)
		}
	}
}

// NodesInSCC returns the ids sharing the given scc_id, sorted.
func (r *InMemoryRepository) NodesInSCC(sccID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshSCCsLocked()
	var out []string
	for id, node := range r.nodes {
		if node.SCCID == sccID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
