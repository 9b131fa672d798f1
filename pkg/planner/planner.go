// Package planner turns a user utterance into an execution plan. Planning
// has two phases: semantic decomposition by the LLM over the target agent's
// direct children, and structural expansion of steps whose target belongs to
// a non-trivial dependency cluster.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/taskmesh/taskmesh/pkg/agenttree"
	"github.com/taskmesh/taskmesh/pkg/llm"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// PlanningError is returned when no valid plan can be produced.
type PlanningError struct {
	Reason string
}

func (e *PlanningError) Error() string {
	return "planning failed: " + e.Reason
}

// CycleError is returned when cluster linearization detects a loop in the
// condensation graph.
type CycleError struct {
	NodeID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected while expanding node %q", e.NodeID)
}

// Planner produces execution plans against the agent tree.
type Planner struct {
	tree agenttree.Repository
	llm  llm.Client

	// subgraph query bounds for structural expansion
	influenceThreshold float64
	maxHops            int
}

// New creates a planner.
func New(tree agenttree.Repository, client llm.Client) *Planner {
	return &Planner{tree: tree, llm: client, influenceThreshold: 0.1, maxHops: 3}
}

var planSchema = llm.MustCompileSchema("plan.json", `{
	"type": "object",
	"properties": {
		"steps": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"class": {"type": "string", "enum": ["AGENT", "TOOL"]},
					"executor_id": {"type": "string"},
					"instruction": {"type": "string"},
					"parameters": {"type": "object"},
					"is_parallel": {"type": "boolean"},
					"replica_count": {"type": "integer"},
					"aggregation": {"type": "string"}
				},
				"required": ["name", "class", "executor_id"]
			}
		}
	},
	"required": ["steps"]
}`)

type plannedStep struct {
	Name         string         `json:"name"`
	Class        string         `json:"class"`
	ExecutorID   string         `json:"executor_id"`
	Instruction  string         `json:"instruction"`
	Parameters   map[string]any `json:"parameters"`
	IsParallel   bool           `json:"is_parallel"`
	ReplicaCount int            `json:"replica_count"`
	Aggregation  string         `json:"aggregation"`
}

// Plan produces an execution plan for the utterance against the target
// agent. The plan is non-empty for any non-empty utterance: when the LLM is
// unavailable or returns garbage, a degenerate single-step plan targeting
// the agent itself is returned.
func (p *Planner) Plan(ctx context.Context, targetAgentID, utterance string, memoryContext map[string]any) (*models.ExecutionPlan, error) {
	if strings.TrimSpace(utterance) == "" {
		return nil, &PlanningError{Reason: "empty utterance"}
	}

	candidates, err := p.childCandidates(ctx, targetAgentID)
	if err != nil {
		return nil, err
	}

	steps, err := p.decompose(ctx, targetAgentID, utterance, memoryContext, candidates)
	if err != nil {
		slog.Warn("Semantic decomposition failed, using fallback plan",
			"target_agent_id", targetAgentID, "error", err)
		steps = p.fallbackSteps(targetAgentID, utterance)
	}

	expanded, err := p.expandClusters(ctx, steps, utterance)
	if err != nil {
		return nil, err
	}

	plan := &models.ExecutionPlan{Goal: utterance, Steps: renumber(expanded)}
	if err := plan.Validate(); err != nil {
		return nil, &PlanningError{Reason: err.Error()}
	}
	return plan, nil
}

func (p *Planner) childCandidates(ctx context.Context, targetAgentID string) ([]*agenttree.Node, error) {
	ids, err := p.tree.GetChildren(ctx, targetAgentID)
	if err != nil {
		return nil, fmt.Errorf("loading children of %s: %w", targetAgentID, err)
	}
	nodes := make([]*agenttree.Node, 0, len(ids))
	for _, id := range ids {
		node, err := p.tree.GetAgentMeta(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading candidate %s: %w", id, err)
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// decompose asks the LLM for an ordered step list. AGENT steps must target
// one of the direct children; anything outside that set is reclassed TOOL.
func (p *Planner) decompose(ctx context.Context, targetAgentID, utterance string, memoryContext map[string]any, candidates []*agenttree.Node) ([]models.PlanStep, error) {
	if p.llm == nil {
		return nil, fmt.Errorf("no llm client configured")
	}

	var b strings.Builder
	for _, node := range candidates {
		fmt.Fprintf(&b, "- id: %s | name: %s | capability: %s | %s\n",
			node.ID, node.Name, node.Capability, node.Description)
	}
	var memory string
	if len(memoryContext) > 0 {
		memory = fmt.Sprintf("\nContext: %v\n", memoryContext)
	}

	req := llm.Request{
		System: "You decompose a task into an ordered list of steps. " +
			"Steps of class AGENT must use an executor_id from the candidate list; " +
			"everything else is class TOOL. Reference earlier step outputs as \"$name\" parameter values.",
		Prompt: fmt.Sprintf(
			"Task: %s\n%s\nAGENT candidates:\n%s\nReply with JSON {\"steps\": [...]} per the schema.",
			utterance, memory, b.String()),
		Temperature: 0,
	}

	var out struct {
		Steps []plannedStep `json:"steps"`
	}
	if err := llm.CompleteJSON(ctx, p.llm, req, planSchema, &out); err != nil {
		return nil, err
	}
	if len(out.Steps) == 0 {
		return nil, fmt.Errorf("llm returned an empty step list")
	}

	candidateIDs := make(map[string]bool, len(candidates))
	for _, node := range candidates {
		candidateIDs[node.ID] = true
	}

	steps := make([]models.PlanStep, 0, len(out.Steps))
	for _, s := range out.Steps {
		class := models.ExecutorClass(s.Class)
		if class == models.ExecutorClassAgent && !candidateIDs[s.ExecutorID] {
			slog.Warn("Plan step targets node outside candidate set, reclassing as TOOL",
				"executor_id", s.ExecutorID)
			class = models.ExecutorClassTool
		}
		steps = append(steps, models.PlanStep{
			Name:         s.Name,
			Class:        class,
			ExecutorID:   s.ExecutorID,
			Instruction:  s.Instruction,
			Parameters:   s.Parameters,
			IsParallel:   s.IsParallel,
			ReplicaCount: s.ReplicaCount,
			Aggregation:  models.AggregationStrategy(s.Aggregation),
		})
	}
	return steps, nil
}

func (p *Planner) fallbackSteps(targetAgentID, utterance string) []models.PlanStep {
	return []models.PlanStep{{
		Name:        "execute",
		Class:       models.ExecutorClassAgent,
		ExecutorID:  targetAgentID,
		Instruction: utterance,
	}}
}

// expandClusters replaces each AGENT step whose target belongs to a
// non-trivial SCC with the cluster's coordinated steps, linearized by a
// topological sort over the condensation graph.
func (p *Planner) expandClusters(ctx context.Context, steps []models.PlanStep, utterance string) ([]models.PlanStep, error) {
	var out []models.PlanStep
	for _, step := range steps {
		if step.Class != models.ExecutorClassAgent {
			out = append(out, step)
			continue
		}
		node, err := p.tree.GetAgentMeta(ctx, step.ExecutorID)
		if err != nil {
			return nil, fmt.Errorf("loading plan target %s: %w", step.ExecutorID, err)
		}
		subgraph, err := p.tree.GetInfluencedSubgraphWithSCC(ctx, node.ID, p.influenceThreshold, p.maxHops)
		if err != nil {
			return nil, fmt.Errorf("loading influence subgraph of %s: %w", node.ID, err)
		}

		cluster := nodesInSameSCC(subgraph, node)
		if len(cluster) <= 1 {
			out = append(out, step)
			continue
		}

		clusterSteps, err := p.coordinateCluster(ctx, step, cluster, subgraph, utterance)
		if err != nil {
			return nil, err
		}
		out = append(out, clusterSteps...)
	}
	return out, nil
}

func nodesInSameSCC(subgraph *agenttree.Subgraph, node *agenttree.Node) []string {
	if node.SCCID == "" {
		return []string{node.ID}
	}
	var cluster []string
	for _, n := range subgraph.Nodes {
		if sccID, _ := n.Properties["scc_id"].(string); sccID == node.SCCID {
			cluster = append(cluster, n.ID)
		}
	}
	sort.Strings(cluster)
	if len(cluster) == 0 {
		cluster = []string{node.ID}
	}
	return cluster
}

var coordinationSchema = llm.MustCompileSchema("coordination.json", `{
	"type": "object",
	"properties": {
		"assignments": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"node_id": {"type": "string"},
					"instruction": {"type": "string"},
					"parameters": {"type": "object"}
				},
				"required": ["node_id"]
			}
		}
	},
	"required": ["assignments"]
}`)

type clusterAssignment struct {
	NodeID      string         `json:"node_id"`
	Instruction string         `json:"instruction"`
	Parameters  map[string]any `json:"parameters"`
}

// coordinateCluster asks the LLM for consistent per-node parameter sets over
// a dependency cluster, then emits one AGENT step per node in linearized
// order.
func (p *Planner) coordinateCluster(ctx context.Context, step models.PlanStep, cluster []string, subgraph *agenttree.Subgraph, utterance string) ([]models.PlanStep, error) {
	order, err := linearize(cluster, subgraph)
	if err != nil {
		return nil, err
	}

	assignments := make(map[string]clusterAssignment, len(cluster))
	if p.llm != nil {
		var b strings.Builder
		for _, id := range order {
			meta, err := p.tree.GetAgentMeta(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("loading cluster node %s: %w", id, err)
			}
			fmt.Fprintf(&b, "- id: %s | name: %s | %s\n", meta.ID, meta.Name, meta.Description)
		}
		req := llm.Request{
			System: "You coordinate a cluster of interdependent agents. Produce one " +
				"assignment per node with consistent parameters: uniform output format, " +
				"shared thresholds and naming across the whole cluster.",
			Prompt: fmt.Sprintf(
				"Goal: %s\nCluster instruction: %s\nCluster nodes:\n%s\nReply with JSON {\"assignments\": [...]} covering every node.",
				utterance, step.Instruction, b.String()),
			Temperature: 0,
		}
		var out struct {
			Assignments []clusterAssignment `json:"assignments"`
		}
		if err := llm.CompleteJSON(ctx, p.llm, req, coordinationSchema, &out); err != nil {
			slog.Warn("Cluster coordination failed, using cluster instruction verbatim", "error", err)
		} else {
			for _, a := range out.Assignments {
				assignments[a.NodeID] = a
			}
		}
	}

	steps := make([]models.PlanStep, 0, len(order))
	for _, id := range order {
		assigned := assignments[id]
		instruction := assigned.Instruction
		if instruction == "" {
			instruction = step.Instruction
		}
		steps = append(steps, models.PlanStep{
			Name:        step.Name + "_" + id,
			Class:       models.ExecutorClassAgent,
			ExecutorID:  id,
			Instruction: instruction,
			Parameters:  assigned.Parameters,
		})
	}
	return steps, nil
}

// linearize topologically sorts the cluster's nodes using the condensation
// of the subgraph: edges inside one SCC are collapsed, edges between SCCs
// order the groups. Within a group the order is lexicographic.
func linearize(cluster []string, subgraph *agenttree.Subgraph) ([]string, error) {
	inCluster := make(map[string]bool, len(cluster))
	for _, id := range cluster {
		inCluster[id] = true
	}
	sccOf := make(map[string]string, len(subgraph.Nodes))
	for _, n := range subgraph.Nodes {
		sccID, _ := n.Properties["scc_id"].(string)
		if sccID == "" {
			sccID = n.ID
		}
		sccOf[n.ID] = sccID
	}

	// Condensation edges restricted to the cluster's nodes.
	indegree := make(map[string]int)
	adjacency := make(map[string]map[string]bool)
	groups := make(map[string][]string)
	for _, id := range cluster {
		group := sccOf[id]
		groups[group] = append(groups[group], id)
		if _, ok := indegree[group]; !ok {
			indegree[group] = 0
		}
	}
	for _, e := range subgraph.Edges {
		if !inCluster[e.From] || !inCluster[e.To] {
			continue
		}
		from, to := sccOf[e.From], sccOf[e.To]
		if from == to {
			continue
		}
		if adjacency[from] == nil {
			adjacency[from] = make(map[string]bool)
		}
		if !adjacency[from][to] {
			adjacency[from][to] = true
			indegree[to]++
		}
	}

	var frontier []string
	for group, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, group)
		}
	}
	sort.Strings(frontier)

	var order []string
	processed := 0
	for len(frontier) > 0 {
		group := frontier[0]
		frontier = frontier[1:]
		processed++

		members := groups[group]
		sort.Strings(members)
		order = append(order, members...)

		var next []string
		for to := range adjacency[group] {
			indegree[to]--
			if indegree[to] == 0 {
				next = append(next, to)
			}
		}
		sort.Strings(next)
		frontier = append(frontier, next...)
	}
	if processed != len(groups) {
		return nil, &CycleError{NodeID: cluster[0]}
	}
	return order, nil
}

// renumber assigns monotonic sequence numbers and deduplicates symbolic
// names after expansion.
func renumber(steps []models.PlanStep) []models.PlanStep {
	seen := make(map[string]int, len(steps))
	for i := range steps {
		steps[i].Seq = i + 1
		name := steps[i].Name
		if name == "" {
			name = fmt.Sprintf("step_%d", i+1)
		}
		if count, dup := seen[name]; dup {
			seen[name] = count + 1
			name = fmt.Sprintf("%s_%d", name, count+1)
		} else {
			seen[name] = 1
		}
		steps[i].Name = name
	}
	return steps
}
