// Package resolver turns free-text parameter descriptions into semantic
// pointers by searching the agent tree layer by layer. Resolution is
// advisory: an unresolved description is prefixed and passed through so the
// downstream consumer can still reason about it.
package resolver

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

// UnresolvedPrefix marks a description the resolver could not bind.
const UnresolvedPrefix = "UNRESOLVED: "

// epsilon is the score window within which keyword candidates count as ties.
const epsilon = 1e-9

// CycleError is returned when the layered search revisits a layer it has
// already searched.
type CycleError struct {
	NodeID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("resolution cycle detected at layer of node %q", e.NodeID)
}

// Resolver performs hierarchical layered semantic search over the agent tree.
type Resolver struct {
	tree agenttree.Repository
	llm  llm.Client
}

// New creates a resolver. The LLM client may be nil; resolution then runs on
// the keyword fallback alone.
func New(tree agenttree.Repository, client llm.Client) *Resolver {
	return &Resolver{tree: tree, llm: client}
}

// Resolve maps each free-text parameter description to a semantic pointer,
// starting the search at the originating agent's parent layer. Unresolvable
// descriptions produce a pointer whose Resolved value carries
// UnresolvedPrefix; only cycle detection is a hard error.
func (r *Resolver) Resolve(ctx context.Context, originNodeID string, params map[string]string) (map[string]models.SemanticPointer, error) {
	out := make(map[string]models.SemanticPointer, len(params))

	// Deterministic iteration keeps resolution idempotent across calls.
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ptr, err := r.resolveOne(ctx, originNodeID, name, params[name])
		if err != nil {
			return nil, err
		}
		out[name] = ptr
	}
	return out, nil
}

// resolveOne runs the layered search for a single description.
func (r *Resolver) resolveOne(ctx context.Context, originNodeID, paramName, description string) (models.SemanticPointer, error) {
	ptr := models.SemanticPointer{ParamName: paramName, Original: description}

	parent, err := r.tree.GetParent(ctx, originNodeID)
	if err != nil {
		return ptr, fmt.Errorf("looking up parent of %s: %w", originNodeID, err)
	}

	visited := make(map[string]bool)
	drilled := make(map[string]bool)
	bubbled := make(map[string]bool)
	var chain []string

	for {
		layer, err := r.layerOf(ctx, parent)
		if err != nil {
			return ptr, err
		}
		signature := layerSignature(parent, layer)
		if visited[signature] {
			// Already-searched layer reached again while backing out of a
			// drilled branch that matched nothing: keep bubbling instead of
			// re-searching it. Bubbling through the same node twice in one
			// ascent means the parent chain loops.
			if parent == "" {
				ptr.Resolved = UnresolvedPrefix + description
				ptr.Chain = chain
				return ptr, nil
			}
			if bubbled[parent] {
				return ptr, &CycleError{NodeID: parent}
			}
			bubbled[parent] = true
			up, err := r.tree.GetParent(ctx, parent)
			if err != nil {
				return ptr, fmt.Errorf("bubbling up from %s: %w", parent, err)
			}
			parent = up
			continue
		}
		visited[signature] = true

		// A node whose subtree was already searched is no longer a candidate.
		candidates := layer[:0:0]
		for _, node := range layer {
			if !drilled[node.ID] {
				candidates = append(candidates, node)
			}
		}
		match, ambiguous, err := r.pickCandidate(ctx, candidates, description)
		if err != nil {
			return ptr, err
		}

		if match == nil {
			// No match in this layer: bubble up, or give up at the root.
			if parent == "" {
				ptr.Resolved = UnresolvedPrefix + description
				ptr.Chain = chain
				return ptr, nil
			}
			up, err := r.tree.GetParent(ctx, parent)
			if err != nil {
				return ptr, fmt.Errorf("bubbling up from %s: %w", parent, err)
			}
			parent = up
			continue
		}

		chain = append(chain, match.ID)
		ptr.Ambiguous = ptr.Ambiguous || ambiguous

		leaf, err := r.tree.IsLeafAgent(ctx, match.ID)
		if err != nil {
			return ptr, fmt.Errorf("checking leaf status of %s: %w", match.ID, err)
		}
		if leaf {
			ptr.Resolved = match.ID
			ptr.Chain = chain
			ptr.Confidence = confidenceFor(len(chain))
			return ptr, nil
		}
		// Drill into the matched internal node; each drill starts a fresh
		// bubble ascent.
		drilled[match.ID] = true
		bubbled = make(map[string]bool)
		parent = match.ID
	}
}

// layerOf returns the candidate nodes under parent ("" means the root layer).
func (r *Resolver) layerOf(ctx context.Context, parent string) ([]*agenttree.Node, error) {
	var ids []string
	var err error
	if parent == "" {
		ids, err = r.tree.GetRootAgents(ctx)
	} else {
		ids, err = r.tree.GetChildren(ctx, parent)
	}
	if err != nil {
		return nil, fmt.Errorf("loading search layer under %q: %w", parent, err)
	}

	nodes := make([]*agenttree.Node, 0, len(ids))
	for _, id := range ids {
		node, err := r.tree.GetAgentMeta(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading node %s: %w", id, err)
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func layerSignature(parent string, layer []*agenttree.Node) string {
	ids := make([]string, len(layer))
	for i, node := range layer {
		ids[i] = node.ID
	}
	return parent + "|" + strings.Join(ids, ",")
}

// pickCandidate asks the LLM to choose one candidate or none, falling back
// to keyword counting when the LLM is unavailable or answers out of set.
func (r *Resolver) pickCandidate(ctx context.Context, layer []*agenttree.Node, description string) (*agenttree.Node, bool, error) {
	if len(layer) == 0 {
		return nil, false, nil
	}

	if r.llm != nil {
		match, err := r.pickWithLLM(ctx, layer, description)
		if err == nil {
			return match, false, nil
		}
		slog.Warn("LLM candidate pick failed, using keyword fallback", "error", err)
	}
	match, ambiguous := pickByKeywords(layer, description)
	return match, ambiguous, nil
}

var pickSchema = llm.MustCompileSchema("resolver_pick.json", `{
	"type": "object",
	"properties": {
		"choice": {"type": "string"}
	},
	"required": ["choice"]
}`)

func (r *Resolver) pickWithLLM(ctx context.Context, layer []*agenttree.Node, description string) (*agenttree.Node, error) {
	var b strings.Builder
	for _, node := range layer {
		fmt.Fprintf(&b, "- id: %s | %s\n", node.ID, candidateText(node))
	}

	req := llm.Request{
		System: "You match a parameter description to exactly one candidate node, or none.",
		Prompt: fmt.Sprintf(
			"Description: %s\n\nCandidates:\n%s\nReply with JSON {\"choice\": \"<id>\"} using one of the listed ids, or {\"choice\": \"none\"}.",
			description, b.String()),
		Temperature: 0,
	}

	var out struct {
		Choice string `json:"choice"`
	}
	if err := llm.CompleteJSON(ctx, r.llm, req, pickSchema, &out); err != nil {
		return nil, err
	}
	if out.Choice == "" || strings.EqualFold(out.Choice, "none") {
		return nil, nil
	}
	for _, node := range layer {
		if node.ID == out.Choice {
			return node, nil
		}
	}
	return nil, fmt.Errorf("llm chose %q, not in candidate set", out.Choice)
}

// pickByKeywords counts description tokens appearing in each candidate's
// concatenated text. The highest count wins; a tie within epsilon marks the
// result ambiguous; zero matches means no candidate.
func pickByKeywords(layer []*agenttree.Node, description string) (*agenttree.Node, bool) {
	tokens := strings.Fields(strings.ToLower(description))
	if len(tokens) == 0 {
		return nil, false
	}

	var best *agenttree.Node
	bestScore := 0.0
	ambiguous := false
	for _, node := range layer {
		text := strings.ToLower(candidateText(node))
		score := 0.0
		for _, tok := range tokens {
			if strings.Contains(text, tok) {
				score++
			}
		}
		switch {
		case score > bestScore+epsilon:
			best, bestScore, ambiguous = node, score, false
		case score > 0 && score >= bestScore-epsilon && best != nil:
			ambiguous = true
		}
	}
	return best, ambiguous
}

func candidateText(node *agenttree.Node) string {
	parts := make([]string, 0, 4)
	for _, s := range []string{node.Name, node.Datascope, node.Capability, node.Description} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// confidenceFor derives confidence from the match path length: a direct
// match in the first layer scores highest, deep or bubbled paths lower.
func confidenceFor(pathLen int) float64 {
	c := 1.0 - 0.1*float64(pathLen-1)
	if c < 0.2 {
		return 0.2
	}
	return c
}
