package agenttree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTree(t *testing.T) *InMemoryRepository {
	t.Helper()
	repo := NewInMemoryRepository()
	require.NoError(t, repo.AddNode(&Node{ID: "root", Name: "company"}))
	require.NoError(t, repo.AddNode(&Node{ID: "sales", ParentID: "root", Name: "sales dept"}))
	require.NoError(t, repo.AddNode(&Node{ID: "ops", ParentID: "root", Name: "operations"}))
	require.NoError(t, repo.AddNode(&Node{ID: "reports", ParentID: "sales", Name: "report runner",
		Workflow: &WorkflowBinding{WorkflowID: "wf_42", APIKey: "K"}}))
	require.NoError(t, repo.AddNode(&Node{ID: "erp", ParentID: "ops", Name: "erp connector",
		HTTP: &HTTPBinding{Method: "POST", Path: "/products"}}))
	return repo
}

func TestInMemoryRepositoryBasics(t *testing.T) {
	repo := buildTree(t)
	ctx := context.Background()

	roots, err := repo.GetRootAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, roots)

	children, err := repo.GetChildren(ctx, "root")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sales", "ops"}, children)

	parent, err := repo.GetParent(ctx, "reports")
	require.NoError(t, err)
	assert.Equal(t, "sales", parent)

	leaf, err := repo.IsLeafAgent(ctx, "reports")
	require.NoError(t, err)
	assert.True(t, leaf)

	leaf, err = repo.IsLeafAgent(ctx, "sales")
	require.NoError(t, err)
	assert.False(t, leaf)

	_, err = repo.GetAgentMeta(ctx, "nope")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestSCCAssignment(t *testing.T) {
	repo := buildTree(t)
	// sales ⇄ ops form a cycle; reports hangs off it.
	require.NoError(t, repo.AddDependency("sales", "ops", 0.9))
	require.NoError(t, repo.AddDependency("ops", "sales", 0.8))
	require.NoError(t, repo.AddDependency("sales", "reports", 0.7))

	ctx := context.Background()
	salesMeta, err := repo.GetAgentMeta(ctx, "sales")
	require.NoError(t, err)
	opsMeta, err := repo.GetAgentMeta(ctx, "ops")
	require.NoError(t, err)
	reportsMeta, err := repo.GetAgentMeta(ctx, "reports")
	require.NoError(t, err)

	assert.Equal(t, salesMeta.SCCID, opsMeta.SCCID, "cycle members share an scc_id")
	assert.NotEqual(t, salesMeta.SCCID, reportsMeta.SCCID, "acyclic node gets its own scc_id")

	members := repo.NodesInSCC(salesMeta.SCCID)
	assert.ElementsMatch(t, []string{"sales", "ops"}, members)
}

func TestInfluencedSubgraph(t *testing.T) {
	repo := buildTree(t)
	require.NoError(t, repo.AddDependency("sales", "ops", 0.9))
	require.NoError(t, repo.AddDependency("ops", "erp", 0.5))
	require.NoError(t, repo.AddDependency("sales", "reports", 0.1))

	sub, err := repo.GetInfluencedSubgraphWithSCC(context.Background(), "sales", 0.4, 3)
	require.NoError(t, err)

	ids := make([]string, 0, len(sub.Nodes))
	for _, n := range sub.Nodes {
		ids = append(ids, n.ID)
	}
	// reports edge (0.1) is below threshold and must be pruned.
	assert.ElementsMatch(t, []string{"sales", "ops", "erp"}, ids)
	assert.Len(t, sub.Edges, 2)
	for _, n := range sub.Nodes {
		assert.Contains(t, n.Properties, "scc_id")
	}
}

func TestMaxHopsBound(t *testing.T) {
	repo := buildTree(t)
	require.NoError(t, repo.AddDependency("sales", "ops", 0.9))
	require.NoError(t, repo.AddDependency("ops", "erp", 0.9))

	sub, err := repo.GetInfluencedSubgraphWithSCC(context.Background(), "sales", 0, 1)
	require.NoError(t, err)

	ids := make([]string, 0, len(sub.Nodes))
	for _, n := range sub.Nodes {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []string{"sales", "ops"}, ids, "erp is two hops away")
}
