package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/agenttree"
	"github.com/taskmesh/taskmesh/pkg/aggregator"
	"github.com/taskmesh/taskmesh/pkg/executor"
	"github.com/taskmesh/taskmesh/pkg/protocol"
	"github.com/taskmesh/taskmesh/pkg/store"
)

func TestLeafPrefersHTTPBindingOverWorkflow(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	tree := newTestTree(t, &agenttree.Node{
		ID: "fetch", Name: "item fetcher",
		HTTP:     &agenttree.HTTPBinding{Method: "GET", Path: "/v1/items", BaseURL: "http://api.internal"},
		Workflow: &agenttree.WorkflowBinding{WorkflowID: "wf-fetch"},
	})
	httpCap := &scriptedCap{name: executor.CapabilityHTTP,
		fn: func(call int, params map[string]any) (map[string]any, error) {
			return map[string]any{"output": "ok"}, nil
		}}
	deps := newAgentDeps(t, system, tree, []executor.Capability{httpCap}, nil)
	replyTo, box := spawnInbox(t, system, "caller")

	err := SpawnLeaf(context.Background(), deps, aggregator.AgentRequest{
		TaskID: "T1", TargetAgentID: "fetch", Instruction: "fetch all items", ReplyTo: replyTo,
	})
	require.NoError(t, err)

	res := recvResult(t, box)
	require.Equal(t, protocol.StatusSuccess, res.Status)

	params := httpCap.last()
	assert.Equal(t, "GET", params[executor.ParamMethod])
	assert.Equal(t, "/v1/items", params[executor.ParamPath])
	assert.Equal(t, "http://api.internal", params[executor.ParamBaseURL])
	assert.Equal(t, "fetch all items", params["input"])
	assert.NotContains(t, params, executor.ParamWorkflowID)
}

func TestLeafWorkflowBindingParams(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	tree := newTestTree(t, &agenttree.Node{
		ID: "report", Name: "report runner",
		Workflow: &agenttree.WorkflowBinding{
			WorkflowID: "wf-report", APIKey: "sk-node", BaseURL: "http://flows", DiscoverSchema: true,
		},
	})
	workflow := &scriptedCap{name: executor.CapabilityWorkflow,
		fn: func(call int, params map[string]any) (map[string]any, error) {
			return map[string]any{"output": "done"}, nil
		}}
	deps := newAgentDeps(t, system, tree, []executor.Capability{workflow}, nil)
	replyTo, box := spawnInbox(t, system, "caller")

	err := SpawnLeaf(context.Background(), deps, aggregator.AgentRequest{
		TaskID: "T2", TargetAgentID: "report", Instruction: "run the report",
		Params: map[string]any{"month": "2026-08"}, ReplyTo: replyTo,
	})
	require.NoError(t, err)

	res := recvResult(t, box)
	require.Equal(t, protocol.StatusSuccess, res.Status)

	params := workflow.last()
	assert.Equal(t, "wf-report", params[executor.ParamWorkflowID])
	assert.Equal(t, "sk-node", params[executor.ParamAPIKey])
	assert.Equal(t, "http://flows", params[executor.ParamBaseURL])
	assert.Equal(t, true, params[executor.ParamDiscoverSchema])
	assert.Equal(t, "2026-08", params["month"])
}

func TestLeafWithoutBindingIsTerminalError(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	tree := newTestTree(t, &agenttree.Node{ID: "bare", Name: "unbound node"})
	deps := newAgentDeps(t, system, tree, nil, nil)
	replyTo, box := spawnInbox(t, system, "caller")

	err := SpawnLeaf(context.Background(), deps, aggregator.AgentRequest{
		TaskID: "T3", TargetAgentID: "bare", Instruction: "do something", ReplyTo: replyTo,
	})
	require.NoError(t, err)

	res := recvResult(t, box)
	assert.Equal(t, protocol.StatusError, res.Status)
	assert.Contains(t, res.Error, "no backend binding")
}

func TestLeafUnknownNodeFailsTheSpawn(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	deps := newAgentDeps(t, system, newTestTree(t), nil, nil)
	replyTo, _ := spawnInbox(t, system, "caller")

	err := SpawnLeaf(context.Background(), deps, aggregator.AgentRequest{
		TaskID: "T4", TargetAgentID: "ghost", ReplyTo: replyTo,
	})
	assert.Error(t, err)
}

func TestLeafResolvesPointerArguments(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	// The pointer description should bind to the sibling data node via the
	// resolver's keyword fallback.
	tree := newTestTree(t,
		&agenttree.Node{ID: "corp", Name: "corporate"},
		&agenttree.Node{
			ID: "sales-db", ParentID: "corp", Name: "sales database",
			Description: "historical sales data by region",
		},
		&agenttree.Node{
			ID: "digest", ParentID: "corp", Name: "digest sender",
			Workflow: &agenttree.WorkflowBinding{WorkflowID: "wf-digest"},
			Args:     []agenttree.ArgSpec{{Name: "source", Type: "pointer"}},
		},
	)
	workflow := &scriptedCap{name: executor.CapabilityWorkflow,
		fn: func(call int, params map[string]any) (map[string]any, error) {
			return map[string]any{"output": "digested"}, nil
		}}
	deps := newAgentDeps(t, system, tree, []executor.Capability{workflow}, nil)
	replyTo, box := spawnInbox(t, system, "caller")

	err := SpawnLeaf(context.Background(), deps, aggregator.AgentRequest{
		TaskID: "T5", TargetAgentID: "digest", Instruction: "send the digest",
		Params:  map[string]any{"source": "historical sales data"},
		ReplyTo: replyTo,
	})
	require.NoError(t, err)

	res := recvResult(t, box)
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, "sales-db", workflow.last()["source"],
		"pointer-typed argument resolves to the matching node id")
}

func TestLeafCancelRepliesCancelled(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	tree := newTestTree(t, &agenttree.Node{
		ID: "slow", Name: "slow node",
		Workflow: &agenttree.WorkflowBinding{WorkflowID: "wf-slow"},
		Args:     []agenttree.ArgSpec{{Name: "token", Required: true}},
	})
	deps := newAgentDeps(t, system, tree, nil, nil)
	replyTo, box := spawnInbox(t, system, "caller")

	err := SpawnLeaf(context.Background(), deps, aggregator.AgentRequest{
		TaskID: "T6", TargetAgentID: "slow", Instruction: "wait for input", ReplyTo: replyTo,
	})
	require.NoError(t, err)

	// The missing required arg suspends the leaf before any external call.
	paused := recvPaused(t, box)
	assert.Equal(t, []string{"token"}, paused.MissingParams)

	rec, err := deps.Stores.Resumptions.Get(context.Background(), "T6")
	require.NoError(t, err)
	require.NotEmpty(t, rec.AggregatorAddresses, "the leaf appends itself to the resume chain")

	leaf, ok := system.Lookup(rec.AggregatorAddresses[len(rec.AggregatorAddresses)-1])
	require.True(t, ok)
	leaf.Send(protocol.CancelMessage{TaskID: "T6", ReplyTo: replyTo})

	res := recvResult(t, box)
	assert.Equal(t, protocol.StatusCancelled, res.Status)

	// The cancel reaches the suspended worker, which deregisters itself and
	// removes its resumption record.
	require.Eventually(t, func() bool {
		_, ok := system.Lookup(rec.WorkerAddress)
		return !ok
	}, 3*time.Second, 10*time.Millisecond, "cancel retires the suspended worker")
	require.Eventually(t, func() bool {
		_, err := deps.Stores.Resumptions.Get(context.Background(), "T6")
		return err != nil
	}, 3*time.Second, 10*time.Millisecond, "cancel removes the resumption record")
	_, err = deps.Stores.Resumptions.Get(context.Background(), "T6")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
