package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/agenttree"
	"github.com/taskmesh/taskmesh/pkg/config"
	"github.com/taskmesh/taskmesh/pkg/executor"
	"github.com/taskmesh/taskmesh/pkg/llm"
	"github.com/taskmesh/taskmesh/pkg/planner"
	"github.com/taskmesh/taskmesh/pkg/protocol"
	"github.com/taskmesh/taskmesh/pkg/resolver"
	"github.com/taskmesh/taskmesh/pkg/store"
)

// scriptedCap is a test capability whose behavior depends on the call index.
type scriptedCap struct {
	name string
	fn   func(call int, params map[string]any) (map[string]any, error)

	mu         sync.Mutex
	calls      int
	lastParams map[string]any
}

func (c *scriptedCap) Name() string           { return c.name }
func (c *scriptedCap) Timeout() time.Duration { return time.Second }

func (c *scriptedCap) Execute(_ context.Context, params map[string]any) (map[string]any, error) {
	c.mu.Lock()
	call := c.calls
	c.calls++
	c.lastParams = params
	c.mu.Unlock()
	return c.fn(call, params)
}

func (c *scriptedCap) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastParams
}

// inbox is a generic collecting actor for replies and fake well-known peers.
type inbox struct {
	msgs chan actor.Message
}

func spawnInbox(t *testing.T, system *actor.System, addr string) (*actor.Ref, *inbox) {
	t.Helper()
	box := &inbox{msgs: make(chan actor.Message, 32)}
	ref, err := system.Spawn(addr, actor.ReceiverFunc(func(_ context.Context, msg actor.Message) {
		box.msgs <- msg
	}))
	require.NoError(t, err)
	return ref, box
}

func recvMsg(t *testing.T, box *inbox) actor.Message {
	t.Helper()
	select {
	case msg := <-box.msgs:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func recvResult(t *testing.T, box *inbox) protocol.TaskResult {
	t.Helper()
	msg := recvMsg(t, box)
	res, ok := msg.(protocol.TaskResult)
	require.True(t, ok, "expected TaskResult, got %T", msg)
	return res
}

func recvPaused(t *testing.T, box *inbox) protocol.TaskPaused {
	t.Helper()
	msg := recvMsg(t, box)
	paused, ok := msg.(protocol.TaskPaused)
	require.True(t, ok, "expected TaskPaused, got %T", msg)
	return paused
}

func newTestTree(t *testing.T, nodes ...*agenttree.Node) *agenttree.InMemoryRepository {
	t.Helper()
	tree := agenttree.NewInMemoryRepository()
	for _, n := range nodes {
		require.NoError(t, tree.AddNode(n))
	}
	return tree
}

func newAgentDeps(t *testing.T, system *actor.System, tree agenttree.Repository, caps []executor.Capability, client llm.Client) *Deps {
	t.Helper()
	registry := executor.NewRegistry()
	for _, c := range caps {
		require.NoError(t, registry.Register(c))
	}
	return &Deps{
		System:        system,
		Tree:          tree,
		Stores:        store.NewMemoryStores(),
		Planner:       planner.New(tree, client),
		Resolver:      resolver.New(tree, client),
		LLM:           client,
		Registry:      registry,
		Retry:         config.RetryConfig{AgentStepRetries: 1},
		Loop:          config.LoopConfig{DefaultInterval: time.Minute},
		SchedulerAddr: "scheduler",
		OptimizerAddr: "optimizer",
	}
}
