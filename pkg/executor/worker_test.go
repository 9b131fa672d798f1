package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/agenttree"
	"github.com/taskmesh/taskmesh/pkg/protocol"
	"github.com/taskmesh/taskmesh/pkg/store"
)

type fakeCapability struct {
	name string
	fn   func(ctx context.Context, params map[string]any) (map[string]any, error)
}

func (f *fakeCapability) Name() string           { return f.name }
func (f *fakeCapability) Timeout() time.Duration { return time.Second }
func (f *fakeCapability) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	return f.fn(ctx, params)
}

// collector spawns an actor that forwards every received message to a channel.
func collector(t *testing.T, system *actor.System) (*actor.Ref, chan actor.Message) {
	t.Helper()
	ch := make(chan actor.Message, 16)
	ref, err := system.SpawnUnique("collector", actor.ReceiverFunc(
		func(_ context.Context, msg actor.Message) { ch <- msg }))
	require.NoError(t, err)
	return ref, ch
}

func recvCompleted(t *testing.T, ch chan actor.Message) protocol.ExecutionCompleted {
	t.Helper()
	select {
	case msg := <-ch:
		completed, ok := msg.(protocol.ExecutionCompleted)
		require.True(t, ok, "expected ExecutionCompleted, got %T", msg)
		return completed
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return protocol.ExecutionCompleted{}
	}
}

func TestWorkerPreflightNeedInputAndResume(t *testing.T) {
	ctx := context.Background()
	system := actor.NewSystem(ctx)
	defer func() { _ = system.Shutdown(context.Background()) }()

	var gotParams map[string]any
	registry := NewRegistry()
	require.NoError(t, registry.Register(&fakeCapability{
		name: "erp.create",
		fn: func(_ context.Context, params map[string]any) (map[string]any, error) {
			gotParams = params
			return map[string]any{"created": true}, nil
		},
	}))
	resumptions := store.NewMemoryResumptionStore()

	worker, err := SpawnWorker(system, registry, resumptions)
	require.NoError(t, err)
	replyTo, ch := collector(t, system)

	schema := []agenttree.ArgSpec{
		{Name: "name", Required: true},
		{Name: "sku", Required: true},
		{Name: "note", Required: false},
	}
	worker.Send(protocol.ExecuteRequest{
		TaskID:     "T2",
		Capability: "erp.create",
		Params:     map[string]any{"name": "widget"},
		Schema:     schema,
		ReplyTo:    replyTo,
	})

	paused := recvCompleted(t, ch)
	assert.Equal(t, protocol.StatusNeedInput, paused.Status)
	assert.Equal(t, []string{"sku"}, paused.MissingParams)
	assert.Equal(t, "请提供sku：", paused.Prompt)
	require.NotNil(t, paused.Worker)
	assert.Equal(t, worker.ID(), paused.Worker.ID())

	// The resumption record points back at the suspended worker.
	rec, err := resumptions.Get(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, worker.ID(), rec.WorkerAddress)
	assert.Equal(t, "widget", rec.OriginalParameters["name"])

	// Resume through the recorded address; merged params satisfy the schema.
	paused.Worker.Send(protocol.ResumeExecution{
		TaskID:     "T2",
		Parameters: map[string]any{"sku": "S1"},
	})
	done := recvCompleted(t, ch)
	assert.Equal(t, protocol.StatusSuccess, done.Status)
	assert.Equal(t, true, done.Result["created"])
	assert.Equal(t, "S1", gotParams["sku"])
	assert.Equal(t, "widget", gotParams["name"])

	_, err = resumptions.Get(ctx, "T2")
	assert.ErrorIs(t, err, store.ErrNotFound, "record cleared on completion")
}

func TestWorkerPausesAgainWhenStillIncomplete(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	registry := NewRegistry()
	resumptions := store.NewMemoryResumptionStore()
	worker, err := SpawnWorker(system, registry, resumptions)
	require.NoError(t, err)
	replyTo, ch := collector(t, system)

	schema := []agenttree.ArgSpec{
		{Name: "a", Required: true},
		{Name: "b", Required: true},
	}
	worker.Send(protocol.ExecuteRequest{
		TaskID: "T9", Capability: "x", Schema: schema, ReplyTo: replyTo,
		Params: map[string]any{},
	})
	first := recvCompleted(t, ch)
	assert.Equal(t, []string{"a", "b"}, first.MissingParams)

	// Supplying only one of two still suspends; empty strings don't count.
	worker.Send(protocol.ResumeExecution{TaskID: "T9", Parameters: map[string]any{"a": "1", "b": "  "}})
	second := recvCompleted(t, ch)
	assert.Equal(t, protocol.StatusNeedInput, second.Status)
	assert.Equal(t, []string{"b"}, second.MissingParams)
}

func TestWorkerFailsOnRemoteError(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&fakeCapability{
		name: "flaky",
		fn: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, assert.AnError
		},
	}))
	worker, err := SpawnWorker(system, registry, store.NewMemoryResumptionStore())
	require.NoError(t, err)
	replyTo, ch := collector(t, system)

	worker.Send(protocol.ExecuteRequest{
		TaskID: "T3", Capability: "flaky", ReplyTo: replyTo,
	})
	failed := recvCompleted(t, ch)
	assert.Equal(t, protocol.StatusFailed, failed.Status)
	assert.NotEmpty(t, failed.Error)
}

func TestWorkerErrorsOnUnknownCapability(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	worker, err := SpawnWorker(system, NewRegistry(), store.NewMemoryResumptionStore())
	require.NoError(t, err)
	replyTo, ch := collector(t, system)

	worker.Send(protocol.ExecuteRequest{TaskID: "T4", Capability: "nope", ReplyTo: replyTo})
	errored := recvCompleted(t, ch)
	assert.Equal(t, protocol.StatusError, errored.Status)
	assert.Contains(t, errored.Error, "not registered")
}

func TestMissingParams(t *testing.T) {
	schema := []agenttree.ArgSpec{
		{Name: "a", Required: true},
		{Name: "b", Required: false},
		{Name: "c", Required: true},
	}
	tests := []struct {
		name   string
		params map[string]any
		want   []string
	}{
		{"all missing", map[string]any{}, []string{"a", "c"}},
		{"empty string counts as missing", map[string]any{"a": "", "c": "x"}, []string{"a"}},
		{"whitespace counts as missing", map[string]any{"a": " ", "c": "x"}, []string{"a"}},
		{"nil counts as missing", map[string]any{"a": nil, "c": "x"}, []string{"a"}},
		{"non-string zero values pass", map[string]any{"a": 0, "c": false}, nil},
		{"satisfied", map[string]any{"a": "1", "c": "2"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, missingParams(schema, tt.params))
		})
	}
}

func TestRegistryDuplicateAndUnknown(t *testing.T) {
	r := NewRegistry()
	cap1 := &fakeCapability{name: "x", fn: nil}
	require.NoError(t, r.Register(cap1))
	require.Error(t, r.Register(&fakeCapability{name: "x"}))

	_, err := r.Get("y")
	require.Error(t, err)
	got, err := r.Get("x")
	require.NoError(t, err)
	assert.Same(t, Capability(cap1), got)
}
