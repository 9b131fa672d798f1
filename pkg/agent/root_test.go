package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/agenttree"
	"github.com/taskmesh/taskmesh/pkg/executor"
	"github.com/taskmesh/taskmesh/pkg/llm"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/protocol"
	"github.com/taskmesh/taskmesh/pkg/store"
)

// notifyTree is the two-node fixture most root tests run against: an internal
// "ops" node with one workflow-bound leaf child.
func notifyTree(t *testing.T, args ...agenttree.ArgSpec) *agenttree.InMemoryRepository {
	t.Helper()
	return newTestTree(t,
		&agenttree.Node{ID: "ops", Name: "operations"},
		&agenttree.Node{
			ID: "notify", ParentID: "ops", Name: "notifier",
			Workflow: &agenttree.WorkflowBinding{WorkflowID: "wf-report"},
			Args:     args,
		},
	)
}

func TestRootRunsOneShotTaskToCompletion(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	workflow := &scriptedCap{name: executor.CapabilityWorkflow,
		fn: func(call int, params map[string]any) (map[string]any, error) {
			return map[string]any{"output": "sent"}, nil
		}}
	deps := newAgentDeps(t, system, notifyTree(t), []executor.Capability{workflow}, nil)
	_, err := Spawn(deps)
	require.NoError(t, err)
	replyTo, box := spawnInbox(t, system, "caller")

	root, ok := system.Lookup(Address)
	require.True(t, ok)
	root.Send(protocol.TaskMessage{
		TaskID: "T1", TraceID: "tr-1", TaskPath: "/0", UserID: "u1",
		Input: "send the weekly sales report", TargetAgentID: "notify", ReplyTo: replyTo,
	})

	res := recvResult(t, box)
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, "T1", res.TaskID)
	assert.Equal(t, "sent", res.Result["execute"])

	task, err := deps.Stores.Tasks.Get(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, "sent", task.Result["execute"])
	assert.NotNil(t, task.CompletedAt)
}

func TestRootPausesOnMissingParamAndResumes(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	workflow := &scriptedCap{name: executor.CapabilityWorkflow,
		fn: func(call int, params map[string]any) (map[string]any, error) {
			return map[string]any{"output": params["sku"]}, nil
		}}
	tree := notifyTree(t, agenttree.ArgSpec{Name: "sku", Type: "string", Required: true})
	deps := newAgentDeps(t, system, tree, []executor.Capability{workflow}, nil)
	_, err := Spawn(deps)
	require.NoError(t, err)
	replyTo, box := spawnInbox(t, system, "caller")

	root, _ := system.Lookup(Address)
	root.Send(protocol.TaskMessage{
		TaskID: "T2", UserID: "u1",
		Input: "publish the product announcement", TargetAgentID: "notify", ReplyTo: replyTo,
	})

	paused := recvPaused(t, box)
	assert.Equal(t, []string{"sku"}, paused.MissingParams)
	assert.Equal(t, "请提供sku：", paused.Question)

	task, err := deps.Stores.Tasks.Get(context.Background(), "T2")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusNeedInput, task.Status)

	root.Send(protocol.ResumeMessage{
		TaskID: "T2", UserID: "u1",
		Parameters: map[string]any{"sku": "SKU-42"}, ReplyTo: replyTo,
	})

	res := recvResult(t, box)
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, "SKU-42", res.Result["execute"])

	task, err = deps.Stores.Tasks.Get(context.Background(), "T2")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
}

func TestRootRegistersLoopTaskWithScheduler(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	deps := newAgentDeps(t, system, notifyTree(t), nil, nil)
	_, err := Spawn(deps)
	require.NoError(t, err)
	_, scheduled := spawnInbox(t, system, "scheduler")
	replyTo, box := spawnInbox(t, system, "caller")

	root, _ := system.Lookup(Address)
	root.Send(protocol.TaskMessage{
		TaskID: "L1", UserID: "u1",
		Input: "check inventory every 5 minutes", TargetAgentID: "notify", ReplyTo: replyTo,
	})

	res := recvResult(t, box)
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, true, res.Result["registered"])
	assert.Equal(t, string(models.TaskTypeLoop), res.Result["type"])

	msg := recvMsg(t, scheduled)
	reg, ok := msg.(protocol.RegisterLoopTask)
	require.True(t, ok, "expected RegisterLoopTask, got %T", msg)
	assert.Equal(t, "L1", reg.Record.TaskID)
	assert.Equal(t, Address, reg.Record.TargetAddress)
	assert.Equal(t, 60, reg.Record.Schedule.IntervalSec, "keyword path falls back to the default interval")
	assert.Nil(t, reg.Optimization)

	task, err := deps.Stores.Tasks.Get(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusScheduled, task.Status)
}

func TestRootFireExecutesStoredPlanAndReportsFeedback(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	workflow := &scriptedCap{name: executor.CapabilityWorkflow,
		fn: func(call int, params map[string]any) (map[string]any, error) {
			return map[string]any{"output": "checked"}, nil
		}}
	deps := newAgentDeps(t, system, notifyTree(t), []executor.Capability{workflow}, nil)
	_, err := Spawn(deps)
	require.NoError(t, err)
	_, optimized := spawnInbox(t, system, "optimizer")
	replyTo, box := spawnInbox(t, system, "caller")

	ctx := context.Background()
	task := &models.Task{
		ID: "L2", Type: models.TaskTypeLoop, Status: models.TaskStatusCreated,
		UserID: "u1", Utterance: "check inventory", TargetAgentID: "notify",
		Schedule: &models.Schedule{IntervalSec: 30},
		Plan: &models.ExecutionPlan{Steps: []models.PlanStep{{
			Seq: 1, Name: "execute", Class: models.ExecutorClassAgent,
			ExecutorID: "notify", Instruction: "check inventory",
		}}},
	}
	require.NoError(t, deps.Stores.Tasks.Create(ctx, task))
	_, err = deps.Stores.Tasks.Transition(ctx, "L2", models.TaskStatusScheduled, "")
	require.NoError(t, err)

	root, _ := system.Lookup(Address)
	root.Send(protocol.TaskMessage{
		TaskID: "L2", UserID: "u1", TargetAgentID: "notify",
		Params:       map[string]any{"tone": "bold"},
		ScheduleMeta: map[string]any{"fire_count": 1},
		ReplyTo:      replyTo,
	})

	res := recvResult(t, box)
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, "bold", workflow.last()["tone"], "fire parameters overlay the plan steps")

	msg := recvMsg(t, optimized)
	feedback, ok := msg.(protocol.ExecutionFeedbackMsg)
	require.True(t, ok, "expected ExecutionFeedbackMsg, got %T", msg)
	assert.True(t, feedback.Feedback.Success)
	assert.Equal(t, "bold", feedback.Feedback.Parameters["tone"])

	task, err = deps.Stores.Tasks.Get(ctx, "L2")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusScheduled, task.Status, "loop tasks stay SCHEDULED between fires")
	assert.NotNil(t, task.LastRunTime)
}

func TestRootRetryCreatesLinkedTask(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	workflow := &scriptedCap{name: executor.CapabilityWorkflow,
		fn: func(call int, params map[string]any) (map[string]any, error) {
			return map[string]any{"output": "sent"}, nil
		}}
	deps := newAgentDeps(t, system, notifyTree(t), []executor.Capability{workflow}, nil)
	_, err := Spawn(deps)
	require.NoError(t, err)
	replyTo, box := spawnInbox(t, system, "caller")

	ctx := context.Background()
	original := &models.Task{
		ID: "T9", Type: models.TaskTypeOneTime, Status: models.TaskStatusCreated,
		UserID: "u1", Utterance: "send the weekly sales report", TargetAgentID: "notify",
	}
	require.NoError(t, deps.Stores.Tasks.Create(ctx, original))
	_, err = deps.Stores.Tasks.Transition(ctx, "T9", models.TaskStatusRunning, "")
	require.NoError(t, err)
	_, err = deps.Stores.Tasks.Transition(ctx, "T9", models.TaskStatusFailed, "upstream exploded")
	require.NoError(t, err)

	root, _ := system.Lookup(Address)
	root.Send(protocol.TaskMessage{
		TaskID: "op-1", UserID: "u1", Input: "retry the report task",
		Params: map[string]any{"task_id": "T9"}, ReplyTo: replyTo,
	})

	res := recvResult(t, box)
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.True(t, len(res.TaskID) > len("T9-r") && res.TaskID[:4] == "T9-r",
		"retry runs under a fresh linked id, got %q", res.TaskID)

	kept, err := deps.Stores.Tasks.Get(ctx, "T9")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, kept.Status, "the original task keeps its terminal status")

	retried, err := deps.Stores.Tasks.Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "T9", retried.OriginalTaskID)
	assert.Equal(t, models.TaskStatusCompleted, retried.Status)
}

func TestRootRejectsDuplicateTask(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	deps := newAgentDeps(t, system, notifyTree(t), nil, nil)
	_, err := Spawn(deps)
	require.NoError(t, err)
	replyTo, box := spawnInbox(t, system, "caller")

	ctx := context.Background()
	require.NoError(t, deps.Stores.Tasks.Create(ctx, &models.Task{
		ID: "T5", Status: models.TaskStatusCreated, UserID: "u1", Utterance: "a task",
	}))
	_, err = deps.Stores.Tasks.Transition(ctx, "T5", models.TaskStatusRunning, "")
	require.NoError(t, err)

	root, _ := system.Lookup(Address)
	root.Send(protocol.TaskMessage{TaskID: "T5", UserID: "u1", Input: "draft a plan", ReplyTo: replyTo})

	res := recvResult(t, box)
	assert.Equal(t, protocol.StatusError, res.Status)
	assert.Contains(t, res.Error, "already exists")
}

func TestRootQueryTaskStatus(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	deps := newAgentDeps(t, system, notifyTree(t), nil, nil)
	_, err := Spawn(deps)
	require.NoError(t, err)
	replyTo, box := spawnInbox(t, system, "caller")

	ctx := context.Background()
	require.NoError(t, deps.Stores.Tasks.Create(ctx, &models.Task{
		ID: "T7", Status: models.TaskStatusCreated, UserID: "u1", Utterance: "sync the catalog",
	}))
	_, err = deps.Stores.Tasks.Transition(ctx, "T7", models.TaskStatusRunning, "")
	require.NoError(t, err)
	_, err = deps.Stores.Tasks.Transition(ctx, "T7", models.TaskStatusFailed, "catalog endpoint exploded")
	require.NoError(t, err)

	root, _ := system.Lookup(Address)
	root.Send(protocol.TaskMessage{
		TaskID: "q-1", UserID: "u1", Input: "what is the status of the catalog sync",
		Params: map[string]any{"task_id": "T7"}, ReplyTo: replyTo,
	})

	res := recvResult(t, box)
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, "q-1", res.TaskID)
	assert.Equal(t, "T7", res.Result["task_id"])
	assert.Equal(t, string(models.TaskStatusFailed), res.Result["status"])
	assert.Equal(t, "catalog endpoint exploded", res.Result["error"])
}

func TestRootCancelScheduledLoopTask(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	deps := newAgentDeps(t, system, notifyTree(t), nil, nil)
	_, err := Spawn(deps)
	require.NoError(t, err)
	_, scheduled := spawnInbox(t, system, "scheduler")
	replyTo, box := spawnInbox(t, system, "caller")

	ctx := context.Background()
	require.NoError(t, deps.Stores.Tasks.Create(ctx, &models.Task{
		ID: "L3", Type: models.TaskTypeLoop, Status: models.TaskStatusCreated,
		UserID: "u1", Utterance: "poll the warehouse",
		Schedule: &models.Schedule{IntervalSec: 30},
	}))
	_, err = deps.Stores.Tasks.Transition(ctx, "L3", models.TaskStatusScheduled, "")
	require.NoError(t, err)

	root, _ := system.Lookup(Address)
	root.Send(protocol.CancelMessage{TaskID: "L3", ReplyTo: replyTo})

	res := recvResult(t, box)
	assert.Equal(t, protocol.StatusCancelled, res.Status)

	msg := recvMsg(t, scheduled)
	cancel, ok := msg.(protocol.CancelLoopTask)
	require.True(t, ok, "expected CancelLoopTask, got %T", msg)
	assert.Equal(t, "L3", cancel.TaskID)

	task, err := deps.Stores.Tasks.Get(ctx, "L3")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)
}

func TestRootResumeFailsWhenWorkerIsLost(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	deps := newAgentDeps(t, system, notifyTree(t), nil, nil)
	_, err := Spawn(deps)
	require.NoError(t, err)
	replyTo, box := spawnInbox(t, system, "caller")

	ctx := context.Background()
	require.NoError(t, deps.Stores.Tasks.Create(ctx, &models.Task{
		ID: "T8", Status: models.TaskStatusCreated, UserID: "u1", Utterance: "order supplies",
	}))
	_, err = deps.Stores.Tasks.Transition(ctx, "T8", models.TaskStatusRunning, "")
	require.NoError(t, err)
	_, err = deps.Stores.Tasks.Transition(ctx, "T8", models.TaskStatusNeedInput, "")
	require.NoError(t, err)
	require.NoError(t, deps.Stores.Resumptions.Save(ctx, &models.ResumptionRecord{
		TaskID: "T8", WorkerAddress: "worker-died-with-the-last-pod",
		MissingParams: []string{"quantity"}, CreatedAt: time.Now().UTC(),
	}))

	root, _ := system.Lookup(Address)
	root.Send(protocol.ResumeMessage{
		TaskID: "T8", UserID: "u1",
		Parameters: map[string]any{"quantity": 3}, ReplyTo: replyTo,
	})

	res := recvResult(t, box)
	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "worker lost")

	task, err := deps.Stores.Tasks.Get(ctx, "T8")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	_, err = deps.Stores.Resumptions.Get(ctx, "T8")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRootCancelReleasesSuspendedWorker(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	workflow := &scriptedCap{name: executor.CapabilityWorkflow,
		fn: func(call int, params map[string]any) (map[string]any, error) {
			return map[string]any{"output": "never reached"}, nil
		}}
	tree := notifyTree(t, agenttree.ArgSpec{Name: "sku", Type: "string", Required: true})
	deps := newAgentDeps(t, system, tree, []executor.Capability{workflow}, nil)
	_, err := Spawn(deps)
	require.NoError(t, err)
	replyTo, box := spawnInbox(t, system, "caller")

	root, _ := system.Lookup(Address)
	root.Send(protocol.TaskMessage{
		TaskID: "T12", UserID: "u1",
		Input: "publish the product announcement", TargetAgentID: "notify", ReplyTo: replyTo,
	})
	recvPaused(t, box)

	ctx := context.Background()
	rec, err := deps.Stores.Resumptions.Get(ctx, "T12")
	require.NoError(t, err)
	_, alive := system.Lookup(rec.WorkerAddress)
	require.True(t, alive, "the suspended worker stays registered while waiting for input")

	root.Send(protocol.CancelMessage{TaskID: "T12", ReplyTo: replyTo})
	res := recvResult(t, box)
	assert.Equal(t, protocol.StatusCancelled, res.Status)

	task, err := deps.Stores.Tasks.Get(ctx, "T12")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)

	// The worker retires itself and removes its record on the way out.
	require.Eventually(t, func() bool {
		_, ok := system.Lookup(rec.WorkerAddress)
		return !ok
	}, 3*time.Second, 10*time.Millisecond, "cancel retires the suspended worker")
	require.Eventually(t, func() bool {
		_, err := deps.Stores.Resumptions.Get(ctx, "T12")
		return err != nil
	}, 3*time.Second, 10*time.Millisecond, "cancel removes the resumption record")
	_, err = deps.Stores.Resumptions.Get(ctx, "T12")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRootModifyParamsStoresOverlayWhenNotWaiting(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	classifier := llm.NewFake()
	classifier.DefaultOutput = `{"operation":"modify_task_params","confidence":0.9,"task_ref":"digest"}`
	deps := newAgentDeps(t, system, notifyTree(t), nil, classifier)
	_, err := Spawn(deps)
	require.NoError(t, err)
	replyTo, box := spawnInbox(t, system, "caller")

	ctx := context.Background()
	require.NoError(t, deps.Stores.Tasks.Create(ctx, &models.Task{
		ID: "L4", Type: models.TaskTypeLoop, Status: models.TaskStatusCreated,
		UserID: "u1", Utterance: "send the digest", Schedule: &models.Schedule{IntervalSec: 60},
	}))
	_, err = deps.Stores.Tasks.Transition(ctx, "L4", models.TaskStatusScheduled, "")
	require.NoError(t, err)

	root, _ := system.Lookup(Address)
	root.Send(protocol.TaskMessage{
		TaskID: "op-2", UserID: "u1", Input: "change the digest send_hour parameter",
		Params: map[string]any{"task_id": "L4", "send_hour": 8.0}, ReplyTo: replyTo,
	})

	res := recvResult(t, box)
	require.Equal(t, protocol.StatusSuccess, res.Status)

	task, err := deps.Stores.Tasks.Get(ctx, "L4")
	require.NoError(t, err)
	assert.Equal(t, 8.0, task.OptimizedParameters["send_hour"],
		"parameters land in the overlay when nothing is waiting for input")
}

func TestRootListTasks(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	deps := newAgentDeps(t, system, notifyTree(t), nil, nil)
	_, err := Spawn(deps)
	require.NoError(t, err)
	replyTo, box := spawnInbox(t, system, "caller")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, deps.Stores.Tasks.Create(ctx, &models.Task{
			ID: fmt.Sprintf("T-%d", i), Status: models.TaskStatusCreated,
			UserID: "u1", Utterance: fmt.Sprintf("task number %d", i),
		}))
	}
	require.NoError(t, deps.Stores.Tasks.Create(ctx, &models.Task{
		ID: "other", Status: models.TaskStatusCreated, UserID: "u2", Utterance: "not mine",
	}))

	root, _ := system.Lookup(Address)
	root.Send(protocol.TaskMessage{
		TaskID: "q-2", UserID: "u1", Input: "list tasks", ReplyTo: replyTo,
	})

	res := recvResult(t, box)
	require.Equal(t, protocol.StatusSuccess, res.Status)
	tasks, ok := res.Result["tasks"].([]map[string]any)
	require.True(t, ok)
	assert.Len(t, tasks, 3, "listing is scoped to the requesting user")
}
