// Package aggregator contains the actors that drive an execution plan:
// the task-group aggregator runs a plan strictly step-by-step, the result
// aggregator owns the retry policy for agent-class steps, and the parallel
// aggregator fans one step out over N replicas and reduces.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/config"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/executor"
	"github.com/taskmesh/taskmesh/pkg/llm"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/protocol"
	"github.com/taskmesh/taskmesh/pkg/store"
)

// AgentRequest asks for one agent-class execution against a tree node. The
// responder delivers a protocol.TaskResult (or TaskPaused) to ReplyTo.
type AgentRequest struct {
	TaskID        string
	TraceID       string
	TaskPath      string
	UserID        string
	Goal          string
	TargetAgentID string
	Instruction   string
	Params        map[string]any
	ReplyTo       *actor.Ref
}

// AgentSpawner launches agent-class execution for a plan step. The concrete
// implementation lives with the agents; the interface keeps this package
// free of a dependency on them.
type AgentSpawner interface {
	SpawnAgent(ctx context.Context, req AgentRequest) error
}

// Deps bundles the collaborator handles the aggregator actors need. Bus may
// be nil; everything else is required.
type Deps struct {
	System      *actor.System
	Registry    *executor.Registry
	Resumptions store.ResumptionStore
	Spawner     AgentSpawner
	LLM         llm.Client
	Bus         *events.Bus
	Retry       config.RetryConfig
}

func (d Deps) emit(traceID string, eventType events.EventType, source string, level events.Level, data map[string]any) {
	if d.Bus != nil {
		d.Bus.Emit(traceID, eventType, source, level, data)
	}
}

// stepRequest is one dispatchable unit: a plan step plus its threaded
// parameters and the envelope it runs under.
type stepRequest struct {
	TaskID   string
	TraceID  string
	TaskPath string
	UserID   string
	Goal     string
	Step     models.PlanStep
	Params   map[string]any
	ReplyTo  *actor.Ref
}

// dispatchStep routes one step: parallel steps go to a parallel aggregator,
// agent-class steps to a result aggregator (which owns retries), tool-class
// steps straight to an execution worker. An unknown class falls back to the
// result aggregator path with a warning.
func dispatchStep(ctx context.Context, deps Deps, req stepRequest) error {
	if req.Step.IsParallel {
		ref, err := SpawnParallel(deps)
		if err != nil {
			return err
		}
		ref.Send(protocol.ParallelRequest{
			TaskID:     req.TaskID,
			TraceID:    req.TraceID,
			TaskPath:   req.TaskPath,
			UserID:     req.UserID,
			Goal:       req.Goal,
			Step:       req.Step,
			BaseParams: req.Params,
			ReplyTo:    req.ReplyTo,
		})
		return nil
	}
	return dispatchSingle(ctx, deps, req)
}

// dispatchSingle routes one non-parallel execution of a step. Parallel
// aggregators call it per replica.
func dispatchSingle(ctx context.Context, deps Deps, req stepRequest) error {
	switch req.Step.Class {
	case models.ExecutorClassTool:
		worker, err := executor.SpawnWorker(deps.System, deps.Registry, deps.Resumptions)
		if err != nil {
			return fmt.Errorf("spawn worker for step %q: %w", req.Step.Name, err)
		}
		worker.Send(protocol.ExecuteRequest{
			TaskID:     req.TaskID,
			TraceID:    req.TraceID,
			Capability: req.Step.ExecutorID,
			Params:     req.Params,
			ReplyTo:    req.ReplyTo,
		})
		return nil
	case models.ExecutorClassAgent:
	default:
		slog.Warn("Unknown executor class, falling back to agent path",
			"task_id", req.TaskID, "step", req.Step.Name, "class", req.Step.Class)
	}
	return SpawnResult(ctx, deps, AgentRequest{
		TaskID:        req.TaskID,
		TraceID:       req.TraceID,
		TaskPath:      req.TaskPath,
		UserID:        req.UserID,
		Goal:          req.Goal,
		TargetAgentID: req.Step.ExecutorID,
		Instruction:   req.Step.Instruction,
		Params:        req.Params,
		ReplyTo:       req.ReplyTo,
	})
}

// unwrapResult collapses a single-entry {"output": v} map to v so reducers
// and $name substitution see the value itself; richer maps pass through
// unchanged.
func unwrapResult(result map[string]any) any {
	if len(result) == 1 {
		if v, ok := result["output"]; ok {
			return v
		}
	}
	if result == nil {
		return nil
	}
	return result
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
