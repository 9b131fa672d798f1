// Package agent contains the root agent (the single task entry point) and
// the leaf agent (the binding between a terminal tree node and a concrete
// backend). Both are actors; neither performs long external I/O itself.
package agent

import (
	"context"
	"fmt"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/agenttree"
	"github.com/taskmesh/taskmesh/pkg/aggregator"
	"github.com/taskmesh/taskmesh/pkg/config"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/executor"
	"github.com/taskmesh/taskmesh/pkg/llm"
	"github.com/taskmesh/taskmesh/pkg/planner"
	"github.com/taskmesh/taskmesh/pkg/protocol"
	"github.com/taskmesh/taskmesh/pkg/resolver"
	"github.com/taskmesh/taskmesh/pkg/store"
)

// Deps bundles the collaborator handles the agents need. Resolver and Bus
// may be nil; everything else is required.
type Deps struct {
	System   *actor.System
	Tree     agenttree.Repository
	Stores   *store.Stores
	Planner  *planner.Planner
	Resolver *resolver.Resolver
	LLM      llm.Client
	Registry *executor.Registry
	Bus      *events.Bus

	Retry config.RetryConfig
	Loop  config.LoopConfig

	// SchedulerAddr and OptimizerAddr are resolved at send time so the
	// actors can be spawned in any order.
	SchedulerAddr string
	OptimizerAddr string
}

func (d *Deps) emit(traceID string, eventType events.EventType, source string, level events.Level, data map[string]any) {
	if d.Bus != nil {
		d.Bus.Emit(traceID, eventType, source, level, data)
	}
}

// aggregatorDeps adapts this package's dependencies for the aggregators,
// closing the loop through the Spawner.
func (d *Deps) aggregatorDeps() aggregator.Deps {
	return aggregator.Deps{
		System:      d.System,
		Registry:    d.Registry,
		Resumptions: d.Stores.Resumptions,
		Spawner:     &Spawner{deps: d},
		LLM:         d.LLM,
		Bus:         d.Bus,
		Retry:       d.Retry,
	}
}

// Spawner routes agent-class plan steps: leaf nodes get a leaf agent bound
// to their backend, internal nodes get decomposed into a sub-plan run by a
// fresh task-group aggregator.
type Spawner struct {
	deps *Deps
}

// SpawnAgent implements aggregator.AgentSpawner.
func (s *Spawner) SpawnAgent(ctx context.Context, req aggregator.AgentRequest) error {
	leaf, err := s.deps.Tree.IsLeafAgent(ctx, req.TargetAgentID)
	if err != nil {
		return fmt.Errorf("agent %q: %w", req.TargetAgentID, err)
	}
	if leaf {
		return SpawnLeaf(ctx, s.deps, req)
	}

	goal := req.Instruction
	if goal == "" {
		if in, ok := req.Params["input"].(string); ok {
			goal = in
		}
	}
	if goal == "" {
		goal = req.Goal
	}
	plan, err := s.deps.Planner.Plan(ctx, req.TargetAgentID, goal, nil)
	if err != nil {
		return fmt.Errorf("plan sub-task for agent %q: %w", req.TargetAgentID, err)
	}

	tg, err := aggregator.SpawnTaskGroup(s.deps.aggregatorDeps())
	if err != nil {
		return err
	}
	tg.Send(protocol.PlanMessage{
		TaskID:        req.TaskID,
		TraceID:       req.TraceID,
		TaskPath:      req.TaskPath,
		UserID:        req.UserID,
		Goal:          goal,
		TargetAgentID: req.TargetAgentID,
		Plan:          plan,
		ReplyTo:       req.ReplyTo,
	})
	return nil
}
