package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/protocol"
)

// GroupState is the task-group aggregator's lifecycle state.
type GroupState string

// Task-group aggregator states.
const (
	GroupIdle      GroupState = "IDLE"
	GroupRunning   GroupState = "RUNNING_STEP"
	GroupAwaiting  GroupState = "AWAITING_STEP_RESULT"
	GroupCompleted GroupState = "COMPLETED"
	GroupFailed    GroupState = "FAILED"
	GroupCancelled GroupState = "CANCELLED"
)

// TaskGroup executes one plan strictly step-by-step: a step is dispatched
// only after the previous one completed, and its parameters are threaded
// from the accumulated step results.
type TaskGroup struct {
	deps Deps
	self *actor.Ref

	state       GroupState
	envelope    protocol.PlanMessage
	stepIndex   int
	stepResults map[string]any
	lastResult  any
	hasPrior    bool
}

// SpawnTaskGroup starts a fresh task-group aggregator; the caller then
// sends it the PlanMessage.
func SpawnTaskGroup(deps Deps) (*actor.Ref, error) {
	tg := &TaskGroup{
		deps:        deps,
		state:       GroupIdle,
		stepResults: make(map[string]any),
	}
	ref, err := deps.System.SpawnUnique("taskgroup", tg)
	if err != nil {
		return nil, err
	}
	tg.self = ref
	return ref, nil
}

// Receive implements actor.Receiver.
func (tg *TaskGroup) Receive(ctx context.Context, msg actor.Message) {
	switch m := msg.(type) {
	case protocol.PlanMessage:
		tg.start(ctx, m)
	case protocol.ExecutionCompleted:
		tg.stepOutcome(ctx, stepOutcome{
			status:  m.Status,
			result:  m.Result,
			err:     m.Error,
			missing: m.MissingParams,
			prompt:  m.Prompt,
		})
	case protocol.TaskResult:
		tg.stepOutcome(ctx, stepOutcome{status: m.Status, result: m.Result, err: m.Error})
	case protocol.TaskPaused:
		tg.stepOutcome(ctx, stepOutcome{
			status:  protocol.StatusNeedInput,
			missing: m.MissingParams,
			prompt:  m.Question,
		})
	case protocol.CancelMessage:
		tg.cancel(m)
	default:
		slog.Warn("Task group received unexpected message",
			"actor", tg.self.ID(), "message_type", msg.MessageType())
	}
}

func (tg *TaskGroup) start(ctx context.Context, m protocol.PlanMessage) {
	if tg.state != GroupIdle {
		slog.Warn("Task group already running a plan",
			"actor", tg.self.ID(), "task_id", m.TaskID)
		return
	}
	tg.envelope = m
	if m.Plan == nil {
		tg.fail(m.ReplyTo, "no execution plan supplied")
		return
	}
	if err := m.Plan.Validate(); err != nil {
		tg.fail(m.ReplyTo, fmt.Sprintf("invalid execution plan: %v", err))
		return
	}
	tg.state = GroupRunning
	tg.runStep(ctx)
}

// runStep threads parameters for the current step and dispatches it. When
// the plan is exhausted it completes with the accumulated result map.
func (tg *TaskGroup) runStep(ctx context.Context) {
	plan := tg.envelope.Plan
	if tg.stepIndex >= len(plan.Steps) {
		tg.complete()
		return
	}
	step := plan.Steps[tg.stepIndex]

	params, err := tg.threadParams(step)
	if err != nil {
		tg.fail(tg.envelope.ReplyTo, err.Error())
		return
	}

	tg.deps.emit(tg.envelope.TraceID, events.EventStepStarted, "taskgroup", events.LevelInfo,
		map[string]any{"task_id": tg.envelope.TaskID, "step": step.Name, "seq": step.Seq})

	if err := dispatchStep(ctx, tg.deps, stepRequest{
		TaskID:   tg.envelope.TaskID,
		TraceID:  tg.envelope.TraceID,
		TaskPath: fmt.Sprintf("%s/%d", tg.envelope.TaskPath, tg.stepIndex),
		UserID:   tg.envelope.UserID,
		Goal:     tg.envelope.Goal,
		Step:     step,
		Params:   params,
		ReplyTo:  tg.self,
	}); err != nil {
		tg.fail(tg.envelope.ReplyTo, fmt.Sprintf("dispatch step %q: %v", step.Name, err))
		return
	}
	tg.state = GroupAwaiting
}

type stepOutcome struct {
	status  protocol.ExecutionStatus
	result  map[string]any
	err     string
	missing []string
	prompt  string
}

func (tg *TaskGroup) stepOutcome(ctx context.Context, out stepOutcome) {
	if tg.state != GroupAwaiting {
		// A cancelled or already-terminal group drops late results.
		slog.Debug("Dropping step result outside AWAITING_STEP_RESULT",
			"actor", tg.self.ID(), "state", tg.state)
		return
	}
	step := tg.envelope.Plan.Steps[tg.stepIndex]

	switch out.status {
	case protocol.StatusNeedInput:
		// The suspension propagates to the caller; this aggregator keeps all
		// of its state so the worker's later completion lands back here.
		tg.envelope.ReplyTo.Send(protocol.TaskPaused{
			TaskID:        tg.envelope.TaskID,
			MissingParams: out.missing,
			Question:      out.prompt,
		})
	case protocol.StatusSuccess:
		value := unwrapResult(out.result)
		tg.stepResults[step.Name] = value
		tg.lastResult = value
		tg.hasPrior = true
		tg.deps.emit(tg.envelope.TraceID, events.EventStepCompleted, "taskgroup", events.LevelInfo,
			map[string]any{"task_id": tg.envelope.TaskID, "step": step.Name})
		tg.stepIndex++
		tg.state = GroupRunning
		tg.runStep(ctx)
	default:
		tg.deps.emit(tg.envelope.TraceID, events.EventStepFailed, "taskgroup", events.LevelError,
			map[string]any{"task_id": tg.envelope.TaskID, "step": step.Name, "error": out.err})
		tg.fail(tg.envelope.ReplyTo,
			fmt.Sprintf("step %q failed: %s", step.Name, out.err))
	}
}

func (tg *TaskGroup) complete() {
	tg.state = GroupCompleted
	tg.deps.emit(tg.envelope.TraceID, events.EventTaskCompleted, "taskgroup", events.LevelInfo,
		map[string]any{"task_id": tg.envelope.TaskID, "steps": len(tg.stepResults)})
	tg.envelope.ReplyTo.Send(protocol.TaskResult{
		TaskID: tg.envelope.TaskID,
		Status: protocol.StatusSuccess,
		Result: cloneParams(tg.stepResults),
	})
	tg.deps.System.Release(tg.self)
}

// fail replies with the partial results plus a descriptor of the failed step.
func (tg *TaskGroup) fail(replyTo *actor.Ref, reason string) {
	tg.state = GroupFailed
	result := cloneParams(tg.stepResults)
	result["failed_step_index"] = tg.stepIndex
	if plan := tg.envelope.Plan; plan != nil && tg.stepIndex < len(plan.Steps) {
		result["failed_step"] = plan.Steps[tg.stepIndex].Name
	}
	replyTo.Send(protocol.TaskResult{
		TaskID: tg.envelope.TaskID,
		Status: protocol.StatusFailed,
		Result: result,
		Error:  reason,
	})
	tg.deps.System.Release(tg.self)
}

func (tg *TaskGroup) cancel(m protocol.CancelMessage) {
	if tg.state == GroupCompleted || tg.state == GroupFailed || tg.state == GroupCancelled {
		return
	}
	tg.state = GroupCancelled
	replyTo := m.ReplyTo
	if replyTo == nil {
		replyTo = tg.envelope.ReplyTo
	}
	replyTo.Send(protocol.TaskResult{
		TaskID: tg.envelope.TaskID,
		Status: protocol.StatusCancelled,
		Result: cloneParams(tg.stepResults),
	})
	tg.deps.emit(tg.envelope.TraceID, events.EventTaskCancelled, "taskgroup", events.LevelInfo,
		map[string]any{"task_id": tg.envelope.TaskID})
	// The actor stays registered so in-flight step results are received (and
	// dropped) instead of going to a dead address.
}

// threadParams produces the parameter map for a step from the accumulated
// results: a structured map gets $name substitution plus the previous output,
// a free-text instruction becomes a composite prompt, and an empty step
// inherits the prior result when one exists.
func (tg *TaskGroup) threadParams(step models.PlanStep) (map[string]any, error) {
	if len(step.Parameters) > 0 {
		params := make(map[string]any, len(step.Parameters)+2)
		for k, v := range step.Parameters {
			if ref, ok := refName(v); ok {
				resolved, exists := tg.stepResults[ref]
				if !exists {
					return nil, fmt.Errorf("step %q references unknown step %q", step.Name, ref)
				}
				params[k] = resolved
				continue
			}
			params[k] = v
		}
		if tg.hasPrior {
			params["prev_step_output"] = tg.lastResult
			if step.Class == models.ExecutorClassAgent {
				params["_full_context"] = fmt.Sprintf(
					"Task goal: %s\nPrevious step result: %v", tg.envelope.Goal, tg.lastResult)
			}
		}
		return params, nil
	}

	if step.Instruction != "" {
		return map[string]any{"input": tg.compositePrompt(step.Instruction)}, nil
	}
	if tg.hasPrior {
		return map[string]any{"input": tg.compositePrompt("")}, nil
	}
	return map[string]any{}, nil
}

func (tg *TaskGroup) compositePrompt(instruction string) string {
	var b strings.Builder
	if tg.hasPrior {
		fmt.Fprintf(&b, "Previous step result: %v\n", tg.lastResult)
	}
	if tg.envelope.Goal != "" {
		fmt.Fprintf(&b, "Task goal: %s\n", tg.envelope.Goal)
	}
	if instruction != "" {
		fmt.Fprintf(&b, "Instruction: %s", instruction)
	}
	return strings.TrimRight(b.String(), "\n")
}

// refName reports whether v is a $name reference to an earlier step.
func refName(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return "", false
	}
	return strings.TrimPrefix(s, "$"), true
}
