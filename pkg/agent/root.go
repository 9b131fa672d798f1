package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/aggregator"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/protocol"
	"github.com/taskmesh/taskmesh/pkg/store"
)

// Address is the root agent's well-known address.
const Address = "root"

// inflight tracks one dispatched execution awaiting its aggregator result.
type inflight struct {
	replyTo      *actor.Ref
	aggregator   *actor.Ref
	startedAt    time.Time
	fromSchedule bool
	fireParams   map[string]any
	traceID      string
}

// Root is the single entry point for tasks. It classifies each utterance
// onto the operation taxonomy, dispatches by category, and threads results
// back to the caller. Creation-class LOOP operations are forwarded to the
// scheduler; the root never allocates an aggregator for them directly.
type Root struct {
	deps *Deps
	self *actor.Ref

	inflight map[string]*inflight
}

// Spawn starts the root agent under its well-known address.
func Spawn(deps *Deps) (*actor.Ref, error) {
	r := &Root{deps: deps, inflight: make(map[string]*inflight)}
	ref, err := deps.System.Spawn(Address, r)
	if err != nil {
		return nil, err
	}
	r.self = ref
	return ref, nil
}

// Receive implements actor.Receiver.
func (r *Root) Receive(ctx context.Context, msg actor.Message) {
	switch m := msg.(type) {
	case protocol.TaskMessage:
		r.handleTask(ctx, m)
	case protocol.ResumeMessage:
		r.resume(ctx, m)
	case protocol.CancelMessage:
		r.cancel(ctx, m)
	case protocol.TaskResult:
		r.aggregateResult(ctx, m)
	case protocol.TaskPaused:
		r.paused(ctx, m)
	default:
		slog.Warn("Root agent received unexpected message",
			"message_type", msg.MessageType())
	}
}

func (r *Root) handleTask(ctx context.Context, m protocol.TaskMessage) {
	if existing, err := r.deps.Stores.Tasks.Get(ctx, m.TaskID); err == nil {
		if m.ScheduleMeta != nil {
			r.fire(ctx, existing, m)
			return
		}
		// Duplicate deliveries never re-create a task: a waiting task treats
		// the message as a resume, anything else is a conflict.
		if existing.Status == models.TaskStatusNeedInput {
			r.resume(ctx, protocol.ResumeMessage{
				TaskID: m.TaskID, UserID: m.UserID,
				Parameters: m.Params, ReplyTo: m.ReplyTo,
			})
			return
		}
		r.reply(m.ReplyTo, errorResult(m.TaskID,
			fmt.Sprintf("task %s already exists (status %s)", m.TaskID, existing.Status)))
		return
	}

	cls := Classify(ctx, r.deps.LLM, m.Input)
	slog.Info("Classified task message",
		"task_id", m.TaskID, "operation", string(cls.Operation), "confidence", cls.Confidence)

	switch cls.Operation {
	case OpNewTask:
		r.createAndRun(ctx, m)
	case OpNewLoopTask, OpNewDelayedTask, OpNewScheduledTask:
		r.createScheduled(ctx, m, cls)
	case OpExecuteTask:
		r.executeExisting(ctx, m, cls)
	case OpTriggerLoopTask:
		r.loopControl(ctx, m, cls, func(taskID string) actor.Message {
			return protocol.TriggerTaskNow{TaskID: taskID}
		})
	case OpPauseTask:
		r.pauseTask(ctx, m, cls)
	case OpResumeTask:
		r.resumeReferenced(ctx, m, cls)
	case OpCancelTask:
		r.cancelReferenced(ctx, m, cls)
	case OpRetryTask:
		r.retryTask(ctx, m, cls)
	case OpModifyLoopInterval:
		r.modifyLoopInterval(ctx, m, cls)
	case OpPauseLoop:
		r.loopControl(ctx, m, cls, func(taskID string) actor.Message {
			return protocol.PauseLoopTask{TaskID: taskID}
		})
	case OpResumeLoop:
		r.loopControl(ctx, m, cls, func(taskID string) actor.Message {
			return protocol.ResumeLoopTask{TaskID: taskID}
		})
	case OpCancelLoop:
		r.cancelLoop(ctx, m, cls)
	case OpModifyTaskParams:
		r.modifyTaskParams(ctx, m, cls)
	case OpReviseResult:
		r.reviseResult(ctx, m, cls)
	case OpReviseProcess:
		r.annotate(ctx, m, cls, "process revision: ")
	case OpRollbackResult:
		r.rollbackResult(ctx, m, cls)
	case OpCommentOnTask:
		r.annotate(ctx, m, cls, "")
	case OpUpdateTaskDescription:
		r.updateDescription(ctx, m, cls)
	case OpQueryTaskStatus, OpQueryTaskResult, OpQueryTaskHistory:
		r.queryTask(ctx, m, cls)
	case OpListTasks:
		r.listTasks(ctx, m)
	default:
		r.reply(m.ReplyTo, errorResult(m.TaskID,
			fmt.Sprintf("unknown operation %q", cls.Operation)))
	}
}

// --- creation ---

func (r *Root) createAndRun(ctx context.Context, m protocol.TaskMessage) {
	now := time.Now().UTC()
	task := &models.Task{
		ID: m.TaskID, TraceID: m.TraceID, TaskPath: m.TaskPath,
		Type: models.TaskTypeOneTime, Status: models.TaskStatusCreated,
		UserID: m.UserID, Utterance: m.Input, TargetAgentID: m.TargetAgentID,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := r.deps.Stores.Tasks.Create(ctx, task); err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("create task: %v", err)))
		return
	}
	r.deps.emit(m.TraceID, events.EventTaskCreated, "root", events.LevelInfo,
		map[string]any{"task_id": m.TaskID, "agent": m.TargetAgentID})

	plan, err := r.deps.Planner.Plan(ctx, m.TargetAgentID, m.Input, nil)
	if err != nil {
		r.failTask(ctx, m.TaskID, m.TraceID, m.ReplyTo, fmt.Sprintf("planning failed: %v", err))
		return
	}
	task.Plan = plan
	if err := r.deps.Stores.Tasks.Update(ctx, task); err != nil {
		slog.Warn("Failed to persist plan", "task_id", m.TaskID, "error", err)
	}
	if _, err := r.deps.Stores.Tasks.Transition(ctx, m.TaskID, models.TaskStatusRunning, ""); err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, err.Error()))
		return
	}
	r.dispatchPlan(ctx, task, overlayPlan(plan, m.Params), m.ReplyTo, m.Params, false)
}

func (r *Root) createScheduled(ctx context.Context, m protocol.TaskMessage, cls Classification) {
	taskType := models.TaskTypeLoop
	switch cls.Operation {
	case OpNewDelayedTask:
		taskType = models.TaskTypeDelayed
	case OpNewScheduledTask:
		taskType = models.TaskTypeScheduled
	}

	sched := &models.Schedule{}
	switch {
	case cls.CronExpr != "":
		sched.CronExpr = cls.CronExpr
	case cls.IntervalSec > 0:
		sched.IntervalSec = cls.IntervalSec
	default:
		sched.IntervalSec = int(r.deps.Loop.DefaultInterval.Seconds())
	}
	sched.FireOnce = taskType != models.TaskTypeLoop
	if err := sched.Validate(); err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, err.Error()))
		return
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID: m.TaskID, TraceID: m.TraceID, TaskPath: m.TaskPath,
		Type: taskType, Status: models.TaskStatusCreated,
		UserID: m.UserID, Utterance: m.Input, TargetAgentID: m.TargetAgentID,
		Schedule: sched, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.deps.Stores.Tasks.Create(ctx, task); err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("create task: %v", err)))
		return
	}
	if _, err := r.deps.Stores.Tasks.Transition(ctx, m.TaskID, models.TaskStatusScheduled, ""); err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, err.Error()))
		return
	}

	scheduler, ok := r.scheduler()
	if !ok {
		r.failTask(ctx, m.TaskID, m.TraceID, m.ReplyTo, "loop scheduler unavailable")
		return
	}
	spec := optimizationSpec(cls, m.Params)
	scheduler.Send(protocol.RegisterLoopTask{
		Record: &models.LoopRecord{
			TaskID:              m.TaskID,
			Schedule:            sched,
			TargetAddress:       Address,
			TargetAgentID:       m.TargetAgentID,
			UserID:              m.UserID,
			Payload:             m.Params,
			OptimizationEnabled: spec != nil,
		},
		Optimization: spec,
	})
	r.deps.emit(m.TraceID, events.EventTaskCreated, "root", events.LevelInfo,
		map[string]any{"task_id": m.TaskID, "type": string(taskType)})

	r.reply(m.ReplyTo, protocol.TaskResult{
		TaskID: m.TaskID,
		Status: protocol.StatusSuccess,
		Result: map[string]any{
			"registered":   true,
			"type":         string(taskType),
			"interval_sec": sched.IntervalSec,
			"cron_expr":    sched.CronExpr,
		},
	})
}

func optimizationSpec(cls Classification, params map[string]any) *models.OptimizationSpec {
	enabled := cls.OptimizationEnabled
	if v, ok := params["optimization_enabled"].(bool); ok && v {
		enabled = true
	}
	if !enabled {
		return nil
	}
	spec := &models.OptimizationSpec{
		Enabled:        true,
		UserGoal:       cls.UserGoal,
		FeedbackWindow: cls.FeedbackWindow,
	}
	if spec.UserGoal == "" {
		if g, ok := params["user_goal"].(string); ok {
			spec.UserGoal = g
		}
	}
	if spec.FeedbackWindow == 0 {
		if w, ok := params["feedback_window"].(float64); ok {
			spec.FeedbackWindow = int(w)
		}
	}
	return spec
}

// fire runs one scheduler-triggered execution of a registered task. Loop
// tasks keep status SCHEDULED between fires; per-fire bookkeeping lives in
// LastRunTime, the result snapshot, and the event stream.
func (r *Root) fire(ctx context.Context, task *models.Task, m protocol.TaskMessage) {
	if _, exists := r.inflight[task.ID]; exists {
		slog.Warn("Skipping fire, previous execution still in flight", "task_id", task.ID)
		return
	}
	plan := task.Plan
	if plan == nil {
		p, err := r.deps.Planner.Plan(ctx, task.TargetAgentID, task.Utterance, nil)
		if err != nil {
			slog.Error("Planning failed on fire", "task_id", task.ID, "error", err)
			r.deps.emit(task.TraceID, events.EventTaskFailed, "root", events.LevelError,
				map[string]any{"task_id": task.ID, "error": err.Error()})
			return
		}
		task.Plan = p
		if err := r.deps.Stores.Tasks.Update(ctx, task); err != nil {
			slog.Warn("Failed to persist plan", "task_id", task.ID, "error", err)
		}
		plan = p
	}
	r.dispatchPlan(ctx, task, overlayPlan(plan, m.Params), m.ReplyTo, m.Params, true)
}

func (r *Root) dispatchPlan(ctx context.Context, task *models.Task, plan *models.ExecutionPlan, replyTo *actor.Ref, params map[string]any, fromSchedule bool) {
	tg, err := aggregator.SpawnTaskGroup(r.deps.aggregatorDeps())
	if err != nil {
		r.failTask(ctx, task.ID, task.TraceID, replyTo, err.Error())
		return
	}
	r.inflight[task.ID] = &inflight{
		replyTo:      replyTo,
		aggregator:   tg,
		startedAt:    time.Now(),
		fromSchedule: fromSchedule,
		fireParams:   params,
		traceID:      task.TraceID,
	}
	tg.Send(protocol.PlanMessage{
		TaskID:        task.ID,
		TraceID:       task.TraceID,
		TaskPath:      task.TaskPath,
		UserID:        task.UserID,
		Goal:          task.Utterance,
		TargetAgentID: task.TargetAgentID,
		Plan:          plan,
		ReplyTo:       r.self,
	})
	r.deps.emit(task.TraceID, events.EventTaskStarted, "root", events.LevelInfo,
		map[string]any{"task_id": task.ID, "steps": len(plan.Steps)})
}

// --- results from aggregators ---

func (r *Root) aggregateResult(ctx context.Context, m protocol.TaskResult) {
	fl, ok := r.inflight[m.TaskID]
	if !ok {
		slog.Warn("Result for unknown in-flight task", "task_id", m.TaskID)
		return
	}
	delete(r.inflight, m.TaskID)

	if len(m.Result) > 0 {
		if err := r.deps.Stores.Tasks.SetResult(ctx, m.TaskID, m.Result); err != nil {
			slog.Warn("Failed to persist result", "task_id", m.TaskID, "error", err)
		}
	}

	if fl.fromSchedule {
		if task, err := r.deps.Stores.Tasks.Get(ctx, m.TaskID); err == nil {
			now := time.Now().UTC()
			task.LastRunTime = &now
			if err := r.deps.Stores.Tasks.Update(ctx, task); err != nil {
				slog.Warn("Failed to stamp last run", "task_id", m.TaskID, "error", err)
			}
		}
		r.sendFeedback(fl, m)
	} else {
		to := terminalStatus(m.Status)
		if _, err := r.deps.Stores.Tasks.Transition(ctx, m.TaskID, to, m.Error); err != nil {
			slog.Warn("Terminal transition failed",
				"task_id", m.TaskID, "to", string(to), "error", err)
		}
	}

	r.deps.emit(fl.traceID, completionEvent(m.Status), "root", completionLevel(m.Status),
		map[string]any{"task_id": m.TaskID, "status": string(m.Status)})
	r.reply(fl.replyTo, m)
}

// sendFeedback forwards one fire's outcome to the optimizer.
func (r *Root) sendFeedback(fl *inflight, m protocol.TaskResult) {
	opt, ok := r.deps.System.Lookup(r.deps.OptimizerAddr)
	if !ok {
		return
	}
	opt.Send(protocol.ExecutionFeedbackMsg{Feedback: models.ExecutionFeedback{
		TaskID:     m.TaskID,
		Parameters: fl.fireParams,
		Success:    m.Status == protocol.StatusSuccess,
		Duration:   time.Since(fl.startedAt),
		ObservedAt: time.Now().UTC(),
	}})
}

func (r *Root) paused(ctx context.Context, m protocol.TaskPaused) {
	fl, ok := r.inflight[m.TaskID]
	if !ok {
		slog.Warn("Pause for unknown in-flight task", "task_id", m.TaskID)
		return
	}
	if _, err := r.deps.Stores.Tasks.Transition(ctx, m.TaskID, models.TaskStatusNeedInput, ""); err != nil {
		slog.Warn("NEED_INPUT transition failed", "task_id", m.TaskID, "error", err)
	}
	r.deps.emit(fl.traceID, events.EventTaskPaused, "root", events.LevelInfo,
		map[string]any{"task_id": m.TaskID, "missing": m.MissingParams})
	if fl.replyTo != nil {
		fl.replyTo.Send(m)
	}
}

// --- resume / cancel ---

// resume is the parameter-completion fast path: the resumption record routes
// the supplied parameters straight back to the worker that paused, keeping
// every intermediate aggregator untouched.
func (r *Root) resume(ctx context.Context, m protocol.ResumeMessage) {
	rec, err := r.deps.Stores.Resumptions.Get(ctx, m.TaskID)
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID,
			fmt.Sprintf("no resumption record for task %s", m.TaskID)))
		return
	}
	worker, ok := r.deps.System.Lookup(rec.WorkerAddress)
	if !ok {
		// The worker did not survive a restart; the record is stale.
		if _, err := r.deps.Stores.Tasks.Transition(ctx, m.TaskID,
			models.TaskStatusFailed, "execution worker lost, resume impossible"); err != nil {
			slog.Warn("Failed to fail stale task", "task_id", m.TaskID, "error", err)
		}
		_ = r.deps.Stores.Resumptions.Delete(ctx, m.TaskID)
		r.reply(m.ReplyTo, protocol.TaskResult{
			TaskID: m.TaskID,
			Status: protocol.StatusFailed,
			Error:  "execution worker lost, resume impossible",
		})
		return
	}

	if fl, exists := r.inflight[m.TaskID]; exists && m.ReplyTo != nil {
		fl.replyTo = m.ReplyTo
	}
	if task, err := r.deps.Stores.Tasks.Get(ctx, m.TaskID); err == nil &&
		task.Status == models.TaskStatusNeedInput {
		if _, err := r.deps.Stores.Tasks.Transition(ctx, m.TaskID, models.TaskStatusRunning, ""); err != nil {
			slog.Warn("RUNNING transition failed on resume", "task_id", m.TaskID, "error", err)
		}
	}
	worker.Send(protocol.ResumeExecution{TaskID: m.TaskID, Parameters: m.Parameters})
	r.deps.emit("", events.EventTaskResumed, "root", events.LevelInfo,
		map[string]any{"task_id": m.TaskID})
}

func (r *Root) cancel(ctx context.Context, m protocol.CancelMessage) {
	task, err := r.deps.Stores.Tasks.Get(ctx, m.TaskID)
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("task %s not found", m.TaskID)))
		return
	}
	if _, err := r.deps.Stores.Tasks.Transition(ctx, m.TaskID, models.TaskStatusCancelled, ""); err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, err.Error()))
		return
	}
	// The aggregator replies CANCELLED and drops in-flight step results. It
	// must see the cancel before the worker does: the worker's teardown
	// cascades a completion back through the chain, and the aggregator's
	// mailbox has to hold the cancel ahead of it.
	fl, inflight := r.inflight[m.TaskID]
	if inflight {
		delete(r.inflight, m.TaskID)
		replyTo := m.ReplyTo
		if replyTo == nil {
			replyTo = fl.replyTo
		}
		fl.aggregator.Send(protocol.CancelMessage{TaskID: m.TaskID, ReplyTo: replyTo})
	}
	// A NEED_INPUT task holds a live suspended worker; retire it with the
	// record or it stays registered until process shutdown. The worker
	// deletes the record itself as it winds down.
	if rec, err := r.deps.Stores.Resumptions.Get(ctx, m.TaskID); err == nil {
		if worker, ok := r.deps.System.Lookup(rec.WorkerAddress); ok {
			worker.Send(protocol.CancelMessage{TaskID: m.TaskID})
		} else {
			_ = r.deps.Stores.Resumptions.Delete(ctx, m.TaskID)
		}
	}
	if task.Schedule != nil {
		if scheduler, ok := r.scheduler(); ok {
			scheduler.Send(protocol.CancelLoopTask{TaskID: m.TaskID})
		}
	}
	r.deps.emit(task.TraceID, events.EventTaskCancelled, "root", events.LevelInfo,
		map[string]any{"task_id": m.TaskID})

	if !inflight {
		r.reply(m.ReplyTo, protocol.TaskResult{TaskID: m.TaskID, Status: protocol.StatusCancelled})
	}
}

// --- referenced-task operations ---

// referencedTask resolves the task an operation targets: an explicit task_id
// parameter wins, otherwise the reference text is matched against the user's
// task history.
func (r *Root) referencedTask(ctx context.Context, m protocol.TaskMessage, cls Classification) (*models.Task, error) {
	if id, ok := m.Params["task_id"].(string); ok && id != "" {
		return r.deps.Stores.Tasks.Get(ctx, id)
	}
	ref := cls.TaskRef
	if ref == "" {
		ref = m.Input
	}
	return r.deps.Stores.Tasks.FindByReference(ctx, m.UserID, referenceKeywords(ref))
}

func (r *Root) executeExisting(ctx context.Context, m protocol.TaskMessage, cls Classification) {
	task, err := r.referencedTask(ctx, m, cls)
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("resolve task reference: %v", err)))
		return
	}
	if task.Status.Terminal() {
		r.reply(m.ReplyTo, errorResult(m.TaskID,
			fmt.Sprintf("task %s is %s; use retry to run it again", task.ID, task.Status)))
		return
	}
	plan := task.Plan
	if plan == nil {
		plan, err = r.deps.Planner.Plan(ctx, task.TargetAgentID, task.Utterance, nil)
		if err != nil {
			r.failTask(ctx, task.ID, task.TraceID, m.ReplyTo, fmt.Sprintf("planning failed: %v", err))
			return
		}
		task.Plan = plan
		if err := r.deps.Stores.Tasks.Update(ctx, task); err != nil {
			slog.Warn("Failed to persist plan", "task_id", task.ID, "error", err)
		}
	}
	if _, err := r.deps.Stores.Tasks.Transition(ctx, task.ID, models.TaskStatusRunning, ""); err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, err.Error()))
		return
	}
	r.dispatchPlan(ctx, task, overlayPlan(plan, m.Params), m.ReplyTo, m.Params, false)
}

// retryTask creates a fresh task linked to the failed one. The original
// keeps its terminal status; the retry proceeds independently under the
// same trace.
func (r *Root) retryTask(ctx context.Context, m protocol.TaskMessage, cls Classification) {
	original, err := r.referencedTask(ctx, m, cls)
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("resolve task reference: %v", err)))
		return
	}
	retry := protocol.TaskMessage{
		TaskID:        original.ID + "-r" + uuid.NewString()[:8],
		TraceID:       original.TraceID,
		TaskPath:      original.TaskPath,
		UserID:        m.UserID,
		Input:         original.Utterance,
		TargetAgentID: original.TargetAgentID,
		Params:        m.Params,
		ReplyTo:       m.ReplyTo,
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID: retry.TaskID, TraceID: retry.TraceID, TaskPath: retry.TaskPath,
		Type: models.TaskTypeOneTime, Status: models.TaskStatusCreated,
		UserID: retry.UserID, Utterance: retry.Input, TargetAgentID: retry.TargetAgentID,
		OriginalTaskID: original.ID, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.deps.Stores.Tasks.Create(ctx, task); err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("create retry task: %v", err)))
		return
	}
	r.deps.emit(retry.TraceID, events.EventTaskCreated, "root", events.LevelInfo,
		map[string]any{"task_id": retry.TaskID, "original_task_id": original.ID})

	plan, err := r.deps.Planner.Plan(ctx, retry.TargetAgentID, retry.Input, nil)
	if err != nil {
		r.failTask(ctx, retry.TaskID, retry.TraceID, m.ReplyTo, fmt.Sprintf("planning failed: %v", err))
		return
	}
	task.Plan = plan
	if err := r.deps.Stores.Tasks.Update(ctx, task); err != nil {
		slog.Warn("Failed to persist plan", "task_id", retry.TaskID, "error", err)
	}
	if _, err := r.deps.Stores.Tasks.Transition(ctx, retry.TaskID, models.TaskStatusRunning, ""); err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, err.Error()))
		return
	}
	r.dispatchPlan(ctx, task, overlayPlan(plan, m.Params), m.ReplyTo, m.Params, false)
}

func (r *Root) pauseTask(ctx context.Context, m protocol.TaskMessage, cls Classification) {
	task, err := r.referencedTask(ctx, m, cls)
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("resolve task reference: %v", err)))
		return
	}
	if _, err := r.deps.Stores.Tasks.Transition(ctx, task.ID, models.TaskStatusPaused, ""); err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, err.Error()))
		return
	}
	r.deps.emit(task.TraceID, events.EventTaskPaused, "root", events.LevelInfo,
		map[string]any{"task_id": task.ID})
	r.reply(m.ReplyTo, protocol.TaskResult{
		TaskID: m.TaskID, Status: protocol.StatusSuccess,
		Result: map[string]any{"task_id": task.ID, "status": string(models.TaskStatusPaused)},
	})
}

func (r *Root) resumeReferenced(ctx context.Context, m protocol.TaskMessage, cls Classification) {
	task, err := r.referencedTask(ctx, m, cls)
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("resolve task reference: %v", err)))
		return
	}
	r.resume(ctx, protocol.ResumeMessage{
		TaskID: task.ID, UserID: m.UserID, Parameters: m.Params, ReplyTo: m.ReplyTo,
	})
}

func (r *Root) cancelReferenced(ctx context.Context, m protocol.TaskMessage, cls Classification) {
	task, err := r.referencedTask(ctx, m, cls)
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("resolve task reference: %v", err)))
		return
	}
	r.cancel(ctx, protocol.CancelMessage{TaskID: task.ID, ReplyTo: m.ReplyTo})
}

// loopControl forwards a loop-management message for the referenced task.
func (r *Root) loopControl(ctx context.Context, m protocol.TaskMessage, cls Classification, build func(taskID string) actor.Message) {
	task, err := r.referencedTask(ctx, m, cls)
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("resolve task reference: %v", err)))
		return
	}
	scheduler, ok := r.scheduler()
	if !ok {
		r.reply(m.ReplyTo, errorResult(m.TaskID, "loop scheduler unavailable"))
		return
	}
	scheduler.Send(build(task.ID))
	r.reply(m.ReplyTo, protocol.TaskResult{
		TaskID: m.TaskID, Status: protocol.StatusSuccess,
		Result: map[string]any{"task_id": task.ID},
	})
}

func (r *Root) modifyLoopInterval(ctx context.Context, m protocol.TaskMessage, cls Classification) {
	interval := cls.IntervalSec
	if interval <= 0 {
		if v, ok := m.Params["interval_sec"].(float64); ok {
			interval = int(v)
		}
	}
	if interval <= 0 {
		r.reply(m.ReplyTo, errorResult(m.TaskID, "no interval supplied"))
		return
	}
	r.loopControl(ctx, m, cls, func(taskID string) actor.Message {
		return protocol.UpdateLoopInterval{TaskID: taskID, IntervalSec: interval}
	})
}

func (r *Root) cancelLoop(ctx context.Context, m protocol.TaskMessage, cls Classification) {
	task, err := r.referencedTask(ctx, m, cls)
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("resolve task reference: %v", err)))
		return
	}
	if scheduler, ok := r.scheduler(); ok {
		scheduler.Send(protocol.CancelLoopTask{TaskID: task.ID})
	}
	if _, err := r.deps.Stores.Tasks.Transition(ctx, task.ID, models.TaskStatusCancelled, ""); err != nil {
		slog.Warn("Cancel transition failed", "task_id", task.ID, "error", err)
	}
	r.deps.emit(task.TraceID, events.EventTaskCancelled, "root", events.LevelInfo,
		map[string]any{"task_id": task.ID})
	r.reply(m.ReplyTo, protocol.TaskResult{
		TaskID: m.TaskID, Status: protocol.StatusSuccess,
		Result: map[string]any{"task_id": task.ID, "cancelled": true},
	})
}

// --- modification operations ---

// modifyTaskParams resolves to a resume when the task is waiting for input;
// otherwise the parameters are stored as the overlay for the next execution.
func (r *Root) modifyTaskParams(ctx context.Context, m protocol.TaskMessage, cls Classification) {
	task, err := r.referencedTask(ctx, m, cls)
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("resolve task reference: %v", err)))
		return
	}
	if _, err := r.deps.Stores.Resumptions.Get(ctx, task.ID); err == nil {
		r.resume(ctx, protocol.ResumeMessage{
			TaskID: task.ID, UserID: m.UserID, Parameters: m.Params, ReplyTo: m.ReplyTo,
		})
		return
	}
	if task.OptimizedParameters == nil {
		task.OptimizedParameters = make(map[string]any, len(m.Params))
	}
	for k, v := range m.Params {
		task.OptimizedParameters[k] = v
	}
	if err := r.deps.Stores.Tasks.Update(ctx, task); err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, err.Error()))
		return
	}
	r.reply(m.ReplyTo, protocol.TaskResult{
		TaskID: m.TaskID, Status: protocol.StatusSuccess,
		Result: map[string]any{"task_id": task.ID, "parameters": task.OptimizedParameters},
	})
}

func (r *Root) reviseResult(ctx context.Context, m protocol.TaskMessage, cls Classification) {
	task, err := r.referencedTask(ctx, m, cls)
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("resolve task reference: %v", err)))
		return
	}
	corrected := m.Params
	if len(corrected) == 0 {
		text := cls.Comment
		if text == "" {
			text = m.Input
		}
		corrected = map[string]any{"revision": text}
	}
	if err := r.deps.Stores.Tasks.SetCorrectedResult(ctx, task.ID, corrected); err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, err.Error()))
		return
	}
	r.reply(m.ReplyTo, protocol.TaskResult{
		TaskID: m.TaskID, Status: protocol.StatusSuccess,
		Result: map[string]any{"task_id": task.ID, "corrected_result": corrected},
	})
}

// rollbackResult clears the corrected result; the original result wins again.
func (r *Root) rollbackResult(ctx context.Context, m protocol.TaskMessage, cls Classification) {
	task, err := r.referencedTask(ctx, m, cls)
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("resolve task reference: %v", err)))
		return
	}
	if err := r.deps.Stores.Tasks.SetCorrectedResult(ctx, task.ID, nil); err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, err.Error()))
		return
	}
	r.reply(m.ReplyTo, protocol.TaskResult{
		TaskID: m.TaskID, Status: protocol.StatusSuccess,
		Result: map[string]any{"task_id": task.ID, "result": task.Result},
	})
}

func (r *Root) annotate(ctx context.Context, m protocol.TaskMessage, cls Classification, prefix string) {
	task, err := r.referencedTask(ctx, m, cls)
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("resolve task reference: %v", err)))
		return
	}
	text := cls.Comment
	if text == "" {
		text = m.Input
	}
	comment := models.Comment{Author: m.UserID, Text: prefix + text, CreatedAt: time.Now().UTC()}
	if err := r.deps.Stores.Tasks.AddComment(ctx, task.ID, comment); err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, err.Error()))
		return
	}
	r.reply(m.ReplyTo, protocol.TaskResult{
		TaskID: m.TaskID, Status: protocol.StatusSuccess,
		Result: map[string]any{"task_id": task.ID, "comment": comment.Text},
	})
}

func (r *Root) updateDescription(ctx context.Context, m protocol.TaskMessage, cls Classification) {
	task, err := r.referencedTask(ctx, m, cls)
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("resolve task reference: %v", err)))
		return
	}
	desc := cls.Comment
	if desc == "" {
		desc = m.Input
	}
	task.Utterance = desc
	if err := r.deps.Stores.Tasks.Update(ctx, task); err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, err.Error()))
		return
	}
	r.reply(m.ReplyTo, protocol.TaskResult{
		TaskID: m.TaskID, Status: protocol.StatusSuccess,
		Result: map[string]any{"task_id": task.ID, "utterance": desc},
	})
}

// --- query operations ---

func (r *Root) queryTask(ctx context.Context, m protocol.TaskMessage, cls Classification) {
	task, err := r.referencedTask(ctx, m, cls)
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, fmt.Sprintf("resolve task reference: %v", err)))
		return
	}
	result := map[string]any{"task_id": task.ID, "status": string(task.Status)}
	switch cls.Operation {
	case OpQueryTaskResult:
		if task.CorrectedResult != nil {
			result["result"] = task.CorrectedResult
			result["corrected"] = true
		} else {
			result["result"] = task.Result
		}
	case OpQueryTaskHistory:
		result["utterance"] = task.Utterance
		result["comments"] = task.Comments
		result["created_at"] = task.CreatedAt
		result["updated_at"] = task.UpdatedAt
		if task.CompletedAt != nil {
			result["completed_at"] = *task.CompletedAt
		}
	default:
		if task.ErrorMessage != "" {
			result["error"] = task.ErrorMessage
		}
	}
	r.reply(m.ReplyTo, protocol.TaskResult{
		TaskID: m.TaskID, Status: protocol.StatusSuccess, Result: result,
	})
}

func (r *Root) listTasks(ctx context.Context, m protocol.TaskMessage) {
	tasks, err := r.deps.Stores.Tasks.List(ctx, store.TaskFilter{UserID: m.UserID, Limit: 50})
	if err != nil {
		r.reply(m.ReplyTo, errorResult(m.TaskID, err.Error()))
		return
	}
	entries := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		entries = append(entries, map[string]any{
			"task_id": t.ID, "status": string(t.Status),
			"type": string(t.Type), "utterance": t.Utterance,
		})
	}
	r.reply(m.ReplyTo, protocol.TaskResult{
		TaskID: m.TaskID, Status: protocol.StatusSuccess,
		Result: map[string]any{"tasks": entries},
	})
}

// --- helpers ---

func (r *Root) scheduler() (*actor.Ref, bool) {
	return r.deps.System.Lookup(r.deps.SchedulerAddr)
}

func (r *Root) failTask(ctx context.Context, taskID, traceID string, replyTo *actor.Ref, reason string) {
	if _, err := r.deps.Stores.Tasks.Transition(ctx, taskID, models.TaskStatusFailed, reason); err != nil {
		slog.Warn("FAILED transition failed", "task_id", taskID, "error", err)
	}
	r.deps.emit(traceID, events.EventTaskFailed, "root", events.LevelError,
		map[string]any{"task_id": taskID, "error": reason})
	r.reply(replyTo, protocol.TaskResult{
		TaskID: taskID, Status: protocol.StatusFailed, Error: reason,
	})
}

func (r *Root) reply(replyTo *actor.Ref, result protocol.TaskResult) {
	if replyTo == nil {
		return
	}
	replyTo.Send(result)
}

func errorResult(taskID, reason string) protocol.TaskResult {
	return protocol.TaskResult{TaskID: taskID, Status: protocol.StatusError, Error: reason}
}

func terminalStatus(s protocol.ExecutionStatus) models.TaskStatus {
	switch s {
	case protocol.StatusSuccess:
		return models.TaskStatusCompleted
	case protocol.StatusCancelled:
		return models.TaskStatusCancelled
	}
	return models.TaskStatusFailed
}

func completionEvent(s protocol.ExecutionStatus) events.EventType {
	switch s {
	case protocol.StatusSuccess:
		return events.EventTaskCompleted
	case protocol.StatusCancelled:
		return events.EventTaskCancelled
	}
	return events.EventTaskFailed
}

func completionLevel(s protocol.ExecutionStatus) events.Level {
	if s == protocol.StatusSuccess {
		return events.LevelInfo
	}
	if s == protocol.StatusCancelled {
		return events.LevelInfo
	}
	return events.LevelError
}

// overlayPlan merges overlay parameters into each step of a copied plan.
// Scheduler fires use it to apply optimized parameters; user-supplied
// structured parameters reach the steps the same way.
func overlayPlan(plan *models.ExecutionPlan, overlay map[string]any) *models.ExecutionPlan {
	if len(overlay) == 0 {
		return plan
	}
	out := &models.ExecutionPlan{TaskID: plan.TaskID, Goal: plan.Goal,
		Steps: make([]models.PlanStep, len(plan.Steps))}
	copy(out.Steps, plan.Steps)
	for i := range out.Steps {
		merged := make(map[string]any, len(out.Steps[i].Parameters)+len(overlay))
		for k, v := range out.Steps[i].Parameters {
			merged[k] = v
		}
		for k, v := range overlay {
			merged[k] = v
		}
		out.Steps[i].Parameters = merged
	}
	return out
}
