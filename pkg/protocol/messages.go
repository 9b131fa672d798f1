// Package protocol defines the tagged-variant messages exchanged between
// the orchestration actors, plus the inbound wire message shapes. Every
// variant carries an explicit message type discriminator; boundaries reject
// unknown variants instead of guessing.
package protocol

import (
	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/agenttree"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Message type discriminators.
const (
	TypeTask               = "task.start"
	TypeResume             = "task.resume"
	TypeCancel             = "task.cancel"
	TypeTaskResult         = "task.result"
	TypeTaskPaused         = "task.paused"
	TypeExecute            = "execution.request"
	TypeExecutionCompleted = "execution.completed"
	TypeResumeExecution    = "execution.resume"
	TypePlan               = "plan.execute"
	TypeParallel           = "parallel.execute"

	TypeRegisterLoop      = "loop.register"
	TypeTriggerNow        = "loop.trigger_now"
	TypeUpdateInterval    = "loop.update_interval"
	TypePauseLoop         = "loop.pause"
	TypeResumeLoop        = "loop.resume"
	TypeCancelLoop        = "loop.cancel"
	TypeApplyOptimization = "loop.apply_optimization"
	TypeQueueTrigger      = "loop.queue_trigger"

	TypeRegisterOptimization   = "optimizer.register"
	TypeExecutionFeedback      = "optimizer.feedback"
	TypeResetOptimizer         = "optimizer.reset"
	TypeUnregisterOptimization = "optimizer.unregister"
)

// ExecutionStatus is the terminal (or suspension) status of one execution.
type ExecutionStatus string

// Execution statuses. NEED_INPUT is a suspension, not an error.
const (
	StatusSuccess   ExecutionStatus = "SUCCESS"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusError     ExecutionStatus = "ERROR"
	StatusNeedInput ExecutionStatus = "NEED_INPUT"
	StatusCancelled ExecutionStatus = "CANCELLED"
)

// TaskMessage starts (or re-triggers) a task against an agent-tree node.
type TaskMessage struct {
	TaskID        string
	TraceID       string
	TaskPath      string
	UserID        string
	Input         string
	TargetAgentID string
	// Params carries structured parameters, including scheduler overlays.
	Params map[string]any
	// ScheduleMeta is populated when the message originates from a
	// scheduler fire rather than a user utterance.
	ScheduleMeta map[string]any
	ReplyTo      *actor.Ref
}

// MessageType implements actor.Message.
func (TaskMessage) MessageType() string { return TypeTask }

// ResumeMessage is the unified resume envelope: user-supplied parameters
// for a task suspended in NEED_INPUT.
type ResumeMessage struct {
	TaskID     string
	UserID     string
	Parameters map[string]any
	ReplyTo    *actor.Ref
}

// MessageType implements actor.Message.
func (ResumeMessage) MessageType() string { return TypeResume }

// CancelMessage requests best-effort cancellation of a task.
type CancelMessage struct {
	TaskID  string
	ReplyTo *actor.Ref
}

// MessageType implements actor.Message.
func (CancelMessage) MessageType() string { return TypeCancel }

// TaskResult is the terminal completion notification delivered to a
// reply-to address.
type TaskResult struct {
	TaskID string
	Status ExecutionStatus
	Result map[string]any
	Error  string
}

// MessageType implements actor.Message.
func (TaskResult) MessageType() string { return TypeTaskResult }

// TaskPaused notifies the reply-to address that a task suspended awaiting
// user input.
type TaskPaused struct {
	TaskID        string
	MissingParams []string
	Question      string
}

// MessageType implements actor.Message.
func (TaskPaused) MessageType() string { return TypeTaskPaused }

// ExecuteRequest asks an execution worker to perform one concrete call.
type ExecuteRequest struct {
	TaskID     string
	TraceID    string
	Capability string
	Params     map[string]any
	// Schema declares the parameters the capability requires; the worker's
	// preflight check and NEED_INPUT prompt derive from it.
	Schema  []agenttree.ArgSpec
	ReplyTo *actor.Ref
}

// MessageType implements actor.Message.
func (ExecuteRequest) MessageType() string { return TypeExecute }

// ExecutionCompleted reports the outcome of one execution worker call.
// When Status is NEED_INPUT, Worker is the actor a later resume must reach.
type ExecutionCompleted struct {
	TaskID        string
	Status        ExecutionStatus
	Result        map[string]any
	Error         string
	MissingParams []string
	Prompt        string
	Worker        *actor.Ref
}

// MessageType implements actor.Message.
func (ExecutionCompleted) MessageType() string { return TypeExecutionCompleted }

// ResumeExecution delivers additional parameters to a suspended worker.
type ResumeExecution struct {
	TaskID     string
	Parameters map[string]any
}

// MessageType implements actor.Message.
func (ResumeExecution) MessageType() string { return TypeResumeExecution }

// PlanMessage hands an execution plan to a task-group aggregator.
type PlanMessage struct {
	TaskID        string
	TraceID       string
	TaskPath      string
	UserID        string
	Goal          string
	TargetAgentID string
	Plan          *models.ExecutionPlan
	ReplyTo       *actor.Ref
}

// MessageType implements actor.Message.
func (PlanMessage) MessageType() string { return TypePlan }

// ParallelRequest asks a parallel aggregator to run one step N times.
type ParallelRequest struct {
	TaskID     string
	TraceID    string
	TaskPath   string
	UserID     string
	Goal       string
	Step       models.PlanStep
	BaseParams map[string]any
	ReplyTo    *actor.Ref
}

// MessageType implements actor.Message.
func (ParallelRequest) MessageType() string { return TypeParallel }
