package protocol

import (
	"github.com/taskmesh/taskmesh/pkg/models"
)

// RegisterLoopTask registers a recurring (or fire-once deferred) task with
// the loop scheduler. Creation-class LOOP operations always go through this
// envelope; the root agent never allocates an aggregator for them directly.
type RegisterLoopTask struct {
	Record *models.LoopRecord
	// Optimization, when non-nil and enabled, causes the scheduler to
	// register the task with the optimizer as well.
	Optimization *models.OptimizationSpec
}

// MessageType implements actor.Message.
func (RegisterLoopTask) MessageType() string { return TypeRegisterLoop }

// TriggerTaskNow fires a registered loop task immediately.
type TriggerTaskNow struct {
	TaskID string
}

// MessageType implements actor.Message.
func (TriggerTaskNow) MessageType() string { return TypeTriggerNow }

// UpdateLoopInterval changes a loop task's firing interval.
type UpdateLoopInterval struct {
	TaskID      string
	IntervalSec int
}

// MessageType implements actor.Message.
func (UpdateLoopInterval) MessageType() string { return TypeUpdateInterval }

// PauseLoopTask suspends firing without unregistering.
type PauseLoopTask struct {
	TaskID string
}

// MessageType implements actor.Message.
func (PauseLoopTask) MessageType() string { return TypePauseLoop }

// ResumeLoopTask re-enables a paused loop task.
type ResumeLoopTask struct {
	TaskID string
}

// MessageType implements actor.Message.
func (ResumeLoopTask) MessageType() string { return TypeResumeLoop }

// CancelLoopTask removes a loop task's schedule. Already-dispatched fires
// continue independently.
type CancelLoopTask struct {
	TaskID string
}

// MessageType implements actor.Message.
func (CancelLoopTask) MessageType() string { return TypeCancelLoop }

// ApplyOptimization delivers an optimizer-produced parameter overlay to the
// scheduler. The overlay is used on every subsequent fire until replaced.
type ApplyOptimization struct {
	TaskID     string
	Parameters map[string]any
	Stats      map[string]any
}

// MessageType implements actor.Message.
func (ApplyOptimization) MessageType() string { return TypeApplyOptimization }

// QueueTrigger is the out-of-band fire event injected by an external timer
// or queue bridge. The scheduler never blocks on timers itself; this message
// preserves its single-threaded property.
type QueueTrigger struct {
	TaskID        string
	TargetAddress string
	Payload       map[string]any
	IntervalSec   int
}

// MessageType implements actor.Message.
func (QueueTrigger) MessageType() string { return TypeQueueTrigger }

// RegisterOptimization allocates a per-task learner instance.
type RegisterOptimization struct {
	TaskID string
	Spec   *models.OptimizationSpec
	// Dimensions may be pre-parsed by the dimension parser; when empty the
	// optimizer derives them from the first feedback record's parameters.
	Dimensions []models.Dimension
}

// MessageType implements actor.Message.
func (RegisterOptimization) MessageType() string { return TypeRegisterOptimization }

// ExecutionFeedbackMsg appends one execution record to a task's learner.
type ExecutionFeedbackMsg struct {
	Feedback models.ExecutionFeedback
}

// MessageType implements actor.Message.
func (ExecutionFeedbackMsg) MessageType() string { return TypeExecutionFeedback }

// ResetOptimizer clears a learner's history.
type ResetOptimizer struct {
	TaskID string
}

// MessageType implements actor.Message.
func (ResetOptimizer) MessageType() string { return TypeResetOptimizer }

// UnregisterOptimization persists a learner's state and removes the
// in-memory instance.
type UnregisterOptimization struct {
	TaskID string
}

// MessageType implements actor.Message.
func (UnregisterOptimization) MessageType() string { return TypeUnregisterOptimization }
