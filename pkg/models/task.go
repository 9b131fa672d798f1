// Package models defines the core data model: tasks, execution plans,
// resumption records, semantic pointers, loop schedules, and optimizer state.
package models

import (
	"fmt"
	"time"
)

// TaskType classifies how a task is triggered.
type TaskType string

// Task type constants.
const (
	TaskTypeOneTime   TaskType = "ONE_TIME"
	TaskTypeLoop      TaskType = "LOOP"
	TaskTypeDelayed   TaskType = "DELAYED"
	TaskTypeScheduled TaskType = "SCHEDULED"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task status constants. A task is in exactly one status at any time.
const (
	TaskStatusCreated   TaskStatus = "CREATED"
	TaskStatusScheduled TaskStatus = "SCHEDULED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusPaused    TaskStatus = "PAUSED"
	TaskStatusNeedInput TaskStatus = "NEED_INPUT"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
	TaskStatusArchived  TaskStatus = "ARCHIVED"
)

// AllTaskStatuses lists every valid status value.
var AllTaskStatuses = []TaskStatus{
	TaskStatusCreated, TaskStatusScheduled, TaskStatusRunning,
	TaskStatusPaused, TaskStatusNeedInput, TaskStatusCompleted,
	TaskStatusFailed, TaskStatusCancelled, TaskStatusArchived,
}

// taskTransitions encodes the legal status transition DAG. Terminal states
// (COMPLETED/FAILED/CANCELLED) have no outgoing edges except ARCHIVED;
// retry never transitions a terminal task — it creates a new one.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusCreated:   {TaskStatusScheduled, TaskStatusRunning, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusScheduled: {TaskStatusRunning, TaskStatusPaused, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusRunning:   {TaskStatusPaused, TaskStatusNeedInput, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	// PAUSED admits COMPLETED: a pause issued while the execution chain is
	// already in flight loses the race to the arriving result.
	TaskStatusPaused:    {TaskStatusRunning, TaskStatusScheduled, TaskStatusCompleted, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusNeedInput: {TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusCompleted: {TaskStatusArchived},
	TaskStatusFailed:    {TaskStatusArchived},
	TaskStatusCancelled: {TaskStatusArchived},
	TaskStatusArchived:  {},
}

// IsValid reports whether s is one of the defined status values.
func (s TaskStatus) IsValid() bool {
	_, ok := taskTransitions[s]
	return ok
}

// Terminal reports whether s is a terminal status. Transitions out of a
// terminal status (other than archival) are forbidden.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusArchived:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal status transition.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Comment is an append-only annotation on a task.
type Comment struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is the lifecycle entity created by a user request.
type Task struct {
	ID       string   `json:"task_id"`
	TraceID  string   `json:"trace_id"`
	TaskPath string   `json:"task_path"`
	Type     TaskType `json:"type"`

	Status       TaskStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`

	UserID    string `json:"user_id"`
	Utterance string `json:"utterance"`

	// TargetAgentID is the agent-tree node the task was addressed to.
	TargetAgentID string `json:"target_agent_id,omitempty"`

	Plan *ExecutionPlan `json:"plan,omitempty"`

	Result          map[string]any `json:"result,omitempty"`
	CorrectedResult map[string]any `json:"corrected_result,omitempty"`
	Comments        []Comment      `json:"comments,omitempty"`

	// OriginalTaskID links a retry back to the task it retries.
	OriginalTaskID string `json:"original_task_id,omitempty"`

	// Loop/delayed/scheduled bookkeeping.
	Schedule            *Schedule      `json:"schedule,omitempty"`
	NextRunTime         *time.Time     `json:"next_run_time,omitempty"`
	LastRunTime         *time.Time     `json:"last_run_time,omitempty"`
	Paused              bool           `json:"paused,omitempty"`
	OptimizedParameters map[string]any `json:"optimized_parameters,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Schedule describes when a recurring or deferred task fires.
// Either IntervalSec or CronExpr is set, never both.
type Schedule struct {
	IntervalSec int    `json:"interval_sec,omitempty"`
	CronExpr    string `json:"cron_expr,omitempty"`
	// FireOnce marks DELAYED/SCHEDULED tasks whose schedule is removed
	// after the first fire.
	FireOnce bool `json:"fire_once,omitempty"`
}

// Validate checks the schedule carries exactly one firing rule.
func (s *Schedule) Validate() error {
	if s.IntervalSec <= 0 && s.CronExpr == "" {
		return fmt.Errorf("schedule requires interval_sec or cron_expr")
	}
	if s.IntervalSec > 0 && s.CronExpr != "" {
		return fmt.Errorf("schedule cannot carry both interval_sec and cron_expr")
	}
	return nil
}
