// Package store persists tasks, resumption records, loop schedules, and
// optimizer state. A Postgres implementation backs production; an in-memory
// implementation backs tests and single-process runs.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// StateError is returned when a requested status transition is illegal.
// The caller decides whether to treat it as a conflict or a bug.
type StateError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

// TaskFilter narrows List queries. Zero values mean "any".
type TaskFilter struct {
	UserID  string
	Status  models.TaskStatus
	Type    models.TaskType
	TraceID string
	Limit   int
	Offset  int
}

// TaskRepository is the persistence surface for tasks. Transition is the
// only way to change status; it enforces the lifecycle DAG and returns a
// *StateError on violations.
type TaskRepository interface {
	Create(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, id string) (*models.Task, error)
	List(ctx context.Context, filter TaskFilter) ([]*models.Task, error)

	// Transition moves the task to the given status atomically, recording
	// errMsg on FAILED and stamping CompletedAt on terminal states.
	Transition(ctx context.Context, id string, to models.TaskStatus, errMsg string) (*models.Task, error)

	// Update persists mutable non-status fields (plan, result, schedule
	// bookkeeping, comments). The status column is left untouched.
	Update(ctx context.Context, task *models.Task) error

	SetResult(ctx context.Context, id string, result map[string]any) error
	SetCorrectedResult(ctx context.Context, id string, corrected map[string]any) error
	AddComment(ctx context.Context, id string, comment models.Comment) error

	// FindByReference resolves a free-text reference ("my last report task")
	// to the user's most recently updated task whose utterance matches any
	// of the extracted keywords. Returns ErrNotFound when nothing matches.
	FindByReference(ctx context.Context, userID string, keywords []string) (*models.Task, error)

	// FailOrphans marks tasks stranded in RUNNING or NEED_INPUT as FAILED.
	// Called once on startup: in-process actor state did not survive the
	// restart, so those tasks can never progress.
	FailOrphans(ctx context.Context, reason string) (int, error)
}

// ResumptionStore keeps NEED_INPUT re-entry records, keyed by task id.
type ResumptionStore interface {
	Save(ctx context.Context, rec *models.ResumptionRecord) error
	Get(ctx context.Context, taskID string) (*models.ResumptionRecord, error)
	Delete(ctx context.Context, taskID string) error
}

// LoopStore keeps the scheduler's registered loop records, keyed by task id.
type LoopStore interface {
	Save(ctx context.Context, rec *models.LoopRecord) error
	Get(ctx context.Context, taskID string) (*models.LoopRecord, error)
	List(ctx context.Context) ([]*models.LoopRecord, error)
	Delete(ctx context.Context, taskID string) error
}

// OptimizerStateStore keeps per-loop-task learner state, keyed by task id.
type OptimizerStateStore interface {
	Save(ctx context.Context, state *models.OptimizerState) error
	Get(ctx context.Context, taskID string) (*models.OptimizerState, error)
	Delete(ctx context.Context, taskID string) error
}

// Stores bundles the four persistence surfaces for wiring.
type Stores struct {
	Tasks       TaskRepository
	Resumptions ResumptionStore
	Loops       LoopStore
	Optimizer   OptimizerStateStore
}
