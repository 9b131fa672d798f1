package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// PostgresTaskRepository stores tasks in the tasks table. Structured fields
// (plan, result, schedule) live in JSONB columns; the columns the engine
// filters on are first-class.
type PostgresTaskRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresTaskRepository creates a repository over the given pool.
func NewPostgresTaskRepository(pool *pgxpool.Pool) *PostgresTaskRepository {
	return &PostgresTaskRepository{pool: pool}
}

const taskColumns = `id, trace_id, task_path, type, status, error_message,
	user_id, utterance, target_agent_id, plan, result, corrected_result,
	comments, original_task_id, schedule, next_run_time, last_run_time,
	paused, optimized_parameters, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task                              models.Task
		planJSON, resultJSON              []byte
		correctedJSON, commentsJSON       []byte
		scheduleJSON, optimizedParamsJSON []byte
	)
	err := row.Scan(
		&task.ID, &task.TraceID, &task.TaskPath, &task.Type, &task.Status,
		&task.ErrorMessage, &task.UserID, &task.Utterance, &task.TargetAgentID,
		&planJSON, &resultJSON, &correctedJSON, &commentsJSON,
		&task.OriginalTaskID, &scheduleJSON, &task.NextRunTime,
		&task.LastRunTime, &task.Paused, &optimizedParamsJSON,
		&task.CreatedAt, &task.UpdatedAt, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	decode := func(raw []byte, dest any, field string) error {
		if len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, dest); err != nil {
			return fmt.Errorf("failed to decode task %s: %w", field, err)
		}
		return nil
	}
	if err := decode(planJSON, &task.Plan, "plan"); err != nil {
		return nil, err
	}
	if err := decode(resultJSON, &task.Result, "result"); err != nil {
		return nil, err
	}
	if err := decode(correctedJSON, &task.CorrectedResult, "corrected_result"); err != nil {
		return nil, err
	}
	if err := decode(commentsJSON, &task.Comments, "comments"); err != nil {
		return nil, err
	}
	if err := decode(scheduleJSON, &task.Schedule, "schedule"); err != nil {
		return nil, err
	}
	if err := decode(optimizedParamsJSON, &task.OptimizedParameters, "optimized_parameters"); err != nil {
		return nil, err
	}
	return &task, nil
}

func marshalOrNil(v any, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

func taskJSONColumns(task *models.Task) (plan, result, corrected, comments, schedule, optimized []byte, err error) {
	if plan, err = marshalOrNil(task.Plan, task.Plan == nil); err != nil {
		return
	}
	if result, err = marshalOrNil(task.Result, task.Result == nil); err != nil {
		return
	}
	if corrected, err = marshalOrNil(task.CorrectedResult, task.CorrectedResult == nil); err != nil {
		return
	}
	if task.Comments == nil {
		comments = []byte("[]")
	} else if comments, err = json.Marshal(task.Comments); err != nil {
		return
	}
	if schedule, err = marshalOrNil(task.Schedule, task.Schedule == nil); err != nil {
		return
	}
	optimized, err = marshalOrNil(task.OptimizedParameters, task.OptimizedParameters == nil)
	return
}

// Create implements TaskRepository.
func (r *PostgresTaskRepository) Create(ctx context.Context, task *models.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	plan, result, corrected, comments, schedule, optimized, err := taskJSONColumns(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	_, err = r.pool.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		task.ID, task.TraceID, task.TaskPath, task.Type, task.Status,
		task.ErrorMessage, task.UserID, task.Utterance, task.TargetAgentID,
		plan, result, corrected, comments, task.OriginalTaskID, schedule,
		task.NextRunTime, task.LastRunTime, task.Paused, optimized,
		task.CreatedAt, task.UpdatedAt, task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// Get implements TaskRepository.
func (r *PostgresTaskRepository) Get(ctx context.Context, id string) (*models.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// List implements TaskRepository.
func (r *PostgresTaskRepository) List(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if filter.TraceID != "" {
		add("trace_id = $%d", filter.TraceID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// Transition implements TaskRepository. The current status is read under
// FOR UPDATE so concurrent transitions serialize per task.
func (r *PostgresTaskRepository) Transition(ctx context.Context, id string, to models.TaskStatus, errMsg string) (*models.Task, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var from models.TaskStatus
	err = tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&from)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock task %s: %w", id, err)
	}
	if !models.CanTransition(from, to) {
		return nil, &StateError{TaskID: id, From: from, To: to}
	}

	now := time.Now().UTC()
	var completedAt *time.Time
	if to.Terminal() {
		completedAt = &now
	}
	row := tx.QueryRow(ctx, `UPDATE tasks SET
			status = $2,
			error_message = CASE WHEN $3 = '' THEN error_message ELSE $3 END,
			completed_at = COALESCE(completed_at, $4),
			updated_at = $5
		WHERE id = $1
		RETURNING `+taskColumns,
		id, to, errMsg, completedAt, now)
	task, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return task, nil
}

// Update implements TaskRepository. Status is excluded from the column list;
// Transition is the only status mutator.
func (r *PostgresTaskRepository) Update(ctx context.Context, task *models.Task) error {
	plan, result, corrected, comments, schedule, optimized, err := taskJSONColumns(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `UPDATE tasks SET
			task_path = $2, target_agent_id = $3, plan = $4, result = $5,
			corrected_result = $6, comments = $7, schedule = $8,
			next_run_time = $9, last_run_time = $10, paused = $11,
			optimized_parameters = $12, updated_at = $13
		WHERE id = $1`,
		task.ID, task.TaskPath, task.TargetAgentID, plan, result, corrected,
		comments, schedule, task.NextRunTime, task.LastRunTime, task.Paused,
		optimized, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetResult implements TaskRepository.
func (r *PostgresTaskRepository) SetResult(ctx context.Context, id string, result map[string]any) error {
	return r.setJSONColumn(ctx, id, "result", result)
}

// SetCorrectedResult implements TaskRepository.
func (r *PostgresTaskRepository) SetCorrectedResult(ctx context.Context, id string, corrected map[string]any) error {
	return r.setJSONColumn(ctx, id, "corrected_result", corrected)
}

func (r *PostgresTaskRepository) setJSONColumn(ctx context.Context, id, column string, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", column, err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE tasks SET `+column+` = $2, updated_at = $3 WHERE id = $1`,
		id, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set %s on task %s: %w", column, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddComment implements TaskRepository. Comments are append-only.
func (r *PostgresTaskRepository) AddComment(ctx context.Context, id string, comment models.Comment) error {
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(comment)
	if err != nil {
		return fmt.Errorf("failed to encode comment: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE tasks SET comments = comments || $2::jsonb, updated_at = $3 WHERE id = $1`,
		id, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add comment to task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByReference implements TaskRepository using the utterance GIN index
// with an ILIKE fallback per keyword.
func (r *PostgresTaskRepository) FindByReference(ctx context.Context, userID string, keywords []string) (*models.Task, error) {
	if len(keywords) == 0 {
		row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks
			WHERE user_id = $1 ORDER BY updated_at DESC LIMIT 1`, userID)
		return scanTask(row)
	}

	conds := make([]string, 0, len(keywords))
	args := []any{userID}
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		args = append(args, "%"+kw+"%")
		conds = append(conds, fmt.Sprintf("utterance ILIKE $%d", len(args)))
	}
	if len(conds) == 0 {
		return nil, ErrNotFound
	}

	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE user_id = $1 AND (`+strings.Join(conds, " OR ")+`)
		ORDER BY updated_at DESC LIMIT 1`, args...)
	return scanTask(row)
}

// FailOrphans implements TaskRepository.
func (r *PostgresTaskRepository) FailOrphans(ctx context.Context, reason string) (int, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `UPDATE tasks SET
			status = $1, error_message = $2,
			completed_at = COALESCE(completed_at, $3), updated_at = $3
		WHERE status IN ($4, $5)`,
		models.TaskStatusFailed, reason, now,
		models.TaskStatusRunning, models.TaskStatusNeedInput)
	if err != nil {
		return 0, fmt.Errorf("failed to fail orphaned tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
