package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// PostgresResumptionStore stores NEED_INPUT re-entry records.
type PostgresResumptionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresResumptionStore creates a store over the given pool.
func NewPostgresResumptionStore(pool *pgxpool.Pool) *PostgresResumptionStore {
	return &PostgresResumptionStore{pool: pool}
}

// Save implements ResumptionStore. An existing record for the task is
// replaced; one task has at most one pending resumption.
func (s *PostgresResumptionStore) Save(ctx context.Context, rec *models.ResumptionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	params, err := json.Marshal(rec.OriginalParameters)
	if err != nil {
		return fmt.Errorf("failed to encode original parameters: %w", err)
	}
	missing, err := json.Marshal(rec.MissingParams)
	if err != nil {
		return fmt.Errorf("failed to encode missing params: %w", err)
	}
	aggregators, err := json.Marshal(rec.AggregatorAddresses)
	if err != nil {
		return fmt.Errorf("failed to encode aggregator addresses: %w", err)
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO resumption_records
			(task_id, worker_address, original_parameters, missing_params, prompt, aggregator_addresses, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (task_id) DO UPDATE SET
			worker_address = EXCLUDED.worker_address,
			original_parameters = EXCLUDED.original_parameters,
			missing_params = EXCLUDED.missing_params,
			prompt = EXCLUDED.prompt,
			aggregator_addresses = EXCLUDED.aggregator_addresses,
			created_at = EXCLUDED.created_at`,
		rec.TaskID, rec.WorkerAddress, params, missing, rec.Prompt, aggregators, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save resumption record for task %s: %w", rec.TaskID, err)
	}
	return nil
}

// Get implements ResumptionStore.
func (s *PostgresResumptionStore) Get(ctx context.Context, taskID string) (*models.ResumptionRecord, error) {
	var (
		rec                          models.ResumptionRecord
		params, missing, aggregators []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT task_id, worker_address, original_parameters,
			missing_params, prompt, aggregator_addresses, created_at
		FROM resumption_records WHERE task_id = $1`, taskID).Scan(
		&rec.TaskID, &rec.WorkerAddress, &params, &missing, &rec.Prompt, &aggregators, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load resumption record for task %s: %w", taskID, err)
	}
	if err := json.Unmarshal(params, &rec.OriginalParameters); err != nil {
		return nil, fmt.Errorf("failed to decode original parameters: %w", err)
	}
	if err := json.Unmarshal(missing, &rec.MissingParams); err != nil {
		return nil, fmt.Errorf("failed to decode missing params: %w", err)
	}
	if err := json.Unmarshal(aggregators, &rec.AggregatorAddresses); err != nil {
		return nil, fmt.Errorf("failed to decode aggregator addresses: %w", err)
	}
	return &rec, nil
}

// Delete implements ResumptionStore.
func (s *PostgresResumptionStore) Delete(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM resumption_records WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("failed to delete resumption record for task %s: %w", taskID, err)
	}
	return nil
}

// PostgresLoopStore keeps loop records as whole-document JSONB rows. The
// scheduler owns the record's shape; the store only needs point lookups and
// a full scan at startup.
type PostgresLoopStore struct {
	pool *pgxpool.Pool
}

// NewPostgresLoopStore creates a store over the given pool.
func NewPostgresLoopStore(pool *pgxpool.Pool) *PostgresLoopStore {
	return &PostgresLoopStore{pool: pool}
}

// Save implements LoopStore.
func (s *PostgresLoopStore) Save(ctx context.Context, rec *models.LoopRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode loop record: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO loop_records (task_id, record, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`,
		rec.TaskID, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save loop record for task %s: %w", rec.TaskID, err)
	}
	return nil
}

// Get implements LoopStore.
func (s *PostgresLoopStore) Get(ctx context.Context, taskID string) (*models.LoopRecord, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM loop_records WHERE task_id = $1`, taskID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load loop record for task %s: %w", taskID, err)
	}
	var rec models.LoopRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode loop record: %w", err)
	}
	return &rec, nil
}

// List implements LoopStore.
func (s *PostgresLoopStore) List(ctx context.Context) ([]*models.LoopRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM loop_records ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list loop records: %w", err)
	}
	defer rows.Close()

	var out []*models.LoopRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan loop record: %w", err)
		}
		var rec models.LoopRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode loop record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Delete implements LoopStore.
func (s *PostgresLoopStore) Delete(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM loop_records WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("failed to delete loop record for task %s: %w", taskID, err)
	}
	return nil
}

// PostgresOptimizerStateStore keeps learner state as whole-document JSONB.
type PostgresOptimizerStateStore struct {
	pool *pgxpool.Pool
}

// NewPostgresOptimizerStateStore creates a store over the given pool.
func NewPostgresOptimizerStateStore(pool *pgxpool.Pool) *PostgresOptimizerStateStore {
	return &PostgresOptimizerStateStore{pool: pool}
}

// Save implements OptimizerStateStore.
func (s *PostgresOptimizerStateStore) Save(ctx context.Context, state *models.OptimizerState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode optimizer state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO optimizer_states (task_id, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		state.TaskID, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save optimizer state for task %s: %w", state.TaskID, err)
	}
	return nil
}

// Get implements OptimizerStateStore.
func (s *PostgresOptimizerStateStore) Get(ctx context.Context, taskID string) (*models.OptimizerState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM optimizer_states WHERE task_id = $1`, taskID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load optimizer state for task %s: %w", taskID, err)
	}
	var state models.OptimizerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode optimizer state: %w", err)
	}
	return &state, nil
}

// Delete implements OptimizerStateStore.
func (s *PostgresOptimizerStateStore) Delete(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM optimizer_states WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("failed to delete optimizer state for task %s: %w", taskID, err)
	}
	return nil
}
