package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// newTestClient connects to Postgres with CI/local environment detection.
// In CI (CI_DATABASE_URL set): uses the external PostgreSQL service.
// In local dev: spins up a testcontainer.
func newTestClient(t *testing.T) *Client {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})
		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	} else {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
	}

	client, err := NewClient(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestPostgresTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	stores := newTestClient(t).NewStores()

	task := newTask("pg-t1", "u1", "generate the weekly report")
	task.Plan = &models.ExecutionPlan{Steps: []models.PlanStep{{
		Seq: 1, Name: "fetch", Class: models.ExecutorClassTool, ExecutorID: "erp.query",
		Instruction: "fetch the raw numbers",
	}}}
	require.NoError(t, stores.Tasks.Create(ctx, task))

	got, err := stores.Tasks.Get(ctx, "pg-t1")
	require.NoError(t, err)
	require.NotNil(t, got.Plan)
	assert.Equal(t, "fetch", got.Plan.Steps[0].Name)
	assert.Equal(t, models.TaskStatusCreated, got.Status)

	_, err = stores.Tasks.Transition(ctx, "pg-t1", models.TaskStatusRunning, "")
	require.NoError(t, err)
	_, err = stores.Tasks.Transition(ctx, "pg-t1", models.TaskStatusScheduled, "")
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)

	require.NoError(t, stores.Tasks.SetResult(ctx, "pg-t1", map[string]any{"rows": float64(42)}))
	require.NoError(t, stores.Tasks.AddComment(ctx, "pg-t1", models.Comment{Author: "u1", Text: "check row 3"}))

	got, err = stores.Tasks.Get(ctx, "pg-t1")
	require.NoError(t, err)
	assert.Equal(t, float64(42), got.Result["rows"])
	require.Len(t, got.Comments, 1)
}

func TestPostgresFindByReferenceAndOrphans(t *testing.T) {
	ctx := context.Background()
	stores := newTestClient(t).NewStores()

	require.NoError(t, stores.Tasks.Create(ctx, newTask("pg-r1", "u1", "sales report for March")))
	require.NoError(t, stores.Tasks.Create(ctx, newTask("pg-r2", "u1", "inventory check")))

	got, err := stores.Tasks.FindByReference(ctx, "u1", []string{"sales"})
	require.NoError(t, err)
	assert.Equal(t, "pg-r1", got.ID)

	_, err = stores.Tasks.FindByReference(ctx, "u1", []string{"payroll"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = stores.Tasks.Transition(ctx, "pg-r2", models.TaskStatusRunning, "")
	require.NoError(t, err)
	count, err := stores.Tasks.FailOrphans(ctx, "engine restarted")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)

	failed, err := stores.Tasks.Get(ctx, "pg-r2")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, failed.Status)
}

func TestPostgresAuxStores(t *testing.T) {
	ctx := context.Background()
	stores := newTestClient(t).NewStores()

	require.NoError(t, stores.Tasks.Create(ctx, newTask("pg-a1", "u1", "x")))
	require.NoError(t, stores.Resumptions.Save(ctx, &models.ResumptionRecord{
		TaskID:             "pg-a1",
		WorkerAddress:      "worker-1",
		OriginalParameters: map[string]any{"warehouse": "A1"},
		MissingParams:      []string{"sku"},
		Prompt:             "请提供sku：",
	}))
	rec, err := stores.Resumptions.Get(ctx, "pg-a1")
	require.NoError(t, err)
	assert.Equal(t, "请提供sku：", rec.Prompt)
	require.NoError(t, stores.Resumptions.Delete(ctx, "pg-a1"))
	_, err = stores.Resumptions.Get(ctx, "pg-a1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, stores.Loops.Save(ctx, &models.LoopRecord{
		TaskID:   "pg-a1",
		Schedule: &models.Schedule{CronExpr: "0 9 * * 1"},
	}))
	loops, err := stores.Loops.List(ctx)
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Equal(t, "0 9 * * 1", loops[0].Schedule.CronExpr)

	require.NoError(t, stores.Optimizer.Save(ctx, &models.OptimizerState{
		TaskID: "pg-a1", BestScore: 0.7, FeedbackWindow: 10,
	}))
	state, err := stores.Optimizer.Get(ctx, "pg-a1")
	require.NoError(t, err)
	assert.Equal(t, 0.7, state.BestScore)
}
