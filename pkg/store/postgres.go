package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql (migrations)
)

//go:embed migrations
var migrationsFS embed.FS

// Client owns the pgx connection pool and migration lifecycle.
type Client struct {
	pool *pgxpool.Pool
}

// Pool returns the underlying pool for health checks and direct queries.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}

// NewClient connects to Postgres, applies pending migrations, and returns a
// pooled client. Migration files are embedded into the binary so production
// deployments carry no external SQL files.
func NewClient(ctx context.Context, databaseURL string) (*Client, error) {
	if err := runMigrations(databaseURL); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Client{pool: pool}, nil
}

// NewStores builds the Postgres-backed store bundle over the client's pool.
func (c *Client) NewStores() *Stores {
	return &Stores{
		Tasks:       NewPostgresTaskRepository(c.pool),
		Resumptions: NewPostgresResumptionStore(c.pool),
		Loops:       NewPostgresLoopStore(c.pool),
		Optimizer:   NewPostgresOptimizerStateStore(c.pool),
	}
}

// runMigrations applies embedded migrations through a short-lived
// database/sql connection. golang-migrate needs *sql.DB; the pool used for
// queries stays native pgx.
func runMigrations(databaseURL string) error {
	db, err := stdsql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver: m.Close() would also close the database
	// driver and with it the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}
