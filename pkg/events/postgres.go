package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TraceChannel returns the NOTIFY channel name for a trace.
func TraceChannel(traceID string) string {
	return "trace_" + traceID
}

// PostgresSink persists events to the events table and broadcasts them via
// NOTIFY in a single transaction (pg_notify is transactional — held until
// COMMIT). Errors are logged and swallowed; the sink never propagates
// failures back to emitters.
type PostgresSink struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresSink creates a sink writing through the given pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool, timeout: 5 * time.Second}
}

// Publish implements Sink.
func (p *PostgresSink) Publish(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.persistAndNotify(ctx, event); err != nil {
		slog.Warn("Failed to publish event",
			"trace_id", event.TraceID, "event_type", event.Type, "error", err)
	}
}

func (p *PostgresSink) persistAndNotify(ctx context.Context, event Event) error {
	payloadJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var eventID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO events (trace_id, event_type, source, level, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		event.TraceID, string(event.Type), event.Source, string(event.Level),
		payloadJSON, event.Timestamp,
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := truncateIfNeeded(payloadJSON, event, eventID)
	if err != nil {
		return err
	}

	// NOTIFY within the same transaction so the insert and broadcast
	// become visible atomically at COMMIT.
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", TraceChannel(event.TraceID), notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// truncateIfNeeded keeps NOTIFY payloads under PostgreSQL's 8000-byte limit.
// Oversized payloads collapse to a routing envelope; the full event stays
// retrievable from the events table by id.
func truncateIfNeeded(payloadJSON []byte, event Event, eventID int64) (string, error) {
	if len(payloadJSON) <= 7900 {
		return string(payloadJSON), nil
	}
	truncated, err := json.Marshal(map[string]any{
		"trace_id":    event.TraceID,
		"event_type":  event.Type,
		"db_event_id": eventID,
		"truncated":   true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncated), nil
}
