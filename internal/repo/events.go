package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const eventColumns = `id, kind, order_code, conversation_id, payload, scheduled_for, processed, attempts, max_attempts, last_error, created_at, updated_at`

func scanScheduledEvent(row pgx.Row) (*ScheduledEvent, error) {
	var ev ScheduledEvent
	var convID *string
	var payload []byte
	err := row.Scan(&ev.ID, &ev.Kind, &ev.OrderCode, &convID, &payload, &ev.ScheduledFor, &ev.Processed, &ev.Attempts, &ev.MaxAttempts, &ev.LastError, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if convID != nil {
		ev.ConversationID = *convID
	}
	ev.Payload = fromJSON(payload)
	return &ev, nil
}

// InsertScheduledEvent persists one unit of deferred work.
func (r *PostgresRepository) InsertScheduledEvent(ctx context.Context, ev ScheduledEvent) (*ScheduledEvent, error) {
	payload, err := toJSON(ev.Payload)
	if err != nil {
		return nil, err
	}
	maxAttempts := ev.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var convID *string
	if ev.ConversationID != "" {
		convID = &ev.ConversationID
	}
	const q = `
INSERT INTO scheduled_events (kind, order_code, conversation_id, payload, scheduled_for, attempts, max_attempts)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + eventColumns + `;`
	row := r.pool.QueryRow(ctx, q, ev.Kind, ev.OrderCode, convID, jsonParam(payload), ev.ScheduledFor, ev.Attempts, maxAttempts)
	res, err := scanScheduledEvent(row)
	if err != nil {
		return nil, fmt.Errorf("insert scheduled event: %w", err)
	}
	return res, nil
}

// GetScheduledEvent loads a single event row by id.
func (r *PostgresRepository) GetScheduledEvent(ctx context.Context, id string) (*ScheduledEvent, error) {
	const q = `SELECT ` + eventColumns + ` FROM scheduled_events WHERE id = $1 LIMIT 1;`
	res, err := scanScheduledEvent(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get scheduled event: %w", err)
	}
	return res, nil
}

// MarkEventProcessed finalises an event. Processed rows are immutable audit
// records from here on.
func (r *PostgresRepository) MarkEventProcessed(ctx context.Context, id string) error {
	const q = `
UPDATE scheduled_events
SET processed = TRUE, updated_at = NOW()
WHERE id = $1 AND processed = FALSE;
`
	ct, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailEvent records a failed execution attempt. When nextAttempt is non-nil
// the row is rescheduled; otherwise scheduled_for is left alone and the row
// dead-letters once attempts reach max_attempts. Returns the new attempt count.
func (r *PostgresRepository) FailEvent(ctx context.Context, id, lastError string, nextAttempt *time.Time) (int, error) {
	const q = `
UPDATE scheduled_events
SET attempts = attempts + 1,
    last_error = $2,
    scheduled_for = COALESCE($3, scheduled_for),
    updated_at = NOW()
WHERE id = $1 AND processed = FALSE
RETURNING attempts;
`
	var attempts int
	if err := r.pool.QueryRow(ctx, q, id, lastError, nextAttempt).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("fail event: %w", err)
	}
	return attempts, nil
}

// CancelEventsForOrder marks unprocessed events for the order as processed
// without executing their payloads. An empty kind cancels every kind.
func (r *PostgresRepository) CancelEventsForOrder(ctx context.Context, orderCode, kind string) (int64, error) {
	const q = `
UPDATE scheduled_events
SET processed = TRUE, updated_at = NOW()
WHERE order_code = $1 AND processed = FALSE AND ($2 = '' OR kind = $2);
`
	ct, err := r.pool.Exec(ctx, q, orderCode, kind)
	if err != nil {
		return 0, fmt.Errorf("cancel events for order: %w", err)
	}
	return ct.RowsAffected(), nil
}

// ListDueEvents returns unprocessed events scheduled up to the given horizon
// that still have retry budget, soonest first. Dead letters are excluded.
func (r *PostgresRepository) ListDueEvents(ctx context.Context, until time.Time) ([]ScheduledEvent, error) {
	const q = `
SELECT ` + eventColumns + `
FROM scheduled_events
WHERE processed = FALSE AND attempts < max_attempts AND scheduled_for <= $1
ORDER BY scheduled_for ASC;
`
	rows, err := r.pool.Query(ctx, q, until)
	if err != nil {
		return nil, fmt.Errorf("list due events: %w", err)
	}
	defer rows.Close()

	var events []ScheduledEvent
	for rows.Next() {
		ev, err := scanScheduledEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due event: %w", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due events: %w", err)
	}
	return events, nil
}

// QueueHealth summarises the scheduled_events table.
func (r *PostgresRepository) QueueHealth(ctx context.Context) (*QueueHealth, error) {
	health := &QueueHealth{PendingByKind: map[string]int64{}}

	rows, err := r.pool.Query(ctx, `
SELECT kind, COUNT(*)
FROM scheduled_events
WHERE processed = FALSE AND attempts < max_attempts
GROUP BY kind;
`)
	if err != nil {
		return nil, fmt.Errorf("queue health pending: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scan pending count: %w", err)
		}
		health.PendingByKind[kind] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending counts: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
SELECT
    COUNT(*) FILTER (WHERE attempts >= max_attempts),
    COUNT(*) FILTER (WHERE attempts < max_attempts AND scheduled_for <= NOW()),
    MIN(scheduled_for) FILTER (WHERE attempts < max_attempts)
FROM scheduled_events
WHERE processed = FALSE;
`)
	if err := row.Scan(&health.DeadLetters, &health.Overdue, &health.OldestPending); err != nil {
		return nil, fmt.Errorf("queue health summary: %w", err)
	}
	return health, nil
}
