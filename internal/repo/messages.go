package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertStepRecord appends one row to the conversation message log.
func (r *PostgresRepository) InsertStepRecord(ctx context.Context, rec StepRecord) error {
	const q = `
INSERT INTO messages (conversation_id, direction, content, step_number)
VALUES ($1, $2, $3, $4);
`
	_, err := r.pool.Exec(ctx, q, rec.ConversationID, rec.Direction, rec.Content, rec.StepNumber)
	if err != nil {
		return fmt.Errorf("insert step record: %w", err)
	}
	return nil
}

// LastConfirmedStep returns the step number of the most recent outbound log
// entry tagged with a step, or 0 when no step has been confirmed sent yet.
func (r *PostgresRepository) LastConfirmedStep(ctx context.Context, conversationID string) (int, error) {
	const q = `
SELECT step_number
FROM messages
WHERE conversation_id = $1 AND direction = 'outbound' AND step_number IS NOT NULL
ORDER BY created_at DESC, step_number DESC
LIMIT 1;
`
	var step int
	if err := r.pool.QueryRow(ctx, q, conversationID).Scan(&step); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("last confirmed step: %w", err)
	}
	return step, nil
}

// HasStepRecord reports whether the given step was already confirmed sent for
// the conversation. Used as the idempotency guard before emitting a step.
func (r *PostgresRepository) HasStepRecord(ctx context.Context, conversationID string, step int) (bool, error) {
	const q = `
SELECT EXISTS (
    SELECT 1 FROM messages
    WHERE conversation_id = $1 AND direction = 'outbound' AND step_number = $2
);
`
	var exists bool
	if err := r.pool.QueryRow(ctx, q, conversationID, step).Scan(&exists); err != nil {
		return false, fmt.Errorf("has step record: %w", err)
	}
	return exists, nil
}
