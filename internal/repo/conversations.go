package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const conversationColumns = `id, phone, order_code, product, status, steps_completed, channel, amount, payment_link_ref, customer_name, created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.Phone, &c.OrderCode, &c.Product, &c.Status, &c.StepsCompleted, &c.Channel, &c.Amount, &c.PaymentLinkRef, &c.CustomerName, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// UpsertConversation inserts a conversation keyed by order_code. On conflict
// the descriptive fields are refreshed but status, steps and channel are left
// to their owning transitions.
func (r *PostgresRepository) UpsertConversation(ctx context.Context, conv Conversation) (*Conversation, error) {
	const q = `
INSERT INTO conversations (phone, order_code, product, status, channel, amount, payment_link_ref, customer_name)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (order_code) DO UPDATE SET
    product = CASE WHEN EXCLUDED.product <> '' THEN EXCLUDED.product ELSE conversations.product END,
    amount = CASE WHEN EXCLUDED.amount > 0 THEN EXCLUDED.amount ELSE conversations.amount END,
    payment_link_ref = COALESCE(EXCLUDED.payment_link_ref, conversations.payment_link_ref),
    customer_name = COALESCE(EXCLUDED.customer_name, conversations.customer_name),
    updated_at = NOW()
RETURNING ` + conversationColumns + `;`
	row := r.pool.QueryRow(ctx, q,
		conv.Phone,
		conv.OrderCode,
		conv.Product,
		conv.Status,
		conv.Channel,
		conv.Amount,
		conv.PaymentLinkRef,
		conv.CustomerName,
	)
	res, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}
	return res, nil
}

// GetConversationByOrder retrieves a conversation by its unique order code.
func (r *PostgresRepository) GetConversationByOrder(ctx context.Context, orderCode string) (*Conversation, error) {
	const q = `
SELECT ` + conversationColumns + `
FROM conversations
WHERE order_code = $1
LIMIT 1;
`
	res, err := scanConversation(r.pool.QueryRow(ctx, q, orderCode))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation by order: %w", err)
	}
	return res, nil
}

// LatestActiveConversationByPhone returns the most recent conversation for
// the phone still in an active state. When legacy duplicates exist the most
// recent by creation time is authoritative.
func (r *PostgresRepository) LatestActiveConversationByPhone(ctx context.Context, phone string) (*Conversation, error) {
	const q = `
SELECT ` + conversationColumns + `
FROM conversations
WHERE phone = $1 AND status = ANY($2)
ORDER BY created_at DESC
LIMIT 1;
`
	res, err := scanConversation(r.pool.QueryRow(ctx, q, phone, ActiveStatuses))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("latest active conversation: %w", err)
	}
	return res, nil
}

// TransitionConversation conditionally moves a conversation from one of the
// given states to the target state. ErrNotFound means no row matched, either
// because the order is unknown or the status already changed.
func (r *PostgresRepository) TransitionConversation(ctx context.Context, orderCode string, from []string, to string) (*Conversation, error) {
	const q = `
UPDATE conversations
SET status = $3, updated_at = NOW()
WHERE order_code = $1 AND status = ANY($2)
RETURNING ` + conversationColumns + `;`
	res, err := scanConversation(r.pool.QueryRow(ctx, q, orderCode, from, to))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("transition conversation: %w", err)
	}
	return res, nil
}

// AdvanceConversationStep records step progress; reaching the final step also
// completes the conversation.
func (r *PostgresRepository) AdvanceConversationStep(ctx context.Context, orderCode string, step int) error {
	const q = `
UPDATE conversations
SET steps_completed = $2,
    status = CASE WHEN $2 >= 3 THEN 'completed' ELSE status END,
    updated_at = NOW()
WHERE order_code = $1;
`
	ct, err := r.pool.Exec(ctx, q, orderCode, step)
	if err != nil {
		return fmt.Errorf("advance conversation step: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
