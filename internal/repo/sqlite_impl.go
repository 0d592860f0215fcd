package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// -- Leads --

func (r *SQLiteRepository) GetLead(ctx context.Context, phone string) (*Lead, error) {
	const q = `
SELECT phone, assigned_channel, customer_name, created_at
FROM leads
WHERE phone = ?
LIMIT 1;
`
	row := r.db.QueryRowContext(ctx, q, phone)
	var lead Lead
	if err := row.Scan(&lead.Phone, &lead.AssignedChannel, &lead.CustomerName, &lead.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get lead: %w", err)
	}
	return &lead, nil
}

func (r *SQLiteRepository) InsertLeadIfAbsent(ctx context.Context, lead Lead) (*Lead, error) {
	const q = `
INSERT INTO leads (phone, assigned_channel, customer_name, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (phone) DO NOTHING;
`
	if _, err := r.db.ExecContext(ctx, q, lead.Phone, lead.AssignedChannel, lead.CustomerName, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("insert lead: %w", err)
	}
	return r.GetLead(ctx, lead.Phone)
}

func (r *SQLiteRepository) CountLeadsByChannel(ctx context.Context, since time.Time) ([]ChannelLoad, error) {
	const q = `
SELECT assigned_channel, COUNT(*)
FROM leads
WHERE created_at >= ?
GROUP BY assigned_channel;
`
	rows, err := r.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("count leads by channel: %w", err)
	}
	defer rows.Close()

	var loads []ChannelLoad
	for rows.Next() {
		var load ChannelLoad
		if err := rows.Scan(&load.Channel, &load.Leads); err != nil {
			return nil, fmt.Errorf("scan channel load: %w", err)
		}
		loads = append(loads, load)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel loads: %w", err)
	}
	return loads, nil
}

func (r *SQLiteRepository) ListLeads(ctx context.Context) ([]Lead, error) {
	const q = `
SELECT phone, assigned_channel, customer_name, created_at
FROM leads
ORDER BY created_at ASC;
`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	var leads []Lead
	for rows.Next() {
		var lead Lead
		if err := rows.Scan(&lead.Phone, &lead.AssignedChannel, &lead.CustomerName, &lead.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		leads = append(leads, lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return leads, nil
}

// -- Conversations --

func (r *SQLiteRepository) scanConversationRow(row *sql.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.Phone, &c.OrderCode, &c.Product, &c.Status, &c.StepsCompleted, &c.Channel, &c.Amount, &c.PaymentLinkRef, &c.CustomerName, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *SQLiteRepository) UpsertConversation(ctx context.Context, conv Conversation) (*Conversation, error) {
	now := time.Now().UTC()
	const q = `
INSERT INTO conversations (id, phone, order_code, product, status, channel, amount, payment_link_ref, customer_name, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (order_code) DO UPDATE SET
    product = CASE WHEN excluded.product <> '' THEN excluded.product ELSE conversations.product END,
    amount = CASE WHEN excluded.amount > 0 THEN excluded.amount ELSE conversations.amount END,
    payment_link_ref = COALESCE(excluded.payment_link_ref, conversations.payment_link_ref),
    customer_name = COALESCE(excluded.customer_name, conversations.customer_name),
    updated_at = excluded.updated_at
RETURNING ` + conversationColumns + `;`
	row := r.db.QueryRowContext(ctx, q,
		randomUUID(),
		conv.Phone,
		conv.OrderCode,
		conv.Product,
		conv.Status,
		conv.Channel,
		conv.Amount,
		conv.PaymentLinkRef,
		conv.CustomerName,
		now,
		now,
	)
	res, err := r.scanConversationRow(row)
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}
	return res, nil
}

func (r *SQLiteRepository) GetConversationByOrder(ctx context.Context, orderCode string) (*Conversation, error) {
	const q = `
SELECT ` + conversationColumns + `
FROM conversations
WHERE order_code = ?
LIMIT 1;
`
	res, err := r.scanConversationRow(r.db.QueryRowContext(ctx, q, orderCode))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation by order: %w", err)
	}
	return res, nil
}

func (r *SQLiteRepository) LatestActiveConversationByPhone(ctx context.Context, phone string) (*Conversation, error) {
	q := `
SELECT ` + conversationColumns + `
FROM conversations
WHERE phone = ? AND status IN (` + placeholders(len(ActiveStatuses)) + `)
ORDER BY created_at DESC
LIMIT 1;
`
	args := []any{phone}
	for _, s := range ActiveStatuses {
		args = append(args, s)
	}
	res, err := r.scanConversationRow(r.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("latest active conversation: %w", err)
	}
	return res, nil
}

func (r *SQLiteRepository) TransitionConversation(ctx context.Context, orderCode string, from []string, to string) (*Conversation, error) {
	q := `
UPDATE conversations
SET status = ?, updated_at = ?
WHERE order_code = ? AND status IN (` + placeholders(len(from)) + `)
RETURNING ` + conversationColumns + `;`
	args := []any{to, time.Now().UTC(), orderCode}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.scanConversationRow(r.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("transition conversation: %w", err)
	}
	return res, nil
}

func (r *SQLiteRepository) AdvanceConversationStep(ctx context.Context, orderCode string, step int) error {
	const q = `
UPDATE conversations
SET steps_completed = ?,
    status = CASE WHEN ? >= 3 THEN 'completed' ELSE status END,
    updated_at = ?
WHERE order_code = ?;
`
	res, err := r.db.ExecContext(ctx, q, step, step, time.Now().UTC(), orderCode)
	if err != nil {
		return fmt.Errorf("advance conversation step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance conversation step: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Step log --

func (r *SQLiteRepository) InsertStepRecord(ctx context.Context, rec StepRecord) error {
	const q = `
INSERT INTO messages (id, conversation_id, direction, content, step_number, created_at)
VALUES (?, ?, ?, ?, ?, ?);
`
	_, err := r.db.ExecContext(ctx, q, randomUUID(), rec.ConversationID, rec.Direction, rec.Content, rec.StepNumber, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert step record: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) LastConfirmedStep(ctx context.Context, conversationID string) (int, error) {
	const q = `
SELECT step_number
FROM messages
WHERE conversation_id = ? AND direction = 'outbound' AND step_number IS NOT NULL
ORDER BY created_at DESC, step_number DESC
LIMIT 1;
`
	var step int
	if err := r.db.QueryRowContext(ctx, q, conversationID).Scan(&step); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("last confirmed step: %w", err)
	}
	return step, nil
}

func (r *SQLiteRepository) HasStepRecord(ctx context.Context, conversationID string, step int) (bool, error) {
	const q = `
SELECT EXISTS (
    SELECT 1 FROM messages
    WHERE conversation_id = ? AND direction = 'outbound' AND step_number = ?
);
`
	var exists bool
	if err := r.db.QueryRowContext(ctx, q, conversationID, step).Scan(&exists); err != nil {
		return false, fmt.Errorf("has step record: %w", err)
	}
	return exists, nil
}

// -- Scheduled events --

func (r *SQLiteRepository) scanEventRow(row interface{ Scan(...any) error }) (*ScheduledEvent, error) {
	var ev ScheduledEvent
	var convID *string
	var payload []byte
	err := row.Scan(&ev.ID, &ev.Kind, &ev.OrderCode, &convID, &payload, &ev.ScheduledFor, &ev.Processed, &ev.Attempts, &ev.MaxAttempts, &ev.LastError, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

func (r *SQLiteRepository) InsertScheduledEvent(ctx context.Context, ev ScheduledEvent) (*ScheduledEvent, error) {
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
	now := time.Now().UTC()
	const q = `
INSERT INTO scheduled_events (id, kind, order_code, conversation_id, payload, scheduled_for, attempts, max_attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING ` + eventColumns + `;`
	row := r.db.QueryRowContext(ctx, q, randomUUID(), ev.Kind, ev.OrderCode, convID, jsonParam(payload), ev.ScheduledFor.UTC(), ev.Attempts, maxAttempts, now, now)
	res, err := r.scanEventRow(row)
	if err != nil {
		return nil, fmt.Errorf("insert scheduled event: %w", err)
	}
	return res, nil
}

func (r *SQLiteRepository) GetScheduledEvent(ctx context.Context, id string) (*ScheduledEvent, error) {
	const q = `SELECT ` + eventColumns + ` FROM scheduled_events WHERE id = ? LIMIT 1;`
	res, err := r.scanEventRow(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get scheduled event: %w", err)
	}
	return res, nil
}

func (r *SQLiteRepository) MarkEventProcessed(ctx context.Context, id string) error {
	const q = `
UPDATE scheduled_events
SET processed = 1, updated_at = ?
WHERE id = ? AND processed = 0;
`
	res, err := r.db.ExecContext(ctx, q, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) FailEvent(ctx context.Context, id, lastError string, nextAttempt *time.Time) (int, error) {
	const q = `
UPDATE scheduled_events
SET attempts = attempts + 1,
    last_error = ?,
    scheduled_for = COALESCE(?, scheduled_for),
    updated_at = ?
WHERE id = ? AND processed = 0
RETURNING attempts;
`
	var next any
	if nextAttempt != nil {
		next = nextAttempt.UTC()
	}
	var attempts int
	if err := r.db.QueryRowContext(ctx, q, lastError, next, time.Now().UTC(), id).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("fail event: %w", err)
	}
	return attempts, nil
}

func (r *SQLiteRepository) CancelEventsForOrder(ctx context.Context, orderCode, kind string) (int64, error) {
	const q = `
UPDATE scheduled_events
SET processed = 1, updated_at = ?
WHERE order_code = ? AND processed = 0 AND (? = '' OR kind = ?);
`
	res, err := r.db.ExecContext(ctx, q, time.Now().UTC(), orderCode, kind, kind)
	if err != nil {
		return 0, fmt.Errorf("cancel events for order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel events for order: %w", err)
	}
	return affected, nil
}

func (r *SQLiteRepository) ListDueEvents(ctx context.Context, until time.Time) ([]ScheduledEvent, error) {
	const q = `
SELECT ` + eventColumns + `
FROM scheduled_events
WHERE processed = 0 AND attempts < max_attempts AND scheduled_for <= ?
ORDER BY scheduled_for ASC;
`
	rows, err := r.db.QueryContext(ctx, q, until.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due events: %w", err)
	}
	defer rows.Close()

	var events []ScheduledEvent
	for rows.Next() {
		ev, err := r.scanEventRow(rows)
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

func (r *SQLiteRepository) QueueHealth(ctx context.Context) (*QueueHealth, error) {
	health := &QueueHealth{PendingByKind: map[string]int64{}}

	rows, err := r.db.QueryContext(ctx, `
SELECT kind, COUNT(*)
FROM scheduled_events
WHERE processed = 0 AND attempts < max_attempts
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

	row := r.db.QueryRowContext(ctx, `
SELECT
    SUM(CASE WHEN attempts >= max_attempts THEN 1 ELSE 0 END),
    SUM(CASE WHEN attempts < max_attempts AND scheduled_for <= ? THEN 1 ELSE 0 END),
    MIN(CASE WHEN attempts < max_attempts THEN scheduled_for END)
FROM scheduled_events
WHERE processed = 0;
`, time.Now().UTC())
	var dead, overdue sql.NullInt64
	var oldest sql.NullTime
	if err := row.Scan(&dead, &overdue, &oldest); err != nil {
		return nil, fmt.Errorf("queue health summary: %w", err)
	}
	health.DeadLetters = dead.Int64
	health.Overdue = overdue.Int64
	if oldest.Valid {
		t := oldest.Time
		health.OldestPending = &t
	}
	return health, nil
}
