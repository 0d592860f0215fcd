package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetLead returns the lead for a canonical phone, or ErrNotFound.
func (r *PostgresRepository) GetLead(ctx context.Context, phone string) (*Lead, error) {
	const q = `
SELECT phone, assigned_channel, customer_name, created_at
FROM leads
WHERE phone = $1
LIMIT 1;
`
	row := r.pool.QueryRow(ctx, q, phone)
	var lead Lead
	if err := row.Scan(&lead.Phone, &lead.AssignedChannel, &lead.CustomerName, &lead.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get lead: %w", err)
	}
	return &lead, nil
}

// InsertLeadIfAbsent stores the lead unless the phone is already assigned.
// On a concurrent duplicate insert the first writer wins and both callers
// receive the stored row, keeping the assignment sticky.
func (r *PostgresRepository) InsertLeadIfAbsent(ctx context.Context, lead Lead) (*Lead, error) {
	const q = `
INSERT INTO leads (phone, assigned_channel, customer_name)
VALUES ($1, $2, $3)
ON CONFLICT (phone) DO NOTHING;
`
	if _, err := r.pool.Exec(ctx, q, lead.Phone, lead.AssignedChannel, lead.CustomerName); err != nil {
		return nil, fmt.Errorf("insert lead: %w", err)
	}
	return r.GetLead(ctx, lead.Phone)
}

// CountLeadsByChannel aggregates lead counts per channel created since the
// given time. Older leads are excluded so stale assignments do not skew the
// balance forever.
func (r *PostgresRepository) CountLeadsByChannel(ctx context.Context, since time.Time) ([]ChannelLoad, error) {
	const q = `
SELECT assigned_channel, COUNT(*)
FROM leads
WHERE created_at >= $1
GROUP BY assigned_channel;
`
	rows, err := r.pool.Query(ctx, q, since)
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

// ListLeads returns all leads ordered by creation time.
func (r *PostgresRepository) ListLeads(ctx context.Context) ([]Lead, error) {
	const q = `
SELECT phone, assigned_channel, customer_name, created_at
FROM leads
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, q)
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
