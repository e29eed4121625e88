package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// UpsertSessionStatus records the persisted status of a tenant's session.
func (r *PostgresStore) UpsertSessionStatus(ctx context.Context, rec SessionRecord) error {
	const q = `
INSERT INTO wa_sessions (tenant_id, status, phone, last_error, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (tenant_id) DO UPDATE SET
    status = EXCLUDED.status,
    phone = EXCLUDED.phone,
    last_error = EXCLUDED.last_error,
    updated_at = NOW();
`
	if _, err := r.pool.Exec(ctx, q, rec.TenantID, rec.Status, rec.Phone, rec.LastError); err != nil {
		return fmt.Errorf("upsert session status: %w", err)
	}
	return nil
}

// GetSessionRecord fetches the persisted session status for a tenant.
func (r *PostgresStore) GetSessionRecord(ctx context.Context, tenantID int64) (*SessionRecord, error) {
	const q = `
SELECT tenant_id, status, phone, last_error, updated_at
FROM wa_sessions
WHERE tenant_id = $1;
`
	var rec SessionRecord
	err := r.pool.QueryRow(ctx, q, tenantID).Scan(&rec.TenantID, &rec.Status, &rec.Phone, &rec.LastError, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session record: %w", err)
	}
	return &rec, nil
}

// DeleteSessionRecord removes the persisted session row, ignoring a missing
// one.
func (r *PostgresStore) DeleteSessionRecord(ctx context.Context, tenantID int64) error {
	const q = `DELETE FROM wa_sessions WHERE tenant_id = $1;`
	if _, err := r.pool.Exec(ctx, q, tenantID); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}
	return nil
}
