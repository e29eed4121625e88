package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore provides typed access to Postgres resources.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresStore{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresStore) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx executes fn within a database transaction.
func (r *PostgresStore) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// RunMigrations applies schema migrations on the connected database.
func (r *PostgresStore) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem)
}

const tenantColumns = `
id, code, name, status,
message_limit, message_usage, token_limit, token_usage, quota_reset_at,
timezone, work_start_hour, work_end_hour, work_days,
system_prompt, created_at, updated_at`

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(
		&t.ID, &t.Code, &t.Name, &t.Status,
		&t.MessageLimit, &t.MessageUsage, &t.TokenLimit, &t.TokenUsage, &t.QuotaResetAt,
		&t.Timezone, &t.WorkStartHour, &t.WorkEndHour, &t.WorkDays,
		&t.SystemPrompt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}

// GetTenant fetches a tenant by numeric id.
func (r *PostgresStore) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	q := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1;`
	return scanTenant(r.pool.QueryRow(ctx, q, id))
}

// GetTenantByCode fetches a tenant by its opaque code.
func (r *PostgresStore) GetTenantByCode(ctx context.Context, code string) (*Tenant, error) {
	q := `SELECT ` + tenantColumns + ` FROM tenants WHERE code = $1;`
	return scanTenant(r.pool.QueryRow(ctx, q, code))
}

// QuotaUsage returns the current quota counters for a tenant.
func (r *PostgresStore) QuotaUsage(ctx context.Context, tenantID int64) (*QuotaUsage, error) {
	const q = `
SELECT message_usage, message_limit, token_usage, token_limit
FROM tenants
WHERE id = $1;
`
	var u QuotaUsage
	err := r.pool.QueryRow(ctx, q, tenantID).Scan(&u.MessageUsage, &u.MessageLimit, &u.TokenUsage, &u.TokenLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("quota usage: %w", err)
	}
	return &u, nil
}

// ConsumeQuota increments both usage counters in a single conditional update.
// The update only applies when both dimensions stay within their limits, so
// concurrent callers can never both pass a check against stale usage. Returns
// whether consumption happened plus the resulting counters either way.
func (r *PostgresStore) ConsumeQuota(ctx context.Context, tenantID, messages, tokens int64) (bool, *QuotaUsage, error) {
	const q = `
UPDATE tenants
SET message_usage = message_usage + $2,
    token_usage = token_usage + $3,
    updated_at = NOW()
WHERE id = $1
  AND message_limit > 0 AND token_limit > 0
  AND message_usage + $2 <= message_limit
  AND token_usage + $3 <= token_limit
RETURNING message_usage, message_limit, token_usage, token_limit;
`
	var u QuotaUsage
	err := r.pool.QueryRow(ctx, q, tenantID, messages, tokens).Scan(&u.MessageUsage, &u.MessageLimit, &u.TokenUsage, &u.TokenLimit)
	if err == nil {
		return true, &u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, fmt.Errorf("consume quota: %w", err)
	}

	// Either the tenant does not exist or the quota is exhausted.
	current, err := r.QuotaUsage(ctx, tenantID)
	if err != nil {
		return false, nil, err
	}
	return false, current, nil
}

// ResetQuota zeroes both counters and advances the reset date one month.
func (r *PostgresStore) ResetQuota(ctx context.Context, tenantID int64) error {
	const q = `
UPDATE tenants
SET message_usage = 0,
    token_usage = 0,
    quota_reset_at = NOW() + INTERVAL '1 month',
    updated_at = NOW()
WHERE id = $1;
`
	ct, err := r.pool.Exec(ctx, q, tenantID)
	if err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
