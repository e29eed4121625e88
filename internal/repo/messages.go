package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const messageColumns = `
id, tenant_id, external_id, counterparty, sender_class, from_me, automated,
content, kind, ts, read, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.TenantID, &m.ExternalID, &m.Counterparty, &m.SenderClass, &m.FromMe, &m.Automated,
		&m.Content, &m.Kind, &m.Timestamp, &m.Read, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return &m, nil
}

// InsertMessage stores a message, idempotent on (tenant_id, external_id).
// A duplicate resolves to the existing row; the second return value reports
// whether a new row was actually inserted.
func (r *PostgresStore) InsertMessage(ctx context.Context, msg Message) (*Message, bool, error) {
	q := `
INSERT INTO messages (tenant_id, external_id, counterparty, sender_class, from_me, automated, content, kind, ts, read)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (tenant_id, external_id) DO NOTHING
RETURNING ` + messageColumns + `;
`
	row := r.pool.QueryRow(ctx, q,
		msg.TenantID,
		msg.ExternalID,
		msg.Counterparty,
		msg.SenderClass,
		msg.FromMe,
		msg.Automated,
		msg.Content,
		msg.Kind,
		msg.Timestamp,
		msg.Read,
	)
	stored, err := scanMessage(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}

	existing, err := r.getMessageByExternalID(ctx, msg.TenantID, msg.ExternalID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PostgresStore) getMessageByExternalID(ctx context.Context, tenantID int64, externalID string) (*Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE tenant_id = $1 AND external_id = $2;`
	return scanMessage(r.pool.QueryRow(ctx, q, tenantID, externalID))
}

// ListRecentMessages returns the latest messages in a conversation, newest
// first.
func (r *PostgresStore) ListRecentMessages(ctx context.Context, tenantID int64, counterparty string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `
SELECT ` + messageColumns + `
FROM messages
WHERE tenant_id = $1 AND counterparty = $2
ORDER BY ts DESC
LIMIT $3;
`
	rows, err := r.pool.Query(ctx, q, tenantID, counterparty, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var records []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}
	return records, nil
}
