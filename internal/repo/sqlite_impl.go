package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func scanTenantSQL(row *sql.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(
		&t.ID, &t.Code, &t.Name, &t.Status,
		&t.MessageLimit, &t.MessageUsage, &t.TokenLimit, &t.TokenUsage, &t.QuotaResetAt,
		&t.Timezone, &t.WorkStartHour, &t.WorkEndHour, &t.WorkDays,
		&t.SystemPrompt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}

// GetTenant fetches a tenant by numeric id.
func (r *SQLiteStore) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	q := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = ?;`
	return scanTenantSQL(r.db.QueryRowContext(ctx, q, id))
}

// GetTenantByCode fetches a tenant by its opaque code.
func (r *SQLiteStore) GetTenantByCode(ctx context.Context, code string) (*Tenant, error) {
	q := `SELECT ` + tenantColumns + ` FROM tenants WHERE code = ?;`
	return scanTenantSQL(r.db.QueryRowContext(ctx, q, code))
}

// QuotaUsage returns the current quota counters for a tenant.
func (r *SQLiteStore) QuotaUsage(ctx context.Context, tenantID int64) (*QuotaUsage, error) {
	const q = `
SELECT message_usage, message_limit, token_usage, token_limit
FROM tenants
WHERE id = ?;
`
	var u QuotaUsage
	err := r.db.QueryRowContext(ctx, q, tenantID).Scan(&u.MessageUsage, &u.MessageLimit, &u.TokenUsage, &u.TokenLimit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("quota usage: %w", err)
	}
	return &u, nil
}

// ConsumeQuota applies the same single conditional update as the Postgres
// implementation.
func (r *SQLiteStore) ConsumeQuota(ctx context.Context, tenantID, messages, tokens int64) (bool, *QuotaUsage, error) {
	const q = `
UPDATE tenants
SET message_usage = message_usage + ?2,
    token_usage = token_usage + ?3,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?1
  AND message_limit > 0 AND token_limit > 0
  AND message_usage + ?2 <= message_limit
  AND token_usage + ?3 <= token_limit
RETURNING message_usage, message_limit, token_usage, token_limit;
`
	var u QuotaUsage
	err := r.db.QueryRowContext(ctx, q, tenantID, messages, tokens).Scan(&u.MessageUsage, &u.MessageLimit, &u.TokenUsage, &u.TokenLimit)
	if err == nil {
		return true, &u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, nil, fmt.Errorf("consume quota: %w", err)
	}

	current, err := r.QuotaUsage(ctx, tenantID)
	if err != nil {
		return false, nil, err
	}
	return false, current, nil
}

// ResetQuota zeroes both counters and advances the reset date one month.
func (r *SQLiteStore) ResetQuota(ctx context.Context, tenantID int64) error {
	const q = `
UPDATE tenants
SET message_usage = 0,
    token_usage = 0,
    quota_reset_at = datetime('now', '+1 month'),
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?;
`
	res, err := r.db.ExecContext(ctx, q, tenantID)
	if err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset quota rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertSessionStatus records the persisted status of a tenant's session.
func (r *SQLiteStore) UpsertSessionStatus(ctx context.Context, rec SessionRecord) error {
	const q = `
INSERT INTO wa_sessions (tenant_id, status, phone, last_error, updated_at)
VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (tenant_id) DO UPDATE SET
    status = excluded.status,
    phone = excluded.phone,
    last_error = excluded.last_error,
    updated_at = CURRENT_TIMESTAMP;
`
	if _, err := r.db.ExecContext(ctx, q, rec.TenantID, rec.Status, rec.Phone, rec.LastError); err != nil {
		return fmt.Errorf("upsert session status: %w", err)
	}
	return nil
}

// GetSessionRecord fetches the persisted session status for a tenant.
func (r *SQLiteStore) GetSessionRecord(ctx context.Context, tenantID int64) (*SessionRecord, error) {
	const q = `
SELECT tenant_id, status, phone, last_error, updated_at
FROM wa_sessions
WHERE tenant_id = ?;
`
	var rec SessionRecord
	err := r.db.QueryRowContext(ctx, q, tenantID).Scan(&rec.TenantID, &rec.Status, &rec.Phone, &rec.LastError, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session record: %w", err)
	}
	return &rec, nil
}

// DeleteSessionRecord removes the persisted session row, ignoring a missing
// one.
func (r *SQLiteStore) DeleteSessionRecord(ctx context.Context, tenantID int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM wa_sessions WHERE tenant_id = ?;`, tenantID); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}
	return nil
}

func scanConversationSQL(row *sql.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Counterparty, &c.DisplayName, &c.LastMessage, &c.LastMessageAt,
		&c.UnreadCount, &c.BotEnabled, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &c, nil
}

// UpsertConversation creates or refreshes the conversation row.
func (r *SQLiteStore) UpsertConversation(ctx context.Context, upd ConversationUpdate) (*Conversation, error) {
	q := `
INSERT INTO conversations (tenant_id, counterparty, display_name, last_message, last_message_at, unread_count, bot_enabled)
VALUES (?, ?, ?, ?, ?, ?, 1)
ON CONFLICT (tenant_id, counterparty) DO UPDATE SET
    display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE conversations.display_name END,
    last_message = excluded.last_message,
    last_message_at = excluded.last_message_at,
    unread_count = conversations.unread_count + excluded.unread_count,
    updated_at = CURRENT_TIMESTAMP
RETURNING ` + conversationColumns + `;
`
	row := r.db.QueryRowContext(ctx, q,
		upd.TenantID,
		upd.Counterparty,
		upd.DisplayName,
		upd.LastMessage,
		upd.LastMessageAt,
		upd.UnreadDelta,
	)
	conv, err := scanConversationSQL(row)
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}
	return conv, nil
}

// GetConversation fetches the thread for a (tenant, counterparty) pair.
func (r *SQLiteStore) GetConversation(ctx context.Context, tenantID int64, counterparty string) (*Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE tenant_id = ? AND counterparty = ?;`
	return scanConversationSQL(r.db.QueryRowContext(ctx, q, tenantID, counterparty))
}

// SetBotEnabled flips the automation flag for a conversation.
func (r *SQLiteStore) SetBotEnabled(ctx context.Context, tenantID int64, counterparty string, enabled bool) error {
	const q = `
UPDATE conversations
SET bot_enabled = ?, updated_at = CURRENT_TIMESTAMP
WHERE tenant_id = ? AND counterparty = ?;
`
	res, err := r.db.ExecContext(ctx, q, enabled, tenantID, counterparty)
	if err != nil {
		return fmt.Errorf("set bot enabled: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set bot enabled rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkConversationRead zeroes the unread counter.
func (r *SQLiteStore) MarkConversationRead(ctx context.Context, tenantID int64, counterparty string) error {
	const q = `
UPDATE conversations
SET unread_count = 0, updated_at = CURRENT_TIMESTAMP
WHERE tenant_id = ? AND counterparty = ?;
`
	if _, err := r.db.ExecContext(ctx, q, tenantID, counterparty); err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	return nil
}

func scanMessageSQL(row *sql.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.TenantID, &m.ExternalID, &m.Counterparty, &m.SenderClass, &m.FromMe, &m.Automated,
		&m.Content, &m.Kind, &m.Timestamp, &m.Read, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return &m, nil
}

// InsertMessage stores a message, idempotent on (tenant_id, external_id).
func (r *SQLiteStore) InsertMessage(ctx context.Context, msg Message) (*Message, bool, error) {
	q := `
INSERT INTO messages (tenant_id, external_id, counterparty, sender_class, from_me, automated, content, kind, ts, read)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, external_id) DO NOTHING
RETURNING ` + messageColumns + `;
`
	row := r.db.QueryRowContext(ctx, q,
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
	stored, err := scanMessageSQL(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}

	q = `SELECT ` + messageColumns + ` FROM messages WHERE tenant_id = ? AND external_id = ?;`
	existing, err := scanMessageSQL(r.db.QueryRowContext(ctx, q, msg.TenantID, msg.ExternalID))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// ListRecentMessages returns the latest messages in a conversation, newest
// first.
func (r *SQLiteStore) ListRecentMessages(ctx context.Context, tenantID int64, counterparty string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `
SELECT ` + messageColumns + `
FROM messages
WHERE tenant_id = ? AND counterparty = ?
ORDER BY ts DESC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, tenantID, counterparty, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var records []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.TenantID, &m.ExternalID, &m.Counterparty, &m.SenderClass, &m.FromMe, &m.Automated,
			&m.Content, &m.Kind, &m.Timestamp, &m.Read, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan recent message: %w", err)
		}
		records = append(records, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}
	return records, nil
}
