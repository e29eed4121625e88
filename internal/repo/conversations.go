package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const conversationColumns = `
id, tenant_id, counterparty, display_name, last_message, last_message_at,
unread_count, bot_enabled, created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Counterparty, &c.DisplayName, &c.LastMessage, &c.LastMessageAt,
		&c.UnreadCount, &c.BotEnabled, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &c, nil
}

// UpsertConversation creates the conversation on first contact or refreshes
// its last-message snapshot and unread count. The bot flag defaults to
// enabled on creation and is never touched here.
func (r *PostgresStore) UpsertConversation(ctx context.Context, upd ConversationUpdate) (*Conversation, error) {
	q := `
INSERT INTO conversations (tenant_id, counterparty, display_name, last_message, last_message_at, unread_count, bot_enabled)
VALUES ($1, $2, $3, $4, $5, $6, TRUE)
ON CONFLICT (tenant_id, counterparty) DO UPDATE SET
    display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), conversations.display_name),
    last_message = EXCLUDED.last_message,
    last_message_at = EXCLUDED.last_message_at,
    unread_count = conversations.unread_count + EXCLUDED.unread_count,
    updated_at = NOW()
RETURNING ` + conversationColumns + `;
`
	row := r.pool.QueryRow(ctx, q,
		upd.TenantID,
		upd.Counterparty,
		upd.DisplayName,
		upd.LastMessage,
		upd.LastMessageAt,
		upd.UnreadDelta,
	)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}
	return conv, nil
}

// GetConversation fetches the thread for a (tenant, counterparty) pair.
func (r *PostgresStore) GetConversation(ctx context.Context, tenantID int64, counterparty string) (*Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE tenant_id = $1 AND counterparty = $2;`
	return scanConversation(r.pool.QueryRow(ctx, q, tenantID, counterparty))
}

// SetBotEnabled flips the automation flag for a conversation.
func (r *PostgresStore) SetBotEnabled(ctx context.Context, tenantID int64, counterparty string, enabled bool) error {
	const q = `
UPDATE conversations
SET bot_enabled = $3, updated_at = NOW()
WHERE tenant_id = $1 AND counterparty = $2;
`
	ct, err := r.pool.Exec(ctx, q, tenantID, counterparty, enabled)
	if err != nil {
		return fmt.Errorf("set bot enabled: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkConversationRead zeroes the unread counter.
func (r *PostgresStore) MarkConversationRead(ctx context.Context, tenantID int64, counterparty string) error {
	const q = `
UPDATE conversations
SET unread_count = 0, updated_at = NOW()
WHERE tenant_id = $1 AND counterparty = $2;
`
	if _, err := r.pool.Exec(ctx, q, tenantID, counterparty); err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	return nil
}
