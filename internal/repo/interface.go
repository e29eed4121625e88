package repo

import (
	"context"
	"errors"
	"io/fs"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("repo: not found")

// Store defines the interface for data persistence.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Tenants
	GetTenant(ctx context.Context, id int64) (*Tenant, error)
	GetTenantByCode(ctx context.Context, code string) (*Tenant, error)

	// Quota
	QuotaUsage(ctx context.Context, tenantID int64) (*QuotaUsage, error)
	ConsumeQuota(ctx context.Context, tenantID, messages, tokens int64) (bool, *QuotaUsage, error)
	ResetQuota(ctx context.Context, tenantID int64) error

	// Sessions
	UpsertSessionStatus(ctx context.Context, rec SessionRecord) error
	GetSessionRecord(ctx context.Context, tenantID int64) (*SessionRecord, error)
	DeleteSessionRecord(ctx context.Context, tenantID int64) error

	// Conversations
	UpsertConversation(ctx context.Context, upd ConversationUpdate) (*Conversation, error)
	GetConversation(ctx context.Context, tenantID int64, counterparty string) (*Conversation, error)
	SetBotEnabled(ctx context.Context, tenantID int64, counterparty string, enabled bool) error

	// Messages
	InsertMessage(ctx context.Context, msg Message) (*Message, bool, error)
	ListRecentMessages(ctx context.Context, tenantID int64, counterparty string, limit int) ([]Message, error)
	MarkConversationRead(ctx context.Context, tenantID int64, counterparty string) error
}
