package repo

import "time"

// Tenant represents an independent customer account with its own WhatsApp
// session, conversations and monthly quota.
type Tenant struct {
	ID           int64
	Code         string
	Name         string
	Status       string
	MessageLimit int64
	MessageUsage int64
	TokenLimit   int64
	TokenUsage   int64
	QuotaResetAt time.Time

	// Automation window. WorkDays holds ISO weekday numbers as a string,
	// e.g. "12345" for Monday through Friday. Empty means every day.
	Timezone      string
	WorkStartHour int
	WorkEndHour   int
	WorkDays      string

	SystemPrompt *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Tenant status values.
const (
	TenantActive    = "active"
	TenantInactive  = "inactive"
	TenantSuspended = "suspended"
)

// QuotaUsage is a snapshot of both quota counters for a tenant.
type QuotaUsage struct {
	MessageUsage int64
	MessageLimit int64
	TokenUsage   int64
	TokenLimit   int64
}

// SessionRecord is the persisted view of a tenant's WhatsApp session.
type SessionRecord struct {
	TenantID  int64
	Status    string
	Phone     *string
	LastError *string
	UpdatedAt time.Time
}

// Conversation tracks per-counterparty thread state for a tenant.
type Conversation struct {
	ID            int64
	TenantID      int64
	Counterparty  string
	DisplayName   string
	LastMessage   string
	LastMessageAt time.Time
	UnreadCount   int
	BotEnabled    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ConversationUpdate carries the fields applied when a message touches a
// conversation. UnreadDelta is added to the stored unread count.
type ConversationUpdate struct {
	TenantID      int64
	Counterparty  string
	DisplayName   string
	LastMessage   string
	LastMessageAt time.Time
	UnreadDelta   int
}

// Message is an immutable stored message. ExternalID is unique per tenant;
// replayed deliveries resolve to the existing row.
type Message struct {
	ID           int64
	TenantID     int64
	ExternalID   string
	Counterparty string
	SenderClass  string
	FromMe       bool
	Automated    bool
	Content      string
	Kind         string
	Timestamp    time.Time
	Read         bool
	CreatedAt    time.Time
}

// Message kind values.
const (
	KindText     = "text"
	KindImage    = "image"
	KindVideo    = "video"
	KindAudio    = "audio"
	KindDocument = "document"
	KindOther    = "other"
)
