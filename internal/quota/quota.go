// Package quota enforces the two monthly ceilings every tenant carries:
// automated message count and completion token count. Both must stay under
// limit for automation to remain eligible.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"crm-wa/internal/metrics"
	"crm-wa/internal/repo"
)

// Store is the persistence surface the ledger needs. The conditional
// check-and-consume update must be atomic per tenant row; the ledger never
// does read-then-write from application code.
type Store interface {
	QuotaUsage(ctx context.Context, tenantID int64) (*repo.QuotaUsage, error)
	ConsumeQuota(ctx context.Context, tenantID, messages, tokens int64) (bool, *repo.QuotaUsage, error)
	ResetQuota(ctx context.Context, tenantID int64) error
}

// Dimension describes one quota axis.
type Dimension struct {
	Available  bool  `json:"available"`
	Usage      int64 `json:"usage"`
	Limit      int64 `json:"limit"`
	Remaining  int64 `json:"remaining"`
	Percentage int   `json:"percentage"`
}

// Status combines both axes. Available only when both dimensions are under
// limit. Consumed reports whether a CheckAndConsume call actually charged.
type Status struct {
	Messages  Dimension `json:"messages"`
	Tokens    Dimension `json:"tokens"`
	Available bool      `json:"available"`
	Consumed  bool      `json:"consumed"`
}

// Ledger exposes quota operations for one Store.
type Ledger struct {
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Ledger.
func New(store Store, m *metrics.Metrics, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:   store,
		metrics: m,
		logger:  logger.With("component", "quota"),
	}
}

func dimension(usage, limit int64) Dimension {
	d := Dimension{Usage: usage, Limit: limit}
	if limit <= 0 {
		// A zero limit is always exceeded.
		d.Percentage = 100
		return d
	}
	d.Available = usage < limit
	d.Remaining = limit - usage
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	d.Percentage = int(math.Round(float64(usage) / float64(limit) * 100))
	return d
}

func status(u *repo.QuotaUsage) *Status {
	s := &Status{
		Messages: dimension(u.MessageUsage, u.MessageLimit),
		Tokens:   dimension(u.TokenUsage, u.TokenLimit),
	}
	s.Available = s.Messages.Available && s.Tokens.Available
	return s
}

// CheckAvailable reports current usage against both limits. Read-only.
func (l *Ledger) CheckAvailable(ctx context.Context, tenantID int64) (*Status, error) {
	usage, err := l.store.QuotaUsage(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("check quota: %w", err)
	}
	return status(usage), nil
}

// CheckAndConsume re-checks availability and, only when both dimensions have
// room, increments both counters in a single atomic update. When unavailable
// no mutation occurs and Consumed is false. Callers commit only after a
// confirmed send so a failed send is never charged.
func (l *Ledger) CheckAndConsume(ctx context.Context, tenantID, messages, tokens int64) (*Status, error) {
	if messages < 0 || tokens < 0 {
		return nil, fmt.Errorf("consume quota: negative amounts (messages=%d tokens=%d)", messages, tokens)
	}

	consumed, usage, err := l.store.ConsumeQuota(ctx, tenantID, messages, tokens)
	if err != nil {
		return nil, fmt.Errorf("consume quota: %w", err)
	}

	s := status(usage)
	s.Consumed = consumed
	if !consumed {
		if l.metrics != nil {
			if !s.Messages.Available {
				l.metrics.QuotaRejections.WithLabelValues("messages").Inc()
			}
			if !s.Tokens.Available {
				l.metrics.QuotaRejections.WithLabelValues("tokens").Inc()
			}
		}
		l.logger.Info("quota consumption rejected", "tenant_id", tenantID,
			"message_usage", s.Messages.Usage, "message_limit", s.Messages.Limit,
			"token_usage", s.Tokens.Usage, "token_limit", s.Tokens.Limit)
	}
	return s, nil
}

// ResetTenant zeroes both counters and advances the reset date. It is only
// invoked by an admin action, never by a background timer.
func (l *Ledger) ResetTenant(ctx context.Context, tenantID int64) error {
	if err := l.store.ResetQuota(ctx, tenantID); err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}
	l.logger.Info("quota reset", "tenant_id", tenantID)
	return nil
}
