// Package responder orchestrates the automated reply flow: gates, history
// assembly, completion, delivery and quota commit. Every failure is
// contained here; a broken reply must never disturb message ingestion.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crm-wa/internal/ai"
	"crm-wa/internal/classify"
	"crm-wa/internal/metrics"
	"crm-wa/internal/notify"
	"crm-wa/internal/quota"
	"crm-wa/internal/repo"
)

const defaultHistoryDepth = 10

// Store is the persistence surface the responder needs.
type Store interface {
	GetTenant(ctx context.Context, id int64) (*repo.Tenant, error)
	GetConversation(ctx context.Context, tenantID int64, counterparty string) (*repo.Conversation, error)
	ListRecentMessages(ctx context.Context, tenantID int64, counterparty string, limit int) ([]repo.Message, error)
	InsertMessage(ctx context.Context, msg repo.Message) (*repo.Message, bool, error)
	UpsertConversation(ctx context.Context, upd repo.ConversationUpdate) (*repo.Conversation, error)
}

// Quota is the ledger surface the responder needs.
type Quota interface {
	CheckAvailable(ctx context.Context, tenantID int64) (*quota.Status, error)
	CheckAndConsume(ctx context.Context, tenantID, messages, tokens int64) (*quota.Status, error)
}

// Completer drafts a reply from the conversation history.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, history []ai.Message) (*ai.Result, error)
}

// Sender delivers the drafted reply through a tenant session.
type Sender interface {
	Send(ctx context.Context, tenantID int64, to, content string, isAutomated bool) (string, error)
}

// Config bounds the responder.
type Config struct {
	// HistoryDepth caps how many stored messages feed the completion.
	HistoryDepth int
	// DefaultSystemPrompt applies when the tenant carries none.
	DefaultSystemPrompt string
}

// Responder reacts to stored external-contact messages.
type Responder struct {
	store     Store
	quota     Quota
	completer Completer
	sender    Sender
	hub       *notify.Hub
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config

	now func() time.Time
}

// New creates a Responder.
func New(store Store, q Quota, completer Completer, sender Sender, hub *notify.Hub, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Responder {
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = defaultHistoryDepth
	}
	return &Responder{
		store:     store,
		quota:     q,
		completer: completer,
		sender:    sender,
		hub:       hub,
		metrics:   m,
		logger:    logger.With("component", "responder"),
		cfg:       cfg,
		now:       time.Now,
	}
}

// HandleInbound runs the full gated reply flow for one stored external
// message. Errors are logged and swallowed.
func (r *Responder) HandleInbound(ctx context.Context, tenantID int64, msg repo.Message) {
	if err := r.respond(ctx, tenantID, msg); err != nil {
		r.logger.Error("automated reply failed", "tenant_id", tenantID,
			"counterparty", msg.Counterparty, "error", err)
		if r.metrics != nil {
			r.metrics.Errors.WithLabelValues("responder").Inc()
		}
	}
}

func (r *Responder) respond(ctx context.Context, tenantID int64, msg repo.Message) error {
	tenant, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load tenant: %w", err)
	}
	if tenant.Status != repo.TenantActive {
		r.skip(tenantID, msg.Counterparty, "tenant not active")
		return nil
	}

	conv, err := r.store.GetConversation(ctx, tenantID, msg.Counterparty)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if !conv.BotEnabled {
		r.skip(tenantID, msg.Counterparty, "bot disabled for conversation")
		return nil
	}

	if !withinWorkingHours(tenant, r.now()) {
		r.skip(tenantID, msg.Counterparty, "outside working hours")
		return nil
	}

	// Pre-check before paying for a completion. The authoritative check is
	// the atomic consume after the send.
	qs, err := r.quota.CheckAvailable(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("check quota: %w", err)
	}
	if !qs.Available {
		r.skip(tenantID, msg.Counterparty, "quota exhausted")
		return nil
	}

	history, err := r.buildHistory(ctx, tenantID, msg.Counterparty)
	if err != nil {
		return fmt.Errorf("build history: %w", err)
	}

	prompt := r.cfg.DefaultSystemPrompt
	if tenant.SystemPrompt != nil && *tenant.SystemPrompt != "" {
		prompt = *tenant.SystemPrompt
	}

	result, err := r.completer.Complete(ctx, prompt, history)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}

	// The operator may have taken the thread over while the model was
	// drafting. Re-check so the bot never talks over a human.
	conv, err = r.store.GetConversation(ctx, tenantID, msg.Counterparty)
	if err != nil {
		return fmt.Errorf("recheck conversation: %w", err)
	}
	if !conv.BotEnabled {
		r.skip(tenantID, msg.Counterparty, "operator took over during completion")
		return nil
	}

	sentID, err := r.sender.Send(ctx, tenantID, msg.Counterparty, result.Text, true)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	sentAt := r.now()
	stored, _, err := r.store.InsertMessage(ctx, repo.Message{
		TenantID:     tenantID,
		ExternalID:   sentID,
		Counterparty: msg.Counterparty,
		SenderClass:  string(classify.AutomatedAgent),
		FromMe:       true,
		Automated:    true,
		Content:      result.Text,
		Kind:         repo.KindText,
		Timestamp:    sentAt,
		Read:         true,
	})
	if err != nil {
		r.logger.Warn("persist outbound reply failed", "tenant_id", tenantID, "message_id", sentID, "error", err)
	} else {
		if _, err := r.store.UpsertConversation(ctx, repo.ConversationUpdate{
			TenantID:      tenantID,
			Counterparty:  msg.Counterparty,
			LastMessage:   result.Text,
			LastMessageAt: sentAt,
		}); err != nil {
			r.logger.Warn("update conversation failed", "tenant_id", tenantID, "error", err)
		}
		if r.hub != nil {
			r.hub.Publish(notify.Event{
				Kind:     notify.KindMessage,
				TenantID: tenantID,
				Payload:  stored,
			})
		}
	}

	// Charge only after a confirmed send: a failed delivery costs nothing.
	qs, err = r.quota.CheckAndConsume(ctx, tenantID, 1, result.TokenCost)
	if err != nil {
		return fmt.Errorf("consume quota: %w", err)
	}
	if !qs.Consumed {
		// Raced past the limit between the pre-check and the commit. The
		// reply already went out; the ledger stays honest and the next
		// message fails the pre-check.
		r.logger.Warn("quota commit rejected after send", "tenant_id", tenantID,
			"message_usage", qs.Messages.Usage, "token_usage", qs.Tokens.Usage)
	}

	r.logger.Info("automated reply sent", "tenant_id", tenantID,
		"counterparty", msg.Counterparty, "message_id", sentID, "token_cost", result.TokenCost)
	return nil
}

func (r *Responder) skip(tenantID int64, counterparty, reason string) {
	r.logger.Debug("automated reply skipped", "tenant_id", tenantID,
		"counterparty", counterparty, "reason", reason)
}

// buildHistory loads the recent thread and converts it to chat turns,
// oldest first. Non-text messages are represented by a kind placeholder so
// the model still sees that something arrived.
func (r *Responder) buildHistory(ctx context.Context, tenantID int64, counterparty string) ([]ai.Message, error) {
	recent, err := r.store.ListRecentMessages(ctx, tenantID, counterparty, r.cfg.HistoryDepth)
	if err != nil {
		return nil, err
	}

	history := make([]ai.Message, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		role := "user"
		if m.FromMe {
			role = "assistant"
		}
		content := m.Content
		if content == "" && m.Kind != repo.KindText {
			content = "[" + m.Kind + "]"
		}
		if content == "" {
			continue
		}
		history = append(history, ai.Message{Role: role, Content: content})
	}
	return history, nil
}
