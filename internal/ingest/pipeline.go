// Package ingest is the inbound message pipeline: every delivered WhatsApp
// event passes broadcast filtering, the dedup claim, sender classification
// and idempotent storage before anything downstream reacts to it.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crm-wa/internal/classify"
	"crm-wa/internal/dedup"
	"crm-wa/internal/metrics"
	"crm-wa/internal/notify"
	"crm-wa/internal/repo"
	"crm-wa/internal/session"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	InsertMessage(ctx context.Context, msg repo.Message) (*repo.Message, bool, error)
	UpsertConversation(ctx context.Context, upd repo.ConversationUpdate) (*repo.Conversation, error)
	SetBotEnabled(ctx context.Context, tenantID int64, counterparty string, enabled bool) error
}

// Responder reacts to stored external-contact messages. Implementations must
// contain their own failures; the pipeline never propagates them.
type Responder interface {
	HandleInbound(ctx context.Context, tenantID int64, msg repo.Message)
}

// Pipeline implements the session manager's message processor.
type Pipeline struct {
	store     Store
	dedup     dedup.Cache
	hub       *notify.Hub
	metrics   *metrics.Metrics
	logger    *slog.Logger
	responder Responder
}

// New creates a Pipeline. The responder is optional and attached separately
// so the wiring order in main stays acyclic.
func New(store Store, cache dedup.Cache, hub *notify.Hub, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:   store,
		dedup:   cache,
		hub:     hub,
		metrics: m,
		logger:  logger.With("component", "ingest"),
	}
}

// SetResponder attaches the automated response trigger.
func (p *Pipeline) SetResponder(r Responder) {
	p.responder = r
}

// ProcessMessage runs the full pipeline for one delivered event. Errors are
// logged, never returned: the transport event loop must keep moving.
func (p *Pipeline) ProcessMessage(ctx context.Context, tenantID int64, msg session.InboundMessage, taggedAutomated bool, lastInboundAt time.Time) {
	if classify.IsBroadcast(msg.Counterparty) {
		return
	}
	if msg.ExternalID == "" {
		p.logger.Warn("dropping message without external id", "tenant_id", tenantID, "counterparty", msg.Counterparty)
		return
	}

	// When the claim cannot be established the message is still stored (the
	// unique index makes the insert idempotent), but automation is withheld:
	// a duplicate delivery must never trigger a second reply.
	claimUncertain := false
	claimed, err := p.dedup.TryClaim(ctx, tenantID, msg.ExternalID)
	if err != nil {
		claimUncertain = true
		p.logger.Warn("dedup claim failed, storing without automation", "tenant_id", tenantID, "message_id", msg.ExternalID, "error", err)
	} else if !claimed {
		if p.metrics != nil {
			p.metrics.DedupHits.Inc()
		}
		return
	}

	if err := p.handle(ctx, tenantID, msg, taggedAutomated, lastInboundAt, claimUncertain); err != nil {
		p.logger.Error("message processing failed", "tenant_id", tenantID, "message_id", msg.ExternalID, "error", err)
		if p.metrics != nil {
			p.metrics.Errors.WithLabelValues("ingest").Inc()
		}
		// Give a redelivery a fresh chance at the claim.
		if !claimUncertain {
			if relErr := p.dedup.Release(ctx, tenantID, msg.ExternalID); relErr != nil {
				p.logger.Warn("dedup release failed", "tenant_id", tenantID, "message_id", msg.ExternalID, "error", relErr)
			}
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, tenantID int64, msg session.InboundMessage, taggedAutomated bool, lastInboundAt time.Time, skipAutomation bool) error {
	class := classify.Sender(classify.Input{
		MessageID:       msg.ExternalID,
		FromMe:          msg.FromMe,
		Counterparty:    msg.Counterparty,
		Content:         msg.Content,
		Timestamp:       msg.Timestamp,
		TaggedAutomated: taggedAutomated,
		LastInboundAt:   lastInboundAt,
	})
	if p.metrics != nil {
		p.metrics.WAIncomingMessages.WithLabelValues(string(class)).Inc()
	}

	stored, inserted, err := p.store.InsertMessage(ctx, repo.Message{
		TenantID:     tenantID,
		ExternalID:   msg.ExternalID,
		Counterparty: msg.Counterparty,
		SenderClass:  string(class),
		FromMe:       msg.FromMe,
		Automated:    class == classify.AutomatedAgent,
		Content:      classify.StripMarker(msg.Content),
		Kind:         msg.Kind,
		Timestamp:    msg.Timestamp,
		Read:         msg.FromMe,
	})
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if !inserted {
		// The unique index caught a replay that slipped past the claim
		// cache (e.g. after a restart). Nothing further to do.
		return nil
	}

	unreadDelta := 0
	if class == classify.ExternalContact {
		unreadDelta = 1
	}
	if _, err := p.store.UpsertConversation(ctx, repo.ConversationUpdate{
		TenantID:      tenantID,
		Counterparty:  msg.Counterparty,
		DisplayName:   msg.PushName,
		LastMessage:   stored.Content,
		LastMessageAt: msg.Timestamp,
		UnreadDelta:   unreadDelta,
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	// A human operator replying from the paired phone takes the thread
	// over; the bot stays quiet until it is re-enabled explicitly.
	if class == classify.TenantOperator {
		if err := p.store.SetBotEnabled(ctx, tenantID, msg.Counterparty, false); err != nil {
			return fmt.Errorf("disable bot: %w", err)
		}
	}

	if p.hub != nil {
		p.hub.Publish(notify.Event{
			Kind:     notify.KindMessage,
			TenantID: tenantID,
			Payload:  stored,
		})
	}

	if class == classify.ExternalContact && p.responder != nil && !skipAutomation {
		p.responder.HandleInbound(ctx, tenantID, *stored)
	}
	return nil
}
