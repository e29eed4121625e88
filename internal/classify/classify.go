// Package classify decides who authored a WhatsApp event: the automated
// agent, the tenant's own operator, or an external contact. The decision
// feeds both message storage and the orchestrator's eligibility checks.
package classify

import (
	"strings"
	"time"
)

// SenderClass labels the author of a message.
type SenderClass string

const (
	AutomatedAgent  SenderClass = "automated_agent"
	TenantOperator  SenderClass = "tenant_operator"
	ExternalContact SenderClass = "external_contact"
)

// AutomatedMarker is the reserved content prefix tagging bot-generated
// messages at the protocol boundary. The authoritative tag is the per-tenant
// automated-send id set; the marker only covers sends observed before the id
// tag was recorded.
const AutomatedMarker = "​​"

// autoReplyWindow is used by the timing heuristic: an own-device send this
// close to the latest inbound from the same counterparty is treated as an
// automated reply even without a tag.
const autoReplyWindow = 2 * time.Second

// Input carries everything needed to classify one event.
type Input struct {
	MessageID    string
	FromMe       bool
	Counterparty string
	Content      string
	Timestamp    time.Time

	// TaggedAutomated reports whether the message id is present in the
	// tenant's automated-send set.
	TaggedAutomated bool
	// LastInboundAt is the most recent inbound from this counterparty,
	// zero when none was seen.
	LastInboundAt time.Time
}

// Sender applies the classification rules in order: tag or marker evidence
// first, then own-operator, then external contact.
func Sender(in Input) SenderClass {
	if in.TaggedAutomated || strings.HasPrefix(in.Content, AutomatedMarker) {
		return AutomatedAgent
	}
	if in.FromMe {
		if !in.LastInboundAt.IsZero() && in.Timestamp.Sub(in.LastInboundAt) >= 0 && in.Timestamp.Sub(in.LastInboundAt) <= autoReplyWindow {
			return AutomatedAgent
		}
		return TenantOperator
	}
	return ExternalContact
}

// IsBroadcast reports whether the address is a status/broadcast counterparty.
// Such events are filtered before classification and never stored.
func IsBroadcast(addr string) bool {
	return addr == "status@broadcast" || strings.HasSuffix(addr, "@broadcast")
}

// StripMarker removes the automated-content marker prefix for display.
func StripMarker(content string) string {
	return strings.TrimPrefix(content, AutomatedMarker)
}
