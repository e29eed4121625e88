package session

import (
	"context"
	"time"
)

// EventType enumerates the transitions the external transport can report.
type EventType string

const (
	EventQR            EventType = "qr"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventAuthFailure   EventType = "auth_failure"
	EventDisconnected  EventType = "disconnected"
	EventError         EventType = "error"
	EventMessage       EventType = "message"
)

// Event is one typed transport notification. Which fields are set depends on
// the type: QRCode for qr, Phone for ready, Reason for the failure kinds and
// Message for inbound traffic.
type Event struct {
	Type    EventType
	QRCode  string
	Phone   string
	Reason  string
	Message *InboundMessage
}

// InboundMessage is the transport-level view of one delivered message.
type InboundMessage struct {
	ExternalID   string
	Counterparty string
	PushName     string
	FromMe       bool
	Content      string
	Kind         string
	Timestamp    time.Time
}

// Transport is one live connection to the external messaging network. The
// manager owns exactly one per tenant and consumes its event stream from a
// single goroutine.
type Transport interface {
	// Connect starts the connection. Progress is reported on Events.
	Connect(ctx context.Context) error
	// Destroy tears the connection down and closes the event stream.
	Destroy(ctx context.Context) error
	// SendMessage delivers content to the recipient, returning the
	// generated message id.
	SendMessage(ctx context.Context, to, content string) (string, error)
	// Events yields transport notifications until Destroy.
	Events() <-chan Event
}

// Dialer constructs transports and manages their on-disk credential
// artifacts per tenant.
type Dialer interface {
	// Dial builds a fresh transport for the tenant.
	Dial(ctx context.Context, tenantID int64) (Transport, error)
	// HasArtifacts reports whether local credential artifacts exist.
	HasArtifacts(tenantID int64) bool
	// Cleanup removes all local artifacts for the tenant.
	Cleanup(ctx context.Context, tenantID int64) error
}
