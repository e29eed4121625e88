// Package wameow adapts whatsmeow to the session transport contract. Each
// tenant gets its own credential store file, so pairing one tenant never
// touches another's device state.
package wameow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"crm-wa/internal/metrics"
	"crm-wa/internal/repo"
	"crm-wa/internal/session"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// Config holds configuration for the per-tenant transport factory.
type Config struct {
	// StoreDir is the directory holding one credential database per tenant.
	StoreDir string
	LogLevel string
}

// Dialer builds whatsmeow transports and manages their credential files.
type Dialer struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDialer creates a Dialer rooted at cfg.StoreDir.
func NewDialer(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Dialer, error) {
	if cfg.StoreDir == "" {
		return nil, errors.New("store dir is required")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "WARN"
	}
	if err := ensureDir(cfg.StoreDir); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}
	return &Dialer{
		cfg:     cfg,
		logger:  logger.With("component", "wameow"),
		metrics: m,
	}, nil
}

func (d *Dialer) storePath(tenantID int64) string {
	return filepath.Join(d.cfg.StoreDir, fmt.Sprintf("tenant-%d.db", tenantID))
}

// Dial builds a fresh transport bound to the tenant's credential store.
func (d *Dialer) Dial(ctx context.Context, tenantID int64) (session.Transport, error) {
	path := d.storePath(tenantID)
	storeLogger := waLog.Stdout("whatsmeow/sqlstore", d.cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", path), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", d.cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	t := &Transport{
		tenantID: tenantID,
		client:   client,
		logger:   d.logger.With("tenant_id", tenantID),
		metrics:  d.metrics,
		events:   make(chan session.Event, 64),
	}
	client.AddEventHandler(t.handleEvent)
	return t, nil
}

// HasArtifacts reports whether a credential store exists for the tenant.
func (d *Dialer) HasArtifacts(tenantID int64) bool {
	_, err := os.Stat(d.storePath(tenantID))
	return err == nil
}

// Cleanup removes the tenant's credential store including the sqlite
// sidecar files.
func (d *Dialer) Cleanup(_ context.Context, tenantID int64) error {
	path := d.storePath(tenantID)
	var firstErr error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return firstErr
}

// Transport is one whatsmeow connection translated into the session event
// stream.
type Transport struct {
	tenantID int64
	client   *whatsmeow.Client
	logger   *slog.Logger
	metrics  *metrics.Metrics

	events    chan session.Event
	closeOnce sync.Once
}

// Connect starts the connection. When the device has no stored credentials
// the pairing QR codes are forwarded on the event stream.
func (t *Transport) Connect(ctx context.Context) error {
	if t.client.Store.ID == nil {
		qrChan, err := t.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		go t.forwardQR(qrChan)
	}

	if err := t.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}
	return nil
}

func (t *Transport) forwardQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			t.emit(session.Event{Type: session.EventQR, QRCode: evt.Code})
		case "success":
			// PairSuccess arrives through the main handler as well; the
			// channel item is just logged.
			t.logger.Info("pairing succeeded")
		case "timeout":
			t.emit(session.Event{Type: session.EventError, Reason: "qr pairing timed out"})
		default:
			t.logger.Info("pairing event received", "event", evt.Event)
		}
	}
}

// Destroy disconnects the client and closes the event stream.
func (t *Transport) Destroy(_ context.Context) error {
	if t.client != nil {
		t.client.Disconnect()
	}
	t.closeOnce.Do(func() { close(t.events) })
	return nil
}

// Events yields translated transport notifications until Destroy.
func (t *Transport) Events() <-chan session.Event { return t.events }

// SendMessage delivers a text message, returning the server-assigned id.
func (t *Transport) SendMessage(ctx context.Context, to, content string) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("%w: %v", session.ErrInvalidAddress, err)
	}
	if jid.User == "" {
		return "", fmt.Errorf("%w: empty user part in %q", session.ErrInvalidAddress, to)
	}

	msg := &waProto.Message{Conversation: proto.String(content)}
	resp, err := t.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", mapSendError(err)
	}
	return string(resp.ID), nil
}

func mapSendError(err error) error {
	switch {
	case errors.Is(err, whatsmeow.ErrNotConnected), errors.Is(err, whatsmeow.ErrNotLoggedIn):
		return fmt.Errorf("%w: %v", session.ErrNotConnected, err)
	case strings.Contains(err.Error(), "rate-overlimit"):
		return fmt.Errorf("%w: %v", session.ErrRateLimited, err)
	case strings.Contains(err.Error(), "forbidden"):
		return fmt.Errorf("%w: %v", session.ErrBlocked, err)
	default:
		return fmt.Errorf("send message: %w", err)
	}
}

func (t *Transport) emit(evt session.Event) {
	defer func() {
		// Destroy may have closed the channel while whatsmeow's handler
		// goroutine was still delivering.
		if recover() != nil {
			t.logger.Debug("dropped event after destroy", "event", evt.Type)
		}
	}()
	select {
	case t.events <- evt:
	case <-time.After(5 * time.Second):
		t.logger.Warn("event channel stalled, dropping", "event", evt.Type)
	}
}

func (t *Transport) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		t.emit(session.Event{Type: session.EventAuthenticated, Phone: v.ID.User})
	case *events.Connected:
		phone := ""
		if t.client.Store.ID != nil {
			phone = t.client.Store.ID.User
		}
		t.emit(session.Event{Type: session.EventReady, Phone: phone})
	case *events.LoggedOut:
		t.emit(session.Event{Type: session.EventAuthFailure, Reason: fmt.Sprintf("logged out: %v", v.Reason)})
	case *events.StreamReplaced:
		t.emit(session.Event{Type: session.EventDisconnected, Reason: "stream replaced by another client"})
	case *events.Disconnected:
		t.emit(session.Event{Type: session.EventDisconnected, Reason: "connection lost"})
	case *events.Message:
		t.handleMessage(v)
	}
}

func (t *Transport) handleMessage(evt *events.Message) {
	msg := evt.Message
	if msg == nil {
		return
	}

	content, kind := extractContent(msg)
	inbound := session.InboundMessage{
		ExternalID:   string(evt.Info.ID),
		Counterparty: evt.Info.Chat.String(),
		PushName:     evt.Info.PushName,
		FromMe:       evt.Info.IsFromMe,
		Content:      content,
		Kind:         kind,
		Timestamp:    evt.Info.Timestamp,
	}
	t.emit(session.Event{Type: session.EventMessage, Message: &inbound})
}

// extractContent pulls the displayable text and kind out of the protobuf
// message envelope.
func extractContent(msg *waProto.Message) (string, string) {
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation(), repo.KindText
	case msg.ExtendedTextMessage != nil:
		return msg.GetExtendedTextMessage().GetText(), repo.KindText
	case msg.ImageMessage != nil:
		return msg.GetImageMessage().GetCaption(), repo.KindImage
	case msg.VideoMessage != nil:
		return msg.GetVideoMessage().GetCaption(), repo.KindVideo
	case msg.AudioMessage != nil:
		return "", repo.KindAudio
	case msg.DocumentMessage != nil:
		return msg.GetDocumentMessage().GetCaption(), repo.KindDocument
	default:
		return "", repo.KindOther
	}
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
