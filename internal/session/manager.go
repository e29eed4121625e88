// Package session owns the authoritative registry of live WhatsApp sessions,
// one per tenant. It drives each session's connection state machine from the
// transport's typed event stream and is the only component allowed to hold a
// transport handle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crm-wa/internal/cache"
	"crm-wa/internal/metrics"
	"crm-wa/internal/notify"
	"crm-wa/internal/repo"
)

// Store is the persistence surface the manager needs.
type Store interface {
	UpsertSessionStatus(ctx context.Context, rec repo.SessionRecord) error
	GetSessionRecord(ctx context.Context, tenantID int64) (*repo.SessionRecord, error)
	DeleteSessionRecord(ctx context.Context, tenantID int64) error
}

// MessageProcessor consumes inbound messages from all tenant sessions.
// Implementations must be safe for concurrent calls.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, tenantID int64, msg InboundMessage, taggedAutomated bool, lastInboundAt time.Time)
}

// Config bounds the manager's timing behaviour.
type Config struct {
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	QRValidity     time.Duration
	StaleAfter     time.Duration
	TagSetCapacity int
	SettleDelay    time.Duration
	SendAttempts   int
	SendBackoff    time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 45 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.QRValidity <= 0 {
		c.QRValidity = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = 3
	}
	if c.SendBackoff <= 0 {
		c.SendBackoff = time.Second
	}
}

// Manager is the tenant-keyed session registry.
type Manager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session

	dialer    Dialer
	store     Store
	hub       *notify.Hub
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config
	processor MessageProcessor

	// qrMirror, when set, keeps the current QR artifact in Redis so other
	// processes serving the API can read it.
	qrMirror *cache.Redis
}

// NewManager creates a Manager.
func NewManager(dialer Dialer, store Store, hub *notify.Hub, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		sessions: make(map[int64]*Session),
		dialer:   dialer,
		store:    store,
		hub:      hub,
		metrics:  m,
		logger:   logger.With("component", "session"),
		cfg:      cfg,
	}
}

// SetMessageProcessor registers the inbound pipeline. Must be called before
// the first Connect.
func (m *Manager) SetMessageProcessor(processor MessageProcessor) {
	m.processor = processor
}

// SetQRMirror enables mirroring pairing artifacts to Redis. Optional.
func (m *Manager) SetQRMirror(redis *cache.Redis) {
	m.qrMirror = redis
}

func qrMirrorKey(tenantID int64) string {
	return fmt.Sprintf("session:qr:%d", tenantID)
}

func (m *Manager) mirrorQR(ctx context.Context, tenantID int64, qr *QRArtifact) {
	if m.qrMirror == nil {
		return
	}
	var err error
	if qr == nil {
		err = m.qrMirror.Delete(ctx, qrMirrorKey(tenantID))
	} else {
		err = m.qrMirror.SetJSON(ctx, qrMirrorKey(tenantID), qr, m.cfg.QRValidity)
	}
	if err != nil {
		m.logger.Warn("qr mirror update failed", "tenant_id", tenantID, "error", err)
	}
}

// ConnectResult reports how a connect request ended.
type ConnectResult struct {
	State  State       `json:"state"`
	Reused bool        `json:"reused"`
	QR     *QRArtifact `json:"qr,omitempty"`
}

// Connect establishes (or reuses) the tenant's session. A healthy ready
// session is reused without any work. Stale or inconsistent persisted
// artifacts are force-cleaned before dialing. The call never blocks past the
// configured connect timeout.
func (m *Manager) Connect(ctx context.Context, tenantID int64) (*ConnectResult, error) {
	var leftover *Session
	m.mu.Lock()
	if existing, ok := m.sessions[tenantID]; ok {
		switch existing.State() {
		case StateReady:
			m.mu.Unlock()
			return &ConnectResult{State: StateReady, Reused: true}, nil
		case StateUninitialized, StateAwaitingScan, StateAuthenticated:
			m.mu.Unlock()
			return nil, ErrConflict
		default:
			// A dead leftover from a disconnect or error. It still holds
			// the transport and its event loop; tear it down below so
			// neither outlives the replacement.
			leftover = existing
			delete(m.sessions, tenantID)
		}
	}
	// Reserve the slot so a concurrent Connect for the same tenant fails
	// with ErrConflict instead of creating a second handle.
	s := newSession(tenantID, m.cfg.TagSetCapacity)
	m.sessions[tenantID] = s
	m.updateSessionsGauge()
	m.mu.Unlock()

	if leftover != nil {
		leftover.clearTracking()
		if t := leftover.getTransport(); t != nil {
			if err := t.Destroy(ctx); err != nil {
				m.logger.Warn("leftover transport destroy failed", "tenant_id", tenantID, "error", err)
			}
		}
	}

	if err := m.cleanupStaleArtifacts(ctx, tenantID); err != nil {
		m.logger.Warn("stale artifact cleanup failed", "tenant_id", tenantID, "error", err)
	}

	transport, err := m.dialer.Dial(ctx, tenantID)
	if err != nil {
		m.removeSession(tenantID)
		m.persistStatus(ctx, tenantID, StateErrored, "", err.Error())
		return nil, fmt.Errorf("dial transport: %w", err)
	}

	// Attach the transport only while the reservation is still registered.
	// A ForceCleanup that raced the dial has already removed it; connecting
	// the new transport would strand a live handle outside the registry.
	m.mu.Lock()
	if m.sessions[tenantID] != s {
		m.mu.Unlock()
		_ = transport.Destroy(ctx)
		return nil, fmt.Errorf("%w: session removed during connect", ErrConflict)
	}
	s.setTransport(transport)
	m.mu.Unlock()
	go m.runLoop(s)

	if err := transport.Connect(ctx); err != nil {
		m.teardown(ctx, s)
		m.persistStatus(ctx, tenantID, StateErrored, "", err.Error())
		return nil, fmt.Errorf("connect transport: %w", err)
	}

	timer := time.NewTimer(m.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-s.readyCh:
		return &ConnectResult{State: StateReady}, nil
	case <-s.qrReady:
		return &ConnectResult{State: StateAwaitingScan, QR: s.QR()}, nil
	case reason := <-s.authErrCh:
		m.teardown(ctx, s)
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, reason)
	case <-timer.C:
		m.teardown(ctx, s)
		m.persistStatus(ctx, tenantID, StateErrored, "", "connect timed out")
		return nil, ErrTimeout
	case <-ctx.Done():
		m.teardown(ctx, s)
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// cleanupStaleArtifacts force-cleans when the persisted record and the local
// credential artifacts disagree, or when the record went stale.
func (m *Manager) cleanupStaleArtifacts(ctx context.Context, tenantID int64) error {
	rec, err := m.store.GetSessionRecord(ctx, tenantID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	hasArtifacts := m.dialer.HasArtifacts(tenantID)
	var reason string
	switch {
	case rec == nil && hasArtifacts:
		reason = "artifacts without persisted session"
	case rec != nil && rec.Status == string(StateReady) && !hasArtifacts:
		reason = "persisted ready session without artifacts"
	case rec != nil && rec.Status == string(StateReady) && time.Since(rec.UpdatedAt) > m.cfg.StaleAfter:
		reason = "persisted session is stale"
	default:
		return nil
	}

	m.logger.Info("cleaning stale session artifacts", "tenant_id", tenantID, "reason", reason)
	return m.cleanupArtifacts(ctx, tenantID)
}

// Status reports the tenant's current state. A cached QR older than the
// validity window yields the synthetic qr_expired state.
type StatusResult struct {
	State     State  `json:"state"`
	HasQR     bool   `json:"has_qr"`
	Phone     string `json:"phone,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Status returns the live state when a session exists, falling back to the
// persisted record.
func (m *Manager) Status(ctx context.Context, tenantID int64) (*StatusResult, error) {
	m.mu.RLock()
	s := m.sessions[tenantID]
	m.mu.RUnlock()

	if s == nil {
		rec, err := m.store.GetSessionRecord(ctx, tenantID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return &StatusResult{State: StateUninitialized}, nil
			}
			return nil, err
		}
		res := &StatusResult{State: State(rec.Status)}
		if rec.Phone != nil {
			res.Phone = *rec.Phone
		}
		if rec.LastError != nil {
			res.LastError = *rec.LastError
		}
		return res, nil
	}

	res := &StatusResult{
		State:     s.State(),
		LastError: s.LastError(),
	}
	if res.State == StateReady {
		res.Phone = s.Phone()
	}
	if qr := s.QR(); qr != nil && res.State == StateAwaitingScan {
		if qr.Expired(m.cfg.QRValidity, time.Now()) {
			res.State = StateQRExpired
		} else {
			res.HasQR = true
		}
	}
	return res, nil
}

// QR returns the current non-expired pairing artifact.
func (m *Manager) QR(tenantID int64) (*QRArtifact, error) {
	m.mu.RLock()
	s := m.sessions[tenantID]
	m.mu.RUnlock()

	if s == nil {
		return nil, ErrNoSession
	}
	qr := s.QR()
	if qr == nil || qr.Expired(m.cfg.QRValidity, time.Now()) {
		return nil, ErrNoSession
	}
	return qr, nil
}

// Send delivers content through the tenant's ready session with bounded
// retries. Terminal conditions (rate limit, block, invalid address) fail
// immediately. On success the message id is tagged when isAutomated is set.
func (m *Manager) Send(ctx context.Context, tenantID int64, to, content string, isAutomated bool) (string, error) {
	m.mu.RLock()
	s := m.sessions[tenantID]
	m.mu.RUnlock()

	if s == nil || s.State() != StateReady {
		return "", ErrNotConnected
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.SendAttempts; attempt++ {
		id, err := s.getTransport().SendMessage(sendCtx, to, content)
		if err == nil {
			if isAutomated {
				s.TagAutomated(id)
			}
			if m.metrics != nil {
				origin := "manual"
				if isAutomated {
					origin = "automated"
				}
				m.metrics.WAOutgoingMessages.WithLabelValues(origin).Inc()
			}
			return id, nil
		}
		if isTerminalSendErr(err) {
			return "", err
		}
		if sendCtx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrTimeout, sendCtx.Err())
		}

		lastErr = err
		m.logger.Warn("send attempt failed", "tenant_id", tenantID, "attempt", attempt, "error", err)
		if m.metrics != nil {
			m.metrics.SendRetries.Inc()
		}
		if attempt < m.cfg.SendAttempts {
			select {
			case <-time.After(time.Duration(attempt) * m.cfg.SendBackoff):
			case <-sendCtx.Done():
				return "", fmt.Errorf("%w: %v", ErrTimeout, sendCtx.Err())
			}
		}
	}
	return "", fmt.Errorf("send failed after %d attempts: %w", m.cfg.SendAttempts, lastErr)
}

// Disconnect gracefully tears the session down, leaving the persisted status
// as disconnected.
func (m *Manager) Disconnect(ctx context.Context, tenantID int64) error {
	m.mu.Lock()
	s := m.sessions[tenantID]
	delete(m.sessions, tenantID)
	m.updateSessionsGauge()
	m.mu.Unlock()

	if s != nil {
		s.clearTracking()
		s.setState(StateDisconnected)
		if t := s.getTransport(); t != nil {
			if err := t.Destroy(ctx); err != nil {
				m.logger.Warn("transport destroy failed", "tenant_id", tenantID, "error", err)
			}
		}
	}
	m.mirrorQR(ctx, tenantID, nil)
	m.persistStatus(ctx, tenantID, StateDisconnected, "", "")
	return nil
}

// ForceCleanup unconditionally removes every trace of the tenant's session:
// the in-memory handle, local credential artifacts and the persisted record.
// Safe to call when nothing exists.
func (m *Manager) ForceCleanup(ctx context.Context, tenantID int64) error {
	m.mu.Lock()
	s := m.sessions[tenantID]
	delete(m.sessions, tenantID)
	m.updateSessionsGauge()
	m.mu.Unlock()

	if s != nil {
		s.clearTracking()
		if t := s.getTransport(); t != nil {
			_ = t.Destroy(ctx)
		}
	}
	m.mirrorQR(ctx, tenantID, nil)
	return m.cleanupArtifacts(ctx, tenantID)
}

func (m *Manager) cleanupArtifacts(ctx context.Context, tenantID int64) error {
	if err := m.dialer.Cleanup(ctx, tenantID); err != nil {
		m.logger.Warn("artifact cleanup failed", "tenant_id", tenantID, "error", err)
	}
	if err := m.store.DeleteSessionRecord(ctx, tenantID); err != nil {
		m.logger.Warn("session record delete failed", "tenant_id", tenantID, "error", err)
	}

	// Settle interval so the transport can finish releasing file handles.
	select {
	case <-time.After(m.cfg.SettleDelay):
	case <-ctx.Done():
	}
	return nil
}

// Shutdown destroys every live session. Used on process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[int64]*Session)
	m.updateSessionsGauge()
	m.mu.Unlock()

	for _, s := range sessions {
		if t := s.getTransport(); t != nil {
			if err := t.Destroy(ctx); err != nil {
				m.logger.Warn("transport destroy failed on shutdown", "tenant_id", s.tenantID, "error", err)
			}
		}
	}
}

// SessionCount returns the size of the registry.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) removeSession(tenantID int64) {
	m.mu.Lock()
	delete(m.sessions, tenantID)
	m.updateSessionsGauge()
	m.mu.Unlock()
}

func (m *Manager) teardown(ctx context.Context, s *Session) {
	m.removeSession(s.tenantID)
	if t := s.getTransport(); t != nil {
		_ = t.Destroy(ctx)
	}
}

func (m *Manager) updateSessionsGauge() {
	if m.metrics != nil {
		m.metrics.SessionsLive.Set(float64(len(m.sessions)))
	}
}

// runLoop consumes the transport event stream for one session. An error in
// one tenant's handler must never take down the loop for others, so every
// event is handled behind a recover.
func (m *Manager) runLoop(s *Session) {
	defer close(s.done)
	for evt := range s.getTransport().Events() {
		m.handleEvent(s, evt)
	}
}

func (m *Manager) handleEvent(s *Session, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panic", "tenant_id", s.tenantID, "event", evt.Type, "panic", r)
			if m.metrics != nil {
				m.metrics.Errors.WithLabelValues("session").Inc()
			}
		}
	}()

	ctx := context.Background()
	switch evt.Type {
	case EventQR:
		qr, err := newQRArtifact(evt.QRCode, time.Now())
		if err != nil {
			m.logger.Error("qr encode failed", "tenant_id", s.tenantID, "error", err)
			return
		}
		s.setQR(qr)
		m.mirrorQR(ctx, s.tenantID, qr)
		m.persistStatus(ctx, s.tenantID, StateAwaitingScan, "", "")
	case EventAuthenticated:
		s.markAuthenticated()
		m.persistStatus(ctx, s.tenantID, StateAuthenticated, "", "")
	case EventReady:
		s.markReady(evt.Phone)
		m.mirrorQR(ctx, s.tenantID, nil)
		m.persistStatus(ctx, s.tenantID, StateReady, evt.Phone, "")
	case EventAuthFailure:
		s.markFailed(StateErrored, evt.Reason)
		select {
		case s.authErrCh <- evt.Reason:
		default:
		}
		m.persistStatus(ctx, s.tenantID, StateErrored, "", evt.Reason)
	case EventDisconnected:
		s.markFailed(StateDisconnected, evt.Reason)
		m.persistStatus(ctx, s.tenantID, StateDisconnected, "", evt.Reason)
	case EventError:
		s.markFailed(StateErrored, evt.Reason)
		m.persistStatus(ctx, s.tenantID, StateErrored, "", evt.Reason)
	case EventMessage:
		if evt.Message != nil {
			m.handleInbound(s, *evt.Message)
		}
	}
}

func (m *Manager) handleInbound(s *Session, msg InboundMessage) {
	tagged := s.Tagged(msg.ExternalID)
	lastInbound := s.LastInboundAt(msg.Counterparty)
	if !msg.FromMe {
		s.noteInbound(msg.Counterparty, msg.Timestamp)
	}

	if m.processor == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("message processor panic", "tenant_id", s.tenantID, "panic", r)
			}
		}()
		m.processor.ProcessMessage(context.Background(), s.tenantID, msg, tagged, lastInbound)
	}()
}

func (m *Manager) persistStatus(ctx context.Context, tenantID int64, state State, phone, lastError string) {
	rec := repo.SessionRecord{
		TenantID: tenantID,
		Status:   string(state),
	}
	if phone != "" {
		rec.Phone = &phone
	}
	if lastError != "" {
		rec.LastError = &lastError
	}
	if err := m.store.UpsertSessionStatus(ctx, rec); err != nil {
		m.logger.Warn("persist session status failed", "tenant_id", tenantID, "state", state, "error", err)
	}

	if m.metrics != nil {
		m.metrics.SessionTransitions.WithLabelValues(string(state)).Inc()
	}
	if m.hub != nil {
		m.hub.Publish(notify.Event{
			Kind:     notify.KindSessionStatus,
			TenantID: tenantID,
			Payload:  map[string]string{"state": string(state)},
		})
	}
}
