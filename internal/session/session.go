package session

import (
	"sync"
	"time"
)

// State is the connection state of one tenant session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateAwaitingScan  State = "awaiting_scan"
	StateAuthenticated State = "authenticated"
	StateReady         State = "ready"
	StateDisconnected  State = "disconnected"
	StateErrored       State = "error"

	// StateQRExpired is synthetic: derived by Status when the cached QR
	// outlived its validity window, never stored on the session.
	StateQRExpired State = "qr_expired"
)

// Session binds one tenant to one live transport. All state mutation happens
// on the manager's per-session event loop; reads go through the mutex.
type Session struct {
	tenantID int64

	mu        sync.RWMutex
	transport Transport
	state     State
	qr        *QRArtifact
	phone     string
	lastError string

	// tags holds ids of messages this process sent as the automated agent.
	tags *tagSet
	// lastInbound tracks the latest inbound timestamp per counterparty,
	// feeding the classifier's timing heuristic.
	lastInbound map[string]time.Time

	readyCh   chan struct{}
	qrReady   chan struct{}
	authErrCh chan string
	done      chan struct{}
}

func newSession(tenantID int64, tagCapacity int) *Session {
	return &Session{
		tenantID:    tenantID,
		state:       StateUninitialized,
		tags:        newTagSet(tagCapacity),
		lastInbound: make(map[string]time.Time),
		readyCh:     make(chan struct{}),
		qrReady:     make(chan struct{}),
		authErrCh:   make(chan string, 1),
		done:        make(chan struct{}),
	}
}

func (s *Session) setTransport(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

func (s *Session) getTransport() Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Phone returns the connected phone identity, empty unless ready.
func (s *Session) Phone() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phone
}

// QR returns the cached pairing artifact, nil when none was issued.
func (s *Session) QR() *QRArtifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qr
}

func (s *Session) setQR(qr *QRArtifact) {
	s.mu.Lock()
	s.qr = qr
	s.state = StateAwaitingScan
	s.mu.Unlock()

	select {
	case <-s.qrReady:
	default:
		close(s.qrReady)
	}
}

func (s *Session) markAuthenticated() {
	s.mu.Lock()
	s.state = StateAuthenticated
	s.mu.Unlock()
}

func (s *Session) markReady(phone string) {
	s.mu.Lock()
	s.state = StateReady
	s.phone = phone
	s.qr = nil
	s.lastError = ""
	s.mu.Unlock()

	select {
	case <-s.readyCh:
	default:
		close(s.readyCh)
	}
}

func (s *Session) markFailed(state State, reason string) {
	s.mu.Lock()
	s.state = state
	s.lastError = reason
	s.qr = nil
	s.mu.Unlock()
}

// LastError returns the most recent abnormal-termination reason.
func (s *Session) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// TagAutomated records a message id as sent by the automated agent.
func (s *Session) TagAutomated(messageID string) {
	s.tags.Add(messageID)
}

// Tagged reports whether the message id was sent by the automated agent.
func (s *Session) Tagged(messageID string) bool {
	return s.tags.Contains(messageID)
}

func (s *Session) noteInbound(counterparty string, ts time.Time) {
	s.mu.Lock()
	s.lastInbound[counterparty] = ts
	s.mu.Unlock()
}

// LastInboundAt returns when the counterparty last wrote in, zero when never.
func (s *Session) LastInboundAt(counterparty string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastInbound[counterparty]
}

// clearTracking drops the QR cache and per-tenant ancillary tracking.
func (s *Session) clearTracking() {
	s.mu.Lock()
	s.qr = nil
	s.lastInbound = make(map[string]time.Time)
	s.mu.Unlock()
	s.tags.Reset()
}

// tagSet is a bounded insertion-ordered set. Once capacity is exceeded the
// oldest entries are pruned.
type tagSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	set   map[string]struct{}
}

func newTagSet(capacity int) *tagSet {
	if capacity <= 0 {
		capacity = 512
	}
	return &tagSet{
		cap: capacity,
		set: make(map[string]struct{}),
	}
}

func (t *tagSet) Add(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.set[id]; ok {
		return
	}
	t.set[id] = struct{}{}
	t.order = append(t.order, id)
	for len(t.order) > t.cap {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.set, oldest)
	}
}

func (t *tagSet) Contains(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.set[id]
	return ok
}

func (t *tagSet) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = nil
	t.set = make(map[string]struct{})
}
