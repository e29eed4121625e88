package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"crm-wa/internal/classify"
	"crm-wa/internal/repo"
	"crm-wa/internal/session"
)

type fakeStore struct {
	mu            sync.Mutex
	messages      map[string]repo.Message
	conversations map[string]*repo.Conversation
	insertErr     error
	botDisabled   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages:      make(map[string]repo.Message),
		conversations: make(map[string]*repo.Conversation),
	}
}

func (f *fakeStore) InsertMessage(_ context.Context, msg repo.Message) (*repo.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, false, f.insertErr
	}
	if existing, ok := f.messages[msg.ExternalID]; ok {
		return &existing, false, nil
	}
	msg.ID = int64(len(f.messages) + 1)
	f.messages[msg.ExternalID] = msg
	return &msg, true, nil
}

func (f *fakeStore) UpsertConversation(_ context.Context, upd repo.ConversationUpdate) (*repo.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[upd.Counterparty]
	if !ok {
		c = &repo.Conversation{
			TenantID:     upd.TenantID,
			Counterparty: upd.Counterparty,
			BotEnabled:   true,
		}
		f.conversations[upd.Counterparty] = c
	}
	c.LastMessage = upd.LastMessage
	c.LastMessageAt = upd.LastMessageAt
	c.UnreadCount += upd.UnreadDelta
	return c, nil
}

func (f *fakeStore) SetBotEnabled(_ context.Context, _ int64, counterparty string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.conversations[counterparty]; ok {
		c.BotEnabled = enabled
	}
	if !enabled {
		f.botDisabled = append(f.botDisabled, counterparty)
	}
	return nil
}

type fakeDedup struct {
	mu       sync.Mutex
	claimed  map[string]bool
	released []string
	claimErr error
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{claimed: make(map[string]bool)}
}

func (f *fakeDedup) TryClaim(_ context.Context, _ int64, messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return false, f.claimErr
	}
	if f.claimed[messageID] {
		return false, nil
	}
	f.claimed[messageID] = true
	return true, nil
}

func (f *fakeDedup) Release(_ context.Context, _ int64, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, messageID)
	f.released = append(f.released, messageID)
	return nil
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []repo.Message
}

func (f *fakeResponder) HandleInbound(_ context.Context, _ int64, msg repo.Message) {
	f.mu.Lock()
	f.calls = append(f.calls, msg)
	f.mu.Unlock()
}

func (f *fakeResponder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestPipeline(store *fakeStore, cache *fakeDedup) (*Pipeline, *fakeResponder) {
	p := New(store, cache, nil, nil, slog.Default())
	r := &fakeResponder{}
	p.SetResponder(r)
	return p, r
}

func inbound(id, from, content string) session.InboundMessage {
	return session.InboundMessage{
		ExternalID:   id,
		Counterparty: from,
		Content:      content,
		Kind:         repo.KindText,
		Timestamp:    time.Now(),
	}
}

func TestExternalMessageStoredAndDispatched(t *testing.T) {
	store := newFakeStore()
	p, resp := newTestPipeline(store, newFakeDedup())

	p.ProcessMessage(context.Background(), 1, inbound("M1", "cust@s.whatsapp.net", "hello"), false, time.Time{})

	msg, ok := store.messages["M1"]
	if !ok {
		t.Fatal("message not stored")
	}
	if msg.SenderClass != string(classify.ExternalContact) {
		t.Fatalf("unexpected class %s", msg.SenderClass)
	}
	if store.conversations["cust@s.whatsapp.net"].UnreadCount != 1 {
		t.Fatal("external message must bump unread count")
	}
	if resp.count() != 1 {
		t.Fatalf("expected one responder dispatch, got %d", resp.count())
	}
}

func TestDuplicateDeliverySkipped(t *testing.T) {
	store := newFakeStore()
	p, resp := newTestPipeline(store, newFakeDedup())

	msg := inbound("M1", "cust@s.whatsapp.net", "hello")
	p.ProcessMessage(context.Background(), 1, msg, false, time.Time{})
	p.ProcessMessage(context.Background(), 1, msg, false, time.Time{})

	if len(store.messages) != 1 {
		t.Fatalf("expected one stored message, got %d", len(store.messages))
	}
	if store.conversations["cust@s.whatsapp.net"].UnreadCount != 1 {
		t.Fatal("duplicate must not bump unread count")
	}
	if resp.count() != 1 {
		t.Fatalf("duplicate must not re-dispatch, got %d", resp.count())
	}
}

func TestBroadcastFiltered(t *testing.T) {
	store := newFakeStore()
	cache := newFakeDedup()
	p, _ := newTestPipeline(store, cache)

	p.ProcessMessage(context.Background(), 1, inbound("S1", "status@broadcast", "story"), false, time.Time{})

	if len(store.messages) != 0 {
		t.Fatal("broadcast must not be stored")
	}
	if len(cache.claimed) != 0 {
		t.Fatal("broadcast must be filtered before the dedup claim")
	}
}

func TestOperatorMessageDisablesBot(t *testing.T) {
	store := newFakeStore()
	p, resp := newTestPipeline(store, newFakeDedup())

	// Seed the conversation with an inbound message well in the past so
	// the timing heuristic does not fire.
	p.ProcessMessage(context.Background(), 1, inbound("M1", "cust@s.whatsapp.net", "hello"), false, time.Time{})

	op := inbound("M2", "cust@s.whatsapp.net", "I'll take it from here")
	op.FromMe = true
	p.ProcessMessage(context.Background(), 1, op, false, time.Now().Add(-time.Minute))

	if store.messages["M2"].SenderClass != string(classify.TenantOperator) {
		t.Fatalf("unexpected class %s", store.messages["M2"].SenderClass)
	}
	if store.conversations["cust@s.whatsapp.net"].BotEnabled {
		t.Fatal("operator message must disable the bot")
	}
	if resp.count() != 1 {
		t.Fatal("operator message must not trigger a response")
	}
}

func TestTaggedEchoStoredAsAutomated(t *testing.T) {
	store := newFakeStore()
	p, resp := newTestPipeline(store, newFakeDedup())

	echo := inbound("A1", "cust@s.whatsapp.net", "automated reply")
	echo.FromMe = true
	p.ProcessMessage(context.Background(), 1, echo, true, time.Time{})

	msg := store.messages["A1"]
	if msg.SenderClass != string(classify.AutomatedAgent) || !msg.Automated {
		t.Fatalf("expected automated classification, got %+v", msg)
	}
	if store.conversations["cust@s.whatsapp.net"].BotEnabled == false {
		t.Fatal("automated echo must not disable the bot")
	}
	if resp.count() != 0 {
		t.Fatal("automated echo must not trigger a response")
	}
}

func TestMarkerStripsBeforeStorage(t *testing.T) {
	store := newFakeStore()
	p, _ := newTestPipeline(store, newFakeDedup())

	echo := inbound("A1", "cust@s.whatsapp.net", classify.AutomatedMarker+"reply")
	echo.FromMe = true
	p.ProcessMessage(context.Background(), 1, echo, false, time.Time{})

	msg := store.messages["A1"]
	if msg.SenderClass != string(classify.AutomatedAgent) {
		t.Fatalf("marker must classify as automated, got %s", msg.SenderClass)
	}
	if msg.Content != "reply" {
		t.Fatalf("marker must be stripped from stored content, got %q", msg.Content)
	}
}

func TestFailedProcessingReleasesClaim(t *testing.T) {
	store := newFakeStore()
	store.insertErr = errors.New("database down")
	cache := newFakeDedup()
	p, _ := newTestPipeline(store, cache)

	msg := inbound("M1", "cust@s.whatsapp.net", "hello")
	p.ProcessMessage(context.Background(), 1, msg, false, time.Time{})

	if len(cache.released) != 1 || cache.released[0] != "M1" {
		t.Fatalf("failed processing must release the claim, got %v", cache.released)
	}

	// Redelivery succeeds once the store recovers.
	store.insertErr = nil
	p.ProcessMessage(context.Background(), 1, msg, false, time.Time{})
	if len(store.messages) != 1 {
		t.Fatal("redelivery after release must be processed")
	}
}

func TestClaimErrorStoresWithoutAutomation(t *testing.T) {
	store := newFakeStore()
	cache := newFakeDedup()
	cache.claimErr = errors.New("redis gone")
	p, responder := newTestPipeline(store, cache)

	p.ProcessMessage(context.Background(), 1, inbound("M1", "cust@s.whatsapp.net", "hello"), false, time.Time{})

	if len(store.messages) != 1 {
		t.Fatal("claim-cache failure must not drop messages")
	}
	if responder.count() != 0 {
		t.Fatal("unverified claim must not trigger an automated reply")
	}
}
