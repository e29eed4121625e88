package responder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"crm-wa/internal/ai"
	"crm-wa/internal/quota"
	"crm-wa/internal/repo"
)

type fakeStore struct {
	mu           sync.Mutex
	tenant       repo.Tenant
	conversation repo.Conversation
	history      []repo.Message
	inserted     []repo.Message

	usage repo.QuotaUsage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenant: repo.Tenant{
			ID:     1,
			Status: repo.TenantActive,
		},
		conversation: repo.Conversation{
			TenantID:     1,
			Counterparty: "cust@s.whatsapp.net",
			BotEnabled:   true,
		},
		usage: repo.QuotaUsage{
			MessageUsage: 0, MessageLimit: 100,
			TokenUsage: 0, TokenLimit: 10000,
		},
	}
}

func (f *fakeStore) GetTenant(_ context.Context, _ int64) (*repo.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tenant
	return &t, nil
}

func (f *fakeStore) GetConversation(_ context.Context, _ int64, _ string) (*repo.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.conversation
	return &c, nil
}

func (f *fakeStore) ListRecentMessages(_ context.Context, _ int64, _ string, limit int) ([]repo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.history) > limit {
		return append([]repo.Message(nil), f.history[:limit]...), nil
	}
	return append([]repo.Message(nil), f.history...), nil
}

func (f *fakeStore) InsertMessage(_ context.Context, msg repo.Message) (*repo.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, msg)
	return &msg, true, nil
}

func (f *fakeStore) UpsertConversation(_ context.Context, upd repo.ConversationUpdate) (*repo.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversation.LastMessage = upd.LastMessage
	f.conversation.LastMessageAt = upd.LastMessageAt
	return &f.conversation, nil
}

// Quota surface backed by the same fake usage counters, mirroring the
// conditional consume semantics of the real store.
func (f *fakeStore) QuotaUsage(_ context.Context, _ int64) (*repo.QuotaUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.usage
	return &u, nil
}

func (f *fakeStore) ConsumeQuota(_ context.Context, _ int64, messages, tokens int64) (bool, *repo.QuotaUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.usage
	if u.MessageLimit > 0 && u.TokenLimit > 0 &&
		u.MessageUsage+messages <= u.MessageLimit &&
		u.TokenUsage+tokens <= u.TokenLimit {
		f.usage.MessageUsage += messages
		f.usage.TokenUsage += tokens
		u = f.usage
		return true, &u, nil
	}
	return false, &u, nil
}

func (f *fakeStore) ResetQuota(_ context.Context, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage.MessageUsage = 0
	f.usage.TokenUsage = 0
	return nil
}

type fakeCompleter struct {
	mu     sync.Mutex
	calls  int
	result *ai.Result
	err    error
	onCall func()
}

func (f *fakeCompleter) Complete(_ context.Context, _ string, _ []ai.Message) (*ai.Result, error) {
	f.mu.Lock()
	f.calls++
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSender struct {
	mu    sync.Mutex
	sends []string
	err   error
}

func (f *fakeSender) Send(_ context.Context, _ int64, _, content string, isAutomated bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if !isAutomated {
		return "", errors.New("responder must send as automated")
	}
	f.sends = append(f.sends, content)
	return "OUT1", nil
}

func (f *fakeSender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func newTestResponder(store *fakeStore, completer *fakeCompleter, sender *fakeSender) *Responder {
	ledger := quota.New(store, nil, slog.Default())
	return New(store, ledger, completer, sender, nil, nil, slog.Default(), Config{HistoryDepth: 10})
}

func inboundMsg() repo.Message {
	return repo.Message{
		TenantID:     1,
		ExternalID:   "M1",
		Counterparty: "cust@s.whatsapp.net",
		SenderClass:  "external_contact",
		Content:      "do you have this in stock?",
		Kind:         repo.KindText,
		Timestamp:    time.Now(),
	}
}

func TestReplySentAndQuotaCharged(t *testing.T) {
	store := newFakeStore()
	completer := &fakeCompleter{result: &ai.Result{Text: "yes, we do", TokenCost: 42}}
	sender := &fakeSender{}
	r := newTestResponder(store, completer, sender)

	r.HandleInbound(context.Background(), 1, inboundMsg())

	if sender.sendCount() != 1 {
		t.Fatal("expected one send")
	}
	if store.usage.MessageUsage != 1 || store.usage.TokenUsage != 42 {
		t.Fatalf("quota not charged correctly: %+v", store.usage)
	}
	if len(store.inserted) != 1 {
		t.Fatal("outbound reply must be persisted")
	}
	out := store.inserted[0]
	if !out.Automated || !out.FromMe || out.ExternalID != "OUT1" {
		t.Fatalf("unexpected stored reply %+v", out)
	}
}

func TestQuotaExhaustedSkipsCompletion(t *testing.T) {
	store := newFakeStore()
	store.usage.MessageUsage = store.usage.MessageLimit
	completer := &fakeCompleter{result: &ai.Result{Text: "never sent"}}
	sender := &fakeSender{}
	r := newTestResponder(store, completer, sender)

	r.HandleInbound(context.Background(), 1, inboundMsg())

	if completer.callCount() != 0 {
		t.Fatal("exhausted quota must skip the completion call")
	}
	if sender.sendCount() != 0 {
		t.Fatal("exhausted quota must not send")
	}
	if store.usage.TokenUsage != 0 {
		t.Fatal("nothing may be charged")
	}
}

func TestBotDisabledSkips(t *testing.T) {
	store := newFakeStore()
	store.conversation.BotEnabled = false
	completer := &fakeCompleter{result: &ai.Result{Text: "never sent"}}
	sender := &fakeSender{}
	r := newTestResponder(store, completer, sender)

	r.HandleInbound(context.Background(), 1, inboundMsg())

	if completer.callCount() != 0 || sender.sendCount() != 0 {
		t.Fatal("disabled bot must stay silent")
	}
}

func TestInactiveTenantSkips(t *testing.T) {
	store := newFakeStore()
	store.tenant.Status = repo.TenantSuspended
	completer := &fakeCompleter{result: &ai.Result{Text: "never sent"}}
	sender := &fakeSender{}
	r := newTestResponder(store, completer, sender)

	r.HandleInbound(context.Background(), 1, inboundMsg())

	if sender.sendCount() != 0 {
		t.Fatal("suspended tenant must stay silent")
	}
}

func TestOperatorTakeoverDuringCompletion(t *testing.T) {
	store := newFakeStore()
	completer := &fakeCompleter{result: &ai.Result{Text: "drafted reply", TokenCost: 10}}
	completer.onCall = func() {
		store.mu.Lock()
		store.conversation.BotEnabled = false
		store.mu.Unlock()
	}
	sender := &fakeSender{}
	r := newTestResponder(store, completer, sender)

	r.HandleInbound(context.Background(), 1, inboundMsg())

	if sender.sendCount() != 0 {
		t.Fatal("takeover during completion must drop the draft")
	}
	if store.usage.MessageUsage != 0 {
		t.Fatal("dropped draft must not be charged")
	}
}

func TestFailedSendNotCharged(t *testing.T) {
	store := newFakeStore()
	completer := &fakeCompleter{result: &ai.Result{Text: "reply", TokenCost: 10}}
	sender := &fakeSender{err: errors.New("stream closed")}
	r := newTestResponder(store, completer, sender)

	r.HandleInbound(context.Background(), 1, inboundMsg())

	if store.usage.MessageUsage != 0 || store.usage.TokenUsage != 0 {
		t.Fatalf("failed send must not be charged: %+v", store.usage)
	}
	if len(store.inserted) != 0 {
		t.Fatal("failed send must not be persisted")
	}
}

func TestCompletionErrorContained(t *testing.T) {
	store := newFakeStore()
	completer := &fakeCompleter{err: errors.New("provider down")}
	sender := &fakeSender{}
	r := newTestResponder(store, completer, sender)

	// Must not panic, send or charge.
	r.HandleInbound(context.Background(), 1, inboundMsg())

	if sender.sendCount() != 0 || store.usage.MessageUsage != 0 {
		t.Fatal("completion failure must be contained")
	}
}

func TestOutsideWorkingHoursSkips(t *testing.T) {
	store := newFakeStore()
	store.tenant.Timezone = "UTC"
	store.tenant.WorkStartHour = 9
	store.tenant.WorkEndHour = 17
	completer := &fakeCompleter{result: &ai.Result{Text: "never sent"}}
	sender := &fakeSender{}
	r := newTestResponder(store, completer, sender)
	r.now = func() time.Time {
		return time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC) // Monday 03:00
	}

	r.HandleInbound(context.Background(), 1, inboundMsg())

	if sender.sendCount() != 0 {
		t.Fatal("outside working hours must stay silent")
	}
}

func TestHistoryOrderedOldestFirst(t *testing.T) {
	store := newFakeStore()
	// ListRecentMessages returns newest first, like the real store.
	store.history = []repo.Message{
		{Content: "third", FromMe: true},
		{Content: "second"},
		{Content: "first"},
	}
	r := newTestResponder(store, &fakeCompleter{}, &fakeSender{})

	history, err := r.buildHistory(context.Background(), 1, "cust@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(history))
	}
	if history[0].Content != "first" || history[2].Content != "third" {
		t.Fatalf("history must be oldest first: %+v", history)
	}
	if history[2].Role != "assistant" || history[0].Role != "user" {
		t.Fatalf("roles mismatch: %+v", history)
	}
}

func TestWorkingHoursWindows(t *testing.T) {
	mondayAt := func(hour int) time.Time {
		return time.Date(2025, 6, 2, hour, 30, 0, 0, time.UTC)
	}
	sundayAt := func(hour int) time.Time {
		return time.Date(2025, 6, 1, hour, 30, 0, 0, time.UTC)
	}

	tests := []struct {
		name   string
		tenant repo.Tenant
		at     time.Time
		want   bool
	}{
		{"always open when unset", repo.Tenant{}, mondayAt(3), true},
		{"inside window", repo.Tenant{WorkStartHour: 9, WorkEndHour: 17}, mondayAt(10), true},
		{"before window", repo.Tenant{WorkStartHour: 9, WorkEndHour: 17}, mondayAt(8), false},
		{"end hour exclusive", repo.Tenant{WorkStartHour: 9, WorkEndHour: 17}, mondayAt(17), false},
		{"overnight inside", repo.Tenant{WorkStartHour: 22, WorkEndHour: 6}, mondayAt(23), true},
		{"overnight early morning", repo.Tenant{WorkStartHour: 22, WorkEndHour: 6}, mondayAt(5), true},
		{"overnight outside", repo.Tenant{WorkStartHour: 22, WorkEndHour: 6}, mondayAt(12), false},
		{"weekday allowed", repo.Tenant{WorkDays: "12345"}, mondayAt(10), true},
		{"sunday excluded", repo.Tenant{WorkDays: "12345"}, sundayAt(10), false},
		{"sunday as iso 7", repo.Tenant{WorkDays: "67"}, sundayAt(10), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.tenant.Timezone = "UTC"
			if got := withinWorkingHours(&tt.tenant, tt.at); got != tt.want {
				t.Fatalf("withinWorkingHours = %v, want %v", got, tt.want)
			}
		})
	}
}
