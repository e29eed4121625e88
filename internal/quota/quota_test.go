package quota

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"crm-wa/internal/repo"
)

// fakeStore mimics the repository's single conditional update under a lock.
type fakeStore struct {
	mu           sync.Mutex
	messageUsage int64
	messageLimit int64
	tokenUsage   int64
	tokenLimit   int64
	resets       int
}

func (f *fakeStore) QuotaUsage(_ context.Context, _ int64) (*repo.QuotaUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &repo.QuotaUsage{
		MessageUsage: f.messageUsage,
		MessageLimit: f.messageLimit,
		TokenUsage:   f.tokenUsage,
		TokenLimit:   f.tokenLimit,
	}, nil
}

func (f *fakeStore) ConsumeQuota(_ context.Context, _ int64, messages, tokens int64) (bool, *repo.QuotaUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := f.messageLimit > 0 && f.tokenLimit > 0 &&
		f.messageUsage+messages <= f.messageLimit &&
		f.tokenUsage+tokens <= f.tokenLimit
	if ok {
		f.messageUsage += messages
		f.tokenUsage += tokens
	}
	return ok, &repo.QuotaUsage{
		MessageUsage: f.messageUsage,
		MessageLimit: f.messageLimit,
		TokenUsage:   f.tokenUsage,
		TokenLimit:   f.tokenLimit,
	}, nil
}

func (f *fakeStore) ResetQuota(_ context.Context, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageUsage = 0
	f.tokenUsage = 0
	f.resets++
	return nil
}

func newLedger(store Store) *Ledger {
	return New(store, nil, slog.Default())
}

func TestCheckAvailableExhaustedMessages(t *testing.T) {
	store := &fakeStore{messageUsage: 5, messageLimit: 5, tokenUsage: 0, tokenLimit: 1000}
	s, err := newLedger(store).CheckAvailable(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Available {
		t.Fatal("expected unavailable when message usage equals limit")
	}
	if s.Messages.Available {
		t.Fatal("message dimension should be exhausted")
	}
	if !s.Tokens.Available {
		t.Fatal("token dimension should still have room")
	}
	if s.Messages.Percentage != 100 {
		t.Fatalf("expected 100%%, got %d", s.Messages.Percentage)
	}
}

func TestZeroLimitAlwaysExceeded(t *testing.T) {
	store := &fakeStore{messageLimit: 0, tokenLimit: 1000}
	s, err := newLedger(store).CheckAvailable(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Messages.Available || s.Available {
		t.Fatal("zero limit must be treated as exceeded")
	}
}

func TestCheckAndConsumeRejectsWithoutMutation(t *testing.T) {
	store := &fakeStore{messageUsage: 10, messageLimit: 10, tokenUsage: 50, tokenLimit: 100}
	s, err := newLedger(store).CheckAndConsume(context.Background(), 1, 1, 30)
	if err != nil {
		t.Fatal(err)
	}
	if s.Consumed {
		t.Fatal("expected no consumption")
	}
	if store.messageUsage != 10 || store.tokenUsage != 50 {
		t.Fatal("counters must not change on rejection")
	}
}

func TestCheckAndConsumePercentageRounds(t *testing.T) {
	store := &fakeStore{messageUsage: 0, messageLimit: 3, tokenUsage: 0, tokenLimit: 3}
	s, err := newLedger(store).CheckAndConsume(context.Background(), 1, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Consumed {
		t.Fatal("expected consumption")
	}
	if s.Messages.Percentage != 33 {
		t.Fatalf("expected 33%%, got %d", s.Messages.Percentage)
	}
}

func TestResetThenCheckAvailableZeroUsage(t *testing.T) {
	store := &fakeStore{messageUsage: 7, messageLimit: 10, tokenUsage: 900, tokenLimit: 1000}
	ledger := newLedger(store)

	if err := ledger.ResetTenant(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	s, err := ledger.CheckAvailable(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if s.Messages.Usage != 0 || s.Tokens.Usage != 0 {
		t.Fatalf("expected zero usage after reset, got %d/%d", s.Messages.Usage, s.Tokens.Usage)
	}
	if !s.Available {
		t.Fatal("expected availability after reset")
	}
}

func TestConcurrentConsumeNeverOvershoots(t *testing.T) {
	const parallel = 10
	// N parallel callers against N-1 remaining messages: exactly N-1 pass.
	store := &fakeStore{
		messageUsage: 1,
		messageLimit: parallel,
		tokenUsage:   0,
		tokenLimit:   1 << 30,
	}
	ledger := newLedger(store)

	var succeeded atomic.Int64
	var wg sync.WaitGroup
	wg.Add(parallel)
	for i := 0; i < parallel; i++ {
		go func() {
			defer wg.Done()
			s, err := ledger.CheckAndConsume(context.Background(), 1, 1, 10)
			if err != nil {
				t.Error(err)
				return
			}
			if s.Consumed {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != parallel-1 {
		t.Fatalf("expected %d successful consumptions, got %d", parallel-1, succeeded.Load())
	}
	if store.messageUsage != parallel {
		t.Fatalf("expected final usage %d, got %d", parallel, store.messageUsage)
	}
}
