package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryClaimOnlyOncePerWindow(t *testing.T) {
	c := NewMemory(time.Minute)
	ctx := context.Background()

	ok, err := c.TryClaim(ctx, 1, "MSG1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first claim should succeed")
	}

	ok, err = c.TryClaim(ctx, 1, "MSG1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second claim within window should fail")
	}

	// Same message id for a different tenant is a distinct claim.
	ok, _ = c.TryClaim(ctx, 2, "MSG1")
	if !ok {
		t.Fatal("claim for another tenant should succeed")
	}
}

func TestClaimExpiresAfterWindow(t *testing.T) {
	c := NewMemory(time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }

	ctx := context.Background()
	if ok, _ := c.TryClaim(ctx, 1, "MSG1"); !ok {
		t.Fatal("first claim should succeed")
	}

	c.now = func() time.Time { return base.Add(61 * time.Second) }
	if ok, _ := c.TryClaim(ctx, 1, "MSG1"); !ok {
		t.Fatal("claim should succeed after the window expired")
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	c := NewMemory(time.Minute)
	ctx := context.Background()

	if ok, _ := c.TryClaim(ctx, 1, "MSG1"); !ok {
		t.Fatal("first claim should succeed")
	}
	if err := c.Release(ctx, 1, "MSG1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := c.TryClaim(ctx, 1, "MSG1"); !ok {
		t.Fatal("claim after release should succeed")
	}
}

func TestConcurrentClaimsYieldSingleWinner(t *testing.T) {
	c := NewMemory(time.Minute)
	ctx := context.Background()

	const workers = 32
	var wins atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			ok, err := c.TryClaim(ctx, 7, "RACE")
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins.Load())
	}
}
