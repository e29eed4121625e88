package notify

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub(4)
	ch1, cancel1 := hub.Subscribe()
	ch2, cancel2 := hub.Subscribe()
	defer cancel1()
	defer cancel2()

	hub.Publish(Event{Kind: KindMessage, TenantID: 1})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Kind != KindMessage || evt.TenantID != 1 {
				t.Fatalf("subscriber %d got unexpected event %+v", i, evt)
			}
			if evt.At.IsZero() {
				t.Fatal("expected publish timestamp to be set")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive event", i)
		}
	}
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewHub(1)
	ch, cancel := hub.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Fatal("expected channel closed after cancel")
	}

	// Publishing after cancel must not panic.
	hub.Publish(Event{Kind: KindSessionStatus})
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(1)
	ch, cancel := hub.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			hub.Publish(Event{Kind: KindConversation, TenantID: int64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}

	// Exactly the buffered event survives.
	if evt := <-ch; evt.TenantID != 0 {
		t.Fatalf("expected first event retained, got tenant %d", evt.TenantID)
	}
}
