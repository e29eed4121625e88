package classify

import (
	"testing"
	"time"
)

func TestSenderTaggedAutomatedWins(t *testing.T) {
	got := Sender(Input{
		MessageID:       "A1",
		FromMe:          true,
		Content:         "plain reply",
		TaggedAutomated: true,
	})
	if got != AutomatedAgent {
		t.Fatalf("expected automated agent, got %s", got)
	}
}

func TestSenderMarkerPrefix(t *testing.T) {
	got := Sender(Input{
		FromMe:  true,
		Content: AutomatedMarker + "hello from the bot",
	})
	if got != AutomatedAgent {
		t.Fatalf("expected automated agent, got %s", got)
	}
}

func TestSenderOperatorWithoutMarker(t *testing.T) {
	got := Sender(Input{
		FromMe:    true,
		Content:   "let me handle this one",
		Timestamp: time.Now(),
	})
	if got != TenantOperator {
		t.Fatalf("expected tenant operator, got %s", got)
	}
}

func TestSenderExternalContact(t *testing.T) {
	got := Sender(Input{
		FromMe:  false,
		Content: "hi, is this still available?",
	})
	if got != ExternalContact {
		t.Fatalf("expected external contact, got %s", got)
	}
}

func TestSenderTimingHeuristic(t *testing.T) {
	inbound := time.Now()

	// Own send one second after the latest inbound looks automated.
	got := Sender(Input{
		FromMe:        true,
		Content:       "auto reply without marker",
		Timestamp:     inbound.Add(time.Second),
		LastInboundAt: inbound,
	})
	if got != AutomatedAgent {
		t.Fatalf("expected automated agent via timing, got %s", got)
	}

	// Ten seconds later it is a manual reply.
	got = Sender(Input{
		FromMe:        true,
		Content:       "manual reply",
		Timestamp:     inbound.Add(10 * time.Second),
		LastInboundAt: inbound,
	})
	if got != TenantOperator {
		t.Fatalf("expected tenant operator, got %s", got)
	}
}

func TestIsBroadcast(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"status@broadcast", true},
		{"12345@broadcast", true},
		{"628111111@s.whatsapp.net", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsBroadcast(tc.addr); got != tc.want {
			t.Errorf("IsBroadcast(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestStripMarker(t *testing.T) {
	if got := StripMarker(AutomatedMarker + "text"); got != "text" {
		t.Fatalf("expected marker stripped, got %q", got)
	}
	if got := StripMarker("text"); got != "text" {
		t.Fatalf("expected unchanged content, got %q", got)
	}
}
