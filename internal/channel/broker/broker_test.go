package broker

import "testing"

func TestBrokerEnablement(t *testing.T) {
	a := NewAdapter(Config{Enabled: true, Addr: "localhost:6379"})
	if !a.IsEnabled() {
		t.Error("expected adapter enabled with addr set")
	}
	if NewAdapter(Config{Enabled: true}).IsEnabled() {
		t.Error("expected adapter disabled without addr")
	}
	if NewAdapter(Config{Addr: "localhost:6379"}).IsEnabled() {
		t.Error("expected adapter disabled when not switched on")
	}
}

func TestBrokerDefaultsGroup(t *testing.T) {
	a := NewAdapter(Config{Enabled: true, Addr: "localhost:6379"})
	if a.cfg.Group == "" {
		t.Error("expected a default consumer group")
	}
}

func TestBrokerSendUnseenConversationDrops(t *testing.T) {
	// No client is connected; a send for an unseen conversation must
	// return before touching the broker at all.
	a := NewAdapter(Config{Enabled: true, Addr: "localhost:6379"})
	if err := a.Send(12345, "nobody here"); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
}

func TestBrokerSeenTracking(t *testing.T) {
	a := NewAdapter(Config{Enabled: true, Addr: "localhost:6379"})
	if a.hasSeen(1) {
		t.Error("conversation seen before any message")
	}
	a.markSeen(1)
	if !a.hasSeen(1) {
		t.Error("conversation not tracked after markSeen")
	}
}
