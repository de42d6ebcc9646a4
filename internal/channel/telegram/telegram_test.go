package telegram

import (
	"testing"

	"github.com/parleyhq/parley/internal/channel"
)

func TestAdapterIdentity(t *testing.T) {
	adapter := NewAdapter("test")
	if adapter.Name() != "telegram" {
		t.Errorf("expected telegram, got %s", adapter.Name())
	}
	if !adapter.IsEnabled() {
		t.Error("expected adapter enabled with a token")
	}
	if NewAdapter("").IsEnabled() {
		t.Error("expected adapter disabled without a token")
	}
	if adapter.MaxMessageLen() != 4096 {
		t.Errorf("expected 4096 char limit, got %d", adapter.MaxMessageLen())
	}
}

func TestSendDropsUnseenConversation(t *testing.T) {
	adapter := NewAdapter("test")
	if err := adapter.Send(42, "hello"); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
	if err := adapter.Typing(42, true); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
}

func TestNegativeChatIDRoundTrip(t *testing.T) {
	// Group chats have negative ids; the unsigned conversation id must
	// map back to the original chat id.
	chatID := int64(-1001234567890)
	conv := channel.ConversationID(uint64(chatID))

	adapter := NewAdapter("test")
	adapter.markSeen(conv, chatID)

	got, ok := adapter.nativeID(conv)
	if !ok || got != chatID {
		t.Fatalf("expected chat id %d, got %d ok=%v", chatID, got, ok)
	}
}
