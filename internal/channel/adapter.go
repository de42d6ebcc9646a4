// Package channel defines the transport boundary: the internal message
// envelope, the adapter interface every transport implements, and the
// hub that fans inbound envelopes in and broadcasts replies out.
package channel

import (
	"context"
	"fmt"
	"strconv"
)

// ConversationID identifies one logical dialogue thread, independent of
// which transport its messages arrive on. Transports derive it from
// their native channel/chat ids.
type ConversationID uint64

func (id ConversationID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseConversationID parses the decimal form used on the wire and in
// the admin API.
func ParseConversationID(s string) (ConversationID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid conversation id %q: %w", s, err)
	}
	return ConversationID(v), nil
}

// MarshalJSON emits the decimal-string form. Bare numbers lose
// precision in JavaScript clients above 2^53.
func (id ConversationID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(id.String())), nil
}

// UnmarshalJSON accepts the quoted form this package emits and, for
// tolerance, a bare number.
func (id *ConversationID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	parsed, err := ParseConversationID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Metadata keys adapters set on every envelope they produce.
const (
	// MetaTransport names the originating transport.
	MetaTransport = "transport"
	// MetaWakeRequired marks transports where engagement demands the
	// wake phrase (group chats). Dedicated transports omit it or set
	// "false".
	MetaWakeRequired = "wake_required"
)

// Envelope is the internal form of one inbound message. Immutable once
// constructed.
type Envelope struct {
	ID           string
	Conversation ConversationID
	Author       string
	Text         string
	Metadata     map[string]string
	Timestamp    int64
}

// WakeRequired reports whether the originating transport demands the
// wake phrase for engagement.
func (e *Envelope) WakeRequired() bool {
	return e.Metadata[MetaWakeRequired] == "true"
}

// Adapter is the interface every transport implements. Adapters convert
// platform-native events into Envelopes and deliver outbound text and
// typing indicators; they keep track of which conversations they have
// carried and silently drop outbound traffic for the rest.
type Adapter interface {
	// Start connects the adapter and begins producing envelopes.
	Start(ctx context.Context) error

	// Stop disconnects the adapter.
	Stop() error

	// Send delivers one already-split message part.
	Send(conv ConversationID, text string) error

	// Typing toggles the platform's typing indicator, where one exists.
	Typing(conv ConversationID, active bool) error

	// Incoming returns the adapter's envelope stream.
	Incoming() <-chan *Envelope

	// Name returns the transport name used in metadata and metrics.
	Name() string

	// IsEnabled returns whether the adapter is configured to run.
	IsEnabled() bool

	// MaxMessageLen returns the transport's message length limit in
	// runes; 0 means unlimited.
	MaxMessageLen() int
}
