// Package messaging carries conversation envelopes over Redis Streams.
// It is the wire layer of the broker transport: inbound envelopes from
// peer services, outbound replies, a dead-letter stream for envelopes
// that fail decoding, and presence announcements.
package messaging

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/channel"
)

// Stream names.
const (
	StreamInbound  = "parley:inbound"
	StreamOutbound = "parley:outbound"
	StreamTyping   = "parley:typing"
	StreamDLQ      = "parley:dlq"
	StreamPresence = "parley:presence"
)

// DefaultGroup is the consumer group the broker transport joins when
// none is configured.
const DefaultGroup = "parley"

// NewEnvelopeID mints a message id for envelopes that arrive without
// one.
func NewEnvelopeID() string {
	return uuid.NewString()
}

// EnvelopeToValues flattens an envelope into Redis stream fields.
func EnvelopeToValues(env *channel.Envelope) map[string]interface{} {
	metadataJSON, _ := json.Marshal(env.Metadata)
	return map[string]interface{}{
		"id":           env.ID,
		"conversation": env.Conversation.String(),
		"author":       env.Author,
		"text":         env.Text,
		"metadata":     string(metadataJSON),
		"timestamp":    strconv.FormatInt(env.Timestamp, 10),
	}
}

// EnvelopeFromValues rebuilds an envelope from Redis stream fields. A
// missing or malformed conversation id, or empty text, is a decode
// failure; such messages belong on the dead-letter stream.
func EnvelopeFromValues(values map[string]interface{}) (*channel.Envelope, error) {
	env := &channel.Envelope{}

	raw, ok := values["conversation"].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("envelope missing conversation id")
	}
	conv, err := channel.ParseConversationID(raw)
	if err != nil {
		return nil, err
	}
	env.Conversation = conv

	if v, ok := values["text"].(string); ok {
		env.Text = v
	}
	if env.Text == "" {
		return nil, fmt.Errorf("envelope missing text")
	}

	if v, ok := values["id"].(string); ok && v != "" {
		env.ID = v
	} else {
		env.ID = NewEnvelopeID()
	}
	if v, ok := values["author"].(string); ok {
		env.Author = v
	}
	if v, ok := values["metadata"].(string); ok && v != "" {
		if err := json.Unmarshal([]byte(v), &env.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal envelope metadata: %w", err)
		}
	}
	if v, ok := values["timestamp"].(string); ok && v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse envelope timestamp: %w", err)
		}
		env.Timestamp = ts
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().Unix()
	}
	return env, nil
}

// OutboundToValues flattens one reply part for the outbound stream.
func OutboundToValues(conv channel.ConversationID, text string) map[string]interface{} {
	return map[string]interface{}{
		"id":           NewEnvelopeID(),
		"conversation": conv.String(),
		"text":         text,
		"timestamp":    strconv.FormatInt(time.Now().Unix(), 10),
	}
}

// TypingToValues flattens a typing indicator event for the typing
// stream.
func TypingToValues(conv channel.ConversationID, active bool) map[string]interface{} {
	return map[string]interface{}{
		"conversation": conv.String(),
		"typing":       strconv.FormatBool(active),
		"timestamp":    strconv.FormatInt(time.Now().Unix(), 10),
	}
}

// PresenceMessage announces that a responder node is alive.
type PresenceMessage struct {
	Node      string `json:"node"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// ToRedisValues flattens a presence message into stream fields.
func (p PresenceMessage) ToRedisValues() map[string]interface{} {
	return map[string]interface{}{
		"node":      p.Node,
		"status":    p.Status,
		"timestamp": strconv.FormatInt(p.Timestamp, 10),
	}
}

// PresenceFromValues rebuilds a presence message from stream fields.
func PresenceFromValues(values map[string]interface{}) (*PresenceMessage, error) {
	p := &PresenceMessage{}
	if v, ok := values["node"].(string); ok {
		p.Node = v
	}
	if v, ok := values["status"].(string); ok {
		p.Status = v
	}
	if v, ok := values["timestamp"].(string); ok {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		p.Timestamp = ts
	}
	return p, nil
}
