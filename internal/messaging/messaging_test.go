package messaging

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/channel"
)

// setupTestClient connects to the Redis named by REDIS_ADDR, or
// localhost, and skips when none is running.
func setupTestClient(t *testing.T) *RedisClient {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client, err := NewRedisClient(RedisConfig{Addr: addr})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &channel.Envelope{
		ID:           "msg-001",
		Conversation: 1234567890,
		Author:       "alice",
		Text:         "hello from the stream",
		Metadata: map[string]string{
			channel.MetaTransport:    "broker",
			channel.MetaWakeRequired: "false",
		},
		Timestamp: 1704556800,
	}

	values := EnvelopeToValues(env)
	assert.Equal(t, "1234567890", values["conversation"])
	assert.Equal(t, "alice", values["author"])
	assert.Equal(t, "1704556800", values["timestamp"])

	got, err := EnvelopeFromValues(values)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.Conversation, got.Conversation)
	assert.Equal(t, env.Author, got.Author)
	assert.Equal(t, env.Text, got.Text)
	assert.Equal(t, env.Metadata, got.Metadata)
	assert.Equal(t, env.Timestamp, got.Timestamp)
}

func TestEnvelopeFromValuesMissingConversation(t *testing.T) {
	_, err := EnvelopeFromValues(map[string]interface{}{
		"text": "orphaned message",
	})
	require.Error(t, err)
}

func TestEnvelopeFromValuesBadConversation(t *testing.T) {
	_, err := EnvelopeFromValues(map[string]interface{}{
		"conversation": "not-a-number",
		"text":         "hello",
	})
	require.Error(t, err)
}

func TestEnvelopeFromValuesMissingText(t *testing.T) {
	_, err := EnvelopeFromValues(map[string]interface{}{
		"conversation": "42",
	})
	require.Error(t, err)
}

func TestEnvelopeFromValuesGeneratesID(t *testing.T) {
	got, err := EnvelopeFromValues(map[string]interface{}{
		"conversation": "42",
		"text":         "no id supplied",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.NotZero(t, got.Timestamp)
}

func TestPresenceRoundTrip(t *testing.T) {
	msg := PresenceMessage{Node: "parley-1", Status: "online", Timestamp: 1704556800}
	got, err := PresenceFromValues(msg.ToRedisValues())
	require.NoError(t, err)
	assert.Equal(t, &msg, got)
}

func TestRedisClient_PublishAndSubscribe(t *testing.T) {
	client := setupTestClient(t)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := "test:parley:" + t.Name()
	defer client.RawClient().Del(context.Background(), stream)

	msgChan, err := client.Subscribe(ctx, stream, "test-group", "test-consumer")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	env := &channel.Envelope{
		ID:           "msg-xyz",
		Conversation: 7,
		Author:       "bob",
		Text:         "over the wire",
		Timestamp:    time.Now().Unix(),
	}
	msgID, err := client.Publish(ctx, stream, EnvelopeToValues(env))
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)

	select {
	case msg := <-msgChan:
		got, err := EnvelopeFromValues(msg.Values)
		require.NoError(t, err)
		assert.Equal(t, env.Text, got.Text)
		assert.Equal(t, env.Conversation, got.Conversation)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestDeadLetterQueue(t *testing.T) {
	client := setupTestClient(t)
	defer client.Close()

	ctx := context.Background()
	defer client.RawClient().Del(ctx, StreamDLQ)

	dlq := NewDeadLetterQueue(client)
	badValues := map[string]interface{}{
		"conversation": "not-a-number",
		"text":         "undeliverable",
	}
	require.NoError(t, dlq.Park(ctx, badValues, "invalid conversation id"))

	letters, err := dlq.DeadLetters(ctx, 10)
	require.NoError(t, err)

	found := false
	for _, letter := range letters {
		if letter.Values["text"] == "undeliverable" {
			found = true
			assert.Equal(t, "invalid conversation id", letter.Error)
			assert.NotZero(t, letter.DeadAt)
			break
		}
	}
	assert.True(t, found, "dead letter not found")
}

func TestPresenceManager(t *testing.T) {
	client := setupTestClient(t)
	defer client.Close()

	ctx := context.Background()
	node := "test-node-" + t.Name()

	pm := NewPresenceManager(client, node)
	require.NoError(t, pm.Announce(ctx, "online"))

	seen, err := pm.LastSeen(ctx, node)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "online", seen.Status)
}
