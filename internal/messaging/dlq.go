package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadLetterQueue keeps envelopes that failed decoding so operators can
// inspect them and retry after a fix.
type DeadLetterQueue struct {
	client *RedisClient
}

// DeadLetter is one parked envelope with its failure reason.
type DeadLetter struct {
	DLQID  string
	Values map[string]interface{}
	Error  string
	DeadAt int64
}

// NewDeadLetterQueue creates a DLQ handler.
func NewDeadLetterQueue(client *RedisClient) *DeadLetterQueue {
	return &DeadLetterQueue{client: client}
}

// Park stores the raw stream fields of a failed envelope together with
// the decode error.
func (d *DeadLetterQueue) Park(ctx context.Context, values map[string]interface{}, errMsg string) error {
	originalJSON, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to marshal original values: %w", err)
	}

	_, err = d.client.Publish(ctx, StreamDLQ, map[string]interface{}{
		"original": string(originalJSON),
		"error":    errMsg,
		"dead_at":  strconv.FormatInt(time.Now().Unix(), 10),
	})
	return err
}

// DeadLetters returns the most recent parked envelopes, newest first.
func (d *DeadLetterQueue) DeadLetters(ctx context.Context, count int) ([]DeadLetter, error) {
	rdb := d.client.RawClient()

	results, err := rdb.XRevRangeN(ctx, StreamDLQ, "+", "-", int64(count)).Result()
	if err == redis.Nil {
		return []DeadLetter{}, nil
	}
	if err != nil {
		return nil, err
	}

	letters := make([]DeadLetter, 0, len(results))
	for _, msg := range results {
		letters = append(letters, parseDeadLetter(msg))
	}
	return letters, nil
}

// Retry republishes a parked envelope to the inbound stream and drops
// it from the DLQ.
func (d *DeadLetterQueue) Retry(ctx context.Context, dlqID string) error {
	rdb := d.client.RawClient()

	results, err := rdb.XRange(ctx, StreamDLQ, dlqID, dlqID).Result()
	if err != nil {
		return fmt.Errorf("failed to get DLQ message: %w", err)
	}
	if len(results) == 0 {
		return fmt.Errorf("DLQ message not found: %s", dlqID)
	}

	letter := parseDeadLetter(results[0])
	if _, err := d.client.Publish(ctx, StreamInbound, letter.Values); err != nil {
		return fmt.Errorf("failed to republish: %w", err)
	}

	rdb.XDel(ctx, StreamDLQ, dlqID)
	return nil
}

// Delete removes a parked envelope without retrying it.
func (d *DeadLetterQueue) Delete(ctx context.Context, dlqID string) error {
	return d.client.RawClient().XDel(ctx, StreamDLQ, dlqID).Err()
}

// Count returns the DLQ depth.
func (d *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	return d.client.RawClient().XLen(ctx, StreamDLQ).Result()
}

func parseDeadLetter(msg redis.XMessage) DeadLetter {
	letter := DeadLetter{DLQID: msg.ID}

	if v, ok := msg.Values["original"].(string); ok {
		var values map[string]interface{}
		if err := json.Unmarshal([]byte(v), &values); err == nil {
			letter.Values = values
		}
	}
	if v, ok := msg.Values["error"].(string); ok {
		letter.Error = v
	}
	if v, ok := msg.Values["dead_at"].(string); ok {
		deadAt, _ := strconv.ParseInt(v, 10, 64)
		letter.DeadAt = deadAt
	}
	return letter
}
