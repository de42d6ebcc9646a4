package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parleyhq/parley/internal/logging"
)

// RedisConfig holds connection settings for the broker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisClient wraps go-redis with the stream operations the broker
// transport needs.
type RedisClient struct {
	rdb *redis.Client
	cfg RedisConfig
}

// StreamMessage is one raw entry read from a Redis Stream.
type StreamMessage struct {
	ID     string
	Stream string
	Values map[string]interface{}
}

// NewRedisClient connects and validates the connection.
func NewRedisClient(cfg RedisConfig) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisClient{rdb: rdb, cfg: cfg}, nil
}

// Ping checks reachability.
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Publish appends values to a stream with XADD.
func (c *RedisClient) Publish(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	result, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd failed: %w", err)
	}
	return result, nil
}

// Subscribe joins a consumer group on a stream and returns the entry
// stream. Entries are acknowledged as they are handed over.
func (c *RedisClient) Subscribe(ctx context.Context, stream, group, consumer string) (<-chan StreamMessage, error) {
	// Ignore the error when the group already exists.
	c.rdb.XGroupCreateMkStream(ctx, stream, group, "0")

	msgChan := make(chan StreamMessage, 100)
	go c.readLoop(ctx, stream, group, consumer, msgChan)
	return msgChan, nil
}

func (c *RedisClient) readLoop(ctx context.Context, stream, group, consumer string, msgChan chan<- StreamMessage) {
	defer close(msgChan)
	logger := logging.WithComponent("messaging")

	for {
		select {
		case <-ctx.Done():
			return
		default:
			results, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  []string{stream, ">"},
				Count:    10,
				Block:    1000 * time.Millisecond,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				logger.Error("stream read failed", "stream", stream, "error", err)
				continue
			}

			for _, result := range results {
				for _, msg := range result.Messages {
					select {
					case msgChan <- StreamMessage{ID: msg.ID, Stream: stream, Values: msg.Values}:
					case <-ctx.Done():
						return
					}
					c.rdb.XAck(ctx, stream, group, msg.ID)
				}
			}
		}
	}
}

// Close closes the connection.
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

// RawClient exposes the underlying go-redis client for operations the
// wrapper does not cover.
func (c *RedisClient) RawClient() *redis.Client {
	return c.rdb
}

// IsConnected reports whether the broker is reachable right now.
func (c *RedisClient) IsConnected(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

// WithRetry runs fn with linear backoff.
func (c *RedisClient) WithRetry(ctx context.Context, maxRetries int, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < maxRetries-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return fmt.Errorf("failed after %d retries: %w", maxRetries, err)
}
