package messaging

import (
	"context"
	"time"

	"github.com/parleyhq/parley/internal/logging"
)

// PresenceManager announces this responder node on the presence stream
// so peer services can tell whether anyone is listening.
type PresenceManager struct {
	client *RedisClient
	node   string
	stopCh chan struct{}
}

// NewPresenceManager creates a presence manager for the named node.
func NewPresenceManager(client *RedisClient, node string) *PresenceManager {
	return &PresenceManager{
		client: client,
		node:   node,
		stopCh: make(chan struct{}),
	}
}

// Announce publishes a single presence message.
func (p *PresenceManager) Announce(ctx context.Context, status string) error {
	msg := PresenceMessage{
		Node:      p.node,
		Status:    status,
		Timestamp: time.Now().Unix(),
	}
	_, err := p.client.Publish(ctx, StreamPresence, msg.ToRedisValues())
	return err
}

// StartLoop announces presence on the given interval until the context
// is cancelled or Stop is called.
func (p *PresenceManager) StartLoop(ctx context.Context, interval time.Duration) {
	logger := logging.WithComponent("presence")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := p.Announce(ctx, "online"); err != nil {
		logger.Error("presence announce failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.Announce(ctx, "online"); err != nil {
				logger.Error("presence announce failed", "error", err)
			}
		}
	}
}

// Stop ends the announce loop.
func (p *PresenceManager) Stop() {
	close(p.stopCh)
}

// LastSeen returns the most recent presence message for a node, or nil
// when the node has never announced.
func (p *PresenceManager) LastSeen(ctx context.Context, node string) (*PresenceMessage, error) {
	rdb := p.client.RawClient()

	results, err := rdb.XRevRangeN(ctx, StreamPresence, "+", "-", 100).Result()
	if err != nil {
		return nil, err
	}

	for _, msg := range results {
		if n, ok := msg.Values["node"].(string); ok && n == node {
			return PresenceFromValues(msg.Values)
		}
	}
	return nil, nil
}
