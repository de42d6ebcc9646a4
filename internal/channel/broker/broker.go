// Package broker carries conversations over Redis Streams so peer
// services can talk to the responder without a chat platform in the
// middle. Inbound envelopes that fail decoding are parked on the
// dead-letter stream instead of being lost.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/messaging"
)

const presenceInterval = 30 * time.Second

// Config holds the broker transport settings.
type Config struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Group    string
	Consumer string
}

type Adapter struct {
	cfg      Config
	client   *messaging.RedisClient
	dlq      *messaging.DeadLetterQueue
	presence *messaging.PresenceManager
	incoming chan *channel.Envelope
	logger   *slog.Logger

	mu   sync.RWMutex
	seen map[channel.ConversationID]struct{}

	cancel context.CancelFunc
}

func NewAdapter(cfg Config) *Adapter {
	if cfg.Group == "" {
		cfg.Group = messaging.DefaultGroup
	}
	return &Adapter{
		cfg:      cfg,
		incoming: make(chan *channel.Envelope, 100),
		logger:   logging.WithComponent("broker"),
		seen:     make(map[channel.ConversationID]struct{}),
	}
}

func (b *Adapter) Name() string {
	return "broker"
}

func (b *Adapter) IsEnabled() bool {
	return b.cfg.Enabled && b.cfg.Addr != ""
}

// MaxMessageLen is unlimited; streams carry arbitrary payloads.
func (b *Adapter) MaxMessageLen() int {
	return 0
}

func (b *Adapter) Start(ctx context.Context) error {
	client, err := messaging.NewRedisClient(messaging.RedisConfig{
		Addr:     b.cfg.Addr,
		Password: b.cfg.Password,
		DB:       b.cfg.DB,
	})
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	b.client = client
	b.dlq = messaging.NewDeadLetterQueue(client)
	b.presence = messaging.NewPresenceManager(client, b.cfg.Consumer)

	// A previous run under the same consumer name leaves its last
	// heartbeat on the presence stream; log it so restarts are visible.
	if prev, err := b.presence.LastSeen(ctx, b.cfg.Consumer); err == nil && prev != nil {
		b.logger.Info("resuming consumer identity",
			"consumer", b.cfg.Consumer,
			"last_status", prev.Status,
			"last_seen", time.Unix(prev.Timestamp, 0))
	}

	ctx, b.cancel = context.WithCancel(ctx)

	msgChan, err := client.Subscribe(ctx, messaging.StreamInbound, b.cfg.Group, b.cfg.Consumer)
	if err != nil {
		return fmt.Errorf("failed to subscribe to inbound stream: %w", err)
	}

	go b.decodeLoop(ctx, msgChan)
	go b.presence.StartLoop(ctx, presenceInterval)

	return nil
}

func (b *Adapter) decodeLoop(ctx context.Context, msgChan <-chan messaging.StreamMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgChan:
			if !ok {
				return
			}
			env, err := messaging.EnvelopeFromValues(msg.Values)
			if err != nil {
				b.logger.Warn("parking undecodable envelope", "stream_id", msg.ID, "error", err)
				if parkErr := b.dlq.Park(ctx, msg.Values, err.Error()); parkErr != nil {
					b.logger.Error("failed to park envelope", "error", parkErr)
				}
				continue
			}

			if env.Metadata == nil {
				env.Metadata = make(map[string]string)
			}
			env.Metadata[channel.MetaTransport] = b.Name()
			if _, ok := env.Metadata[channel.MetaWakeRequired]; !ok {
				env.Metadata[channel.MetaWakeRequired] = "false"
			}
			b.markSeen(env.Conversation)

			select {
			case b.incoming <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Adapter) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.presence != nil {
		b.presence.Stop()
	}
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// Send publishes one reply part to the outbound stream for peers to
// consume. Conversations this transport never carried are dropped.
func (b *Adapter) Send(conv channel.ConversationID, text string) error {
	if !b.hasSeen(conv) {
		return nil
	}
	_, err := b.client.Publish(context.Background(), messaging.StreamOutbound,
		messaging.OutboundToValues(conv, text))
	return err
}

// Typing publishes an indicator event to the typing stream so peers
// can mirror it. Conversations this transport never carried are
// dropped.
func (b *Adapter) Typing(conv channel.ConversationID, active bool) error {
	if !b.hasSeen(conv) {
		return nil
	}
	_, err := b.client.Publish(context.Background(), messaging.StreamTyping,
		messaging.TypingToValues(conv, active))
	return err
}

func (b *Adapter) Incoming() <-chan *channel.Envelope {
	return b.incoming
}

// DLQ exposes the dead-letter queue for the admin API.
func (b *Adapter) DLQ() *messaging.DeadLetterQueue {
	return b.dlq
}

func (b *Adapter) markSeen(conv channel.ConversationID) {
	b.mu.Lock()
	b.seen[conv] = struct{}{}
	b.mu.Unlock()
}

func (b *Adapter) hasSeen(conv channel.ConversationID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.seen[conv]
	return ok
}
