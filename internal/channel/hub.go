package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/metrics"
)

// Platforms expire typing indicators after roughly ten seconds, so an
// active one is re-raised on this interval until the reply goes out.
// Variable so tests can shrink it.
var typingInterval = 3 * time.Second

// Hub owns the registered adapters. It fans their envelope streams into
// one inbound channel, broadcasts replies to every enabled transport,
// and keeps typing indicators alive while a reply is in flight.
type Hub struct {
	mu       sync.RWMutex
	adapters []Adapter
	typing   map[ConversationID]bool

	inbound chan *Envelope
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub whose inbound channel holds up to buffer
// envelopes before producers block.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		typing:  make(map[ConversationID]bool),
		inbound: make(chan *Envelope, buffer),
		logger:  logging.WithComponent("hub"),
	}
}

// Register adds an adapter. Call before Start.
func (h *Hub) Register(a Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapters = append(h.adapters, a)
}

// Start connects every enabled adapter and begins merging their
// envelope streams.
func (h *Hub) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)
	for _, a := range h.enabled() {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("starting %s adapter: %w", a.Name(), err)
		}
		h.logger.Info("adapter started", "transport", a.Name())
		h.wg.Add(1)
		go h.aggregate(ctx, a)
	}
	h.wg.Add(1)
	go h.refreshTyping(ctx)
	return nil
}

func (h *Hub) aggregate(ctx context.Context, a Adapter) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-a.Incoming():
			if !ok {
				return
			}
			metrics.EnvelopesReceived.WithLabelValues(a.Name()).Inc()
			select {
			case h.inbound <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Inbound returns the merged envelope stream.
func (h *Hub) Inbound() <-chan *Envelope {
	return h.inbound
}

// Send splits text to each transport's length limit and broadcasts the
// parts. Adapters that never carried the conversation drop the message
// themselves, so a reply only surfaces where the dialogue lives.
func (h *Hub) Send(conv ConversationID, text string) {
	for _, a := range h.enabled() {
		parts := SplitMessage(text, a.MaxMessageLen())
		if len(parts) > 1 {
			metrics.ReplySplits.Inc()
		}
		for _, part := range parts {
			if err := a.Send(conv, part); err != nil {
				h.logger.Error("send failed",
					"transport", a.Name(),
					"conversation", conv.String(),
					"error", err)
				break
			}
			metrics.BroadcastSends.WithLabelValues(a.Name()).Inc()
		}
	}
}

// TypingStart raises typing indicators for conv and keeps them
// refreshed until TypingStop is called.
func (h *Hub) TypingStart(conv ConversationID) {
	h.mu.Lock()
	h.typing[conv] = true
	h.mu.Unlock()
	h.broadcastTyping(conv, true)
}

// TypingStop clears the indicator for conv.
func (h *Hub) TypingStop(conv ConversationID) {
	h.mu.Lock()
	delete(h.typing, conv)
	h.mu.Unlock()
	h.broadcastTyping(conv, false)
}

func (h *Hub) broadcastTyping(conv ConversationID, active bool) {
	for _, a := range h.enabled() {
		if err := a.Typing(conv, active); err != nil {
			h.logger.Debug("typing signal failed",
				"transport", a.Name(),
				"conversation", conv.String(),
				"error", err)
		}
	}
}

func (h *Hub) refreshTyping(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			active := make([]ConversationID, 0, len(h.typing))
			for conv := range h.typing {
				active = append(active, conv)
			}
			h.mu.RUnlock()
			for _, conv := range active {
				h.broadcastTyping(conv, true)
			}
		}
	}
}

// AdapterNames reports the enabled transports, for the status API.
func (h *Hub) AdapterNames() []string {
	enabled := h.enabled()
	names := make([]string, 0, len(enabled))
	for _, a := range enabled {
		names = append(names, a.Name())
	}
	return names
}

// Stop cancels aggregation and disconnects every enabled adapter.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	for _, a := range h.enabled() {
		if err := a.Stop(); err != nil {
			h.logger.Error("adapter stop failed", "transport", a.Name(), "error", err)
		}
	}
}

func (h *Hub) enabled() []Adapter {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Adapter, 0, len(h.adapters))
	for _, a := range h.adapters {
		if a.IsEnabled() {
			out = append(out, a)
		}
	}
	return out
}
