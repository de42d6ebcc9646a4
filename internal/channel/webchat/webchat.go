// Package webchat serves a WebSocket endpoint for browser clients. It
// is a dedicated transport: every message addresses the responder, so
// no wake phrase is required.
package webchat

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/logging"
)

// Frame op codes.
const (
	// OpMessage carries dialogue text in either direction.
	OpMessage = 0
	// OpTyping carries the typing indicator, server to client only.
	OpTyping = 1
)

// Frame is the JSON frame for both directions. Op 0 uses Conversation,
// Author and Text; op 1 uses Conversation and Typing.
type Frame struct {
	Op           int    `json:"op"`
	Conversation string `json:"conversation,omitempty"`
	Author       string `json:"author,omitempty"`
	Text         string `json:"text,omitempty"`
	Typing       bool   `json:"typing,omitempty"`
}

type Adapter struct {
	port     int
	incoming chan *channel.Envelope
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[channel.ConversationID]map[*websocket.Conn]struct{}

	server *http.Server
}

func NewAdapter(port int) *Adapter {
	return &Adapter{
		port:     port,
		incoming: make(chan *channel.Envelope, 100),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.WithComponent("webchat"),
		conns:  make(map[channel.ConversationID]map[*websocket.Conn]struct{}),
	}
}

func (w *Adapter) Name() string {
	return "webchat"
}

func (w *Adapter) IsEnabled() bool {
	return w.port > 0
}

// MaxMessageLen is unlimited; browsers render any length.
func (w *Adapter) MaxMessageLen() int {
	return 0
}

func (w *Adapter) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.wsHandler)
	w.server = &http.Server{Addr: ":" + strconv.Itoa(w.port), Handler: mux}

	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logger.Error("webchat server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		w.server.Shutdown(context.Background())
	}()

	return nil
}

func (w *Adapter) Stop() error {
	if w.server != nil {
		return w.server.Shutdown(context.Background())
	}
	return nil
}

// Send pushes one reply part to every socket joined to the
// conversation.
func (w *Adapter) Send(conv channel.ConversationID, text string) error {
	return w.writeAll(conv, Frame{Op: OpMessage, Conversation: conv.String(), Text: text})
}

// Typing pushes a typing frame so the page can show an indicator.
func (w *Adapter) Typing(conv channel.ConversationID, active bool) error {
	return w.writeAll(conv, Frame{Op: OpTyping, Conversation: conv.String(), Typing: active})
}

func (w *Adapter) writeAll(conv channel.ConversationID, frame Frame) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	conns, ok := w.conns[conv]
	if !ok {
		return nil
	}
	var firstErr error
	for conn := range conns {
		if err := conn.WriteJSON(frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *Adapter) Incoming() <-chan *channel.Envelope {
	return w.incoming
}

func (w *Adapter) wsHandler(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	conv, err := channel.ParseConversationID(r.URL.Query().Get("conversation"))
	if err != nil {
		// New visitors without a conversation get a fresh one.
		conv = channel.ConversationID(uint64(time.Now().UnixNano()))
	}
	author := r.URL.Query().Get("author")
	if author == "" {
		author = "visitor"
	}

	w.join(conv, conn)
	defer func() {
		w.leaveAll(conn)
		conn.Close()
	}()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		if frame.Op != OpMessage || frame.Text == "" {
			continue
		}

		target := conv
		if frame.Conversation != "" {
			parsed, err := channel.ParseConversationID(frame.Conversation)
			if err != nil {
				w.logger.Warn("dropping frame with bad conversation id", "value", frame.Conversation)
				continue
			}
			target = parsed
		}
		w.join(target, conn)

		name := frame.Author
		if name == "" {
			name = author
		}

		env := &channel.Envelope{
			ID:           uuid.NewString(),
			Conversation: target,
			Author:       name,
			Text:         frame.Text,
			Metadata: map[string]string{
				channel.MetaTransport:    w.Name(),
				channel.MetaWakeRequired: "false",
			},
			Timestamp: time.Now().Unix(),
		}

		select {
		case w.incoming <- env:
		default:
			w.logger.Warn("incoming buffer full, dropping message", "conversation", target.String())
		}
	}
}

// join is idempotent; a socket may carry several conversations.
func (w *Adapter) join(conv channel.ConversationID, conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conns[conv] == nil {
		w.conns[conv] = make(map[*websocket.Conn]struct{})
	}
	w.conns[conv][conn] = struct{}{}
}

func (w *Adapter) leaveAll(conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for conv, conns := range w.conns {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(w.conns, conv)
		}
	}
}
