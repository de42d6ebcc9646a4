// Package telegram carries conversations over Telegram chats.
package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/logging"
)

// Telegram caps messages at 4096 characters.
const maxMessageLen = 4096

type Adapter struct {
	bot      *tgbotapi.BotAPI
	token    string
	incoming chan *channel.Envelope
	logger   *slog.Logger

	mu   sync.RWMutex
	seen map[channel.ConversationID]int64
}

func NewAdapter(token string) *Adapter {
	return &Adapter{
		token:    token,
		incoming: make(chan *channel.Envelope, 100),
		logger:   logging.WithComponent("telegram"),
		seen:     make(map[channel.ConversationID]int64),
	}
}

func (t *Adapter) Name() string {
	return "telegram"
}

func (t *Adapter) IsEnabled() bool {
	return t.token != ""
}

func (t *Adapter) MaxMessageLen() int {
	return maxMessageLen
}

func (t *Adapter) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return err
	}
	t.bot = bot

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				t.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil || update.Message.Text == "" {
					continue
				}
				if update.Message.From != nil && update.Message.From.ID == bot.Self.ID {
					continue
				}
				t.handleMessage(update.Message)
			}
		}
	}()
	return nil
}

func (t *Adapter) handleMessage(m *tgbotapi.Message) {
	// Chat ids can be negative for groups; the unsigned form keeps
	// them stable across transports.
	conv := channel.ConversationID(uint64(m.Chat.ID))
	t.markSeen(conv, m.Chat.ID)

	author := m.From.UserName
	if author == "" {
		author = m.From.FirstName
	}

	env := &channel.Envelope{
		ID:           strconv.Itoa(m.MessageID),
		Conversation: conv,
		Author:       author,
		Text:         m.Text,
		Metadata: map[string]string{
			channel.MetaTransport:    t.Name(),
			channel.MetaWakeRequired: "true",
		},
		Timestamp: int64(m.Date),
	}

	select {
	case t.incoming <- env:
	default:
		t.logger.Warn("incoming buffer full, dropping message", "conversation", conv.String())
	}
}

func (t *Adapter) Stop() error {
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	return nil
}

// Send delivers one reply part; conversations this transport never
// carried are dropped.
func (t *Adapter) Send(conv channel.ConversationID, text string) error {
	chatID, ok := t.nativeID(conv)
	if !ok {
		return nil
	}
	reply := tgbotapi.NewMessage(chatID, text)
	_, err := t.bot.Send(reply)
	return err
}

// Typing raises the chat action; Telegram expires it after a few
// seconds on its own.
func (t *Adapter) Typing(conv channel.ConversationID, active bool) error {
	if !active {
		return nil
	}
	chatID, ok := t.nativeID(conv)
	if !ok {
		return nil
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, err := t.bot.Request(action)
	return err
}

func (t *Adapter) Incoming() <-chan *channel.Envelope {
	return t.incoming
}

func (t *Adapter) markSeen(conv channel.ConversationID, chatID int64) {
	t.mu.Lock()
	t.seen[conv] = chatID
	t.mu.Unlock()
}

func (t *Adapter) nativeID(conv channel.ConversationID) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.seen[conv]
	return id, ok
}
