// Package discord carries conversations over Discord channels. Guild
// channels are shared spaces, so the transport marks its envelopes as
// requiring the wake phrase.
package discord

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/logging"
)

// Discord rejects messages above 2000 characters.
const maxMessageLen = 2000

type Adapter struct {
	token    string
	session  *discordgo.Session
	incoming chan *channel.Envelope
	logger   *slog.Logger

	mu   sync.RWMutex
	seen map[channel.ConversationID]string
}

func NewAdapter(token string) *Adapter {
	return &Adapter{
		token:    token,
		incoming: make(chan *channel.Envelope, 100),
		logger:   logging.WithComponent("discord"),
		seen:     make(map[channel.ConversationID]string),
	}
}

func (d *Adapter) Name() string {
	return "discord"
}

func (d *Adapter) IsEnabled() bool {
	return d.token != ""
}

func (d *Adapter) MaxMessageLen() int {
	return maxMessageLen
}

func (d *Adapter) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return err
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	d.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if s.State.User != nil && m.Author.ID == s.State.User.ID {
			return
		}

		conv, err := channel.ParseConversationID(m.ChannelID)
		if err != nil {
			d.logger.Warn("dropping message with unusable channel id",
				"channel_id", m.ChannelID, "error", err)
			return
		}
		d.markSeen(conv, m.ChannelID)

		env := &channel.Envelope{
			ID:           m.ID,
			Conversation: conv,
			Author:       m.Author.Username,
			Text:         m.Content,
			Metadata: map[string]string{
				channel.MetaTransport:    d.Name(),
				channel.MetaWakeRequired: "true",
			},
			Timestamp: m.Timestamp.Unix(),
		}

		select {
		case d.incoming <- env:
		default:
			d.logger.Warn("incoming buffer full, dropping message", "conversation", conv.String())
		}
	})

	if err := session.Open(); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		session.Close()
	}()

	return nil
}

func (d *Adapter) Stop() error {
	if d.session != nil {
		d.session.Close()
	}
	return nil
}

// Send delivers one reply part to the native channel. Conversations
// this transport has never carried are dropped silently; the reply
// belongs to another transport.
func (d *Adapter) Send(conv channel.ConversationID, text string) error {
	channelID, ok := d.nativeID(conv)
	if !ok {
		return nil
	}
	_, err := d.session.ChannelMessageSend(channelID, text)
	return err
}

// Typing raises the native typing indicator. Discord expires it on its
// own, so deactivation is a no-op.
func (d *Adapter) Typing(conv channel.ConversationID, active bool) error {
	if !active {
		return nil
	}
	channelID, ok := d.nativeID(conv)
	if !ok {
		return nil
	}
	return d.session.ChannelTyping(channelID)
}

func (d *Adapter) Incoming() <-chan *channel.Envelope {
	return d.incoming
}

func (d *Adapter) markSeen(conv channel.ConversationID, nativeID string) {
	d.mu.Lock()
	d.seen[conv] = nativeID
	d.mu.Unlock()
}

func (d *Adapter) nativeID(conv channel.ConversationID) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.seen[conv]
	return id, ok
}
