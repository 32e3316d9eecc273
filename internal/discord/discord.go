package discord

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/stupiduntilnot/paimon/internal/gateway"
)

// Intents needed to read message text in guild channels.
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

// Gateway is a Discord bot connection.
type Gateway struct {
	session *discordgo.Session
	log     *zap.Logger
}

// New creates a gateway for the given bot token. The connection is opened by Run.
func New(token string, log *zap.Logger) (*Gateway, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = Intents
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{session: s, log: log.With(zap.String("gateway", "discord"))}, nil
}

// Run connects and dispatches MESSAGE_CREATE events to h until ctx is done.
// discordgo runs each handler in its own goroutine.
func (g *Gateway) Run(ctx context.Context, h gateway.Handler) error {
	remove := g.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message == nil || m.Author == nil {
			return
		}
		h.HandleMessage(ctx, toEvent(m.Message, channelName(s, m.ChannelID)))
	})
	defer remove()
	g.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		g.log.Info("discord ready", zap.String("user", r.User.Username), zap.String("user_id", r.User.ID))
	})

	if err := g.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	<-ctx.Done()
	if err := g.session.Close(); err != nil {
		return fmt.Errorf("discord close: %w", err)
	}
	return nil
}

func (g *Gateway) Reply(ctx context.Context, ev gateway.Event, r gateway.Reply) error {
	_, err := g.session.ChannelMessageSendComplex(ev.ChannelID, messageSend(ev, r), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func (g *Gateway) Typing(ctx context.Context, ev gateway.Event) error {
	if err := g.session.ChannelTyping(ev.ChannelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord typing: %w", err)
	}
	return nil
}

func (g *Gateway) Placeholder(ctx context.Context, ev gateway.Event, text string) (func(), error) {
	msg, err := g.session.ChannelMessageSendReply(ev.ChannelID, text, reference(ev), discordgo.WithContext(ctx))
	if err != nil {
		return func() {}, fmt.Errorf("discord placeholder: %w", err)
	}
	return func() {
		// The event context may already be cancelled; deletion must still happen.
		if err := g.session.ChannelMessageDelete(msg.ChannelID, msg.ID); err != nil {
			g.log.Warn("placeholder delete failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}, nil
}

func toEvent(m *discordgo.Message, channelName string) gateway.Event {
	ev := gateway.Event{
		ChannelID:   m.ChannelID,
		ChannelName: channelName,
		GuildID:     m.GuildID,
		MessageID:   m.ID,
		Content:     m.Content,
	}
	if m.Author != nil {
		ev.AuthorID = m.Author.ID
		ev.AuthorIsBot = m.Author.Bot
		ev.AuthorName = displayName(m)
	}
	return ev
}

// displayName prefers the guild nickname, then the global display name.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func channelName(s *discordgo.Session, channelID string) string {
	if s != nil && s.State != nil {
		if ch, err := s.State.Channel(channelID); err == nil && ch != nil {
			return ch.Name
		}
	}
	return channelID
}

func reference(ev gateway.Event) *discordgo.MessageReference {
	return &discordgo.MessageReference{
		MessageID: ev.MessageID,
		ChannelID: ev.ChannelID,
		GuildID:   ev.GuildID,
	}
}

func messageSend(ev gateway.Event, r gateway.Reply) *discordgo.MessageSend {
	out := &discordgo.MessageSend{
		Content:   r.Text,
		Reference: reference(ev),
	}
	if a := r.Attachment; a != nil {
		out.Files = []*discordgo.File{{
			Name:        a.Filename,
			ContentType: a.MIMEType,
			Reader:      bytes.NewReader(a.Data),
		}}
	}
	return out
}
