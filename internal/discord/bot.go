// Package discord connects the relay to Discord: it delivers notifications,
// answers prefix commands and keeps channel records in step with guild changes.
package discord

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/user/gitrelay/internal/command"
	"github.com/user/gitrelay/internal/registry"
	"github.com/user/gitrelay/internal/render"
	"github.com/user/gitrelay/internal/storage"
	"github.com/user/gitrelay/pkg/logger"
)

// DefaultPrefix starts every chat command.
const DefaultPrefix = "G! "

// Channels is the part of the registry the bot keeps in sync with guild state.
type Channels interface {
	List() ([]storage.ChannelSubscription, error)
	Create(ctx context.Context, ch registry.LiveChannel) (storage.ChannelSubscription, error)
	SetProperty(ctx context.Context, channelID, prop string, value any) (storage.ChannelSubscription, error)
	DeleteChannel(ctx context.Context, channelID string) error
	Reconcile(ctx context.Context, live []registry.LiveChannel) (int, error)
}

// Bot wraps a discordgo session.
type Bot struct {
	session  *discordgo.Session
	channels Channels
	commands *command.Handler
	prefix   string

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex // guards stopped and wg.Add
	stopped bool
	wg      sync.WaitGroup
}

// NewBot creates a Discord bot. The connection is opened by Start.
func NewBot(token, prefix string, channels Channels, commands *command.Handler) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		session:  session,
		channels: channels,
		commands: commands,
		prefix:   prefix,
		ctx:      ctx,
		cancel:   cancel,
	}

	session.AddHandler(b.onReady)
	session.AddHandler(b.onMessageCreate)
	session.AddHandler(b.onGuildCreate)
	session.AddHandler(b.onGuildUpdate)
	session.AddHandler(b.onGuildDelete)
	session.AddHandler(b.onChannelCreate)
	session.AddHandler(b.onChannelUpdate)
	session.AddHandler(b.onChannelDelete)
	return b, nil
}

// Start opens the gateway connection.
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord connection: %w", err)
	}
	logger.Info().Str("prefix", b.prefix).Msg("Discord bot started")
	return nil
}

// Stop closes the gateway connection and waits for running handlers.
func (b *Bot) Stop() {
	logger.Info().Msg("Stopping Discord bot")
	b.closeHandlers()
	if err := b.session.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close discord session")
	}
	b.wg.Wait()
}

// closeHandlers cancels running handlers and refuses new ones.
func (b *Bot) closeHandlers() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.cancel()
}

// Send delivers a rendered notification to a text channel.
func (b *Bot) Send(ctx context.Context, channelID string, msg render.Message) error {
	var err error
	if msg.Embed != nil {
		_, err = b.session.ChannelMessageSendEmbed(channelID, toEmbed(msg.Embed), discordgo.WithContext(ctx))
	} else {
		_, err = b.session.ChannelMessageSend(channelID, msg.Text, discordgo.WithContext(ctx))
	}
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// LiveChannels lists the text channels of every guild the bot is in.
func (b *Bot) LiveChannels(context.Context) ([]registry.LiveChannel, error) {
	state := b.session.State
	state.RLock()
	defer state.RUnlock()

	var live []registry.LiveChannel
	for _, g := range state.Guilds {
		live = append(live, textChannels(g)...)
	}
	return live, nil
}

func toEmbed(e *render.Embed) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       truncate(e.Title, 256),
		URL:         e.URL,
		Description: truncate(e.Description, 4096),
		Color:       e.Color,
	}
	if e.Author != "" {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    e.Author,
			URL:     e.AuthorURL,
			IconURL: avatarURL(e.AuthorURL),
		}
	}
	if e.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
	}
	return embed
}

// avatarURL derives a GitHub avatar from a profile URL.
func avatarURL(profile string) string {
	if profile == "" {
		return ""
	}
	return profile + ".png?size=40"
}

// truncate cuts s to Discord's field limits, counted in runes.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
