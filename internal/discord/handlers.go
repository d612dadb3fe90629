package discord

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/user/gitrelay/internal/command"
	"github.com/user/gitrelay/internal/registry"
	"github.com/user/gitrelay/pkg/logger"
)

const handlerTimeout = time.Minute

// track runs fn with a bounded context and lets Stop wait for it. Events that
// arrive after Stop are dropped.
func (b *Bot) track(fn func(ctx context.Context)) {
	b.mu.Lock()
	if b.stopped || b.ctx.Err() != nil {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	ctx, cancel := context.WithTimeout(b.ctx, handlerTimeout)
	defer cancel()
	fn(ctx)
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	logger.Info().
		Str("username", s.State.User.Username).
		Int("guilds", len(r.Guilds)).
		Msg("Discord bot is ready")
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	line, ok := stripPrefix(m.Content, b.prefix)
	if !ok {
		return
	}

	b.track(func(ctx context.Context) {
		ch := registry.LiveChannel{ID: m.ChannelID, GuildID: m.GuildID}
		if c, err := s.State.Channel(m.ChannelID); err == nil {
			ch.Name = c.Name
		}
		if g, err := s.State.Guild(m.GuildID); err == nil {
			ch.GuildName = g.Name
		}

		name, args := command.Parse(line)
		reply := b.commands.Execute(ctx, ch, name, args)
		if reply == "" {
			return
		}
		if _, err := s.ChannelMessageSend(m.ChannelID, reply, discordgo.WithContext(ctx)); err != nil {
			logger.Error().Err(err).Str("channel_id", m.ChannelID).Msg("Failed to send reply")
		}
	})
}

// onGuildCreate fires for every guild on connect and when the bot joins one.
func (b *Bot) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	b.track(func(ctx context.Context) {
		created, err := b.channels.Reconcile(ctx, textChannels(g.Guild))
		if err != nil {
			logger.Error().Err(err).Str("guild", g.Name).Msg("Failed to reconcile guild channels")
		}
		logger.Info().Str("guild", g.Name).Int("created", created).Msg("Guild available")
	})
}

func (b *Bot) onGuildUpdate(_ *discordgo.Session, g *discordgo.GuildUpdate) {
	if g.Guild == nil {
		return
	}
	b.track(func(ctx context.Context) {
		b.forGuild(g.ID, func(channelID string) error {
			_, err := b.channels.SetProperty(ctx, channelID, registry.PropGuildName, g.Name)
			return err
		})
	})
}

// onGuildDelete removes the guild's records when the bot was removed. Outages
// also produce this event, flagged as unavailable, and are ignored.
func (b *Bot) onGuildDelete(_ *discordgo.Session, g *discordgo.GuildDelete) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	b.track(func(ctx context.Context) {
		b.forGuild(g.ID, func(channelID string) error {
			return b.channels.DeleteChannel(ctx, channelID)
		})
		logger.Info().Str("guild_id", g.ID).Msg("Removed from guild, channel configs deleted")
	})
}

func (b *Bot) onChannelCreate(s *discordgo.Session, c *discordgo.ChannelCreate) {
	if !isTextChannel(c.Channel) {
		return
	}
	b.track(func(ctx context.Context) {
		_, err := b.channels.Create(ctx, liveChannel(c.Channel, guildName(s, c.GuildID)))
		if err != nil && !errors.Is(err, registry.ErrDuplicateChannel) {
			logger.Error().Err(err).Str("channel_id", c.ID).Msg("Failed to add channel config")
		}
	})
}

func (b *Bot) onChannelUpdate(_ *discordgo.Session, c *discordgo.ChannelUpdate) {
	if !isTextChannel(c.Channel) {
		return
	}
	b.track(func(ctx context.Context) {
		_, err := b.channels.SetProperty(ctx, c.ID, registry.PropChannelName, c.Name)
		if err != nil && !errors.Is(err, registry.ErrUnknownChannel) {
			logger.Error().Err(err).Str("channel_id", c.ID).Msg("Failed to update channel name")
		}
	})
}

func (b *Bot) onChannelDelete(_ *discordgo.Session, c *discordgo.ChannelDelete) {
	if c.Channel == nil {
		return
	}
	b.track(func(ctx context.Context) {
		if err := b.channels.DeleteChannel(ctx, c.ID); err != nil {
			logger.Error().Err(err).Str("channel_id", c.ID).Msg("Failed to delete channel config")
		}
	})
}

// forGuild applies fn to every stored channel of a guild.
func (b *Bot) forGuild(guildID string, fn func(channelID string) error) {
	subs, err := b.channels.List()
	if err != nil {
		logger.Error().Err(err).Str("guild_id", guildID).Msg("Failed to list channel configs")
		return
	}
	for _, sub := range subs {
		if sub.GuildID != guildID {
			continue
		}
		if err := fn(sub.ChannelID); err != nil {
			logger.Error().Err(err).Str("channel_id", sub.ChannelID).Msg("Failed to update channel config")
		}
	}
}

func guildName(s *discordgo.Session, guildID string) string {
	if g, err := s.State.Guild(guildID); err == nil {
		return g.Name
	}
	return ""
}

func isTextChannel(c *discordgo.Channel) bool {
	if c == nil || c.GuildID == "" {
		return false
	}
	return c.Type == discordgo.ChannelTypeGuildText || c.Type == discordgo.ChannelTypeGuildNews
}

func liveChannel(c *discordgo.Channel, guildName string) registry.LiveChannel {
	return registry.LiveChannel{
		ID:        c.ID,
		Name:      c.Name,
		GuildID:   c.GuildID,
		GuildName: guildName,
	}
}

// textChannels lists the guild's channels that can receive notifications.
func textChannels(g *discordgo.Guild) []registry.LiveChannel {
	var live []registry.LiveChannel
	for _, c := range g.Channels {
		if c.GuildID == "" {
			c = &discordgo.Channel{ID: c.ID, Name: c.Name, Type: c.Type, GuildID: g.ID}
		}
		if isTextChannel(c) {
			live = append(live, liveChannel(c, g.Name))
		}
	}
	return live
}

// stripPrefix reports whether content is a command and returns it without the
// prefix. The prefix is matched case-insensitively.
func stripPrefix(content, prefix string) (string, bool) {
	if len(content) < len(prefix) || !strings.EqualFold(content[:len(prefix)], prefix) {
		return "", false
	}
	line := strings.TrimSpace(content[len(prefix):])
	return line, line != ""
}
