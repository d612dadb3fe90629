// Package slack delivers notifications to Slack channels and serves the slash
// command used to administer them.
package slack

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/user/gitrelay/internal/registry"
	"github.com/user/gitrelay/internal/render"
	"github.com/user/gitrelay/pkg/logger"
)

// Bot posts messages with a Slack bot token.
type Bot struct {
	api *slack.Client
}

// NewBot creates a Slack client and checks the token.
func NewBot(ctx context.Context, token string, debug bool, opts ...slack.Option) (*Bot, error) {
	api := slack.New(token, append([]slack.Option{slack.OptionDebug(debug)}, opts...)...)

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate slack bot: %w", err)
	}
	logger.Info().Str("team", auth.Team).Str("user", auth.User).Msg("Slack bot authorized")

	return &Bot{api: api}, nil
}

// Start is a no-op: commands arrive over HTTP.
func (b *Bot) Start() error { return nil }

// Stop is a no-op.
func (b *Bot) Stop() {}

// Send delivers a rendered notification to a channel.
func (b *Bot) Send(ctx context.Context, channelID string, msg render.Message) error {
	opts := []slack.MsgOption{slack.MsgOptionDisableLinkUnfurl()}
	if msg.Embed != nil {
		opts = append(opts,
			slack.MsgOptionText(msg.Embed.Title, false),
			slack.MsgOptionAttachments(toAttachment(msg.Embed)),
		)
	} else {
		opts = append(opts, slack.MsgOptionText(msg.Text, false))
	}

	if _, _, err := b.api.PostMessageContext(ctx, channelID, opts...); err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// LiveChannels lists the channels the bot is a member of.
func (b *Bot) LiveChannels(ctx context.Context) ([]registry.LiveChannel, error) {
	params := &slack.GetConversationsParameters{
		Types:           []string{"public_channel", "private_channel"},
		ExcludeArchived: true,
		Limit:           200,
	}

	var live []registry.LiveChannel
	for {
		channels, cursor, err := b.api.GetConversationsContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list slack channels: %w", err)
		}
		for _, c := range channels {
			if !c.IsMember {
				continue
			}
			live = append(live, registry.LiveChannel{ID: c.ID, Name: c.Name})
		}
		if cursor == "" {
			return live, nil
		}
		params.Cursor = cursor
	}
}

func toAttachment(e *render.Embed) slack.Attachment {
	return slack.Attachment{
		Color:      fmt.Sprintf("#%06x", e.Color),
		Fallback:   e.Plain(),
		Title:      e.Title,
		TitleLink:  e.URL,
		Text:       e.Description,
		AuthorName: e.Author,
		AuthorLink: e.AuthorURL,
		Footer:     e.Footer,
	}
}
