// Package telegram provides Telegram bot functionality.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/gitrelay/internal/command"
	"github.com/user/gitrelay/internal/registry"
	"github.com/user/gitrelay/internal/render"
	"github.com/user/gitrelay/internal/storage"
	"github.com/user/gitrelay/pkg/logger"
)

// Channels is the part of the registry the bot keeps in sync with chat membership.
type Channels interface {
	FindByChannel(channelID string) (*storage.ChannelSubscription, error)
	Create(ctx context.Context, ch registry.LiveChannel) (storage.ChannelSubscription, error)
	SetProperty(ctx context.Context, channelID, prop string, value any) (storage.ChannelSubscription, error)
	DeleteChannel(ctx context.Context, channelID string) error
}

// Bot represents the Telegram bot.
type Bot struct {
	api      *tgbotapi.BotAPI
	handlers *Handlers
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewBot creates a new Telegram bot instance.
func NewBot(token string, debug bool, channels Channels, commands *command.Handler) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	api.Debug = debug

	logger.Info().Str("username", api.Self.UserName).Msg("Telegram bot authorized")

	ctx, cancel := context.WithCancel(context.Background())

	return &Bot{
		api:      api,
		handlers: NewHandlers(api, channels, commands),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins listening for updates.
func (b *Bot) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message", "callback_query", "my_chat_member"}

	updates := b.api.GetUpdatesChan(u)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				b.handleUpdate(update)
			}
		}
	}()

	logger.Info().Msg("Telegram bot started, listening for updates")
	return nil
}

// Stop gracefully stops the bot.
func (b *Bot) Stop() {
	logger.Info().Msg("Stopping Telegram bot")
	b.cancel()
	b.api.StopReceivingUpdates()
	b.wg.Wait()
}

func (b *Bot) handleUpdate(update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		b.handlers.HandleMessage(b.ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handlers.HandleCallback(b.ctx, update.CallbackQuery)
	case update.MyChatMember != nil:
		b.handlers.HandleMembership(b.ctx, update.MyChatMember)
	}
}

// Send delivers a rendered notification to a chat. channelID is the decimal chat id.
func (b *Bot) Send(ctx context.Context, channelID string, msg render.Message) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", channelID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := b.api.Send(buildMessage(chatID, msg)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
