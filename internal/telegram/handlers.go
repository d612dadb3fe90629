package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/gitrelay/internal/command"
	"github.com/user/gitrelay/internal/registry"
	"github.com/user/gitrelay/pkg/logger"
)

// unsubscribePrefix marks inline keyboard callbacks that unsubscribe a repository.
const unsubscribePrefix = "unsub:"

// Handlers manages command handling for the bot.
type Handlers struct {
	api      *tgbotapi.BotAPI
	channels Channels
	commands *command.Handler
}

// NewHandlers creates a new handlers instance.
func NewHandlers(api *tgbotapi.BotAPI, channels Channels, commands *command.Handler) *Handlers {
	return &Handlers{
		api:      api,
		channels: channels,
		commands: commands,
	}
}

// HandleMessage runs commands and tracks chat renames.
func (h *Handlers) HandleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.NewChatTitle != "" {
		h.renameChat(ctx, msg.Chat)
		return
	}
	if !msg.IsCommand() {
		return
	}

	name := strings.ToLower(msg.Command())
	args := strings.Fields(msg.CommandArguments())

	reply := h.commands.Execute(ctx, liveChannel(msg.Chat), name, args)
	if reply == "" {
		return
	}

	out := tgbotapi.NewMessage(msg.Chat.ID, reply)
	out.DisableWebPagePreview = true
	if name == "list" || name == "conf" {
		if kb, ok := h.unsubscribeKeyboard(msg.Chat.ID); ok {
			out.ReplyMarkup = kb
		}
	}
	h.send(out)
}

// HandleCallback handles inline keyboard callbacks.
func (h *Handlers) HandleCallback(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	// Acknowledge the callback
	if _, err := h.api.Request(tgbotapi.NewCallback(callback.ID, "")); err != nil {
		logger.Warn().Err(err).Msg("Failed to answer callback")
	}
	if callback.Message == nil || !strings.HasPrefix(callback.Data, unsubscribePrefix) {
		return
	}

	repo := strings.TrimPrefix(callback.Data, unsubscribePrefix)
	reply := h.commands.Execute(ctx, liveChannel(callback.Message.Chat), "unsubscribe", []string{repo})
	h.send(tgbotapi.NewMessage(callback.Message.Chat.ID, reply))
}

// HandleMembership creates the chat's record when the bot joins and removes it
// when the bot leaves or is blocked.
func (h *Handlers) HandleMembership(ctx context.Context, update *tgbotapi.ChatMemberUpdated) {
	ch := liveChannel(&update.Chat)

	switch membershipChange(update) {
	case joined:
		_, err := h.channels.Create(ctx, ch)
		if err != nil && !errors.Is(err, registry.ErrDuplicateChannel) {
			logger.Error().Err(err).Str("channel_id", ch.ID).Msg("Failed to add channel config")
			return
		}
		logger.Info().Str("channel_id", ch.ID).Str("channel", ch.Name).Msg("Joined chat")
	case left:
		if err := h.channels.DeleteChannel(ctx, ch.ID); err != nil {
			logger.Error().Err(err).Str("channel_id", ch.ID).Msg("Failed to delete channel config")
			return
		}
		logger.Info().Str("channel_id", ch.ID).Msg("Left chat, channel config removed")
	}
}

func (h *Handlers) renameChat(ctx context.Context, chat *tgbotapi.Chat) {
	ch := liveChannel(chat)
	_, err := h.channels.SetProperty(ctx, ch.ID, registry.PropChannelName, ch.Name)
	if err != nil && !errors.Is(err, registry.ErrUnknownChannel) {
		logger.Error().Err(err).Str("channel_id", ch.ID).Msg("Failed to update chat title")
	}
}

// unsubscribeKeyboard offers one button per subscribed repository.
func (h *Handlers) unsubscribeKeyboard(chatID int64) (tgbotapi.InlineKeyboardMarkup, bool) {
	sub, err := h.channels.FindByChannel(strconv.FormatInt(chatID, 10))
	if err != nil || sub == nil || len(sub.Repos) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(sub.Repos))
	for _, repo := range sub.Repos {
		data := unsubscribePrefix + repo
		// Telegram limits callback data to 64 bytes.
		if len(data) > 64 {
			continue
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✖ "+repo, data),
		))
	}
	if len(rows) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}

func (h *Handlers) send(msg tgbotapi.MessageConfig) {
	if _, err := h.api.Send(msg); err != nil {
		logger.Error().Err(err).Int64("chat_id", msg.ChatID).Msg("Failed to send reply")
	}
}

type membership int

const (
	unchanged membership = iota
	joined
	left
)

func isMember(m tgbotapi.ChatMember) bool {
	switch m.Status {
	case "creator", "administrator", "member":
		return true
	case "restricted":
		return m.IsMember
	}
	return false
}

// membershipChange classifies an update of the bot's own chat membership.
func membershipChange(update *tgbotapi.ChatMemberUpdated) membership {
	was, is := isMember(update.OldChatMember), isMember(update.NewChatMember)
	switch {
	case !was && is:
		return joined
	case was && !is:
		return left
	}
	return unchanged
}

// liveChannel describes a chat the way the registry stores it.
func liveChannel(chat *tgbotapi.Chat) registry.LiveChannel {
	name := chat.Title
	if chat.IsPrivate() {
		name = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
		if chat.UserName != "" {
			name = "@" + chat.UserName
		}
	}
	// Telegram chats belong to no guild.
	return registry.LiveChannel{
		ID:   strconv.FormatInt(chat.ID, 10),
		Name: name,
	}
}
