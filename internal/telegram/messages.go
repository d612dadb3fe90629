package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/gitrelay/internal/render"
)

// buildMessage turns a rendered notification into a Telegram message. Cards are
// sent as HTML, plain text is sent as is.
func buildMessage(chatID int64, msg render.Message) tgbotapi.MessageConfig {
	if msg.Embed == nil {
		out := tgbotapi.NewMessage(chatID, msg.Text)
		out.DisableWebPagePreview = true
		return out
	}

	out := tgbotapi.NewMessage(chatID, formatEmbed(msg.Embed))
	out.ParseMode = tgbotapi.ModeHTML
	out.DisableWebPagePreview = true
	return out
}

// formatEmbed renders a card with Telegram's HTML subset.
func formatEmbed(e *render.Embed) string {
	var b strings.Builder

	if e.URL != "" {
		fmt.Fprintf(&b, "<b>%s</b>", FormatLink(e.Title, e.URL))
	} else {
		fmt.Fprintf(&b, "<b>%s</b>", escape(e.Title))
	}

	if e.Author != "" {
		b.WriteString("\n👤 ")
		b.WriteString(FormatLink(e.Author, e.AuthorURL))
	}
	if e.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(escape(e.Description))
	}
	if e.Footer != "" {
		fmt.Fprintf(&b, "\n\n<i>%s</i>", escape(e.Footer))
	}
	return b.String()
}

// FormatLink creates an HTML link, or escaped text when url is empty.
func FormatLink(text, url string) string {
	if url == "" {
		return escape(text)
	}
	return fmt.Sprintf(`<a href="%s">%s</a>`, escape(url), escape(text))
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeHTML, s)
}
