// Package command implements the chat administration commands shared by every
// chat platform: subscribing channels to repositories and editing their filters.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/user/gitrelay/internal/github"
	"github.com/user/gitrelay/internal/registry"
	"github.com/user/gitrelay/internal/storage"
	"github.com/user/gitrelay/pkg/logger"
)

// Registry is the part of the subscription registry the commands use.
type Registry interface {
	FindByChannel(channelID string) (*storage.ChannelSubscription, error)
	FindRepoInChannel(channelID, repo string) (*storage.ChannelSubscription, error)
	List() ([]storage.ChannelSubscription, error)
	Create(ctx context.Context, ch registry.LiveChannel) (storage.ChannelSubscription, error)
	SetProperty(ctx context.Context, channelID, prop string, value any) (storage.ChannelSubscription, error)
	AddRepoToChannel(ctx context.Context, channelID, repo string) (storage.ChannelSubscription, error)
	DeleteRepoFromChannel(ctx context.Context, channelID, repo string) (storage.ChannelSubscription, error)
	AddListEntry(ctx context.Context, channelID, prop, value string) (storage.ChannelSubscription, error)
	RemoveListEntry(ctx context.Context, channelID, prop, value string) (storage.ChannelSubscription, error)
}

// GitHub validates repositories and reports API quota. It may be nil.
type GitHub interface {
	ValidateRepository(ctx context.Context, fullName string) (bool, error)
	RateLimit(ctx context.Context) (remaining, limit int, reset time.Time, err error)
}

// Handler executes commands for a channel.
type Handler struct {
	reg       Registry
	gh        GitHub
	prefix    string
	startTime time.Time
}

// NewHandler creates a command handler. prefix is only used in help texts.
func NewHandler(reg Registry, gh GitHub, prefix string) *Handler {
	return &Handler{
		reg:       reg,
		gh:        gh,
		prefix:    prefix,
		startTime: time.Now(),
	}
}

// Parse splits "name arg1 arg2" into the lowercase command name and its arguments.
func Parse(line string) (name string, args []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// Execute runs one command in ch and returns the reply text. An empty reply means
// the command is not ours and nothing should be sent.
func (h *Handler) Execute(ctx context.Context, ch registry.LiveChannel, name string, args []string) string {
	logger.Debug().
		Str("command", name).
		Strs("args", args).
		Str("channel_id", ch.ID).
		Msg("Received command")

	switch name {
	case "help", "start":
		return h.help()
	case "status":
		return h.status(ctx)
	}

	// Every other command needs the channel's record; create it on first contact.
	if _, err := h.ensureChannel(ctx, ch); err != nil {
		return h.failure("load channel settings", ch.ID, err)
	}

	switch name {
	case "list", "conf":
		return h.list(ch.ID)
	case "subscribe", "sub":
		return h.subscribe(ctx, ch.ID, args)
	case "unsubscribe", "unsub":
		return h.unsubscribe(ctx, ch.ID, args)
	case "format":
		return h.format(ctx, ch.ID, args)
	case "disable":
		return h.toggle(ctx, ch.ID, registry.PropDisabledEvents, true, args, "event")
	case "enable":
		return h.toggle(ctx, ch.ID, registry.PropDisabledEvents, false, args, "event")
	case "ignoreuser":
		return h.toggle(ctx, ch.ID, registry.PropIgnoredUsers, true, args, "user")
	case "unignoreuser":
		return h.toggle(ctx, ch.ID, registry.PropIgnoredUsers, false, args, "user")
	case "ignorebranch":
		return h.toggle(ctx, ch.ID, registry.PropIgnoredBranches, true, args, "branch")
	case "unignorebranch":
		return h.toggle(ctx, ch.ID, registry.PropIgnoredBranches, false, args, "branch")
	default:
		return fmt.Sprintf("Unknown command. Use %shelp to see available commands.", h.prefix)
	}
}

// ensureChannel returns the channel's record, creating a default one if needed.
func (h *Handler) ensureChannel(ctx context.Context, ch registry.LiveChannel) (*storage.ChannelSubscription, error) {
	sub, err := h.reg.FindByChannel(ch.ID)
	if err != nil || sub != nil {
		return sub, err
	}

	created, err := h.reg.Create(ctx, ch)
	if errors.Is(err, registry.ErrDuplicateChannel) {
		return h.reg.FindByChannel(ch.ID)
	}
	if err != nil {
		return nil, err
	}
	logger.Info().Str("channel_id", ch.ID).Str("channel", ch.Name).Msg("Added channel config")
	return &created, nil
}

func (h *Handler) help() string {
	p := h.prefix
	return strings.Join([]string{
		"GitHub notifications for this channel",
		"",
		p + "subscribe <owner/repo>     subscribe to a repository",
		p + "unsubscribe <owner/repo>   stop receiving a repository",
		p + "list                       show this channel's settings",
		p + "format <embed|text>        choose rich cards or plain text",
		p + "disable <event[/action]>   mute an event, e.g. pull_request/labeled",
		p + "enable <event[/action]>    unmute an event",
		p + "ignoreuser <login>         mute a GitHub user",
		p + "unignoreuser <login>",
		p + "ignorebranch <branch>      mute a branch",
		p + "unignorebranch <branch>",
		p + "status                     bot status",
	}, "\n")
}

func (h *Handler) status(ctx context.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s\n", formatDuration(time.Since(h.startTime)))

	if subs, err := h.reg.List(); err != nil {
		b.WriteString("Channels: registry not ready\n")
	} else {
		repos := make(map[string]struct{})
		active := 0
		for _, sub := range subs {
			if len(sub.Repos) > 0 {
				active++
			}
			for _, r := range sub.Repos {
				repos[r] = struct{}{}
			}
		}
		fmt.Fprintf(&b, "Channels: %d (%d subscribed)\nRepositories: %d\n", len(subs), active, len(repos))
	}

	if h.gh != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if remaining, limit, reset, err := h.gh.RateLimit(ctx); err == nil {
			fmt.Fprintf(&b, "GitHub API: %d/%d (resets in %s)\n", remaining, limit, formatDuration(time.Until(reset)))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) list(channelID string) string {
	sub, err := h.reg.FindByChannel(channelID)
	if err != nil || sub == nil {
		return h.failure("load channel settings", channelID, err)
	}

	var b strings.Builder
	if len(sub.Repos) == 0 {
		fmt.Fprintf(&b, "No repositories yet. Use %ssubscribe owner/repo\n", h.prefix)
	} else {
		fmt.Fprintf(&b, "Repositories (%d):\n", len(sub.Repos))
		for _, r := range sub.Repos {
			fmt.Fprintf(&b, "  • %s\n", r)
		}
	}
	fmt.Fprintf(&b, "Format: %s\n", sub.Format())
	fmt.Fprintf(&b, "Disabled events: %s\n", joinOrNone(sub.DisabledEvents))
	fmt.Fprintf(&b, "Ignored users: %s\n", joinOrNone(sub.IgnoredUsers))
	fmt.Fprintf(&b, "Ignored branches: %s", joinOrNone(sub.IgnoredBranches))
	return b.String()
}

func (h *Handler) subscribe(ctx context.Context, channelID string, args []string) string {
	if len(args) != 1 {
		return fmt.Sprintf("Usage: %ssubscribe owner/repo", h.prefix)
	}
	if _, _, err := github.SplitRepo(args[0]); err != nil {
		return "Invalid repository, use owner/repo"
	}
	repo := registry.CanonicalRepo(args[0])

	existing, err := h.reg.FindRepoInChannel(channelID, repo)
	if err != nil {
		return h.failure("load channel settings", channelID, err)
	}
	if existing != nil {
		return fmt.Sprintf("This channel already receives events from %s", repo)
	}

	if h.gh != nil {
		vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		exists, err := h.gh.ValidateRepository(vctx, repo)
		if err != nil {
			logger.Error().Err(err).Str("repo", repo).Msg("Failed to validate repository")
			return "Could not verify the repository right now, please try again later"
		}
		if !exists {
			return fmt.Sprintf("Repository %s does not exist or is not accessible", repo)
		}
	}

	if _, err := h.reg.AddRepoToChannel(ctx, channelID, repo); err != nil {
		return h.failure("subscribe", channelID, err)
	}
	return fmt.Sprintf("Subscribed to %s. Point the repository's webhook at this bot to start receiving events.", repo)
}

func (h *Handler) unsubscribe(ctx context.Context, channelID string, args []string) string {
	if len(args) != 1 {
		return fmt.Sprintf("Usage: %sunsubscribe owner/repo", h.prefix)
	}
	repo := registry.CanonicalRepo(args[0])

	existing, err := h.reg.FindRepoInChannel(channelID, repo)
	if err != nil {
		return h.failure("load channel settings", channelID, err)
	}
	if existing == nil {
		return fmt.Sprintf("This channel is not subscribed to %s", repo)
	}

	if _, err := h.reg.DeleteRepoFromChannel(ctx, channelID, repo); err != nil {
		return h.failure("unsubscribe", channelID, err)
	}
	return fmt.Sprintf("Unsubscribed from %s", repo)
}

func (h *Handler) format(ctx context.Context, channelID string, args []string) string {
	if len(args) != 1 {
		return fmt.Sprintf("Usage: %sformat embed|text", h.prefix)
	}

	var embed bool
	switch strings.ToLower(args[0]) {
	case "embed", "card", "rich":
		embed = true
	case "text", "plain":
		embed = false
	default:
		return fmt.Sprintf("Usage: %sformat embed|text", h.prefix)
	}

	sub, err := h.reg.SetProperty(ctx, channelID, registry.PropEmbed, embed)
	if err != nil {
		return h.failure("change format", channelID, err)
	}
	return fmt.Sprintf("Events will be sent as %s", sub.Format())
}

// toggle adds or removes one entry in a list property.
func (h *Handler) toggle(ctx context.Context, channelID, prop string, add bool, args []string, noun string) string {
	if len(args) != 1 {
		return fmt.Sprintf("Please give exactly one %s", noun)
	}
	value := args[0]

	var err error
	if add {
		_, err = h.reg.AddListEntry(ctx, channelID, prop, value)
	} else {
		_, err = h.reg.RemoveListEntry(ctx, channelID, prop, value)
	}
	if err != nil {
		return h.failure("update "+noun+" filter", channelID, err)
	}

	switch {
	case prop == registry.PropDisabledEvents && add:
		return fmt.Sprintf("Disabled %s events", value)
	case prop == registry.PropDisabledEvents:
		return fmt.Sprintf("Enabled %s events", value)
	case add:
		return fmt.Sprintf("Ignoring %s %s", noun, value)
	default:
		return fmt.Sprintf("No longer ignoring %s %s", noun, value)
	}
}

// failure logs err and turns it into a reply for the user.
func (h *Handler) failure(action, channelID string, err error) string {
	if err == nil {
		err = registry.ErrUnknownChannel
	}
	logger.Error().Err(err).Str("channel_id", channelID).Msgf("Failed to %s", action)

	switch {
	case errors.Is(err, registry.ErrRegistryNotReady):
		return "Still starting up, please try again in a moment"
	case errors.Is(err, registry.ErrStoreWrite), errors.Is(err, registry.ErrInconsistent):
		return fmt.Sprintf("Failed to %s: settings could not be saved, please try again", action)
	case errors.Is(err, registry.ErrInvalidProperty):
		return fmt.Sprintf("Failed to %s: invalid value", action)
	default:
		return fmt.Sprintf("Failed to %s", action)
	}
}

func joinOrNone(list storage.StringList) string {
	if len(list) == 0 {
		return "none"
	}
	return strings.Join(list, ", ")
}

// formatDuration formats a duration to a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
