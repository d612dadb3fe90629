package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/slack-go/slack"

	"github.com/user/gitrelay/internal/command"
	"github.com/user/gitrelay/internal/registry"
	"github.com/user/gitrelay/pkg/logger"
)

const maxCommandBytes = 64 << 10

// Commands executes a parsed chat command.
type Commands interface {
	Execute(ctx context.Context, ch registry.LiveChannel, name string, args []string) string
}

// NewCommandHandler serves Slack slash commands. Requests are verified with the
// app's signing secret when one is configured.
func NewCommandHandler(signingSecret string, commands Commands) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBytes))
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}

		if signingSecret != "" {
			verifier, err := slack.NewSecretsVerifier(r.Header, signingSecret)
			if err == nil {
				_, err = verifier.Write(body)
			}
			if err == nil {
				err = verifier.Ensure()
			}
			if err != nil {
				logger.Warn().Err(err).Msg("Rejected slack command with invalid signature")
				http.Error(w, "Invalid signature", http.StatusUnauthorized)
				return
			}
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		cmd, err := slack.SlashCommandParse(r)
		if err != nil {
			http.Error(w, "Invalid command", http.StatusBadRequest)
			return
		}

		ch := registry.LiveChannel{
			ID:        cmd.ChannelID,
			Name:      cmd.ChannelName,
			GuildID:   cmd.TeamID,
			GuildName: cmd.TeamDomain,
		}
		name, args := command.Parse(cmd.Text)
		if name == "" {
			name = "help"
		}
		reply := commands.Execute(r.Context(), ch, name, args)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(slack.Msg{
			ResponseType: slack.ResponseTypeInChannel,
			Text:         reply,
		}); err != nil {
			logger.Error().Err(err).Msg("Failed to write slack command response")
		}
	}
}
