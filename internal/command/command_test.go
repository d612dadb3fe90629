package command

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gitrelay/internal/registry"
	"github.com/user/gitrelay/internal/storage"
)

type fakeGitHub struct {
	missing map[string]bool
	err     error
}

func (f *fakeGitHub) ValidateRepository(_ context.Context, fullName string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return !f.missing[fullName], nil
}

func (f *fakeGitHub) RateLimit(context.Context) (int, int, time.Time, error) {
	return 4999, 5000, time.Now().Add(time.Hour), nil
}

func newHandler(t *testing.T, gh GitHub) (*Handler, *registry.Registry) {
	t.Helper()
	db, err := storage.NewDatabase(storage.DriverSQLite, filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New(storage.NewChannelStore(db))
	require.NoError(t, reg.Load(context.Background()))
	return NewHandler(reg, gh, "/"), reg
}

var general = registry.LiveChannel{ID: "C1", Name: "general", GuildID: "G1", GuildName: "acme"}

func run(h *Handler, line string) string {
	name, args := Parse(line)
	return h.Execute(context.Background(), general, name, args)
}

func TestParse(t *testing.T) {
	name, args := Parse("  Subscribe   acme/widgets ")
	assert.Equal(t, "subscribe", name)
	assert.Equal(t, []string{"acme/widgets"}, args)

	name, args = Parse("")
	assert.Empty(t, name)
	assert.Nil(t, args)
}

func TestSubscribeCreatesChannelAndCanonicalizes(t *testing.T) {
	h, reg := newHandler(t, &fakeGitHub{})

	reply := run(h, "subscribe Acme/Widgets")
	assert.Contains(t, reply, "Subscribed to acme/widgets")

	sub, err := reg.FindByChannel("C1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, storage.StringList{"acme/widgets"}, sub.Repos)
	assert.Equal(t, "general", sub.ChannelName)
	assert.Equal(t, "acme", sub.GuildName)

	assert.Contains(t, run(h, "sub acme/widgets"), "already receives")
}

func TestSubscribeValidation(t *testing.T) {
	gh := &fakeGitHub{missing: map[string]bool{"acme/ghost": true}}
	h, reg := newHandler(t, gh)

	assert.Contains(t, run(h, "subscribe"), "Usage")
	assert.Contains(t, run(h, "subscribe not-a-repo"), "Invalid repository")
	assert.Contains(t, run(h, "subscribe acme/ghost"), "does not exist")

	gh.err = errors.New("network down")
	assert.Contains(t, run(h, "subscribe acme/widgets"), "Could not verify")

	subs, err := reg.FindByRepo("acme/widgets")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSubscribeWithoutGitHubClient(t *testing.T) {
	h, _ := newHandler(t, nil)
	assert.Contains(t, run(h, "subscribe acme/widgets"), "Subscribed")
}

func TestUnsubscribe(t *testing.T) {
	h, reg := newHandler(t, nil)

	assert.Contains(t, run(h, "unsubscribe acme/widgets"), "not subscribed")
	run(h, "subscribe acme/widgets")
	assert.Equal(t, "Unsubscribed from acme/widgets", run(h, "unsub ACME/widgets"))

	sub, err := reg.FindRepoInChannel("C1", "acme/widgets")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestFormat(t *testing.T) {
	h, reg := newHandler(t, nil)

	assert.Equal(t, "Events will be sent as embed", run(h, "format embed"))
	sub, _ := reg.FindByChannel("C1")
	assert.True(t, sub.Embed)

	assert.Equal(t, "Events will be sent as text", run(h, "format TEXT"))
	sub, _ = reg.FindByChannel("C1")
	assert.False(t, sub.Embed)

	assert.Contains(t, run(h, "format fancy"), "Usage")
}

func TestFilters(t *testing.T) {
	h, reg := newHandler(t, nil)

	assert.Equal(t, "Enabled status events", run(h, "enable status"))
	assert.Equal(t, "Disabled issues/opened events", run(h, "disable issues/opened"))
	assert.Equal(t, "Ignoring user dependabot", run(h, "ignoreuser dependabot"))
	assert.Equal(t, "Ignoring branch gh-pages", run(h, "ignorebranch gh-pages"))

	sub, err := reg.FindByChannel("C1")
	require.NoError(t, err)
	assert.False(t, sub.DisabledEvents.Contains("status"))
	assert.True(t, sub.DisabledEvents.Contains("issues/opened"))
	assert.Equal(t, storage.StringList{"dependabot"}, sub.IgnoredUsers)
	assert.Equal(t, storage.StringList{"gh-pages"}, sub.IgnoredBranches)

	assert.Equal(t, "No longer ignoring user dependabot", run(h, "unignoreuser dependabot"))
	assert.Equal(t, "No longer ignoring branch gh-pages", run(h, "unignorebranch gh-pages"))
	assert.Contains(t, run(h, "disable"), "exactly one event")

	sub, _ = reg.FindByChannel("C1")
	assert.Empty(t, sub.IgnoredUsers)
	assert.Empty(t, sub.IgnoredBranches)
}

func TestList(t *testing.T) {
	h, _ := newHandler(t, nil)

	assert.Contains(t, run(h, "list"), "No repositories yet")

	run(h, "subscribe acme/widgets")
	run(h, "ignoreuser bot")
	reply := run(h, "list")
	assert.Contains(t, reply, "acme/widgets")
	assert.Contains(t, reply, "Format: text")
	assert.Contains(t, reply, "Ignored users: bot")
	assert.Contains(t, reply, "Ignored branches: none")
}

func TestStatusAndHelp(t *testing.T) {
	h, _ := newHandler(t, &fakeGitHub{})
	run(h, "subscribe acme/widgets")

	status := run(h, "status")
	assert.Contains(t, status, "Channels: 1 (1 subscribed)")
	assert.Contains(t, status, "Repositories: 1")
	assert.Contains(t, status, "GitHub API: 4999/5000")

	assert.Contains(t, run(h, "help"), "/subscribe <owner/repo>")
	assert.Contains(t, run(h, "frobnicate"), "Unknown command")
}

func TestCommandsBeforeLoad(t *testing.T) {
	db, err := storage.NewDatabase(storage.DriverSQLite, filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := NewHandler(registry.New(storage.NewChannelStore(db)), nil, "/")
	assert.Contains(t, run(h, "subscribe acme/widgets"), "Still starting up")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", formatDuration(45*time.Second))
	assert.Equal(t, "2m 5s", formatDuration(125*time.Second))
	assert.Equal(t, "3h 0m", formatDuration(3*time.Hour))
	assert.Equal(t, "1d 1h 0m", formatDuration(25*time.Hour))
}
