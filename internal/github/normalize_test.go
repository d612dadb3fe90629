package github

import (
	"encoding/json"
	"testing"

	gh "github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const repoJSON = `"repository": {"full_name": "Acme/Widgets", "html_url": "https://github.com/Acme/Widgets"},
	"sender": {"login": "alice"}`

func TestNormalizeRejectsMalformed(t *testing.T) {
	cases := map[string]struct {
		eventType string
		body      string
	}{
		"empty type":      {"", `{` + repoJSON + `}`},
		"no repository":   {"push", `{"ref": "refs/heads/main"}`},
		"empty full name": {"push", `{"repository": {"full_name": ""}}`},
		"not json":        {"push", `repository=acme`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ev, err := Normalize(tc.eventType, "d1", []byte(tc.body))
			assert.ErrorIs(t, err, ErrInvalidInboundEvent)
			assert.Nil(t, ev)
		})
	}
}

func TestNormalizePush(t *testing.T) {
	body := `{"ref": "refs/heads/main", "compare": "https://example.com/c", ` + repoJSON + `}`
	ev, err := Normalize("push", "d1", []byte(body))
	require.NoError(t, err)

	assert.Equal(t, "push", ev.Type)
	assert.Empty(t, ev.Subtype)
	assert.Equal(t, "acme/widgets", ev.RepoID)
	assert.Equal(t, "Acme/Widgets", ev.RepoName)
	assert.Equal(t, "alice", ev.ActorID)
	assert.Equal(t, "main", ev.BranchRef)
	assert.Equal(t, "d1", ev.DeliveryID)
	assert.Equal(t, "push", ev.Key())

	push, ok := ev.Payload.(*gh.PushEvent)
	require.True(t, ok)
	assert.Equal(t, "refs/heads/main", push.GetRef())
}

func TestNormalizeTagPushHasNoBranch(t *testing.T) {
	body := `{"ref": "refs/tags/v1.0.0", ` + repoJSON + `}`
	ev, err := Normalize("push", "", []byte(body))
	require.NoError(t, err)
	assert.Empty(t, ev.BranchRef)
}

func TestNormalizeRefEvents(t *testing.T) {
	for _, eventType := range []string{"create", "delete"} {
		body := `{"ref": "feature/x", "ref_type": "branch", ` + repoJSON + `}`
		ev, err := Normalize(eventType, "", []byte(body))
		require.NoError(t, err)
		assert.Equal(t, "branch", ev.Subtype)
		assert.Equal(t, "feature/x", ev.BranchRef)
		assert.Equal(t, eventType+"/branch", ev.Key())
	}

	body := `{"ref": "v2", "ref_type": "tag", ` + repoJSON + `}`
	ev, err := Normalize("create", "", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "tag", ev.Subtype)
	assert.Equal(t, "v2", ev.BranchRef)
}

func TestNormalizeAction(t *testing.T) {
	body := `{"action": "labeled", "number": 7, "pull_request": {"number": 7, "title": "x"}, ` + repoJSON + `}`
	ev, err := Normalize("pull_request", "", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "labeled", ev.Subtype)
	assert.Equal(t, "pull_request/labeled", ev.Key())
	assert.Empty(t, ev.BranchRef)

	_, ok := ev.Payload.(*gh.PullRequestEvent)
	assert.True(t, ok)
}

func TestNormalizeUnknownEventType(t *testing.T) {
	body := `{"action": "created", ` + repoJSON + `}`
	ev, err := Normalize("sponsorship_tier_changed", "", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "sponsorship_tier_changed", ev.Type)
	assert.Empty(t, ev.Subtype)
	assert.Equal(t, "acme/widgets", ev.RepoID)

	raw, ok := ev.Payload.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, body, string(raw))
}

func TestSplitRepo(t *testing.T) {
	owner, name, err := SplitRepo(" acme/widgets ")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", name)

	for _, bad := range []string{"", "acme", "acme/", "/widgets", "a/b/c"} {
		_, _, err := SplitRepo(bad)
		assert.Error(t, err, bad)
	}
}
