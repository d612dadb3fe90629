// Package github normalizes GitHub webhook deliveries and talks to the GitHub API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// Client wraps the GitHub API client.
type Client struct {
	client *gh.Client
}

// NewClient creates a new GitHub API client.
// If token is empty, an unauthenticated client is created (with lower rate limits).
func NewClient(token string) *Client {
	var client *gh.Client

	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		tc := oauth2.NewClient(context.Background(), ts)
		client = gh.NewClient(tc)
	} else {
		client = gh.NewClient(nil)
	}

	return &Client{client: client}
}

// SplitRepo parses "owner/name".
func SplitRepo(fullName string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	owner, name = strings.TrimSpace(owner), strings.TrimSpace(name)
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository %q, expected owner/name", fullName)
	}
	return owner, name, nil
}

// ValidateRepository checks if a repository exists and is accessible.
func (c *Client) ValidateRepository(ctx context.Context, fullName string) (bool, error) {
	owner, name, err := SplitRepo(fullName)
	if err != nil {
		return false, err
	}

	_, resp, err := c.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		var rateErr *gh.RateLimitError
		if errors.As(err, &rateErr) {
			return false, fmt.Errorf("rate limit exceeded")
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to get repository: %w", err)
	}
	return true, nil
}

// RateLimit returns the core API quota.
func (c *Client) RateLimit(ctx context.Context) (remaining, limit int, reset time.Time, err error) {
	limits, _, err := c.client.RateLimit.Get(ctx)
	if err != nil {
		return 0, 0, time.Time{}, err
	}
	if limits == nil || limits.Core == nil {
		return 0, 0, time.Time{}, fmt.Errorf("no core rate limit in response")
	}
	return limits.Core.Remaining, limits.Core.Limit, limits.Core.Reset.Time, nil
}
