package github

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	gh "github.com/google/go-github/v57/github"

	"github.com/user/gitrelay/pkg/logger"
)

// RepoSource lists the repositories that currently have subscribers.
type RepoSource interface {
	Repos() ([]string, error)
}

// Poller periodically reads the public events of subscribed repositories, for
// repositories whose webhooks cannot be configured.
type Poller struct {
	client   *Client
	repos    RepoSource
	queue    Enqueuer
	interval time.Duration

	mu     sync.Mutex
	cursor map[string]int64 // newest event id seen per repository

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a new repository poller.
func NewPoller(client *Client, repos RepoSource, queue Enqueuer, interval time.Duration) *Poller {
	if interval < time.Minute {
		interval = time.Minute // Minimum 1 minute to respect rate limits
	}
	return &Poller{
		client:   client,
		repos:    repos,
		queue:    queue,
		interval: interval,
		cursor:   make(map[string]int64),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.pollLoop()
	logger.Info().Dur("interval", p.interval).Msg("Poller started")
}

// Stop gracefully stops the poller.
func (p *Poller) Stop() {
	logger.Info().Msg("Stopping poller")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	// The first pass only records where each repository's feed stands.
	p.PollOnce(p.ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(p.ctx)
		}
	}
}

// PollOnce checks every subscribed repository once.
func (p *Poller) PollOnce(ctx context.Context) {
	repos, err := p.repos.Repos()
	if err != nil {
		logger.Warn().Err(err).Msg("Skipping poll, subscribed repos unavailable")
		return
	}

	logger.Debug().Int("count", len(repos)).Msg("Polling repositories")
	for _, repo := range repos {
		if ctx.Err() != nil {
			return
		}
		if err := p.pollRepo(ctx, repo); err != nil {
			logger.Debug().Err(err).Str("repo", repo).Msg("Failed to poll repository")
		}
	}
}

func (p *Poller) pollRepo(ctx context.Context, repo string) error {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	events, _, err := p.client.client.Activity.ListRepositoryEvents(ctx, owner, name, &gh.ListOptions{PerPage: 30})
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	fresh := p.advance(repo, events)
	for _, e := range fresh {
		event, err := FromAPIEvent(e)
		if err != nil {
			logger.Debug().Err(err).Str("repo", repo).Str("type", e.GetType()).Msg("Skipping polled event")
			continue
		}
		if err := p.queue.Enqueue(event); err != nil {
			logger.Warn().Err(err).Str("repo", repo).Str("event", event.Key()).Msg("Dropped polled event")
		}
	}
	return nil
}

// advance moves the repository's cursor and returns the unseen events, oldest
// first. Nothing is returned the first time a repository is seen.
func (p *Poller) advance(repo string, events []*gh.Event) []*gh.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	last, seen := p.cursor[repo]
	newest := last
	var fresh []*gh.Event
	for _, e := range events {
		id, err := strconv.ParseInt(e.GetID(), 10, 64)
		if err != nil {
			continue
		}
		newest = max(newest, id)
		if seen && id > last {
			fresh = append(fresh, e)
		}
	}
	p.cursor[repo] = newest

	slices.Reverse(fresh)
	return fresh
}

// FromAPIEvent converts an entry of the GitHub events API into an Event with the
// same shape a webhook delivery of that type would produce.
func FromAPIEvent(e *gh.Event) (*Event, error) {
	eventType := apiEventType(e.GetType())
	if eventType == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrInvalidInboundEvent)
	}

	var payload map[string]any
	if raw := e.GetRawPayload(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInboundEvent, err)
		}
	}
	if payload == nil {
		payload = make(map[string]any)
	}

	fullName := e.GetRepo().GetName()
	payload["repository"] = map[string]any{
		"full_name": fullName,
		"html_url":  "https://github.com/" + fullName,
	}
	if login := e.GetActor().GetLogin(); login != "" {
		payload["sender"] = map[string]any{"login": login}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return Normalize(eventType, "poll-"+e.GetID(), body)
}

// apiEventType maps "PullRequestEvent" to "pull_request".
func apiEventType(apiType string) string {
	name := strings.TrimSuffix(apiType, "Event")
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
