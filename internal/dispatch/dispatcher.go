// Package dispatch decides which channels receive an event and in which format.
package dispatch

import (
	"github.com/user/gitrelay/internal/github"
	"github.com/user/gitrelay/internal/storage"
)

// Lookup finds the channels subscribed to a repository.
type Lookup interface {
	FindByRepo(repo string) ([]storage.ChannelSubscription, error)
}

// Target is one delivery: a channel and the format it wants.
type Target struct {
	ChannelID string
	Format    storage.Format
}

// Dispatcher applies channel filters to events.
type Dispatcher struct {
	lookup Lookup
}

// New creates a dispatcher reading subscriptions from lookup.
func New(lookup Lookup) *Dispatcher {
	return &Dispatcher{lookup: lookup}
}

// Route returns the delivery targets for event. Channels are dropped whole when
// the event's type or type/subtype is disabled, its actor is ignored, or its
// branch is ignored. The result follows the lookup's order and holds each
// channel at most once. No subscribers yields an empty result, not an error.
func (d *Dispatcher) Route(event *github.Event) ([]Target, error) {
	candidates, err := d.lookup.FindByRepo(event.RepoID)
	if err != nil {
		return nil, err
	}

	targets := make([]Target, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, sub := range candidates {
		if _, dup := seen[sub.ChannelID]; dup {
			continue
		}
		seen[sub.ChannelID] = struct{}{}

		if Suppressed(sub, event) {
			continue
		}
		targets = append(targets, Target{ChannelID: sub.ChannelID, Format: sub.Format()})
	}
	return targets, nil
}

// Suppressed reports whether sub filters out event.
func Suppressed(sub storage.ChannelSubscription, event *github.Event) bool {
	if sub.DisabledEvents.Contains(event.Type) {
		return true
	}
	if event.Subtype != "" && sub.DisabledEvents.Contains(event.Type+"/"+event.Subtype) {
		return true
	}
	if event.ActorID != "" && sub.IgnoredUsers.Contains(event.ActorID) {
		return true
	}
	if event.BranchRef != "" && sub.IgnoredBranches.Contains(event.BranchRef) {
		return true
	}
	return false
}
