package github

import "strings"

// Recognised webhook event types.
const (
	EventPush         = "push"
	EventRelease      = "release"
	EventIssues       = "issues"
	EventIssueComment = "issue_comment"
	EventPullRequest  = "pull_request"
	EventWatch        = "watch"
	EventFork         = "fork"
	EventCreate       = "create"
	EventDelete       = "delete"
	EventPing         = "ping"
	EventRepository   = "repository"
	EventMember       = "member"
	EventStatus       = "status"
	EventGollum       = "gollum"
)

var knownEvents = map[string]struct{}{
	EventPush:         {},
	EventRelease:      {},
	EventIssues:       {},
	EventIssueComment: {},
	EventPullRequest:  {},
	EventWatch:        {},
	EventFork:         {},
	EventCreate:       {},
	EventDelete:       {},
	EventPing:         {},
	EventRepository:   {},
	EventMember:       {},
	EventStatus:       {},
	EventGollum:       {},
}

// IsKnownEvent reports whether eventType is one of the recognised webhook events.
func IsKnownEvent(eventType string) bool {
	_, ok := knownEvents[eventType]
	return ok
}

// Event is a normalized webhook delivery. It is not modified after Normalize returns.
type Event struct {
	Type       string // push, pull_request, ...
	Subtype    string // action, or ref kind for create/delete; empty if none
	RepoID     string // lowercase owner/name
	RepoName   string // owner/name as sent
	RepoURL    string
	ActorID    string // sender login
	BranchRef  string // branch or tag name for ref-scoped events
	DeliveryID string

	// Payload is the go-github event struct (*github.PushEvent, ...) for recognised
	// types and the raw json.RawMessage otherwise.
	Payload any
}

// Key returns "type" or "type/subtype", the form used by disabled-event filters.
func (e *Event) Key() string {
	if e.Subtype == "" {
		return e.Type
	}
	return e.Type + "/" + e.Subtype
}

// branchFromRef turns "refs/heads/main" into "main". Tag refs yield "".
func branchFromRef(ref string) string {
	if branch, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		return branch
	}
	if strings.HasPrefix(ref, "refs/") {
		return ""
	}
	return ref
}
