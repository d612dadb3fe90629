// Package render turns normalized events into chat messages.
//
// Each event type maps to a describe function producing a card; the card knows
// how to present itself as a rich embed or as plain text. Types without an entry
// get a generic one-liner.
package render

import (
	"fmt"
	"strings"

	"github.com/user/gitrelay/internal/github"
	"github.com/user/gitrelay/internal/storage"
)

// Message is what a transport sends. Exactly one of Embed and Text is set.
type Message struct {
	Embed *Embed
	Text  string
}

// Embed is a platform-neutral rich card.
type Embed struct {
	Title       string
	URL         string
	Description string
	Color       int
	Author      string
	AuthorURL   string
	Footer      string
}

// Plain returns a text rendition of the embed for transports without rich cards.
func (e *Embed) Plain() string {
	var b strings.Builder
	b.WriteString(e.Title)
	if e.Description != "" {
		b.WriteString("\n")
		b.WriteString(e.Description)
	}
	if e.URL != "" {
		b.WriteString("\n")
		b.WriteString(e.URL)
	}
	return b.String()
}

// card is the format-independent description of an event.
type card struct {
	title string
	url   string
	lines []string
	color int
	emoji string
}

func (c card) embed(ev *github.Event) *Embed {
	e := &Embed{
		Title:       fmt.Sprintf("[%s] %s", ev.RepoName, c.title),
		URL:         c.url,
		Description: strings.Join(c.lines, "\n"),
		Color:       c.color,
		Footer:      ev.RepoName,
	}
	if ev.ActorID != "" {
		e.Author = ev.ActorID
		e.AuthorURL = "https://github.com/" + ev.ActorID
	}
	return e
}

func (c card) text(ev *github.Event) string {
	var b strings.Builder
	if c.emoji != "" {
		b.WriteString(c.emoji)
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "[%s] ", ev.RepoName)
	if ev.ActorID != "" {
		b.WriteString(ev.ActorID)
		b.WriteString(": ")
	}
	b.WriteString(c.title)
	for _, line := range c.lines {
		b.WriteString("\n")
		b.WriteString(line)
	}
	if c.url != "" {
		b.WriteString("\n")
		b.WriteString(c.url)
	}
	return b.String()
}

// describeFunc builds a card; ok is false when the payload is not the expected type.
type describeFunc func(ev *github.Event) (c card, ok bool)

var describers = map[string]describeFunc{
	github.EventPush:         describePush,
	github.EventRelease:      describeRelease,
	github.EventIssues:       describeIssues,
	github.EventIssueComment: describeIssueComment,
	github.EventPullRequest:  describePullRequest,
	github.EventWatch:        describeWatch,
	github.EventFork:         describeFork,
	github.EventCreate:       describeRef,
	github.EventDelete:       describeRef,
	github.EventPing:         describePing,
	github.EventRepository:   describeRepository,
	github.EventMember:       describeMember,
	github.EventStatus:       describeStatus,
	github.EventGollum:       describeGollum,
}

// Render builds the message for one delivery target.
func Render(ev *github.Event, format storage.Format) Message {
	c := describe(ev)
	if format == storage.FormatEmbed {
		return Message{Embed: c.embed(ev)}
	}
	return Message{Text: c.text(ev)}
}

func describe(ev *github.Event) card {
	if fn, ok := describers[ev.Type]; ok {
		if c, ok := fn(ev); ok {
			return c
		}
	}
	return describeGeneric(ev)
}

func describeGeneric(ev *github.Event) card {
	return card{
		title: fmt.Sprintf("%s event", ev.Key()),
		url:   ev.RepoURL,
		color: colorNeutral,
		emoji: "📣",
	}
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
