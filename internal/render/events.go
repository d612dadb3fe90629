package render

import (
	"fmt"
	"strings"

	gh "github.com/google/go-github/v57/github"

	"github.com/user/gitrelay/internal/github"
)

const (
	colorNeutral = 0x586069
	colorGreen   = 0x2CBE4E
	colorRed     = 0xCB2431
	colorPurple  = 0x6F42C1
	colorOrange  = 0xFF9900
	colorBlue    = 0x0366D6
	colorYellow  = 0xFFD33D

	maxCommitLines = 5
	maxBodyLength  = 300
)

func describePush(ev *github.Event) (card, bool) {
	e, ok := ev.Payload.(*gh.PushEvent)
	if !ok {
		return card{}, false
	}

	ref := ev.BranchRef
	if ref == "" {
		ref = strings.TrimPrefix(e.GetRef(), "refs/tags/")
	}

	n := len(e.Commits)
	c := card{
		title: fmt.Sprintf("pushed %d %s to %s", n, plural(n, "commit", "commits"), ref),
		url:   e.GetCompare(),
		color: colorBlue,
		emoji: "⚡",
	}
	if e.GetForced() {
		c.title = "force-" + c.title
		c.color = colorRed
	}

	for i, commit := range e.Commits {
		if i == maxCommitLines {
			c.lines = append(c.lines, fmt.Sprintf("...and %d more", n-maxCommitLines))
			break
		}
		sha := commit.GetID()
		if len(sha) > 7 {
			sha = sha[:7]
		}
		c.lines = append(c.lines, fmt.Sprintf("%s %s - %s",
			sha, truncate(firstLine(commit.GetMessage()), 60), commit.GetAuthor().GetName()))
	}
	return c, true
}

func describeRelease(ev *github.Event) (card, bool) {
	e, ok := ev.Payload.(*gh.ReleaseEvent)
	if !ok {
		return card{}, false
	}
	rel := e.GetRelease()

	name := rel.GetName()
	if name == "" {
		name = rel.GetTagName()
	}
	c := card{
		title: fmt.Sprintf("release %s: %s", e.GetAction(), name),
		url:   rel.GetHTMLURL(),
		color: colorGreen,
		emoji: "🎉",
	}
	if rel.GetPrerelease() {
		c.emoji = "🧪"
		c.title = "pre-" + c.title
	}
	if body := rel.GetBody(); body != "" {
		c.lines = append(c.lines, truncate(body, maxBodyLength))
	}
	return c, true
}

func describeIssues(ev *github.Event) (card, bool) {
	e, ok := ev.Payload.(*gh.IssuesEvent)
	if !ok {
		return card{}, false
	}
	issue := e.GetIssue()

	c := card{
		title: fmt.Sprintf("%s issue #%d: %s", e.GetAction(), issue.GetNumber(), issue.GetTitle()),
		url:   issue.GetHTMLURL(),
		color: colorOrange,
		emoji: "📝",
	}
	switch e.GetAction() {
	case "opened", "reopened":
		if body := issue.GetBody(); body != "" {
			c.lines = append(c.lines, truncate(body, maxBodyLength))
		}
	case "closed":
		c.color = colorRed
		c.emoji = "✅"
	case "assigned", "unassigned":
		c.title = fmt.Sprintf("%s %s on issue #%d: %s",
			e.GetAction(), e.GetAssignee().GetLogin(), issue.GetNumber(), issue.GetTitle())
	case "labeled", "unlabeled":
		c.title = fmt.Sprintf("%s issue #%d with %q: %s",
			e.GetAction(), issue.GetNumber(), e.GetLabel().GetName(), issue.GetTitle())
	}
	return c, true
}

func describeIssueComment(ev *github.Event) (card, bool) {
	e, ok := ev.Payload.(*gh.IssueCommentEvent)
	if !ok {
		return card{}, false
	}
	issue := e.GetIssue()

	kind := "issue"
	if issue.IsPullRequest() {
		kind = "pull request"
	}
	c := card{
		title: fmt.Sprintf("%s comment on %s #%d: %s", e.GetAction(), kind, issue.GetNumber(), issue.GetTitle()),
		url:   e.GetComment().GetHTMLURL(),
		color: colorNeutral,
		emoji: "💬",
	}
	if body := e.GetComment().GetBody(); body != "" && e.GetAction() != "deleted" {
		c.lines = append(c.lines, truncate(body, maxBodyLength))
	}
	return c, true
}

func describePullRequest(ev *github.Event) (card, bool) {
	e, ok := ev.Payload.(*gh.PullRequestEvent)
	if !ok {
		return card{}, false
	}
	pr := e.GetPullRequest()

	action := e.GetAction()
	c := card{
		url:   pr.GetHTMLURL(),
		color: colorGreen,
		emoji: "🔀",
	}
	switch {
	case action == "closed" && pr.GetMerged():
		action = "merged"
		c.color = colorPurple
		c.emoji = "🎊"
	case action == "closed":
		c.color = colorRed
		c.emoji = "❌"
	case action == "synchronize":
		action = "updated"
		c.color = colorBlue
	}
	c.title = fmt.Sprintf("%s pull request #%d: %s", action, pr.GetNumber(), pr.GetTitle())
	c.lines = append(c.lines, fmt.Sprintf("%s → %s", pr.GetHead().GetRef(), pr.GetBase().GetRef()))
	if action == "opened" {
		if body := pr.GetBody(); body != "" {
			c.lines = append(c.lines, truncate(body, maxBodyLength))
		}
	}
	return c, true
}

func describeWatch(ev *github.Event) (card, bool) {
	if _, ok := ev.Payload.(*gh.WatchEvent); !ok {
		return card{}, false
	}
	return card{
		title: "starred the repository",
		url:   ev.RepoURL,
		color: colorYellow,
		emoji: "⭐",
	}, true
}

func describeFork(ev *github.Event) (card, bool) {
	e, ok := ev.Payload.(*gh.ForkEvent)
	if !ok {
		return card{}, false
	}
	return card{
		title: fmt.Sprintf("forked to %s", e.GetForkee().GetFullName()),
		url:   e.GetForkee().GetHTMLURL(),
		color: colorNeutral,
		emoji: "🍴",
	}, true
}

// describeRef covers both create and delete; the payloads only differ in type.
func describeRef(ev *github.Event) (card, bool) {
	switch ev.Payload.(type) {
	case *gh.CreateEvent, *gh.DeleteEvent:
	default:
		return card{}, false
	}

	verb, color := "created", colorGreen
	if ev.Type == github.EventDelete {
		verb, color = "deleted", colorOrange
	}
	return card{
		title: fmt.Sprintf("%s %s %s", verb, ev.Subtype, ev.BranchRef),
		url:   ev.RepoURL,
		color: color,
		emoji: "🌲",
	}, true
}

func describePing(ev *github.Event) (card, bool) {
	e, ok := ev.Payload.(*gh.PingEvent)
	if !ok {
		return card{}, false
	}
	c := card{
		title: "webhook connected",
		url:   ev.RepoURL,
		color: colorNeutral,
		emoji: "🏓",
	}
	if zen := e.GetZen(); zen != "" {
		c.lines = append(c.lines, zen)
	}
	return c, true
}

func describeRepository(ev *github.Event) (card, bool) {
	e, ok := ev.Payload.(*gh.RepositoryEvent)
	if !ok {
		return card{}, false
	}
	return card{
		title: fmt.Sprintf("%s the repository", e.GetAction()),
		url:   e.GetRepo().GetHTMLURL(),
		color: colorNeutral,
		emoji: "📦",
	}, true
}

func describeMember(ev *github.Event) (card, bool) {
	e, ok := ev.Payload.(*gh.MemberEvent)
	if !ok {
		return card{}, false
	}
	return card{
		title: fmt.Sprintf("%s collaborator %s", e.GetAction(), e.GetMember().GetLogin()),
		url:   e.GetMember().GetHTMLURL(),
		color: colorNeutral,
		emoji: "👤",
	}, true
}

func describeStatus(ev *github.Event) (card, bool) {
	e, ok := ev.Payload.(*gh.StatusEvent)
	if !ok {
		return card{}, false
	}

	color := colorYellow
	switch e.GetState() {
	case "success":
		color = colorGreen
	case "failure", "error":
		color = colorRed
	}
	sha := e.GetSHA()
	if len(sha) > 7 {
		sha = sha[:7]
	}
	c := card{
		title: fmt.Sprintf("%s: %s on %s", e.GetContext(), e.GetState(), sha),
		url:   e.GetTargetURL(),
		color: color,
		emoji: "🚦",
	}
	if desc := e.GetDescription(); desc != "" {
		c.lines = append(c.lines, desc)
	}
	return c, true
}

func describeGollum(ev *github.Event) (card, bool) {
	e, ok := ev.Payload.(*gh.GollumEvent)
	if !ok {
		return card{}, false
	}

	n := len(e.Pages)
	c := card{
		title: fmt.Sprintf("updated %d wiki %s", n, plural(n, "page", "pages")),
		url:   ev.RepoURL + "/wiki",
		color: colorNeutral,
		emoji: "📖",
	}
	for _, page := range e.Pages {
		c.lines = append(c.lines, fmt.Sprintf("%s %s %s", page.GetAction(), page.GetTitle(), page.GetHTMLURL()))
	}
	return c, true
}
