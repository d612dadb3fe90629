package registry

import (
	"fmt"
	"strings"

	"github.com/user/gitrelay/internal/storage"
)

// Mutable channel properties. Names match the administrative surface.
const (
	PropRepos           = "repos"
	PropEmbed           = "embed"
	PropDisabledEvents  = "disabledEvents"
	PropIgnoredUsers    = "ignoredUsers"
	PropIgnoredBranches = "ignoredBranches"
	PropGuildName       = "guildName"
	PropChannelName     = "channelName"
)

var mutableProperties = map[string]struct{}{
	PropRepos:           {},
	PropEmbed:           {},
	PropDisabledEvents:  {},
	PropIgnoredUsers:    {},
	PropIgnoredBranches: {},
	PropGuildName:       {},
	PropChannelName:     {},
}

// IsListProperty reports whether prop names one of the set-valued fields.
func IsListProperty(prop string) bool {
	switch prop {
	case PropRepos, PropDisabledEvents, PropIgnoredUsers, PropIgnoredBranches:
		return true
	}
	return false
}

// CanonicalRepo returns the comparable form of a repository identifier.
func CanonicalRepo(repo string) string {
	return strings.ToLower(strings.TrimSpace(repo))
}

func canonicalEntry(prop, value string) string {
	if prop == PropRepos {
		return CanonicalRepo(value)
	}
	return strings.TrimSpace(value)
}

// canonicalList trims, drops empties and duplicates, keeping first-seen order.
func canonicalList(prop string, values []string) storage.StringList {
	out := make(storage.StringList, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = canonicalEntry(prop, v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func listField(sub *storage.ChannelSubscription, prop string) *storage.StringList {
	switch prop {
	case PropRepos:
		return &sub.Repos
	case PropDisabledEvents:
		return &sub.DisabledEvents
	case PropIgnoredUsers:
		return &sub.IgnoredUsers
	case PropIgnoredBranches:
		return &sub.IgnoredBranches
	}
	return nil
}

// applyProperty sets prop on sub. Values must have the field's Go type.
func applyProperty(sub *storage.ChannelSubscription, prop string, value any) error {
	if _, ok := mutableProperties[prop]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidProperty, prop)
	}

	if field := listField(sub, prop); field != nil {
		var values []string
		switch v := value.(type) {
		case []string:
			values = v
		case storage.StringList:
			values = v
		default:
			return fmt.Errorf("%w: %s expects a string list, got %T", ErrInvalidProperty, prop, value)
		}
		*field = canonicalList(prop, values)
		return nil
	}

	switch prop {
	case PropEmbed:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s expects a bool, got %T", ErrInvalidProperty, prop, value)
		}
		sub.Embed = v
	case PropGuildName, PropChannelName:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s expects a string, got %T", ErrInvalidProperty, prop, value)
		}
		if prop == PropGuildName {
			sub.GuildName = v
		} else {
			sub.ChannelName = v
		}
	}
	return nil
}
