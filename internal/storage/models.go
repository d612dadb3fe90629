// Package storage provides database operations and data models.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
)

// ChannelSubscription is the per-channel configuration record: which repositories a
// chat channel follows and which events it filters out.
type ChannelSubscription struct {
	ChannelID       string     `db:"channel_id" json:"channelId"`
	GuildID         string     `db:"guild_id" json:"guildId"`
	GuildName       string     `db:"guild_name" json:"guildName"`
	ChannelName     string     `db:"channel_name" json:"channelName"`
	Repos           StringList `db:"repos" json:"repos"`
	Embed           bool       `db:"embed" json:"preferredFormat"` // true: rich card, false: plain text
	DisabledEvents  StringList `db:"disabled_events" json:"disabledEventKeys"`
	IgnoredUsers    StringList `db:"ignored_users" json:"ignoredUsers"`
	IgnoredBranches StringList `db:"ignored_branches" json:"ignoredBranches"`
}

// Format selects how events are rendered for a channel.
type Format int

const (
	FormatText Format = iota
	FormatEmbed
)

func (f Format) String() string {
	if f == FormatEmbed {
		return "embed"
	}
	return "text"
}

// Format returns the channel's preferred render format.
func (c ChannelSubscription) Format() Format {
	if c.Embed {
		return FormatEmbed
	}
	return FormatText
}

// Clone returns a deep copy so callers never share list backing arrays.
func (c ChannelSubscription) Clone() ChannelSubscription {
	c.Repos = slices.Clone(c.Repos)
	c.DisabledEvents = slices.Clone(c.DisabledEvents)
	c.IgnoredUsers = slices.Clone(c.IgnoredUsers)
	c.IgnoredBranches = slices.Clone(c.IgnoredBranches)
	return c
}

// DefaultDisabledEvents returns the event keys muted on newly created channels.
func DefaultDisabledEvents() StringList {
	return StringList{
		"deployment",
		"deployment_status",
		"page_build",
		"pull_request/labeled",
		"pull_request/unlabeled",
		"pull_request/edited",
		"pull_request/review_requested",
		"pull_request/review_request_removed",
		"status",
	}
}

// NewChannelSubscription returns a record with no repositories and default filters.
func NewChannelSubscription(channelID, channelName, guildID, guildName string) ChannelSubscription {
	return ChannelSubscription{
		ChannelID:       channelID,
		GuildID:         guildID,
		GuildName:       guildName,
		ChannelName:     channelName,
		Repos:           StringList{},
		DisabledEvents:  DefaultDisabledEvents(),
		IgnoredUsers:    StringList{},
		IgnoredBranches: StringList{},
	}
}

// StringList is a string slice stored as a JSON array column.
type StringList []string

// Contains reports whether s is in the list.
func (l StringList) Contains(s string) bool {
	return slices.Contains(l, s)
}

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = StringList{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}

	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to unmarshal string list: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	*l = out
	return nil
}
