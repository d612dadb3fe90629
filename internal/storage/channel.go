package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no row matches the channel id.
	ErrNotFound = errors.New("channel config not found")
	// ErrExists is returned when inserting a channel id that is already stored.
	ErrExists = errors.New("channel config already exists")
)

// ChannelStore handles channel configuration database operations.
type ChannelStore struct {
	db *Database
}

// NewChannelStore creates a new channel store.
func NewChannelStore(db *Database) *ChannelStore {
	return &ChannelStore{db: db}
}

const channelColumns = `channel_id, guild_id, guild_name, channel_name, repos, embed,
	disabled_events, ignored_users, ignored_branches`

// LoadChannels returns every stored channel configuration.
func (s *ChannelStore) LoadChannels(ctx context.Context) ([]ChannelSubscription, error) {
	var subs []ChannelSubscription
	query := `SELECT ` + channelColumns + ` FROM channel_configs ORDER BY channel_id`
	if err := s.db.SelectContext(ctx, &subs, query); err != nil {
		return nil, fmt.Errorf("failed to load channel configs: %w", err)
	}
	return subs, nil
}

// GetChannel returns a single channel configuration, or nil if none is stored.
func (s *ChannelStore) GetChannel(ctx context.Context, channelID string) (*ChannelSubscription, error) {
	var subs []ChannelSubscription
	query := s.db.Rebind(`SELECT ` + channelColumns + ` FROM channel_configs WHERE channel_id = ?`)
	if err := s.db.SelectContext(ctx, &subs, query, channelID); err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}
	return &subs[0], nil
}

// InsertChannel stores a new channel configuration.
func (s *ChannelStore) InsertChannel(ctx context.Context, sub ChannelSubscription) error {
	query := s.db.Rebind(`
		INSERT INTO channel_configs (` + channelColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO NOTHING
	`)
	result, err := s.db.ExecContext(ctx, query,
		sub.ChannelID, sub.GuildID, sub.GuildName, sub.ChannelName,
		sub.Repos, sub.Embed, sub.DisabledEvents, sub.IgnoredUsers, sub.IgnoredBranches,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrExists
	}
	return nil
}

// UpdateChannel overwrites every mutable column of an existing channel configuration.
func (s *ChannelStore) UpdateChannel(ctx context.Context, sub ChannelSubscription) error {
	query := s.db.Rebind(`
		UPDATE channel_configs SET
			guild_id = ?,
			guild_name = ?,
			channel_name = ?,
			repos = ?,
			embed = ?,
			disabled_events = ?,
			ignored_users = ?,
			ignored_branches = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE channel_id = ?
	`)
	result, err := s.db.ExecContext(ctx, query,
		sub.GuildID, sub.GuildName, sub.ChannelName,
		sub.Repos, sub.Embed, sub.DisabledEvents, sub.IgnoredUsers, sub.IgnoredBranches,
		sub.ChannelID,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChannel removes a channel configuration. Deleting a missing row is not an error.
func (s *ChannelStore) DeleteChannel(ctx context.Context, channelID string) error {
	query := s.db.Rebind(`DELETE FROM channel_configs WHERE channel_id = ?`)
	_, err := s.db.ExecContext(ctx, query, channelID)
	return err
}
