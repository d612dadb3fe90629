package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/gitrelay/pkg/logger"
)

// Reconcile adds a default record for every live channel the registry does not
// know yet. It never removes records: a channel missing from live may only be
// briefly inaccessible, and deletion is left to explicit channel-removed signals.
// It waits for the registry to be loaded, bounded by ctx.
func (r *Registry) Reconcile(ctx context.Context, live []LiveChannel) (int, error) {
	if err := r.WaitReady(ctx); err != nil {
		return 0, err
	}

	var (
		added int
		errs  []error
	)
	for _, ch := range live {
		if ch.ID == "" {
			continue
		}
		if sub, _ := r.FindByChannel(ch.ID); sub != nil {
			continue
		}

		if _, err := r.Create(ctx, ch); err != nil {
			// Lost a race with a channel-created signal.
			if errors.Is(err, ErrDuplicateChannel) {
				continue
			}
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.ID, err))
			continue
		}

		added++
		logger.Info().
			Str("channel_id", ch.ID).
			Str("channel", ch.Name).
			Str("guild", ch.GuildName).
			Msg("Added channel config")
	}

	return added, errors.Join(errs...)
}
