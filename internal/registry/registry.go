// Package registry keeps the authoritative in-memory view of channel subscriptions,
// written through to the persistent config store on every change.
//
// All mutations for one channel are serialized; reads see whole records only.
// Nothing is served until Load has completed once.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/user/gitrelay/internal/storage"
	"github.com/user/gitrelay/pkg/logger"
)

// Store is the persistent side of the registry.
type Store interface {
	LoadChannels(ctx context.Context) ([]storage.ChannelSubscription, error)
	InsertChannel(ctx context.Context, sub storage.ChannelSubscription) error
	UpdateChannel(ctx context.Context, sub storage.ChannelSubscription) error
	DeleteChannel(ctx context.Context, channelID string) error
}

// LiveChannel describes a chat channel as the chat platform reports it.
type LiveChannel struct {
	ID        string
	Name      string
	GuildID   string
	GuildName string
}

// Registry caches every ChannelSubscription and keeps it in sync with the Store.
type Registry struct {
	store Store
	locks *keyedMutex

	// gate is held shared by mutations and exclusively by Load, so a reload never
	// interleaves with a write-through.
	gate sync.RWMutex

	mu       sync.RWMutex
	channels map[string]storage.ChannelSubscription
	byRepo   map[string]map[string]struct{}

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates an empty, not-ready registry backed by store.
func New(store Store) *Registry {
	return &Registry{
		store:    store,
		locks:    newKeyedMutex(),
		channels: make(map[string]storage.ChannelSubscription),
		byRepo:   make(map[string]map[string]struct{}),
		ready:    make(chan struct{}),
	}
}

// Load replaces the cache with the store's contents and marks the registry ready.
func (r *Registry) Load(ctx context.Context) error {
	r.gate.Lock()
	defer r.gate.Unlock()

	subs, err := r.store.LoadChannels(ctx)
	if err != nil {
		return err
	}

	channels := make(map[string]storage.ChannelSubscription, len(subs))
	byRepo := make(map[string]map[string]struct{})
	for _, sub := range subs {
		// Older records may carry mixed-case repos; match on the canonical form.
		sub.Repos = canonicalList(PropRepos, sub.Repos)
		channels[sub.ChannelID] = sub
		indexRepos(byRepo, sub)
	}

	r.mu.Lock()
	r.channels = channels
	r.byRepo = byRepo
	r.mu.Unlock()

	r.readyOnce.Do(func() { close(r.ready) })
	logger.Info().Int("channels", len(channels)).Msg("Channel registry loaded")
	return nil
}

// LoadWithRetry calls Load until it succeeds, attempts run out or ctx is done.
// The delay between attempts starts at backoff and doubles up to 30s.
func (r *Registry) LoadWithRetry(ctx context.Context, attempts int, backoff time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	if backoff <= 0 {
		backoff = time.Second
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = r.Load(ctx); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		logger.Warn().Err(err).Int("attempt", i).Dur("retry_in", backoff).Msg("Failed to load channel registry")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("load channel registry: %w", ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, 30*time.Second)
	}
	return fmt.Errorf("load channel registry after %d attempts: %w", attempts, err)
}

// Ready reports whether the first Load has completed.
func (r *Registry) Ready() bool {
	select {
	case <-r.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the registry is loaded or ctx is done.
func (r *Registry) WaitReady(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrRegistryNotReady, ctx.Err())
	}
}

// FindByChannel returns the record for channelID, or nil if there is none.
func (r *Registry) FindByChannel(channelID string) (*storage.ChannelSubscription, error) {
	if !r.Ready() {
		return nil, ErrRegistryNotReady
	}
	sub, ok := r.get(channelID)
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

// FindByRepo returns every channel subscribed to repo, ordered by channel id.
func (r *Registry) FindByRepo(repo string) ([]storage.ChannelSubscription, error) {
	if !r.Ready() {
		return nil, ErrRegistryNotReady
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byRepo[CanonicalRepo(repo)]
	if len(ids) == 0 {
		return nil, nil
	}

	out := make([]storage.ChannelSubscription, 0, len(ids))
	for id := range ids {
		out = append(out, r.channels[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

// FindRepoInChannel returns the channel's record only if it subscribes to repo.
func (r *Registry) FindRepoInChannel(channelID, repo string) (*storage.ChannelSubscription, error) {
	sub, err := r.FindByChannel(channelID)
	if err != nil || sub == nil {
		return nil, err
	}
	if !sub.Repos.Contains(CanonicalRepo(repo)) {
		return nil, nil
	}
	return sub, nil
}

// Repos returns every repository with at least one subscribed channel, sorted.
func (r *Registry) Repos() ([]string, error) {
	if !r.Ready() {
		return nil, ErrRegistryNotReady
	}

	r.mu.RLock()
	repos := make([]string, 0, len(r.byRepo))
	for repo, ids := range r.byRepo {
		if len(ids) > 0 {
			repos = append(repos, repo)
		}
	}
	r.mu.RUnlock()

	sort.Strings(repos)
	return repos, nil
}

// List returns every record ordered by channel id.
func (r *Registry) List() ([]storage.ChannelSubscription, error) {
	if !r.Ready() {
		return nil, ErrRegistryNotReady
	}

	r.mu.RLock()
	out := make([]storage.ChannelSubscription, 0, len(r.channels))
	for _, sub := range r.channels {
		out = append(out, sub.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

// Create stores a default record for a newly observed channel.
func (r *Registry) Create(ctx context.Context, ch LiveChannel) (storage.ChannelSubscription, error) {
	if ch.ID == "" {
		return storage.ChannelSubscription{}, ErrInvalidChannel
	}
	if !r.Ready() {
		return storage.ChannelSubscription{}, ErrRegistryNotReady
	}

	sub, err := r.create(ctx, ch)
	return sub, r.recoverFrom(ctx, err)
}

func (r *Registry) create(ctx context.Context, ch LiveChannel) (storage.ChannelSubscription, error) {
	r.gate.RLock()
	defer r.gate.RUnlock()
	unlock := r.locks.Lock(ch.ID)
	defer unlock()

	if _, ok := r.get(ch.ID); ok {
		return storage.ChannelSubscription{}, fmt.Errorf("%w: %s", ErrDuplicateChannel, ch.ID)
	}

	sub := storage.NewChannelSubscription(ch.ID, ch.Name, ch.GuildID, ch.GuildName)
	if err := r.store.InsertChannel(ctx, sub); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return storage.ChannelSubscription{}, fmt.Errorf("%w: %s stored but not cached", ErrInconsistent, ch.ID)
		}
		return storage.ChannelSubscription{}, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	r.put(sub)
	return sub.Clone(), nil
}

// SetProperty replaces one mutable field of a channel's record. The new value is
// visible to readers only after the store accepted it.
func (r *Registry) SetProperty(ctx context.Context, channelID, prop string, value any) (storage.ChannelSubscription, error) {
	return r.update(ctx, channelID, func(sub *storage.ChannelSubscription) error {
		return applyProperty(sub, prop, value)
	})
}

// AddRepoToChannel subscribes a channel to repo. Already present repos are a no-op.
func (r *Registry) AddRepoToChannel(ctx context.Context, channelID, repo string) (storage.ChannelSubscription, error) {
	return r.AddListEntry(ctx, channelID, PropRepos, repo)
}

// DeleteRepoFromChannel unsubscribes a channel from repo. Absent repos are a no-op.
func (r *Registry) DeleteRepoFromChannel(ctx context.Context, channelID, repo string) (storage.ChannelSubscription, error) {
	return r.RemoveListEntry(ctx, channelID, PropRepos, repo)
}

// AddListEntry appends value to one of the list properties if it is not there yet.
func (r *Registry) AddListEntry(ctx context.Context, channelID, prop, value string) (storage.ChannelSubscription, error) {
	if !IsListProperty(prop) {
		return storage.ChannelSubscription{}, fmt.Errorf("%w: %q is not a list", ErrInvalidProperty, prop)
	}
	entry := canonicalEntry(prop, value)
	if entry == "" {
		return storage.ChannelSubscription{}, fmt.Errorf("%w: empty %s entry", ErrInvalidProperty, prop)
	}

	return r.update(ctx, channelID, func(sub *storage.ChannelSubscription) error {
		current := *listField(sub, prop)
		if current.Contains(entry) {
			return errNoChange
		}
		return applyProperty(sub, prop, append(slices.Clone(current), entry))
	})
}

// RemoveListEntry drops value from one of the list properties if present.
func (r *Registry) RemoveListEntry(ctx context.Context, channelID, prop, value string) (storage.ChannelSubscription, error) {
	if !IsListProperty(prop) {
		return storage.ChannelSubscription{}, fmt.Errorf("%w: %q is not a list", ErrInvalidProperty, prop)
	}
	entry := canonicalEntry(prop, value)

	return r.update(ctx, channelID, func(sub *storage.ChannelSubscription) error {
		current := *listField(sub, prop)
		idx := slices.Index(current, entry)
		if idx < 0 {
			return errNoChange
		}
		return applyProperty(sub, prop, slices.Delete(slices.Clone(current), idx, idx+1))
	})
}

// DeleteChannel removes a channel's record from the store and the cache.
// Unknown channels are ignored.
func (r *Registry) DeleteChannel(ctx context.Context, channelID string) error {
	if !r.Ready() {
		return ErrRegistryNotReady
	}

	r.gate.RLock()
	defer r.gate.RUnlock()
	unlock := r.locks.Lock(channelID)
	defer unlock()

	if _, ok := r.get(channelID); !ok {
		return nil
	}
	if err := r.store.DeleteChannel(ctx, channelID); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	r.mu.Lock()
	old := r.channels[channelID]
	delete(r.channels, channelID)
	unindexRepos(r.byRepo, old)
	r.mu.Unlock()
	return nil
}

// errNoChange lets an update function skip the write-through.
var errNoChange = errors.New("no change")

// update runs one read-modify-write-through-then-swap under the channel's lock.
func (r *Registry) update(ctx context.Context, channelID string, fn func(*storage.ChannelSubscription) error) (storage.ChannelSubscription, error) {
	if !r.Ready() {
		return storage.ChannelSubscription{}, ErrRegistryNotReady
	}

	sub, err := r.writeThrough(ctx, channelID, fn)
	return sub, r.recoverFrom(ctx, err)
}

func (r *Registry) writeThrough(ctx context.Context, channelID string, fn func(*storage.ChannelSubscription) error) (storage.ChannelSubscription, error) {
	r.gate.RLock()
	defer r.gate.RUnlock()
	unlock := r.locks.Lock(channelID)
	defer unlock()

	current, ok := r.get(channelID)
	if !ok {
		return storage.ChannelSubscription{}, fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}

	next := current.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, errNoChange) {
			return current, nil
		}
		return storage.ChannelSubscription{}, err
	}

	if err := r.store.UpdateChannel(ctx, next); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ChannelSubscription{}, fmt.Errorf("%w: %s cached but not stored", ErrInconsistent, channelID)
		}
		return storage.ChannelSubscription{}, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	r.put(next)
	return next.Clone(), nil
}

// recoverFrom reloads the whole cache when the store and the cache diverged.
// It must be called without holding the gate.
func (r *Registry) recoverFrom(ctx context.Context, err error) error {
	if !errors.Is(err, ErrInconsistent) {
		return err
	}
	logger.Error().Err(err).Msg("Channel registry diverged from store, reloading")
	if loadErr := r.Load(ctx); loadErr != nil {
		return errors.Join(err, fmt.Errorf("reload channel registry: %w", loadErr))
	}
	return err
}

// get returns a deep copy of the cached record.
func (r *Registry) get(channelID string) (storage.ChannelSubscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.channels[channelID]
	if !ok {
		return storage.ChannelSubscription{}, false
	}
	return sub.Clone(), true
}

// put swaps in a record and its repo index entries in one step.
func (r *Registry) put(sub storage.ChannelSubscription) {
	sub = sub.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.channels[sub.ChannelID]; ok {
		unindexRepos(r.byRepo, old)
	}
	r.channels[sub.ChannelID] = sub
	indexRepos(r.byRepo, sub)
}

func indexRepos(byRepo map[string]map[string]struct{}, sub storage.ChannelSubscription) {
	for _, repo := range sub.Repos {
		ids, ok := byRepo[repo]
		if !ok {
			ids = make(map[string]struct{})
			byRepo[repo] = ids
		}
		ids[sub.ChannelID] = struct{}{}
	}
}

func unindexRepos(byRepo map[string]map[string]struct{}, sub storage.ChannelSubscription) {
	for _, repo := range sub.Repos {
		ids := byRepo[repo]
		delete(ids, sub.ChannelID)
		if len(ids) == 0 {
			delete(byRepo, repo)
		}
	}
}
