package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gitrelay/internal/storage"
)

// memStore is an in-memory Store with failure injection.
type memStore struct {
	mu        sync.Mutex
	rows      map[string]storage.ChannelSubscription
	loadErr   error
	writeErr  error
	loadCalls int
}

func newMemStore(rows ...storage.ChannelSubscription) *memStore {
	s := &memStore{rows: make(map[string]storage.ChannelSubscription)}
	for _, r := range rows {
		s.rows[r.ChannelID] = r.Clone()
	}
	return s
}

func (s *memStore) LoadChannels(context.Context) ([]storage.ChannelSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadCalls++
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make([]storage.ChannelSubscription, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *memStore) InsertChannel(_ context.Context, sub storage.ChannelSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if _, ok := s.rows[sub.ChannelID]; ok {
		return storage.ErrExists
	}
	s.rows[sub.ChannelID] = sub.Clone()
	return nil
}

func (s *memStore) UpdateChannel(_ context.Context, sub storage.ChannelSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if _, ok := s.rows[sub.ChannelID]; !ok {
		return storage.ErrNotFound
	}
	s.rows[sub.ChannelID] = sub.Clone()
	return nil
}

func (s *memStore) DeleteChannel(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	delete(s.rows, channelID)
	return nil
}

func (s *memStore) setWriteErr(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

func newLoaded(t *testing.T, store Store) *Registry {
	t.Helper()
	r := New(store)
	require.NoError(t, r.Load(context.Background()))
	return r
}

func TestNotReadyBeforeLoad(t *testing.T) {
	ctx := context.Background()
	r := New(newMemStore())

	assert.False(t, r.Ready())

	_, err := r.FindByChannel("c1")
	assert.ErrorIs(t, err, ErrRegistryNotReady)
	_, err = r.FindByRepo("acme/widgets")
	assert.ErrorIs(t, err, ErrRegistryNotReady)
	_, err = r.Create(ctx, LiveChannel{ID: "c1"})
	assert.ErrorIs(t, err, ErrRegistryNotReady)
	_, err = r.SetProperty(ctx, "c1", PropEmbed, true)
	assert.ErrorIs(t, err, ErrRegistryNotReady)
	assert.ErrorIs(t, r.DeleteChannel(ctx, "c1"), ErrRegistryNotReady)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.WaitReady(waitCtx), ErrRegistryNotReady)
}

func TestWaitReadyUnblocksOnLoad(t *testing.T) {
	r := New(newMemStore())

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- r.WaitReady(ctx)
	}()

	require.NoError(t, r.Load(context.Background()))
	assert.NoError(t, <-done)
	assert.True(t, r.Ready())
}

func TestLoadWithRetry(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("db down")
	r := New(store)

	err := r.LoadWithRetry(context.Background(), 3, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, store.loadCalls)
	assert.False(t, r.Ready())

	store.loadErr = nil
	require.NoError(t, r.LoadWithRetry(context.Background(), 3, time.Millisecond))
	assert.True(t, r.Ready())
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := newLoaded(t, store)

	_, err := r.Create(ctx, LiveChannel{})
	assert.ErrorIs(t, err, ErrInvalidChannel)

	sub, err := r.Create(ctx, LiveChannel{ID: "c1", Name: "general", GuildID: "g1", GuildName: "Acme"})
	require.NoError(t, err)
	assert.Empty(t, sub.Repos)
	assert.Equal(t, storage.DefaultDisabledEvents(), sub.DisabledEvents)
	assert.Contains(t, store.rows, "c1")

	// second create fails and leaves the first record untouched
	_, err = r.Create(ctx, LiveChannel{ID: "c1", Name: "renamed"})
	assert.ErrorIs(t, err, ErrDuplicateChannel)
	got, err := r.FindByChannel("c1")
	require.NoError(t, err)
	assert.Equal(t, "general", got.ChannelName)
	assert.Equal(t, "general", store.rows["c1"].ChannelName)
}

func TestCreateStoreFailureNotCached(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := newLoaded(t, store)

	store.setWriteErr(errors.New("disk full"))
	_, err := r.Create(ctx, LiveChannel{ID: "c1"})
	assert.ErrorIs(t, err, ErrStoreWrite)

	got, err := r.FindByChannel("c1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteChannelStoreFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := newLoaded(t, store)
	_, err := r.Create(ctx, LiveChannel{ID: "c1", Name: "general"})
	require.NoError(t, err)
	_, err = r.AddRepoToChannel(ctx, "c1", "acme/widgets")
	require.NoError(t, err)

	store.setWriteErr(errors.New("disk full"))
	err = r.DeleteChannel(ctx, "c1")
	assert.ErrorIs(t, err, ErrStoreWrite)

	got, err := r.FindByChannel("c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, storage.StringList{"acme/widgets"}, got.Repos)

	subs, err := r.FindByRepo("acme/widgets")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "c1", subs[0].ChannelID)
	assert.Contains(t, store.rows, "c1")
}

func TestAddRepoCanonicalizes(t *testing.T) {
	ctx := context.Background()
	r := newLoaded(t, newMemStore())
	_, err := r.Create(ctx, LiveChannel{ID: "c1"})
	require.NoError(t, err)

	for _, repo := range []string{"Acme/Widgets", "acme/widgets", " ACME/WIDGETS ", "acme/gears"} {
		_, err := r.AddRepoToChannel(ctx, "c1", repo)
		require.NoError(t, err)
	}

	sub, err := r.FindByChannel("c1")
	require.NoError(t, err)
	assert.Equal(t, storage.StringList{"acme/widgets", "acme/gears"}, sub.Repos)

	_, err = r.AddRepoToChannel(ctx, "c1", "  ")
	assert.ErrorIs(t, err, ErrInvalidProperty)
	_, err = r.AddRepoToChannel(ctx, "nope", "acme/widgets")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestFindByRepo(t *testing.T) {
	ctx := context.Background()
	r := newLoaded(t, newMemStore())

	for _, id := range []string{"c3", "c1", "c2"} {
		_, err := r.Create(ctx, LiveChannel{ID: id})
		require.NoError(t, err)
	}
	_, err := r.AddRepoToChannel(ctx, "c3", "acme/widgets")
	require.NoError(t, err)
	_, err = r.AddRepoToChannel(ctx, "c1", "Acme/Widgets")
	require.NoError(t, err)
	_, err = r.AddRepoToChannel(ctx, "c2", "acme/gears")
	require.NoError(t, err)

	subs, err := r.FindByRepo("ACME/widgets")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "c1", subs[0].ChannelID)
	assert.Equal(t, "c3", subs[1].ChannelID)

	_, err = r.DeleteRepoFromChannel(ctx, "c1", "ACME/WIDGETS")
	require.NoError(t, err)
	subs, err = r.FindByRepo("acme/widgets")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "c3", subs[0].ChannelID)

	subs, err = r.FindByRepo("nobody/nothing")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestFindRepoInChannel(t *testing.T) {
	ctx := context.Background()
	r := newLoaded(t, newMemStore())
	_, err := r.Create(ctx, LiveChannel{ID: "c1"})
	require.NoError(t, err)
	_, err = r.AddRepoToChannel(ctx, "c1", "acme/widgets")
	require.NoError(t, err)

	got, err := r.FindRepoInChannel("c1", "Acme/Widgets")
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = r.FindRepoInChannel("c1", "acme/gears")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = r.FindRepoInChannel("c2", "acme/widgets")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteRepoMissingIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := newLoaded(t, store)
	_, err := r.Create(ctx, LiveChannel{ID: "c1"})
	require.NoError(t, err)

	// a failing store proves no write happens
	store.setWriteErr(errors.New("should not be called"))
	sub, err := r.DeleteRepoFromChannel(ctx, "c1", "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "c1", sub.ChannelID)

	_, err = r.DeleteRepoFromChannel(ctx, "c9", "acme/widgets")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestSetProperty(t *testing.T) {
	ctx := context.Background()
	r := newLoaded(t, newMemStore())
	_, err := r.Create(ctx, LiveChannel{ID: "c1"})
	require.NoError(t, err)

	sub, err := r.SetProperty(ctx, "c1", PropEmbed, true)
	require.NoError(t, err)
	assert.True(t, sub.Embed)
	assert.Equal(t, storage.FormatEmbed, sub.Format())

	sub, err = r.SetProperty(ctx, "c1", PropIgnoredUsers, []string{"bot", " bot", "", "alice"})
	require.NoError(t, err)
	assert.Equal(t, storage.StringList{"bot", "alice"}, sub.IgnoredUsers)

	_, err = r.SetProperty(ctx, "c1", "channelID", "c2")
	assert.ErrorIs(t, err, ErrInvalidProperty)
	_, err = r.SetProperty(ctx, "c1", PropEmbed, "yes")
	assert.ErrorIs(t, err, ErrInvalidProperty)
	_, err = r.SetProperty(ctx, "c9", PropEmbed, true)
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestSetPropertyStoreFailureKeepsOldValue(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := newLoaded(t, store)
	_, err := r.Create(ctx, LiveChannel{ID: "c1"})
	require.NoError(t, err)

	store.setWriteErr(errors.New("timeout"))
	_, err = r.SetProperty(ctx, "c1", PropIgnoredBranches, []string{"main"})
	assert.ErrorIs(t, err, ErrStoreWrite)

	sub, err := r.FindByChannel("c1")
	require.NoError(t, err)
	assert.Empty(t, sub.IgnoredBranches)
}

func TestSetPropertyDivergenceReloads(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := newLoaded(t, store)
	_, err := r.Create(ctx, LiveChannel{ID: "c1"})
	require.NoError(t, err)

	// the row disappears behind the registry's back
	store.mu.Lock()
	delete(store.rows, "c1")
	store.mu.Unlock()

	_, err = r.SetProperty(ctx, "c1", PropEmbed, true)
	assert.ErrorIs(t, err, ErrInconsistent)

	sub, err := r.FindByChannel("c1")
	require.NoError(t, err)
	assert.Nil(t, sub, "reload should drop the record missing from the store")
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	r := newLoaded(t, newMemStore())
	_, err := r.Create(ctx, LiveChannel{ID: "c1"})
	require.NoError(t, err)
	_, err = r.AddRepoToChannel(ctx, "c1", "acme/widgets")
	require.NoError(t, err)

	sub, err := r.FindByChannel("c1")
	require.NoError(t, err)
	sub.Repos[0] = "evil/repo"
	sub.DisabledEvents = nil

	again, err := r.FindByChannel("c1")
	require.NoError(t, err)
	assert.Equal(t, storage.StringList{"acme/widgets"}, again.Repos)
	assert.NotEmpty(t, again.DisabledEvents)
}

func TestDeleteChannel(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := newLoaded(t, store)
	_, err := r.Create(ctx, LiveChannel{ID: "c1"})
	require.NoError(t, err)
	_, err = r.AddRepoToChannel(ctx, "c1", "acme/widgets")
	require.NoError(t, err)

	require.NoError(t, r.DeleteChannel(ctx, "c1"))
	require.NoError(t, r.DeleteChannel(ctx, "c1"))

	sub, err := r.FindByChannel("c1")
	require.NoError(t, err)
	assert.Nil(t, sub)
	subs, err := r.FindByRepo("acme/widgets")
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.NotContains(t, store.rows, "c1")
}

func TestLoadCanonicalizesLegacyRepos(t *testing.T) {
	legacy := storage.NewChannelSubscription("c1", "general", "", "")
	legacy.Repos = storage.StringList{"Acme/Widgets", "acme/widgets"}
	r := newLoaded(t, newMemStore(legacy))

	subs, err := r.FindByRepo("acme/widgets")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, storage.StringList{"acme/widgets"}, subs[0].Repos)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	existing := storage.NewChannelSubscription("c1", "general", "g1", "Acme")
	existing.Repos = storage.StringList{"acme/widgets"}
	store := newMemStore(existing)
	r := newLoaded(t, store)

	added, err := r.Reconcile(ctx, []LiveChannel{
		{ID: "c1", Name: "general"},
		{ID: "c3", Name: "dev", GuildID: "g1", GuildName: "Acme"},
		{ID: ""},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	c3, err := r.FindByChannel("c3")
	require.NoError(t, err)
	require.NotNil(t, c3)
	assert.Empty(t, c3.Repos)
	assert.Equal(t, storage.DefaultDisabledEvents(), c3.DisabledEvents)

	// channels absent from the live set are kept
	added, err = r.Reconcile(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, added)
	c1, err := r.FindByChannel("c1")
	require.NoError(t, err)
	require.NotNil(t, c1)
	assert.Equal(t, storage.StringList{"acme/widgets"}, c1.Repos)
}

func TestReconcileWaitsForLoad(t *testing.T) {
	r := New(newMemStore())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Reconcile(ctx, []LiveChannel{{ID: "c1"}})
	assert.ErrorIs(t, err, ErrRegistryNotReady)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = r.Load(context.Background())
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	added, err := r.Reconcile(ctx2, []LiveChannel{{ID: "c1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
}

func TestConcurrentMutationsSameChannel(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := newLoaded(t, store)
	_, err := r.Create(ctx, LiveChannel{ID: "c1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.AddRepoToChannel(ctx, "c1", fmt.Sprintf("acme/repo-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sub, err := r.FindByChannel("c1")
	require.NoError(t, err)
	assert.Len(t, sub.Repos, 50)
	assert.Equal(t, sub.Repos, store.rows["c1"].Repos)
}

func TestReloadRoundTripWithSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewDatabase(storage.DriverSQLite, filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := storage.NewChannelStore(db)

	r := newLoaded(t, store)
	_, err = r.Create(ctx, LiveChannel{ID: "c1", Name: "general"})
	require.NoError(t, err)
	_, err = r.AddRepoToChannel(ctx, "c1", "Acme/Widgets")
	require.NoError(t, err)
	_, err = r.SetProperty(ctx, "c1", PropEmbed, true)
	require.NoError(t, err)
	_, err = r.SetProperty(ctx, "c1", PropIgnoredBranches, []string{"main"})
	require.NoError(t, err)
	_, err = r.AddListEntry(ctx, "c1", PropDisabledEvents, "push")
	require.NoError(t, err)
	_, err = r.RemoveListEntry(ctx, "c1", PropDisabledEvents, "status")
	require.NoError(t, err)

	before, err := r.List()
	require.NoError(t, err)

	reloaded := newLoaded(t, store)
	after, err := reloaded.List()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRepos(t *testing.T) {
	ctx := context.Background()
	r := newLoaded(t, newMemStore())

	_, err := r.Create(ctx, LiveChannel{ID: "c1"})
	require.NoError(t, err)
	_, err = r.Create(ctx, LiveChannel{ID: "c2"})
	require.NoError(t, err)
	_, err = r.AddRepoToChannel(ctx, "c1", "zeta/app")
	require.NoError(t, err)
	_, err = r.AddRepoToChannel(ctx, "c2", "Acme/Widgets")
	require.NoError(t, err)
	_, err = r.AddRepoToChannel(ctx, "c1", "acme/widgets")
	require.NoError(t, err)

	repos, err := r.Repos()
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/widgets", "zeta/app"}, repos)

	require.NoError(t, r.DeleteChannel(ctx, "c1"))
	repos, err = r.Repos()
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/widgets"}, repos)

	_, err = New(newMemStore()).Repos()
	assert.ErrorIs(t, err, ErrRegistryNotReady)
}
