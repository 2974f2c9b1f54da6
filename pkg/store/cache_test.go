package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/dbhandler/pkg/apperrors"
	"github.com/ekaya-inc/dbhandler/pkg/gateway"
	"github.com/ekaya-inc/dbhandler/pkg/models"
	"github.com/ekaya-inc/dbhandler/pkg/pool"
)

func newWarpCache(t *testing.T, h *harness, maxIdle time.Duration) (*Cache[Warp], *time.Time) {
	t.Helper()
	repo, err := NewRepo[Warp](h.gw, h.exec, "")
	require.NoError(t, err)
	h.reconcile(t, repo.Table())

	c := NewCache(repo, maxIdle)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

// hold occupies key on the gateway until the returned func is called.
func hold(t *testing.T, h *harness, key string) func() {
	t.Helper()
	release := make(chan struct{})
	started := make(chan struct{})
	gateway.Submit(h.gw, gateway.Task[struct{}]{
		Name:    "hold",
		Key:     key,
		Context: gateway.Background,
		Run: func(context.Context, *pool.Lease) (struct{}, error) {
			close(started)
			<-release
			return struct{}{}, nil
		},
	})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("hold task never started")
	}
	return func() { close(release) }
}

func TestCache_LoadSharesPendingHandle(t *testing.T) {
	h := newHarness(t)
	c, _ := newWarpCache(t, h, time.Minute)

	w := &Warp{ID: uuid.New(), Name: "spire", Uses: 4}
	must(t, c.Repo().Save(w))
	key := models.Record{"id": w.ID}
	k, err := c.keyOf(key)
	require.NoError(t, err)

	release := hold(t, h, k)
	first := c.Load(key, On(gateway.Background))
	second := c.Load(key)
	assert.Same(t, first, second, "a pending load is shared")
	assert.True(t, c.Loading(key))

	_, ok := c.TryGet(key)
	assert.False(t, ok)
	assert.Same(t, first, c.Load(key), "TryGet does not start a second load")

	release()
	got := must(t, first)
	require.NotNil(t, got)
	assert.Equal(t, int32(4), got.Uses)
	assert.False(t, c.Loading(key))

	cached, ok := c.TryGet(key)
	require.True(t, ok)
	assert.Same(t, got, cached)

	again := c.Load(key, On(gateway.Background))
	assert.NotEqual(t, first.ID(), again.ID(), "a finished load is not reused")
	must(t, again)
}

func TestCache_TryGetStartsLoad(t *testing.T) {
	h := newHarness(t)
	c, _ := newWarpCache(t, h, time.Minute)

	w := &Warp{ID: uuid.New(), Name: "mesa"}
	must(t, c.Repo().Save(w))
	key := models.Record{"id": w.ID}

	_, ok := c.TryGet(key)
	require.False(t, ok)
	require.Eventually(t, func() bool {
		_, ok := c.TryGet(key)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.Len())

	_, err := wait(t, c.Load(models.Record{"id": uuid.New()}, On(gateway.Background)))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, 1, c.Len(), "a missing row is not cached")

	_, err = wait(t, c.Load(models.Record{"name": "mesa"}))
	assert.ErrorContains(t, err, "missing key column")
}

func TestCache_EvictInactive(t *testing.T) {
	h := newHarness(t)
	c, now := newWarpCache(t, h, time.Minute)

	old := &Warp{ID: uuid.New(), Name: "old"}
	touched := &Warp{ID: uuid.New(), Name: "touched"}
	require.NoError(t, c.Put(old))
	require.NoError(t, c.Put(touched))

	*now = now.Add(2 * time.Minute)
	fresh := &Warp{ID: uuid.New(), Name: "fresh"}
	require.NoError(t, c.Put(fresh))
	_, ok := c.TryGet(models.Record{"id": touched.ID})
	require.True(t, ok)

	res := must(t, c.SaveAll(SaveAndRemoveInactive))
	assert.Equal(t, SaveResult{Saved: 1}, res)
	assert.Equal(t, 2, c.Len())

	stored := must(t, c.Repo().Find(nil))
	require.Len(t, stored, 1)
	assert.Equal(t, "old", stored[0].Name, "only the inactive item is written")

	*now = now.Add(30 * time.Second)
	res = must(t, c.EvictInactive(20*time.Second))
	assert.Equal(t, SaveResult{Saved: 2}, res)
	assert.Zero(t, c.Len())
}

func TestCache_SaveOperations(t *testing.T) {
	h := newHarness(t)
	c, now := newWarpCache(t, h, time.Minute)

	a := &Warp{ID: uuid.New(), Name: "a"}
	b := &Warp{ID: uuid.New(), Name: "b"}
	require.NoError(t, c.Put(a))
	*now = now.Add(5 * time.Minute)
	require.NoError(t, c.Put(b))

	assert.Equal(t, SaveResult{Saved: 2}, must(t, c.SaveAll(SaveEverything)))
	assert.Equal(t, 2, c.Len())

	assert.Equal(t, SaveResult{Saved: 2}, must(t, c.SaveAll(SaveAllAndRemoveInactive)))
	assert.Equal(t, 1, c.Len())
	_, ok := c.TryGet(models.Record{"id": b.ID})
	assert.True(t, ok)

	b.Uses = 9
	saved := must(t, c.SaveAndRemove(models.Record{"id": b.ID}))
	assert.True(t, saved)
	assert.Zero(t, c.Len())
	got := must(t, c.Repo().Get(models.Record{"id": b.ID}))
	assert.Equal(t, int32(9), got.Uses)

	_, err := wait(t, c.Save(models.Record{"id": b.ID}))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, c.Put(a))
	require.NoError(t, c.Put(b))
	assert.Equal(t, SaveResult{Saved: 2}, must(t, c.SaveAll(SaveAllAndRemoveAll)))
	assert.Zero(t, c.Len())
}

func TestCache_SaveAllHonorsSaveWhen(t *testing.T) {
	h := newHarness(t)
	c, _ := newWarpCache(t, h, time.Minute)
	used := &Warp{ID: uuid.New(), Name: "used", Uses: 1}
	unused := &Warp{ID: uuid.New(), Name: "unused", Uses: 3}
	must(t, c.Repo().Save(unused))
	c.Repo().SaveWhen(func(w *Warp) bool { return w.Uses > 0 })

	unused.Uses = 0
	require.NoError(t, c.Put(used))
	require.NoError(t, c.Put(unused))

	assert.Equal(t, SaveResult{Saved: 1, Deleted: 1}, must(t, c.SaveAll(SaveEverything)))
	stored := must(t, c.Repo().Find(nil))
	require.Len(t, stored, 1)
	assert.Equal(t, "used", stored[0].Name)
}

func TestCache_NeverInactive(t *testing.T) {
	h := newHarness(t)
	c, now := newWarpCache(t, h, -1)

	require.NoError(t, c.Put(&Warp{ID: uuid.New(), Name: "forever"}))
	*now = now.Add(24 * time.Hour)

	assert.Equal(t, SaveResult{}, must(t, c.SaveAll(SaveAndRemoveInactive)))
	assert.Equal(t, SaveResult{Saved: 1}, must(t, c.SaveAll(SaveAllAndRemoveInactive)))
	assert.Equal(t, 1, c.Len())
}

func TestCache_StopLoadsCancelsPending(t *testing.T) {
	h := newHarness(t)
	c, _ := newWarpCache(t, h, time.Minute)

	w := &Warp{ID: uuid.New(), Name: "gate"}
	must(t, c.Repo().Save(w))
	key := models.Record{"id": w.ID}
	k, err := c.keyOf(key)
	require.NoError(t, err)

	release := hold(t, h, k)
	pending := c.Load(key, On(gateway.Background))
	assert.Equal(t, 1, c.StopLoads())
	release()

	_, err = wait(t, pending)
	assert.ErrorIs(t, err, apperrors.ErrCancelled)
	_, err = wait(t, c.Load(key))
	assert.ErrorIs(t, err, apperrors.ErrCancelled, "loads are refused after StopLoads")
	assert.Zero(t, c.Len())
}
