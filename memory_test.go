package cachekit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemory(ctx, WithExpiryCheck(time.Second))
	assert.NoError(t, store.Close())
	cancel()
}

func TestMemoryStoreSetGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(ctx)
	defer store.Close()

	e, err := store.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Nil(t, e)

	assert.NoError(t, store.Set(ctx, "k", NewEntry("k", "value", time.Minute)))
	e, err = store.Get(ctx, "k")
	assert.NoError(t, err)
	assert.NotNil(t, e)
	assert.Equal(t, "value", e.Value)
	assert.Equal(t, 0, e.Hits)

	assert.NoError(t, store.Touch(ctx, "k"))
	e, err = store.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Equal(t, 1, e.Hits)
}

func TestMemoryStorePrefixOps(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(ctx)
	defer store.Close()

	assert.NoError(t, store.Set(ctx, "app:a", NewEntry("app:a", 1, 0)))
	assert.NoError(t, store.Set(ctx, "app:b", NewEntry("app:b", 2, 0)))
	assert.NoError(t, store.Set(ctx, "other:c", NewEntry("other:c", 3, 0)))

	keys, err := store.Keys(ctx, "app:")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"app:a", "app:b"}, keys)

	entries, err := store.Entries(ctx, "app:")
	assert.NoError(t, err)
	assert.Len(t, entries, 2)

	usage, err := store.MemoryUsage(ctx, "app:")
	assert.NoError(t, err)
	assert.Greater(t, usage, int64(0))

	assert.NoError(t, store.Clear(ctx, "app:"))
	keys, err = store.Keys(ctx, "")
	assert.NoError(t, err)
	assert.Equal(t, []string{"other:c"}, keys)
}

func TestMemoryStoreBackgroundSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(ctx, WithExpiryCheck(50*time.Millisecond))
	defer store.Close()

	assert.NoError(t, store.Set(ctx, "k", NewEntry("k", "v", 30*time.Millisecond)))
	time.Sleep(120 * time.Millisecond)

	s := store.(*memoryStore)
	s.mutex.Lock()
	assert.Empty(t, s.entries)
	s.mutex.Unlock()
}

func TestMemoryStoreDeleteAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(ctx)
	defer store.Close()
	assert.NoError(t, store.Delete(ctx, "never-set"))
	assert.NoError(t, store.Touch(ctx, "never-set"))
}
