package cachekit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurableSetGet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, err := NewDurable(ctx, ":memory:", WithExpiryCheck(time.Minute))
	require.NoError(t, err)
	defer store.Close()

	e, err := store.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Nil(t, e)

	in := NewEntry("k", map[string]any{"a": int64(1), "b": "two"}, time.Minute)
	assert.NoError(t, store.Set(ctx, "k", in))

	e, err = store.Get(ctx, "k")
	assert.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "k", e.Key)
	assert.Equal(t, time.Minute, e.TTL)
	assert.Equal(t, in.Size, e.Size)

	// Structured values survive without a text encoding.
	got, err := Value[map[string]any](e)
	assert.NoError(t, err)
	assert.Equal(t, "two", got["b"])
}

func TestDurableTouchAndDelete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, err := NewDurable(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	assert.NoError(t, store.Set(ctx, "k", NewEntry("k", "v", 0)))
	assert.NoError(t, store.Touch(ctx, "k"))
	assert.NoError(t, store.Touch(ctx, "k"))
	e, err := store.Get(ctx, "k")
	assert.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 2, e.Hits)

	assert.NoError(t, store.Delete(ctx, "k"))
	assert.NoError(t, store.Delete(ctx, "k"))
	e, err = store.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Nil(t, e)
}

func TestDurableMetadataRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, err := NewDurable(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	in := NewEntry("k", "v", 0)
	in.Metadata = map[string]any{"tags": []string{"a", "b"}, "priority": "high"}
	assert.NoError(t, store.Set(ctx, "k", in))

	e, err := store.Get(ctx, "k")
	assert.NoError(t, err)
	require.NotNil(t, e)
	require.NotNil(t, e.Metadata)
	assert.Equal(t, "high", e.Metadata["priority"])
	assert.True(t, hasTag(e, "b"))
}

func TestDurablePrefixOps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, err := NewDurable(ctx, ":memory:")
	require.NoError(t, err)
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

func TestDurablePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := NewDurable(ctx, dbPath)
	require.NoError(t, err)
	assert.NoError(t, store.Set(ctx, "k", NewEntry("k", "durable", 0)))
	assert.NoError(t, store.Close())

	reopened, err := NewDurable(ctx, dbPath)
	require.NoError(t, err)
	defer reopened.Close()
	e, err := reopened.Get(ctx, "k")
	assert.NoError(t, err)
	require.NotNil(t, e)
	got, err := Value[string](e)
	assert.NoError(t, err)
	assert.Equal(t, "durable", got)
}

func TestDurableSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := NewDurable(ctx, dbPath)
	require.NoError(t, err)
	assert.NoError(t, store.Close())

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()
	var version int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, durableSchemaVersion, version)
}

func TestDurableUpgradeFromV1(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	// Lay down a version 1 database: no size or metadata columns yet.
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		timestamp INTEGER NOT NULL,
		ttl INTEGER NOT NULL DEFAULT 0,
		hits INTEGER NOT NULL DEFAULT 0
	)`)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, err := NewDurable(ctx, dbPath)
	require.NoError(t, err)
	defer store.Close()

	// The upgraded schema accepts current entries.
	in := NewEntry("k", "v", 0)
	in.Metadata = map[string]any{"priority": "low"}
	assert.NoError(t, store.Set(ctx, "k", in))
	e, err := store.Get(ctx, "k")
	assert.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "low", e.Metadata["priority"])
}

func TestDurableRefusesNewerSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = NewDurable(ctx, dbPath)
	assert.Error(t, err)
}

func TestDurableBackgroundCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, err := NewDurable(ctx, ":memory:", WithExpiryCheck(50*time.Millisecond))
	require.NoError(t, err)
	defer store.Close()

	assert.NoError(t, store.Set(ctx, "k", NewEntry("k", "v", 30*time.Millisecond)))
	time.Sleep(150 * time.Millisecond)

	keys, err := store.Keys(ctx, "")
	assert.NoError(t, err)
	assert.Empty(t, keys)
}

func TestManagerOverDurable(t *testing.T) {
	type record struct {
		ID   int    `msgpack:"id"`
		Name string `msgpack:"name"`
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, err := NewDurable(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	m, err := NewManager(store, Config{TTL: time.Minute, Namespace: "db"})
	require.NoError(t, err)

	in := record{ID: 7, Name: "seven"}
	assert.True(t, m.Set(ctx, "r", in))

	out, ok := GetAs[record](ctx, m, "r")
	assert.True(t, ok)
	assert.Equal(t, in, out)

	s := m.Stats(ctx)
	assert.EqualValues(t, 1, s.Hits)
	assert.Equal(t, 1, s.EntryCount)
	assert.Greater(t, s.MemoryUsage, int64(0))
}
