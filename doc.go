// Package cachekit provides a multi-backend cache: a [Manager] facade that
// stores arbitrary values under string keys, enforces a time-to-live,
// bounds occupancy with eviction, and reports hit/miss statistics, while
// delegating physical storage to an interchangeable [Store] backend.
//
// # Manager
//
// A [Manager] wraps one [Store] chosen at construction and applies policy
// around it: namespacing, lazy TTL checks, FIFO eviction, and statistics.
// Manager methods never return errors — a failed backend operation
// degrades to a miss or a false result, so callers treat the cache as
// strictly optional.
//
//	store := cachekit.NewMemory(ctx)
//	mgr, err := cachekit.NewManager(store, cachekit.Config{
//		TTL:       5 * time.Minute,
//		MaxSize:   1000,
//		Namespace: "search",
//	})
//
// Expiry is checked lazily on every read: an expired entry behaves as
// absent and is removed on first access. Backends may additionally sweep
// expired entries in the background, but the lazy check is the correctness
// baseline. Eviction is strict insertion order — when a write pushes the
// live entry count over the bound, the oldest-created entries go first and
// read frequency offers no protection. True LRU (reads refreshing eviction
// priority) is a deliberate non-feature; switching to it would be a
// product decision, not a tuning knob.
//
// # Stores
//
// Five implementations are provided, each with different tradeoffs:
//
//   - [NewMemory] — In-process map guarded by a mutex. Fastest option with
//     zero serialization overhead; values are stored as-is, so mutations
//     to stored pointers are visible through the cache. Lost on restart.
//
//   - [NewSessionKV] — Redis-backed string store scoped to a session: each
//     instance writes under its own session identifier and Close discards
//     the session. Entries are JSON text. The caller owns the
//     [redis.Client] lifecycle.
//
//   - [NewPersistentKV] — One JSON file per key in a directory, entry
//     metadata inline. Survives restarts; any store pointed at the same
//     directory shares the data.
//
//   - [NewDurable] — SQLite-backed transactional store using
//     [modernc.org/sqlite] (pure Go, no CGO). Values are msgpack BLOBs, so
//     structured values round-trip without a text encoding. Carries a
//     schema version (PRAGMA user_version) with an upgrade path run on
//     open.
//
//   - [NewResponseStore] — Full HTTP response records keyed by resource
//     URL in a separate durable area. With [WithHTTPClient], a Get miss
//     fetches the resource and caches it; network and storage-limit
//     failures both degrade to absent.
//
// Stores can also be used directly; they persist entries verbatim and
// return errors, leaving TTL and eviction policy to the caller.
//
// # Typed access
//
// The [Store] interface traffics in [Entry] values holding any. Type
// safety comes from the package-level generics: [GetAs] for reads,
// [Fetch] for cache-aside population, and [Value] for decoding a raw
// entry. Serialized backends hand values back as msgpack bytes or
// JSON-generic maps; all three helpers normalize those to T.
//
//	user, ok := cachekit.GetAs[User](ctx, mgr, "user:123")
//
// # Concurrency
//
// Every store is safe for concurrent use. Overlapping writes to the same
// key are not coalesced: the write whose backend I/O completes last wins.
// Managers sharing a physical store are isolated only by namespace;
// identical namespaces collide.
package cachekit
