package cachekit

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Config is the construction-time configuration of a Manager.
type Config struct {
	// TTL is the default time-to-live applied when Set is called without
	// WithTTL. Zero means entries never expire by default.
	TTL time.Duration
	// MaxSize bounds the number of live entries retained before FIFO
	// eviction. Zero means unbounded.
	MaxSize int
	// Namespace is the key prefix isolating this manager's entries from
	// others sharing the same physical store. It is the only isolation
	// mechanism; two managers with the same namespace collide.
	Namespace string
}

// Priority labels an entry's importance. The cache records it in entry
// metadata; eviction does not currently consult it.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type setOptions struct {
	ttl          time.Duration
	maxSize      int
	forceRefresh bool
	priority     Priority
	tags         []string
	callback     func(key string, value any)
}

// SetOption overrides per-call behavior of Set and Fetch.
type SetOption func(*setOptions)

// WithTTL overrides the manager's default TTL for this write.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

// WithMaxSize overrides the manager's live-entry bound for this write.
func WithMaxSize(n int) SetOption {
	return func(o *setOptions) { o.maxSize = n }
}

// WithForceRefresh bypasses freshness checks: Fetch recomputes even on a
// cache hit and the result overwrites the stored entry unconditionally.
func WithForceRefresh() SetOption {
	return func(o *setOptions) { o.forceRefresh = true }
}

// WithPriority records the entry's priority in its metadata.
func WithPriority(p Priority) SetOption {
	return func(o *setOptions) { o.priority = p }
}

// WithTags labels the entry for bulk invalidation via InvalidateTag.
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) { o.tags = tags }
}

// WithCallback registers a function invoked with the key and value after a
// successful write. Side effect only; it does not affect the result.
func WithCallback(fn func(key string, value any)) SetOption {
	return func(o *setOptions) { o.callback = fn }
}

// Manager is the cache facade. It applies namespacing, lazy TTL checks,
// FIFO eviction, and hit/miss accounting around a Store chosen at
// construction, never branching on which backend it holds.
//
// Manager methods never return errors: a failed backend operation degrades
// to a miss (Get/Has) or false (Set) and is logged at debug level. Callers
// must treat a nil/false result as "proceed without cache", never as
// fatal.
type Manager struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	stats  tracker
}

// NewManager returns a Manager over the given store. The store is required;
// a nil store or a negative MaxSize is a programmer error and fails
// construction.
func NewManager(store Store, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("cachekit: manager requires a store")
	}
	if cfg.MaxSize < 0 {
		return nil, errors.Newf("cachekit: negative max size %d", cfg.MaxSize)
	}
	c := applyOptions(opts)
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: c.logger,
	}, nil
}

// key maps a caller key into the manager's namespace.
func (m *Manager) key(key string) string {
	if m.cfg.Namespace == "" {
		return key
	}
	return m.cfg.Namespace + ":" + key
}

// prefix is the namespace prefix shared by every key this manager owns.
func (m *Manager) prefix() string {
	if m.cfg.Namespace == "" {
		return ""
	}
	return m.cfg.Namespace + ":"
}

// Get returns the value stored under key if a live entry exists. A read of
// an expired entry counts as a miss and lazily removes the entry from the
// backend. A successful read increments the entry's hit counter and the
// aggregate hit count; a miss increments the aggregate miss count.
func (m *Manager) Get(ctx context.Context, key string) (any, bool) {
	e, ok := m.lookup(ctx, key)
	if !ok {
		m.stats.miss()
		return nil, false
	}
	if err := m.store.Touch(ctx, m.key(key)); err != nil {
		m.logger.Debug("cache touch failed", zap.String("key", key), zap.Error(err))
	}
	m.stats.hit()
	return e.Value, true
}

// Has reports whether a live entry exists under key. Expired entries are
// lazily removed exactly as in Get, but Has never moves the hit/miss
// counters.
func (m *Manager) Has(ctx context.Context, key string) bool {
	_, ok := m.lookup(ctx, key)
	return ok
}

// lookup fetches the entry and applies the lazy TTL check, removing
// expired entries from the backend.
func (m *Manager) lookup(ctx context.Context, key string) (*Entry, bool) {
	e, err := m.store.Get(ctx, m.key(key))
	if err != nil {
		m.logger.Debug("cache get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if e == nil {
		return nil, false
	}
	if !e.Live(time.Now()) {
		if err := m.store.Delete(ctx, m.key(key)); err != nil {
			m.logger.Debug("lazy expiry delete failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return e, true
}

// Set stores value under key with the effective TTL from options or the
// manager default. It returns false, never an error, when the backend
// rejects the write (capacity, unavailable storage, unserializable value).
// A write that pushes the live entry count above the max size evicts the
// oldest-created entries until the bound holds.
//
// Overlapping Sets for the same key are not coalesced: the write whose
// backend I/O completes last determines the stored value, regardless of
// call order.
func (m *Manager) Set(ctx context.Context, key string, value any, opts ...SetOption) bool {
	o := m.applySetOptions(opts)
	e := NewEntry(m.key(key), value, o.ttl)
	if len(o.tags) > 0 || o.priority != "" {
		e.Metadata = map[string]any{}
		if len(o.tags) > 0 {
			e.Metadata["tags"] = o.tags
		}
		if o.priority != "" {
			e.Metadata["priority"] = string(o.priority)
		}
	}
	if err := m.store.Set(ctx, m.key(key), e); err != nil {
		m.logger.Debug("cache set failed", zap.String("key", key), zap.Error(err))
		return false
	}
	m.evict(ctx, o.maxSize)
	if o.callback != nil {
		o.callback(key, value)
	}
	return true
}

func (m *Manager) applySetOptions(opts []SetOption) setOptions {
	o := setOptions{
		ttl:      m.cfg.TTL,
		maxSize:  m.cfg.MaxSize,
		priority: PriorityNormal,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// evict enforces the live-entry bound with strict insertion-order (FIFO)
// eviction: the entry with the earliest creation timestamp goes first,
// ties broken by key order. Hits never protect an entry.
func (m *Manager) evict(ctx context.Context, maxSize int) {
	if maxSize <= 0 {
		return
	}
	entries, err := m.store.Entries(ctx, m.prefix())
	if err != nil {
		m.logger.Debug("eviction scan failed", zap.Error(err))
		return
	}
	now := time.Now()
	live := entries[:0]
	for _, e := range entries {
		if e.Live(now) {
			live = append(live, e)
		}
	}
	if len(live) <= maxSize {
		return
	}
	sort.Slice(live, func(i, j int) bool {
		if !live[i].Timestamp.Equal(live[j].Timestamp) {
			return live[i].Timestamp.Before(live[j].Timestamp)
		}
		return live[i].Key < live[j].Key
	})
	for _, e := range live[:len(live)-maxSize] {
		if err := m.store.Delete(ctx, e.Key); err != nil {
			m.logger.Debug("eviction delete failed", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		m.logger.Debug("evicted entry", zap.String("key", e.Key), zap.Time("created", e.Timestamp))
	}
}

// Delete removes the entry under key. Deleting an absent key is a no-op.
func (m *Manager) Delete(ctx context.Context, key string) {
	if err := m.store.Delete(ctx, m.key(key)); err != nil {
		m.logger.Debug("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Clear removes every entry in this manager's namespace. Statistics
// counters persist across clears; use ResetStats to zero them.
func (m *Manager) Clear(ctx context.Context) {
	if err := m.store.Clear(ctx, m.prefix()); err != nil {
		m.logger.Debug("cache clear failed", zap.Error(err))
	}
}

// Keys returns the live keys in this manager's namespace with the
// namespace prefix stripped. Order is unspecified unless the backend
// defines one.
func (m *Manager) Keys(ctx context.Context) []string {
	entries, err := m.store.Entries(ctx, m.prefix())
	if err != nil {
		m.logger.Debug("cache keys failed", zap.Error(err))
		return nil
	}
	now := time.Now()
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Live(now) {
			keys = append(keys, strings.TrimPrefix(e.Key, m.prefix()))
		}
	}
	return keys
}

// Size returns the count of live entries in this manager's namespace.
func (m *Manager) Size(ctx context.Context) int {
	entries, err := m.store.Entries(ctx, m.prefix())
	if err != nil {
		m.logger.Debug("cache size failed", zap.Error(err))
		return 0
	}
	now := time.Now()
	count := 0
	for _, e := range entries {
		if e.Live(now) {
			count++
		}
	}
	return count
}

// Stats returns a snapshot of the hit/miss counters plus a live scan of
// the namespace: entry count, total and average live entry size, and the
// backend's memory usage estimate. The snapshot does not track the cache
// afterwards.
func (m *Manager) Stats(ctx context.Context) Stats {
	s := m.stats.snapshot()
	entries, err := m.store.Entries(ctx, m.prefix())
	if err != nil {
		m.logger.Debug("stats scan failed", zap.Error(err))
		return s
	}
	now := time.Now()
	for _, e := range entries {
		if !e.Live(now) {
			continue
		}
		s.EntryCount++
		s.TotalSize += e.Size
	}
	if s.EntryCount > 0 {
		s.AverageSize = float64(s.TotalSize) / float64(s.EntryCount)
	}
	usage, err := m.store.MemoryUsage(ctx, m.prefix())
	if err != nil {
		m.logger.Debug("memory usage estimate failed", zap.Error(err))
		return s
	}
	s.MemoryUsage = usage
	return s
}

// ResetStats zeroes the hit/miss counters.
func (m *Manager) ResetStats() {
	m.stats.reset()
}

// InvalidateTag deletes every live entry in the namespace tagged with tag
// via WithTags. It returns the number of entries removed.
func (m *Manager) InvalidateTag(ctx context.Context, tag string) int {
	entries, err := m.store.Entries(ctx, m.prefix())
	if err != nil {
		m.logger.Debug("tag invalidation scan failed", zap.Error(err))
		return 0
	}
	removed := 0
	for _, e := range entries {
		if !hasTag(e, tag) {
			continue
		}
		if err := m.store.Delete(ctx, e.Key); err != nil {
			m.logger.Debug("tag invalidation delete failed", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

// hasTag checks entry metadata for a tag. Tags survive JSON and msgpack
// round-trips as []string, []any, or msgpack's []interface{} variants.
func hasTag(e *Entry, tag string) bool {
	if e.Metadata == nil {
		return false
	}
	switch tags := e.Metadata["tags"].(type) {
	case []string:
		for _, t := range tags {
			if t == tag {
				return true
			}
		}
	case []any:
		for _, t := range tags {
			if s, ok := t.(string); ok && s == tag {
				return true
			}
		}
	}
	return false
}

// GetAs is a typed read: it fetches key through the manager and decodes
// the value as T, handling backends that hand back serialized or
// JSON-generic forms. Decode failures degrade to a miss.
func GetAs[T any](ctx context.Context, m *Manager, key string) (T, bool) {
	val, ok := m.Get(ctx, key)
	if !ok {
		var zero T
		return zero, false
	}
	result, err := decodeValue[T](val)
	if err != nil {
		m.logger.Debug("typed decode failed", zap.String("key", key), zap.Error(err))
		var zero T
		return zero, false
	}
	return result, true
}

// FetchFunc produces a value on a cache miss. Returning false signals
// "not found" without caching a zero value.
type FetchFunc[T any] func(ctx context.Context) (T, bool, error)

// Fetch is a cache-aside helper. It checks the cache for key first and
// returns the cached value on a hit. On a miss (or always, with
// WithForceRefresh) it calls fn; a found result is stored with the given
// options and returned. A failed Set after a successful fn is swallowed —
// the caller still gets the value.
func Fetch[T any](ctx context.Context, m *Manager, key string, fn FetchFunc[T], opts ...SetOption) (T, bool, error) {
	o := m.applySetOptions(opts)
	if !o.forceRefresh {
		if val, ok := GetAs[T](ctx, m, key); ok {
			return val, true, nil
		}
	}
	result, ok, err := fn(ctx)
	if err != nil {
		var zero T
		return zero, false, err
	}
	if !ok {
		var zero T
		return zero, false, nil
	}
	m.Set(ctx, key, result, opts...)
	return result, true, nil
}
