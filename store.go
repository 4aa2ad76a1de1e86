package cachekit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Store is the backend contract: physical persistence of entries under
// string keys. Backends persist and retrieve entries; they do not own
// expiry or eviction policy — that belongs to the Manager. Background
// cleanup and native storage TTLs are optimizations a backend may add, the
// Manager's lazy check on read remains the correctness baseline.
//
// Every method is safe for concurrent use. Backends report errors; only
// the Manager converts them into silent degradation.
type Store interface {
	// Get returns the stored entry for key, or (nil, nil) when absent.
	// Expired entries are returned as stored; liveness is the caller's
	// concern.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores the entry under key, overwriting any previous entry.
	Set(ctx context.Context, key string, e *Entry) error

	// Delete removes the entry for key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry whose key starts with prefix. An empty
	// prefix clears the whole store.
	Clear(ctx context.Context, prefix string) error

	// Keys returns the stored keys starting with prefix, order
	// unspecified unless the backend defines one.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Entries returns the stored entries whose keys start with prefix.
	Entries(ctx context.Context, prefix string) ([]*Entry, error)

	// Touch increments the stored hit counter for key. Touching an
	// absent key is not an error.
	Touch(ctx context.Context, key string) error

	// MemoryUsage estimates the physical footprint in bytes of entries
	// whose keys start with prefix. The estimate is backend-specific.
	MemoryUsage(ctx context.Context, prefix string) (int64, error)

	// Close releases backend resources. For backends over caller-owned
	// clients this is scoped to the store's own state.
	Close() error
}

// DefaultQueryTimeout is the per-operation timeout for backends that
// perform I/O (SQLite, Redis). Prevents indefinite hangs on slow or
// unresponsive storage.
const DefaultQueryTimeout = 5 * time.Second

// DefaultExpires is the TTL applied to entries a backend creates on its
// own, such as network-fetched responses.
const DefaultExpires = 5 * time.Minute

// config holds the resolved configuration for a backend.
type config struct {
	defaultExpires time.Duration
	queryTimeout   time.Duration
	expiryCheck    time.Duration
	sessionID      string
	httpClient     *http.Client
	logger         *zap.Logger
}

// Option configures a Store implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultExpires: DefaultExpires,
		queryTimeout:   DefaultQueryTimeout,
		expiryCheck:    time.Minute,
		logger:         zap.NewNop(),
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithExpires sets the TTL for entries a backend creates itself (the
// response store's network path). Defaults to DefaultExpires (5 minutes).
func WithExpires(d time.Duration) Option {
	return func(c *config) { c.defaultExpires = d }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed stores
// (SQLite, Redis). Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets the interval for background expired entry cleanup.
// Applies to the memory and durable stores. Defaults to 1 minute.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithSessionID pins the session identifier of a session-scoped store.
// Defaults to a random UUID per store instance.
func WithSessionID(id string) Option {
	return func(c *config) { c.sessionID = id }
}

// WithHTTPClient enables the response store's network path: a Get miss
// fetches the resource over HTTP and caches the response. Without a client
// a miss is simply a miss.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.httpClient = client }
}

// WithLogger sets the logger used for degradation paths, evictions, and
// background sweeps. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Value decodes an entry's value as T. It tries a direct type assertion
// first (memory store), then msgpack for []byte values (durable store),
// then a JSON round-trip for values the text stores decoded into generic
// maps and float64s.
func Value[T any](e *Entry) (T, error) {
	return decodeValue[T](e.Value)
}

func decodeValue[T any](val any) (T, error) {
	if typed, ok := val.(T); ok {
		return typed, nil
	}
	if data, ok := val.([]byte); ok {
		var result T
		if err := msgpack.Unmarshal(data, &result); err != nil {
			var zero T
			return zero, fmt.Errorf("cachekit: failed to unmarshal value: %w", err)
		}
		return result, nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("cachekit: cannot re-encode value of type %T: %w", val, err)
	}
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		var zero T
		return zero, fmt.Errorf("cachekit: cannot convert value of type %T to %T: %w", val, zero, err)
	}
	return result, nil
}
