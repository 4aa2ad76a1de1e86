package cachekit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// sessionKV is the session-scoped key-value backend: JSON-encoded entries
// in Redis under a per-instance session identifier. Data written by one
// session is invisible to others, and Close discards the whole session,
// mirroring storage scoped to a single tab or connection. The caller owns
// the redis.Client lifecycle.
type sessionKV struct {
	client  *redis.Client
	ctx     context.Context
	cfg     config
	session string
	once    sync.Once
}

var _ Store = (*sessionKV)(nil)

// NewSessionKV returns a session-scoped Store over the given Redis client.
// Each instance gets a random session identifier unless WithSessionID pins
// one; two stores sharing an identifier share the same data.
func NewSessionKV(ctx context.Context, client *redis.Client, opts ...Option) Store {
	cfg := applyOptions(opts)
	id := cfg.sessionID
	if id == "" {
		id = uuid.NewString()
	}
	return &sessionKV{
		client:  client,
		ctx:     ctx,
		cfg:     cfg,
		session: "sess:" + id,
	}
}

func (s *sessionKV) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *sessionKV) storedKey(key string) string {
	return s.session + ":" + key
}

func (s *sessionKV) Get(ctx context.Context, key string) (*Entry, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	data, err := s.client.Get(qctx, s.storedKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrapf(err, "cachekit: corrupt entry for %q", key)
	}
	return &e, nil
}

func (s *sessionKV) Set(ctx context.Context, key string, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	// Native Redis expiry is a cleanup optimization on top of the lazy
	// check; a TTL of zero stores the entry without expiry.
	var expiry time.Duration
	if e.TTL > 0 {
		expiry = e.TTL
	}
	return s.client.Set(qctx, s.storedKey(key), data, expiry).Err()
}

func (s *sessionKV) Delete(ctx context.Context, key string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return s.client.Del(qctx, s.storedKey(key)).Err()
}

func (s *sessionKV) Clear(ctx context.Context, prefix string) error {
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return s.client.Del(qctx, keys...).Err()
}

func (s *sessionKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	stored, err := s.scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(stored))
	for _, k := range stored {
		keys = append(keys, k[len(s.session)+1:])
	}
	return keys, nil
}

func (s *sessionKV) Entries(ctx context.Context, prefix string) ([]*Entry, error) {
	stored, err := s.scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(stored))
	for _, k := range stored {
		qctx, cancel := s.queryCtx(ctx)
		data, err := s.client.Get(qctx, k).Bytes()
		cancel()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			// Corrupt records behave as absent.
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

func (s *sessionKV) Touch(ctx context.Context, key string) error {
	e, err := s.Get(ctx, key)
	if err != nil || e == nil {
		return err
	}
	e.Hits++
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return s.client.Set(qctx, s.storedKey(key), data, redis.KeepTTL).Err()
}

func (s *sessionKV) MemoryUsage(ctx context.Context, prefix string) (int64, error) {
	stored, err := s.scan(ctx, prefix)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, k := range stored {
		qctx, cancel := s.queryCtx(ctx)
		n, err := s.client.StrLen(qctx, k).Result()
		cancel()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// scan returns the stored (session-prefixed) keys matching prefix.
func (s *sessionKV) scan(ctx context.Context, prefix string) ([]string, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var keys []string
	iter := s.client.Scan(qctx, 0, s.session+":"+prefix+"*", 100).Iterator()
	for iter.Next(qctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Close ends the session: every key written under this store's session
// identifier is removed. The Redis client itself is left to its owner.
func (s *sessionKV) Close() error {
	var closeErr error
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.queryTimeout)
		defer cancel()
		var keys []string
		iter := s.client.Scan(ctx, 0, s.session+":*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			closeErr = err
			return
		}
		if len(keys) > 0 {
			closeErr = s.client.Del(ctx, keys...).Err()
		}
	})
	return closeErr
}
