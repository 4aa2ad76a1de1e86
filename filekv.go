package cachekit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

const fileExt = ".json"

// persistentKV is the persistent key-value backend: one JSON file per key
// in a directory, entry metadata inline in the JSON. Data survives process
// restarts; any store pointed at the same directory sees the same entries.
type persistentKV struct {
	dir   string
	mutex sync.Mutex
	cfg   config
}

var _ Store = (*persistentKV)(nil)

// NewPersistentKV returns a persistent Store rooted at dir, creating the
// directory if needed.
func NewPersistentKV(dir string, opts ...Option) (Store, error) {
	if dir == "" {
		return nil, errors.New("cachekit: persistent store requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "cachekit: create store directory")
	}
	return &persistentKV{dir: dir, cfg: applyOptions(opts)}, nil
}

// path maps a key to its file. Keys are base64url-encoded so arbitrary key
// strings stay filesystem-safe and decodable for enumeration.
func (s *persistentKV) path(key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key)) + fileExt
	return filepath.Join(s.dir, name)
}

func (s *persistentKV) Get(_ context.Context, key string) (*Entry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
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

func (s *persistentKV) Set(_ context.Context, key string, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return os.WriteFile(s.path(key), data, 0o644)
}

func (s *persistentKV) Delete(_ context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *persistentKV) Clear(ctx context.Context, prefix string) error {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, key := range keys {
		if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *persistentKV) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	names, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, entry := range names {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(entry.Name(), fileExt))
		if err != nil {
			// Foreign files in the directory are not ours to report.
			continue
		}
		if key := string(raw); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *persistentKV) Entries(ctx context.Context, prefix string) ([]*Entry, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		e, err := s.Get(ctx, key)
		if err != nil {
			// Corrupt records behave as absent.
			continue
		}
		if e != nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *persistentKV) Touch(ctx context.Context, key string) error {
	e, err := s.Get(ctx, key)
	if err != nil || e == nil {
		return err
	}
	e.Hits++
	return s.Set(ctx, key, e)
}

func (s *persistentKV) MemoryUsage(ctx context.Context, prefix string) (int64, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var total int64
	for _, key := range keys {
		info, err := os.Stat(s.path(key))
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

func (s *persistentKV) Close() error {
	return nil
}
