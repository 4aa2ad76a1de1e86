package cachekit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memoryStore is the volatile in-process backend: a mutex-guarded map with
// an optional background sweep. Values are stored as-is with no copying,
// so mutations to stored pointers are visible through the cache. All data
// is lost on process restart.
type memoryStore struct {
	ctx       context.Context
	cancel    context.CancelFunc
	entries   map[string]*Entry
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Store = (*memoryStore)(nil)

// NewMemory returns a volatile in-process Store. A background goroutine
// sweeps expired entries at the WithExpiryCheck interval until the parent
// context is canceled or the store is closed.
func NewMemory(parent context.Context, opts ...Option) Store {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	s := &memoryStore{
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*Entry),
		cfg:     cfg,
	}
	s.waitGroup.Add(1)
	go s.run()
	return s
}

func (s *memoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return e, nil
}

func (s *memoryStore) Set(_ context.Context, key string, e *Entry) error {
	s.mutex.Lock()
	s.entries[key] = e
	s.mutex.Unlock()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mutex.Lock()
	delete(s.entries, key)
	s.mutex.Unlock()
	return nil
}

func (s *memoryStore) Clear(_ context.Context, prefix string) error {
	s.mutex.Lock()
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}
	s.mutex.Unlock()
	return nil
}

func (s *memoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *memoryStore) Entries(_ context.Context, prefix string) ([]*Entry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	entries := make([]*Entry, 0, len(s.entries))
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *memoryStore) Touch(_ context.Context, key string) error {
	s.mutex.Lock()
	if e, ok := s.entries[key]; ok {
		e.Hits++
	}
	s.mutex.Unlock()
	return nil
}

func (s *memoryStore) MemoryUsage(_ context.Context, prefix string) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var total int64
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) {
			total += e.Size
		}
	}
	return total, nil
}

func (s *memoryStore) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
	})
	return nil
}

func (s *memoryStore) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.mutex.Lock()
			for key, e := range s.entries {
				if !e.Live(now) {
					delete(s.entries, key)
				}
			}
			s.mutex.Unlock()
		}
	}
}
