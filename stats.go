package cachekit

import "sync"

// Stats is a point-in-time snapshot of cache effectiveness. Derived fields
// are computed when the snapshot is taken; mutating a snapshot has no
// effect on the cache.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	TotalSize   int64   `json:"total_size"`
	EntryCount  int     `json:"entry_count"`
	AverageSize float64 `json:"average_size"`
	MemoryUsage int64   `json:"memory_usage"`
}

// tracker maintains the running hit/miss counters for one Manager. It is
// scoped to the process; counters are not persisted even when the backend
// is durable.
type tracker struct {
	mutex  sync.Mutex
	hits   int64
	misses int64
}

func (t *tracker) hit() {
	t.mutex.Lock()
	t.hits++
	t.mutex.Unlock()
}

func (t *tracker) miss() {
	t.mutex.Lock()
	t.misses++
	t.mutex.Unlock()
}

func (t *tracker) reset() {
	t.mutex.Lock()
	t.hits = 0
	t.misses = 0
	t.mutex.Unlock()
}

// snapshot returns the counters with HitRate filled in. HitRate is 0 when
// no reads have happened yet.
func (t *tracker) snapshot() Stats {
	t.mutex.Lock()
	hits, misses := t.hits, t.misses
	t.mutex.Unlock()
	s := Stats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
