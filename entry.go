package cachekit

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Entry is the stored unit associating a key with a value, its creation
// time, TTL, and usage bookkeeping. The cache never interprets Value or
// Metadata; both are opaque to every backend.
type Entry struct {
	Key       string         `json:"key" msgpack:"key"`
	Value     any            `json:"value" msgpack:"value"`
	Timestamp time.Time      `json:"timestamp" msgpack:"timestamp"`
	TTL       time.Duration  `json:"ttl" msgpack:"ttl"`
	Hits      int            `json:"hits" msgpack:"hits"`
	Size      int64          `json:"size" msgpack:"size"`
	Metadata  map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// NewEntry returns an Entry created now with an estimated serialized size.
// A ttl <= 0 means the entry never expires.
func NewEntry(key string, value any, ttl time.Duration) *Entry {
	return &Entry{
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
		TTL:       ttl,
		Size:      estimateSize(value),
	}
}

// Live reports whether the entry has not expired as of now. An entry with
// TTL <= 0 never expires. A non-live entry must behave as absent for every
// read even while physically stored.
func (e *Entry) Live(now time.Time) bool {
	if e.TTL <= 0 {
		return true
	}
	return now.Before(e.Timestamp.Add(e.TTL))
}

// ExpiresAt returns the instant the entry stops being live, or the zero
// time if it never expires.
func (e *Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.Timestamp.Add(e.TTL)
}

// estimateSize returns the msgpack-encoded length of val. Values that
// cannot be encoded get size 0; they are still cacheable by backends that
// never serialize (in-memory).
func estimateSize(val any) int64 {
	data, err := msgpack.Marshal(val)
	if err != nil {
		return 0
	}
	return int64(len(data))
}
