// Package cache provides the content-addressed response cache that
// shortcuts repeated language-model and synthesis requests.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/lyravoice/lyra-core/core/providers"
)

type entry struct {
	capability providers.Capability
	payload    []byte
	createdAt  time.Time
	hits       int64
}

// Stats reports cache performance counters.
type Stats struct {
	Entries int
	Bytes   int64
	Hits    int64
	Misses  int64
}

// Cache is a least-recently-used response cache bounded by both entry
// count and total byte size; whichever bound trips first evicts.
//
// Language-model text entries expire past the freshness ceiling so stale
// generations are never replayed. Synthesized audio is a pure function of
// text and voice and never expires.
type Cache struct {
	mu sync.Mutex

	entries    *simplelru.LRU[Fingerprint, *entry]
	totalBytes int64

	maxEntries    int
	maxBytes      int64
	textFreshness time.Duration

	hits   int64
	misses int64

	now func() time.Time
}

type Option func(*Cache)

// WithClock overrides the cache's time source. Used by freshness tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache bounded to maxEntries entries and maxBytes total
// payload bytes, with textFreshness as the language-model staleness
// ceiling.
func New(maxEntries int, maxBytes int64, textFreshness time.Duration, opts ...Option) (*Cache, error) {
	cache := &Cache{
		maxEntries:    maxEntries,
		maxBytes:      maxBytes,
		textFreshness: textFreshness,
		now:           time.Now,
	}

	entries, err := simplelru.NewLRU[Fingerprint, *entry](maxEntries, func(_ Fingerprint, evicted *entry) {
		cache.totalBytes -= int64(len(evicted.payload))
	})
	if err != nil {
		return nil, err
	}
	cache.entries = entries

	for _, opt := range opts {
		opt(cache)
	}

	return cache, nil
}

// Cacheable reports whether a generation request may be cached at all.
// Nonzero temperature makes outputs non-deterministic, so only
// deterministic requests participate.
func Cacheable(params providers.GenerateParams) bool {
	return params.Temperature == 0
}

// Get returns the cached payload for a fingerprint, or a miss. Expired
// text entries are removed on access and report as misses.
func (c *Cache) Get(fingerprint Fingerprint) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.entries.Get(fingerprint)
	if !ok {
		c.misses++
		return nil, false
	}

	if cached.capability == providers.CapabilityLanguageModel &&
		c.textFreshness > 0 &&
		c.now().Sub(cached.createdAt) > c.textFreshness {
		c.entries.Remove(fingerprint)
		c.misses++
		return nil, false
	}

	cached.hits++
	c.hits++
	return cached.payload, true
}

// Put stores a payload under a fingerprint, evicting least-recently-used
// entries until both capacity bounds hold. Payloads larger than the byte
// bound are silently skipped rather than flushing the whole cache.
func (c *Cache) Put(fingerprint Fingerprint, capability providers.Capability, payload []byte) {
	size := int64(len(payload))
	if size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if previous, ok := c.entries.Peek(fingerprint); ok {
		c.totalBytes -= int64(len(previous.payload))
	}

	stored := make([]byte, len(payload))
	copy(stored, payload)

	c.entries.Add(fingerprint, &entry{
		capability: capability,
		payload:    stored,
		createdAt:  c.now(),
	})
	c.totalBytes += size

	for c.totalBytes > c.maxBytes && c.entries.Len() > 1 {
		c.entries.RemoveOldest()
	}
}

// Stats returns a point-in-time snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries: c.entries.Len(),
		Bytes:   c.totalBytes,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}
