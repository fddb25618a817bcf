package cas

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.trai.ch/kiln/internal/core/domain"
)

// memoryTier is a least-recently-used cache bounded by entry count and total
// artifact size. It has its own lock so a hit never waits on disk I/O.
type memoryTier struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[domain.CacheKey, *domain.CacheEntry]
	bytes     int64
	budget    int64
	maxAge    time.Duration
	evictions uint64
}

func newMemoryTier(maxItems int, budget int64, maxAge time.Duration) *memoryTier {
	m := &memoryTier{budget: budget, maxAge: maxAge}
	// NewLRU only fails for a non-positive size, which options validation rules out.
	m.lru, _ = simplelru.NewLRU(maxItems, func(_ domain.CacheKey, e *domain.CacheEntry) {
		m.bytes -= e.SizeBytes
	})
	return m
}

// get returns the entry for key. Expired entries are dropped and reported as
// a miss; entries failing verification are dropped and the error returned.
func (m *memoryTier) get(key domain.CacheKey, now time.Time) (*domain.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lru.Get(key)
	if !ok {
		return nil, nil
	}
	if entry.Expired(now, m.maxAge) {
		m.lru.Remove(key)
		return nil, nil
	}
	if err := entry.Verify(); err != nil {
		m.lru.Remove(key)
		return nil, err
	}
	return entry, nil
}

// set stores entry, evicting least-recently-used entries until both bounds
// hold. Entries larger than the whole budget are not kept.
func (m *memoryTier) set(entry *domain.CacheEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lru.Remove(entry.Key)
	if entry.SizeBytes > m.budget {
		return
	}

	m.bytes += entry.SizeBytes
	if m.lru.Add(entry.Key, entry) {
		m.evictions++
	}
	for m.bytes > m.budget {
		if _, _, ok := m.lru.RemoveOldest(); !ok {
			break
		}
		m.evictions++
	}
}

// contains reports whether key holds an unexpired entry without touching
// recency.
func (m *memoryTier) contains(key domain.CacheKey, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lru.Peek(key)
	return ok && !entry.Expired(now, m.maxAge)
}

// invalidate removes every entry referencing id and returns the removed keys.
func (m *memoryTier) invalidate(id string) []domain.CacheKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []domain.CacheKey
	for _, key := range m.lru.Keys() {
		entry, ok := m.lru.Peek(key)
		if ok && entry.References(id) {
			m.lru.Remove(key)
			removed = append(removed, key)
		}
	}
	return removed
}

// expire drops entries older than maxAge.
func (m *memoryTier) expire(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, key := range m.lru.Keys() {
		entry, ok := m.lru.Peek(key)
		if ok && entry.Expired(now, m.maxAge) {
			m.lru.Remove(key)
			n++
		}
	}
	return n
}

func (m *memoryTier) purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Purge()
	m.bytes = 0
	m.evictions = 0
}

func (m *memoryTier) snapshot() (entries int, bytes int64, evictions uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len(), m.bytes, m.evictions
}
