// Package cas implements the two-tier artifact cache.
package cas

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.ArtifactStore = (*Store)(nil)

const lockStripes = 64

// Options bound the two tiers.
type Options struct {
	Dir            string
	MaxMemoryItems int
	MemoryBudget   int64
	DiskBudget     int64
	MaxAge         time.Duration
}

// OptionsFromConfig derives store options from the engine configuration.
func OptionsFromConfig(cfg domain.Config) Options {
	return Options{
		Dir:            cfg.CacheDir,
		MaxMemoryItems: cfg.MaxMemoryItems,
		MemoryBudget:   cfg.MemoryBudget(),
		DiskBudget:     cfg.DiskBudget(),
		MaxAge:         cfg.MaxAge,
	}
}

func (o Options) validate() error {
	switch {
	case o.Dir == "":
		return zerr.With(domain.ErrInvalidConfig, "field", "cacheDir")
	case o.MaxMemoryItems < 1:
		return zerr.With(zerr.With(domain.ErrInvalidConfig, "field", "maxMemoryItems"), "value", o.MaxMemoryItems)
	case o.MemoryBudget < 1:
		return zerr.With(zerr.With(domain.ErrInvalidConfig, "field", "memoryBudget"), "value", o.MemoryBudget)
	case o.DiskBudget < 1:
		return zerr.With(zerr.With(domain.ErrInvalidConfig, "field", "diskBudget"), "value", o.DiskBudget)
	}
	return nil
}

// Store is the artifact cache: a bounded memory tier in front of a persistent
// disk tier. Writes are serialized per key; lookups never block on writes to
// other keys.
type Store struct {
	logger ports.Logger
	opts   Options
	mem    *memoryTier
	disk   *diskTier
	locks  [lockStripes]sync.Mutex
	now    func() time.Time

	hits        atomic.Uint64
	misses      atomic.Uint64
	memoryHits  atomic.Uint64
	diskHits    atomic.Uint64
	diskReads   atomic.Uint64
	diskWrites  atomic.Uint64
	diskEvicted atomic.Uint64
	corruptions atomic.Uint64
}

// NewStore opens the cache below opts.Dir. When the directory cannot be
// created the store runs memory-only and logs a warning.
func NewStore(fsys afero.Fs, logger ports.Logger, opts Options) (*Store, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	s := &Store{
		logger: logger,
		opts:   opts,
		mem:    newMemoryTier(opts.MaxMemoryItems, opts.MemoryBudget, opts.MaxAge),
		now:    time.Now,
	}

	disk, err := newDiskTier(fsys, opts.Dir)
	if err != nil {
		logger.Warn("disk cache unavailable, using memory only: " + err.Error())
		return s, nil
	}
	if err := disk.load(); err != nil {
		logger.Warn("cache index discarded: " + err.Error())
	}
	s.disk = disk
	return s, nil
}

func (s *Store) lockFor(key domain.CacheKey) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(string(key))%lockStripes]
}

// Get returns the artifact for key from the memory tier, or from the disk
// tier after verification. A disk hit is promoted into memory.
func (s *Store) Get(key domain.CacheKey) (domain.Artifact, bool) {
	now := s.now()

	entry, err := s.mem.get(key, now)
	if err != nil {
		s.corruptions.Add(1)
		s.logger.Warn(err.Error())
	}
	if entry != nil {
		s.hits.Add(1)
		s.memoryHits.Add(1)
		return entry.Data, true
	}

	if s.disk == nil {
		s.misses.Add(1)
		return domain.Artifact{}, false
	}

	entry = s.readDisk(key, now)
	if entry == nil {
		s.misses.Add(1)
		return domain.Artifact{}, false
	}

	s.mem.set(entry)
	s.hits.Add(1)
	s.diskHits.Add(1)
	return entry.Data, true
}

func (s *Store) readDisk(key domain.CacheKey, now time.Time) *domain.CacheEntry {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if !s.disk.has(key) {
		return nil
	}

	s.diskReads.Add(1)
	entry, rec, err := s.disk.read(key)
	switch {
	case isCorrupt(err) && !s.disk.current(key, rec):
		// Removed or replaced while the payload was read.
		return nil
	case isCorrupt(err):
		s.corruptions.Add(1)
		s.logger.Warn(err.Error())
		s.dropDisk(key)
		return nil
	case err != nil:
		s.logger.Warn(err.Error())
		return nil
	case entry == nil:
		return nil
	case entry.Expired(now, s.opts.MaxAge):
		s.dropDisk(key)
		return nil
	}
	return entry
}

func (s *Store) dropDisk(keys ...domain.CacheKey) int64 {
	freed, err := s.disk.remove(keys...)
	if err != nil {
		s.logger.Warn(err.Error())
	}
	return freed
}

// Set stores artifact in both tiers and enforces the disk budget. A disk
// failure is logged and returned; the entry is still served from memory.
func (s *Store) Set(key domain.CacheKey, path string, artifact domain.Artifact, deps []string) error {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	entry := domain.NewCacheEntry(key, path, artifact, deps, s.now())
	s.mem.set(entry)

	if s.disk == nil {
		return nil
	}

	s.diskWrites.Add(1)
	if err := s.disk.write(entry); err != nil {
		err = zerr.With(err, "path", path)
		s.logger.Warn("cache write degraded to memory: " + err.Error())
		return err
	}

	if victims := s.disk.overBudget(s.opts.DiskBudget); len(victims) > 0 {
		s.dropDisk(victims...)
		s.diskEvicted.Add(uint64(len(victims)))
	}
	return nil
}

// Has reports whether an unexpired entry for key is cached in either tier. It
// does not verify the entry and does not count as a lookup.
func (s *Store) Has(key domain.CacheKey) bool {
	now := s.now()
	if s.mem.contains(key, now) {
		return true
	}
	return s.disk != nil && s.disk.fresh(key, now, s.opts.MaxAge)
}

// Invalidate removes every entry whose key, source path or dependency list
// matches id. It returns the number of distinct keys removed.
func (s *Store) Invalidate(id string) int {
	removed := make(map[domain.CacheKey]struct{})
	for _, key := range s.mem.invalidate(id) {
		removed[key] = struct{}{}
	}
	if s.disk != nil {
		keys := s.disk.referencing(id)
		for _, key := range keys {
			removed[key] = struct{}{}
		}
		s.dropDisk(keys...)
	}
	return len(removed)
}

// Clear empties both tiers and resets the statistics.
func (s *Store) Clear() error {
	s.mem.purge()
	for _, c := range []*atomic.Uint64{
		&s.hits, &s.misses, &s.memoryHits, &s.diskHits,
		&s.diskReads, &s.diskWrites, &s.diskEvicted, &s.corruptions,
	} {
		c.Store(0)
	}
	if s.disk == nil {
		return nil
	}
	return s.disk.clear()
}

// Optimize removes expired entries from both tiers and evicts the largest
// disk entries until the disk tier fits its budget. Largest-first keeps the
// pass linear in the index size without tracking access times on disk.
func (s *Store) Optimize() (domain.OptimizeReport, error) {
	now := s.now()
	report := domain.OptimizeReport{Expired: s.mem.expire(now)}
	if s.disk == nil {
		return report, nil
	}

	expired := s.disk.expired(now, s.opts.MaxAge)
	freed, err := s.disk.remove(expired...)
	report.Expired += len(expired)
	report.FreedBytes += freed

	victims := s.disk.overBudget(s.opts.DiskBudget)
	evictedBytes, evictErr := s.disk.remove(victims...)
	report.Evicted = len(victims)
	report.FreedBytes += evictedBytes
	s.diskEvicted.Add(uint64(len(victims)))

	if err := errors.Join(err, evictErr); err != nil {
		return report, err
	}
	return report, nil
}

// Stats returns a snapshot of the cache counters.
func (s *Store) Stats() domain.CacheStats {
	memEntries, memBytes, memEvictions := s.mem.snapshot()
	stats := domain.CacheStats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		MemoryHits:    s.memoryHits.Load(),
		DiskHits:      s.diskHits.Load(),
		Evictions:     memEvictions + s.diskEvicted.Load(),
		DiskReads:     s.diskReads.Load(),
		DiskWrites:    s.diskWrites.Load(),
		Corruptions:   s.corruptions.Load(),
		MemoryEntries: memEntries,
		MemoryBytes:   memBytes,
	}
	if s.disk != nil {
		stats.DiskEntries, stats.DiskBytes = s.disk.snapshot()
	}
	stats.TotalSize = stats.MemoryBytes + stats.DiskBytes
	return stats
}

// Close persists the index and releases the codec resources.
func (s *Store) Close() error {
	if s.disk == nil {
		return nil
	}
	err := s.disk.save()
	s.disk.close()
	return err
}
