package ports

import "go.trai.ch/kiln/internal/core/domain"

// ArtifactStore is the two-tier cache of compiled artifacts. Every failure
// inside the store degrades to a miss; callers never need to handle a
// corrupted or unreadable entry.
//
//go:generate mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks
type ArtifactStore interface {
	// Get returns the artifact stored under key.
	Get(key domain.CacheKey) (domain.Artifact, bool)

	// Set stores artifact under key. path is the source file it was compiled
	// from and deps the modules it imports. A returned error is informational:
	// the entry is still served from memory.
	Set(key domain.CacheKey, path string, artifact domain.Artifact, deps []string) error

	// Has reports whether key is present without touching statistics.
	Has(key domain.CacheKey) bool

	// Invalidate removes every entry whose key, source path or dependency
	// list matches id and returns how many were removed.
	Invalidate(id string) int

	// Clear removes every entry from both tiers and resets statistics.
	Clear() error

	// Optimize removes expired entries and enforces the disk budget.
	Optimize() (domain.OptimizeReport, error)

	// Stats returns a snapshot of the cache counters.
	Stats() domain.CacheStats

	// Close flushes pending index writes.
	Close() error
}
