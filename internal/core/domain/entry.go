package domain

import (
	"slices"
	"time"

	"go.trai.ch/zerr"
)

// CacheEntry is the record stored for one compiled artifact. Entries are
// replaced, never edited in place.
type CacheEntry struct {
	Key          CacheKey  `json:"key"`
	Path         string    `json:"path"`
	Data         Artifact  `json:"data"`
	Checksum     Digest    `json:"checksum"`
	CreatedAt    time.Time `json:"created_at"`
	Dependencies []string  `json:"dependencies"`
	SizeBytes    int64     `json:"size_bytes"`
}

// NewCacheEntry builds an entry for artifact and stamps its checksum and size.
func NewCacheEntry(key CacheKey, path string, artifact Artifact, deps []string, now time.Time) *CacheEntry {
	sum, size := artifact.Checksum()
	return &CacheEntry{
		Key:          key,
		Path:         path,
		Data:         artifact,
		Checksum:     sum,
		CreatedAt:    now,
		Dependencies: slices.Clone(deps),
		SizeBytes:    size,
	}
}

// Verify recomputes the checksum over the artifact and compares it with the
// stored one.
func (e *CacheEntry) Verify() error {
	sum, size := e.Data.Checksum()
	if sum != e.Checksum {
		return zerr.With(zerr.With(ErrCacheCorruption, "key", e.Key.String()), "reason", "checksum mismatch")
	}
	if size != e.SizeBytes {
		return zerr.With(zerr.With(ErrCacheCorruption, "key", e.Key.String()), "reason", "size mismatch")
	}
	return nil
}

// Expired reports whether the entry is older than maxAge. A non-positive
// maxAge disables expiry.
func (e *CacheEntry) Expired(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > maxAge
}

// References reports whether id names this entry: its key, its source path
// or one of its recorded dependencies.
func (e *CacheEntry) References(id string) bool {
	if string(e.Key) == id || e.Path == id {
		return true
	}
	return slices.Contains(e.Dependencies, id)
}
