package ports

import "go.trai.ch/kiln/internal/core/domain"

// Hasher computes content digests and cache keys.
//
//go:generate mockgen -destination=mocks/hasher_mock.go -package=mocks -source=hasher.go
type Hasher interface {
	// Digest returns the digest of data.
	Digest(data []byte) domain.Digest
	// Key derives a cache key from a logical identifier and salts.
	Key(id string, salts ...string) domain.CacheKey
	// FileDigest reads path and returns the digest of its content.
	// It returns domain.ErrSourceNotFound when the file does not exist.
	FileDigest(path string) (domain.Digest, error)
	// ReadFile returns the content of path together with its digest.
	ReadFile(path string) ([]byte, domain.Digest, error)
}
