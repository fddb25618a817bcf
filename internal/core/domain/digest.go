package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest is a lowercase hex SHA-256 digest. The empty Digest means "unknown".
type Digest string

// CacheKey identifies a cache entry. It is derived from a logical identifier
// and the digests that must match for the entry to be reused.
type CacheKey string

// DigestOf returns the SHA-256 digest of data. A nil slice digests like an empty one.
func DigestOf(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest(hex.EncodeToString(sum[:]))
}

// KeyOf derives a cache key from id and salts. Parts are NUL separated so that
// ("ab", "c") and ("a", "bc") produce different keys.
func KeyOf(id string, salts ...string) CacheKey {
	h := sha256.New()
	h.Write([]byte(id))
	for _, s := range salts {
		h.Write([]byte{0})
		h.Write([]byte(s))
	}
	return CacheKey(hex.EncodeToString(h.Sum(nil)))
}

// String returns the key as a plain string.
func (k CacheKey) String() string {
	return string(k)
}

// Shard returns the two character fan-out directory for the key.
func (k CacheKey) Shard() string {
	if len(k) < 2 {
		return "00"
	}
	return string(k[:2])
}

// String returns the digest as a plain string.
func (d Digest) String() string {
	return string(d)
}

// Short returns the first 12 characters of the digest for log output.
func (d Digest) Short() string {
	if len(d) <= 12 {
		return string(d)
	}
	return string(d[:12])
}
