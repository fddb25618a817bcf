package fs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	iofs "io/fs"

	"github.com/spf13/afero"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.Hasher = (*Hasher)(nil)

// Hasher computes SHA-256 digests of byte slices and files.
type Hasher struct {
	fs afero.Fs
}

// NewHasher creates a Hasher that reads files through fsys.
func NewHasher(fsys afero.Fs) *Hasher {
	return &Hasher{fs: fsys}
}

// Digest returns the digest of data.
func (h *Hasher) Digest(data []byte) domain.Digest {
	return domain.DigestOf(data)
}

// Key derives a cache key from id and salts.
func (h *Hasher) Key(id string, salts ...string) domain.CacheKey {
	return domain.KeyOf(id, salts...)
}

// FileDigest streams the file at path through SHA-256.
func (h *Hasher) FileDigest(path string) (domain.Digest, error) {
	f, err := h.fs.Open(path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return "", zerr.With(domain.ErrSourceNotFound, "path", path)
		}
		return "", zerr.With(zerr.Wrap(err, domain.ErrSourceReadFailed.Error()), "path", path)
	}
	defer f.Close() //nolint:errcheck // Best effort close in defer

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", zerr.With(zerr.Wrap(err, domain.ErrSourceReadFailed.Error()), "path", path)
	}
	return domain.Digest(hex.EncodeToString(sum.Sum(nil))), nil
}

// ReadFile returns the content of path together with its digest.
func (h *Hasher) ReadFile(path string) ([]byte, domain.Digest, error) {
	data, err := afero.ReadFile(h.fs, path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, "", zerr.With(domain.ErrSourceNotFound, "path", path)
		}
		return nil, "", zerr.With(zerr.Wrap(err, domain.ErrSourceReadFailed.Error()), "path", path)
	}
	return data, domain.DigestOf(data), nil
}
