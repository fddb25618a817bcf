package cas

import (
	"cmp"
	"encoding/json"
	"errors"
	"io/fs"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/zerr"
)

// indexVersion is the persisted index format. An index with another version
// is discarded.
const indexVersion = 1

// indexRecord locates and describes one payload on disk.
type indexRecord struct {
	Location     string        `json:"location"`
	Checksum     domain.Digest `json:"checksum"`
	SizeBytes    int64         `json:"size_bytes"`
	Path         string        `json:"path"`
	Dependencies []string      `json:"dependencies"`
	CreatedAt    time.Time     `json:"created_at"`
}

func (r indexRecord) references(key domain.CacheKey, id string) bool {
	return string(key) == id || r.Path == id || slices.Contains(r.Dependencies, id)
}

type indexFile struct {
	Version int                             `json:"version"`
	Entries map[domain.CacheKey]indexRecord `json:"entries"`
}

// diskTier persists zstd compressed JSON payloads below dir together with an
// index. Payloads and the index are written to a temporary file and renamed
// into place, so a reader sees either the old or the new file.
type diskTier struct {
	fs  afero.Fs
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder

	mu    sync.RWMutex
	index map[domain.CacheKey]indexRecord
	bytes int64

	saveMu sync.Mutex

	// afterIndexRead runs between the index lookup and the payload read.
	afterIndexRead func()
}

func newDiskTier(fsys afero.Fs, dir string) (*diskTier, error) {
	if err := fsys.MkdirAll(filepath.Join(dir, domain.ObjectsDirName), domain.DirPerm); err != nil {
		return nil, zerr.With(zerr.Wrap(err, domain.ErrCacheCreateFailed.Error()), "dir", dir)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, zerr.Wrap(err, domain.ErrCacheCreateFailed.Error())
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, zerr.Wrap(err, domain.ErrCacheCreateFailed.Error())
	}
	return &diskTier{
		fs:    fsys,
		dir:   dir,
		enc:   enc,
		dec:   dec,
		index: make(map[domain.CacheKey]indexRecord),
	}, nil
}

// load reads the persisted index. A missing index is an empty cache; an
// unreadable one is reported and the tier starts empty.
func (d *diskTier) load() error {
	data, err := afero.ReadFile(d.fs, domain.IndexPath(d.dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return zerr.Wrap(err, domain.ErrIndexReadFailed.Error())
	}

	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrIndexReadFailed.Error()), "path", domain.IndexPath(d.dir))
	}
	if idx.Version != indexVersion {
		return zerr.With(domain.ErrIndexReadFailed, "version", idx.Version)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for key, rec := range idx.Entries {
		d.index[key] = rec
		d.bytes += rec.SizeBytes
	}
	return nil
}

func (d *diskTier) has(key domain.CacheKey) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.index[key]
	return ok
}

// fresh reports whether key is indexed and younger than maxAge.
func (d *diskTier) fresh(key domain.CacheKey, now time.Time, maxAge time.Duration) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.index[key]
	return ok && (maxAge <= 0 || now.Sub(rec.CreatedAt) <= maxAge)
}

// current reports whether the index still holds rec for key.
func (d *diskTier) current(key domain.CacheKey, rec indexRecord) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	got, ok := d.index[key]
	return ok && got.Location == rec.Location && got.Checksum == rec.Checksum && got.CreatedAt.Equal(rec.CreatedAt)
}

// read loads and verifies the payload for key and returns the index record it
// checked against. It returns nil without error when the key is not indexed,
// and domain.ErrCacheCorruption when the payload is missing, undecodable or
// disagrees with the index.
func (d *diskTier) read(key domain.CacheKey) (*domain.CacheEntry, indexRecord, error) {
	d.mu.RLock()
	rec, ok := d.index[key]
	d.mu.RUnlock()
	if !ok {
		return nil, rec, nil
	}
	if d.afterIndexRead != nil {
		d.afterIndexRead()
	}

	raw, err := afero.ReadFile(d.fs, filepath.Join(d.dir, rec.Location))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, rec, corruption(key, "payload missing")
		}
		return nil, rec, zerr.With(zerr.Wrap(err, domain.ErrCacheIO.Error()), "key", key.String())
	}

	plain, err := d.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, rec, corruption(key, "payload not decompressible")
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal(plain, &entry); err != nil {
		return nil, rec, corruption(key, "payload not decodable")
	}
	if entry.Key != key {
		return nil, rec, corruption(key, "key mismatch")
	}
	if entry.Checksum != rec.Checksum {
		return nil, rec, corruption(key, "index checksum mismatch")
	}
	if err := entry.Verify(); err != nil {
		return nil, rec, corruptError{err: err}
	}
	return &entry, rec, nil
}

// write persists entry and its index record.
func (d *diskTier) write(entry *domain.CacheEntry) error {
	plain, err := json.Marshal(entry)
	if err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrPayloadEncodeFailed.Error()), "key", entry.Key.String())
	}

	location := filepath.Join(domain.ObjectsDirName, entry.Key.Shard(), entry.Key.String()+domain.EntryExt)
	if err := d.writeAtomic(filepath.Join(d.dir, location), d.enc.EncodeAll(plain, nil)); err != nil {
		return zerr.With(err, "key", entry.Key.String())
	}

	d.mu.Lock()
	if prev, ok := d.index[entry.Key]; ok {
		d.bytes -= prev.SizeBytes
	}
	d.index[entry.Key] = indexRecord{
		Location:     location,
		Checksum:     entry.Checksum,
		SizeBytes:    entry.SizeBytes,
		Path:         entry.Path,
		Dependencies: entry.Dependencies,
		CreatedAt:    entry.CreatedAt,
	}
	d.bytes += entry.SizeBytes
	d.mu.Unlock()

	return d.save()
}

// remove deletes the given keys from the index and their payloads from disk.
// It returns the bytes freed.
func (d *diskTier) remove(keys ...domain.CacheKey) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	var freed int64
	var locations []string
	d.mu.Lock()
	for _, key := range keys {
		rec, ok := d.index[key]
		if !ok {
			continue
		}
		delete(d.index, key)
		d.bytes -= rec.SizeBytes
		freed += rec.SizeBytes
		locations = append(locations, rec.Location)
	}
	d.mu.Unlock()

	var errs error
	for _, loc := range locations {
		if err := d.fs.Remove(filepath.Join(d.dir, loc)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = errors.Join(errs, zerr.With(zerr.Wrap(err, domain.ErrCacheIO.Error()), "location", loc))
		}
	}
	return freed, errors.Join(errs, d.save())
}

// matching returns the keys whose records satisfy keep, sorted.
func (d *diskTier) matching(keep func(domain.CacheKey, indexRecord) bool) []domain.CacheKey {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var keys []domain.CacheKey
	for key, rec := range d.index {
		if keep(key, rec) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

func (d *diskTier) referencing(id string) []domain.CacheKey {
	return d.matching(func(key domain.CacheKey, rec indexRecord) bool {
		return rec.references(key, id)
	})
}

func (d *diskTier) expired(now time.Time, maxAge time.Duration) []domain.CacheKey {
	if maxAge <= 0 {
		return nil
	}
	return d.matching(func(_ domain.CacheKey, rec indexRecord) bool {
		return now.Sub(rec.CreatedAt) > maxAge
	})
}

// overBudget returns the keys to evict, largest first, so that the remaining
// entries fit in budget. Ties are broken by key for a stable order.
func (d *diskTier) overBudget(budget int64) []domain.CacheKey {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.bytes <= budget {
		return nil
	}

	keys := slices.SortedFunc(maps.Keys(d.index), func(a, b domain.CacheKey) int {
		if c := cmp.Compare(d.index[b].SizeBytes, d.index[a].SizeBytes); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	total := d.bytes
	var victims []domain.CacheKey
	for _, key := range keys {
		if total <= budget {
			break
		}
		victims = append(victims, key)
		total -= d.index[key].SizeBytes
	}
	return victims
}

// clear removes every payload and the index.
func (d *diskTier) clear() error {
	d.mu.Lock()
	clear(d.index)
	d.bytes = 0
	d.mu.Unlock()

	objects := filepath.Join(d.dir, domain.ObjectsDirName)
	if err := d.fs.RemoveAll(objects); err != nil {
		return zerr.Wrap(err, domain.ErrCacheIO.Error())
	}
	if err := d.fs.MkdirAll(objects, domain.DirPerm); err != nil {
		return zerr.Wrap(err, domain.ErrCacheIO.Error())
	}
	return d.save()
}

func (d *diskTier) snapshot() (entries int, bytes int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.index), d.bytes
}

// save persists the current index. Saves are serialized and each one takes
// its snapshot under saveMu, so a later save never loses to an earlier one.
func (d *diskTier) save() error {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()

	d.mu.RLock()
	data, err := json.MarshalIndent(indexFile{Version: indexVersion, Entries: d.index}, "", "  ")
	d.mu.RUnlock()
	if err != nil {
		return zerr.Wrap(err, domain.ErrIndexWriteFailed.Error())
	}

	if err := d.writeAtomic(domain.IndexPath(d.dir), data); err != nil {
		return zerr.Wrap(err, domain.ErrIndexWriteFailed.Error())
	}
	return nil
}

func (d *diskTier) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := d.fs.MkdirAll(dir, domain.DirPerm); err != nil {
		return zerr.Wrap(err, domain.ErrCacheIO.Error())
	}

	tmp, err := afero.TempFile(d.fs, dir, ".tmp-*")
	if err != nil {
		return zerr.Wrap(err, domain.ErrCacheIO.Error())
	}
	name := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = d.fs.Remove(name)
		return zerr.Wrap(err, domain.ErrCacheIO.Error())
	}
	if err := tmp.Close(); err != nil {
		_ = d.fs.Remove(name)
		return zerr.Wrap(err, domain.ErrCacheIO.Error())
	}
	if err := d.fs.Rename(name, path); err != nil {
		_ = d.fs.Remove(name)
		return zerr.Wrap(err, domain.ErrCacheIO.Error())
	}
	return nil
}

func (d *diskTier) close() {
	_ = d.enc.Close()
	d.dec.Close()
}

// corruptError marks a payload that must be discarded. Reads fail with it
// for content problems and with a plain error for I/O problems.
type corruptError struct {
	err error
}

func (e corruptError) Error() string { return e.err.Error() }

func (e corruptError) Unwrap() error { return e.err }

func corruption(key domain.CacheKey, reason string) error {
	return corruptError{err: zerr.With(zerr.With(domain.ErrCacheCorruption, "key", key.String()), "reason", reason)}
}

func isCorrupt(err error) bool {
	var c corruptError
	return errors.As(err, &c)
}
