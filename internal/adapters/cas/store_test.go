package cas_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/adapters/cas"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports/mocks"
	"go.uber.org/mock/gomock"
)

const cacheDir = "/repo/.kiln/cache"

func defaultOptions() cas.Options {
	return cas.Options{
		Dir:            cacheDir,
		MaxMemoryItems: 100,
		MemoryBudget:   1 << 20,
		DiskBudget:     1 << 20,
		MaxAge:         time.Hour,
	}
}

func quietLogger(t *testing.T) *mocks.MockLogger {
	t.Helper()
	ctrl := gomock.NewController(t)
	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Warn(gomock.Any()).AnyTimes()
	return logger
}

func newStore(t *testing.T, fsys afero.Fs, opts cas.Options) *cas.Store {
	t.Helper()
	s, err := cas.NewStore(fsys, quietLogger(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func artifactOf(code string) domain.Artifact {
	return domain.Artifact{Code: []byte(code), Meta: map[string]string{"lang": "page"}}
}

func TestStore_RoundTripThroughBothTiers(t *testing.T) {
	fsys := afero.NewMemMapFs()
	key := domain.KeyOf("src/a.page", "d1")
	art := artifactOf("export default 1")

	s := newStore(t, fsys, defaultOptions())
	require.NoError(t, s.Set(key, "src/a.page", art, []string{"src/b.page"}))

	got, ok := s.Get(key)
	require.True(t, ok)
	assert.True(t, art.Equal(got))
	assert.Equal(t, uint64(1), s.Stats().MemoryHits)

	exists, err := afero.Exists(fsys, domain.EntryPath(cacheDir, key))
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, s.Close())

	reopened := newStore(t, fsys, defaultOptions())
	got, ok = reopened.Get(key)
	require.True(t, ok)
	assert.True(t, art.Equal(got))

	stats := reopened.Stats()
	assert.Equal(t, uint64(1), stats.DiskHits)
	assert.Equal(t, 1, stats.MemoryEntries, "disk hit is promoted")

	_, ok = reopened.Get(key)
	require.True(t, ok)
	assert.Equal(t, uint64(1), reopened.Stats().MemoryHits)
}

func TestStore_MissCountsAndHitRate(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs(), defaultOptions())
	key := domain.KeyOf("a")

	assert.Zero(t, s.Stats().HitRate())

	_, ok := s.Get(key)
	assert.False(t, ok)
	require.NoError(t, s.Set(key, "a", artifactOf("x"), nil))
	for range 3 {
		_, ok = s.Get(key)
		assert.True(t, ok)
	}

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 75.0, stats.HitRate(), 0.001)
	assert.Equal(t, uint64(1), stats.DiskWrites)
}

func TestStore_HasDoesNotTouchStats(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs(), defaultOptions())
	key := domain.KeyOf("a")

	assert.False(t, s.Has(key))
	require.NoError(t, s.Set(key, "a", artifactOf("x"), nil))
	assert.True(t, s.Has(key))

	stats := s.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
}

func TestStore_CorruptedPayloadIsMiss(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(t *testing.T, fsys afero.Fs, key domain.CacheKey)
	}{
		{
			name: "flipped bytes",
			tamper: func(t *testing.T, fsys afero.Fs, key domain.CacheKey) {
				t.Helper()
				path := domain.EntryPath(cacheDir, key)
				raw, err := afero.ReadFile(fsys, path)
				require.NoError(t, err)
				for i := len(raw) / 2; i < len(raw)/2+4 && i < len(raw); i++ {
					raw[i] ^= 0xff
				}
				require.NoError(t, afero.WriteFile(fsys, path, raw, domain.FilePerm))
			},
		},
		{
			name: "torn payload",
			tamper: func(t *testing.T, fsys afero.Fs, key domain.CacheKey) {
				t.Helper()
				path := domain.EntryPath(cacheDir, key)
				raw, err := afero.ReadFile(fsys, path)
				require.NoError(t, err)
				require.NoError(t, afero.WriteFile(fsys, path, raw[:len(raw)/3], domain.FilePerm))
			},
		},
		{
			name: "missing payload",
			tamper: func(t *testing.T, fsys afero.Fs, key domain.CacheKey) {
				t.Helper()
				require.NoError(t, fsys.Remove(domain.EntryPath(cacheDir, key)))
			},
		},
		{
			name: "data rewritten without checksum",
			tamper: func(t *testing.T, fsys afero.Fs, key domain.CacheKey) {
				t.Helper()
				path := domain.EntryPath(cacheDir, key)
				raw, err := afero.ReadFile(fsys, path)
				require.NoError(t, err)

				dec, err := zstd.NewReader(nil)
				require.NoError(t, err)
				defer dec.Close()
				plain, err := dec.DecodeAll(raw, nil)
				require.NoError(t, err)

				var entry domain.CacheEntry
				require.NoError(t, json.Unmarshal(plain, &entry))
				entry.Data.Code = []byte("export default 2")
				plain, err = json.Marshal(entry)
				require.NoError(t, err)

				enc, err := zstd.NewWriter(nil)
				require.NoError(t, err)
				defer func() { _ = enc.Close() }()
				require.NoError(t, afero.WriteFile(fsys, path, enc.EncodeAll(plain, nil), domain.FilePerm))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			key := domain.KeyOf("src/a.page", "d1")

			writer := newStore(t, fsys, defaultOptions())
			require.NoError(t, writer.Set(key, "src/a.page", artifactOf("export default 1"), nil))
			require.NoError(t, writer.Close())

			tt.tamper(t, fsys, key)

			ctrl := gomock.NewController(t)
			logger := mocks.NewMockLogger(ctrl)
			logger.EXPECT().Warn(gomock.Any()).MinTimes(1)

			reader, err := cas.NewStore(fsys, logger, defaultOptions())
			require.NoError(t, err)
			defer func() { _ = reader.Close() }()

			require.True(t, reader.Has(key))
			_, ok := reader.Get(key)
			assert.False(t, ok)
			assert.False(t, reader.Has(key), "corrupted entry is removed from the index")

			stats := reader.Stats()
			assert.Equal(t, uint64(1), stats.Corruptions)
			assert.Equal(t, uint64(1), stats.Misses)
			assert.Zero(t, stats.DiskEntries)
		})
	}
}

func TestStore_TornIndexStartsEmpty(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll(cacheDir, domain.DirPerm))
	require.NoError(t, afero.WriteFile(fsys, domain.IndexPath(cacheDir), []byte(`{"version":1,"entr`), domain.FilePerm))

	ctrl := gomock.NewController(t)
	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Warn(gomock.Any()).Times(1)

	s, err := cas.NewStore(fsys, logger, defaultOptions())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Zero(t, s.Stats().DiskEntries)
	require.NoError(t, s.Set(domain.KeyOf("a"), "a", artifactOf("x"), nil))
	assert.Equal(t, 1, s.Stats().DiskEntries)
}

func TestStore_Expiration(t *testing.T) {
	opts := defaultOptions()
	opts.MaxAge = time.Millisecond
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys, opts)
	key := domain.KeyOf("a")

	require.NoError(t, s.Set(key, "a", artifactOf("x"), nil))
	time.Sleep(10 * time.Millisecond)

	_, ok := s.Get(key)
	assert.False(t, ok)
	assert.False(t, s.Has(key))
}

func TestStore_HasIgnoresExpiredEntries(t *testing.T) {
	opts := defaultOptions()
	opts.MaxAge = time.Millisecond
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys, opts)
	key := domain.KeyOf("a")

	require.NoError(t, s.Set(key, "a", artifactOf("x"), nil))
	require.True(t, s.Has(key))
	time.Sleep(10 * time.Millisecond)

	assert.False(t, s.Has(key), "expired in memory before any lookup")
	reopened := newStore(t, fsys, opts)
	assert.False(t, reopened.Has(key), "expired on disk before any lookup")
	assert.Zero(t, s.Stats().Hits+s.Stats().Misses)
}

func TestStore_ReadRacingInvalidateIsNotCorruption(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writer := newStore(t, fsys, defaultOptions())
	key := domain.KeyOf("a")
	require.NoError(t, writer.Set(key, "/repo/a.page", artifactOf("v1"), nil))

	s := newStore(t, fsys, defaultOptions())
	s.SetAfterIndexRead(func() { s.Invalidate("/repo/a.page") })

	_, ok := s.Get(key)
	assert.False(t, ok)
	stats := s.Stats()
	assert.Zero(t, stats.Corruptions)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Zero(t, stats.DiskEntries)
}

func TestStore_Invalidate(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs(), defaultOptions())

	keyA := domain.KeyOf("src/a.page", "1")
	keyB := domain.KeyOf("src/b.page", "1")
	keyC := domain.KeyOf("src/c.page", "1")
	require.NoError(t, s.Set(keyA, "src/a.page", artifactOf("a"), []string{"src/shared.page"}))
	require.NoError(t, s.Set(keyB, "src/b.page", artifactOf("b"), []string{"src/shared.page"}))
	require.NoError(t, s.Set(keyC, "src/c.page", artifactOf("c"), nil))

	assert.Equal(t, 2, s.Invalidate("src/shared.page"))
	assert.False(t, s.Has(keyA))
	assert.False(t, s.Has(keyB))
	assert.True(t, s.Has(keyC))

	assert.Equal(t, 1, s.Invalidate("src/c.page"))
	assert.Equal(t, 0, s.Invalidate("src/c.page"))

	require.NoError(t, s.Set(keyA, "src/a.page", artifactOf("a"), nil))
	assert.Equal(t, 1, s.Invalidate(keyA.String()))
}

func TestStore_ClearResetsEverything(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys, defaultOptions())
	key := domain.KeyOf("a")

	require.NoError(t, s.Set(key, "a", artifactOf("x"), nil))
	_, _ = s.Get(key)
	require.NoError(t, s.Clear())

	assert.Equal(t, domain.CacheStats{}, s.Stats())
	exists, err := afero.Exists(fsys, domain.EntryPath(cacheDir, key))
	require.NoError(t, err)
	assert.False(t, exists)

	reopened := newStore(t, fsys, defaultOptions())
	assert.False(t, reopened.Has(key))
}

func TestStore_DiskEvictionLargestFirst(t *testing.T) {
	const kb = 1024
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys, defaultOptions())

	k500 := domain.KeyOf("big")
	k400 := domain.KeyOf("medium")
	k300 := domain.KeyOf("small")
	require.NoError(t, s.Set(k500, "big", domain.Artifact{Code: make([]byte, 500*kb)}, nil))
	require.NoError(t, s.Set(k400, "medium", domain.Artifact{Code: make([]byte, 400*kb)}, nil))
	assert.Zero(t, s.Stats().Evictions)

	require.NoError(t, s.Set(k300, "small", domain.Artifact{Code: make([]byte, 300*kb)}, nil))

	stats := s.Stats()
	assert.LessOrEqual(t, stats.DiskBytes, int64(1<<20))
	assert.Equal(t, 2, stats.DiskEntries)
	assert.Positive(t, stats.Evictions)
	require.NoError(t, s.Close())

	reopened := newStore(t, fsys, defaultOptions())
	assert.False(t, reopened.Has(k500))
	assert.True(t, reopened.Has(k400))
	assert.True(t, reopened.Has(k300))
}

func TestStore_Optimize(t *testing.T) {
	opts := defaultOptions()
	opts.MaxAge = 20 * time.Millisecond
	s := newStore(t, afero.NewMemMapFs(), opts)

	old := domain.KeyOf("old")
	require.NoError(t, s.Set(old, "old", artifactOf("old"), nil))
	time.Sleep(30 * time.Millisecond)
	fresh := domain.KeyOf("fresh")
	require.NoError(t, s.Set(fresh, "fresh", artifactOf("fresh"), nil))

	report, err := s.Optimize()
	require.NoError(t, err)
	assert.Equal(t, 2, report.Expired, "one memory and one disk entry")
	assert.Zero(t, report.Evicted)
	assert.Positive(t, report.FreedBytes)
	assert.False(t, s.Has(old))
	assert.True(t, s.Has(fresh))
}

func TestStore_MemoryTierEvictsLeastRecentlyUsed(t *testing.T) {
	opts := defaultOptions()
	opts.MaxMemoryItems = 2
	s := newStore(t, afero.NewMemMapFs(), opts)

	a, b, c := domain.KeyOf("a"), domain.KeyOf("b"), domain.KeyOf("c")
	require.NoError(t, s.Set(a, "a", artifactOf("a"), nil))
	require.NoError(t, s.Set(b, "b", artifactOf("b"), nil))
	_, _ = s.Get(a)
	require.NoError(t, s.Set(c, "c", artifactOf("c"), nil))

	stats := s.Stats()
	assert.Equal(t, 2, stats.MemoryEntries)
	assert.Equal(t, uint64(1), stats.Evictions)

	// b fell out of memory and is served from disk.
	_, ok := s.Get(b)
	require.True(t, ok)
	assert.Equal(t, uint64(1), s.Stats().DiskHits)
}

func TestStore_DegradesToMemoryWhenDiskUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Warn(gomock.Any()).Times(1)

	s, err := cas.NewStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), logger, defaultOptions())
	require.NoError(t, err)

	key := domain.KeyOf("a")
	require.NoError(t, s.Set(key, "a", artifactOf("x"), nil))
	_, ok := s.Get(key)
	assert.True(t, ok)
	assert.Zero(t, s.Stats().DiskEntries)
	require.NoError(t, s.Close())
}

func TestStore_InvalidOptions(t *testing.T) {
	opts := defaultOptions()
	opts.DiskBudget = 0

	_, err := cas.NewStore(afero.NewMemMapFs(), quietLogger(t), opts)
	require.Error(t, err)
	assert.ErrorContains(t, err, domain.ErrInvalidConfig.Error())
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs(), defaultOptions())

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Go(func() {
			key := domain.KeyOf("file", string(rune('a'+i%4)))
			for range 20 {
				_ = s.Set(key, "file", artifactOf("x"), nil)
				if got, ok := s.Get(key); ok {
					assert.Equal(t, []byte("x"), got.Code)
				}
			}
		})
	}
	wg.Wait()

	stats := s.Stats()
	assert.Equal(t, 4, stats.DiskEntries)
	assert.InDelta(t, float64(stats.Hits)/float64(stats.Hits+stats.Misses)*100, stats.HitRate(), 0.001)
}
