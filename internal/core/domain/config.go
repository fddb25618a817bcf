package domain

import (
	"path/filepath"
	"time"

	"go.trai.ch/zerr"
)

const (
	// DefaultMaxParallelTasks is the default worker pool size.
	DefaultMaxParallelTasks = 4
	// DefaultTargetRebuildTime is the default per-file rebuild target.
	DefaultTargetRebuildTime = 100 * time.Millisecond
	// DefaultMaxMemoryCacheSizeMB is the default memory tier budget.
	DefaultMaxMemoryCacheSizeMB = 100
	// DefaultMaxDiskCacheSizeMB is the default disk tier budget.
	DefaultMaxDiskCacheSizeMB = 1000
	// DefaultMaxAge is the default entry lifetime.
	DefaultMaxAge = 7 * 24 * time.Hour
	// DefaultDebounce is the default per-file debounce window.
	DefaultDebounce = 50 * time.Millisecond
	// DefaultMaxMemoryItems is the default memory tier entry limit.
	DefaultMaxMemoryItems = 10_000

	bytesPerMB = 1 << 20
)

// Config configures one engine instance.
type Config struct {
	RootDir              string
	CacheDir             string
	EnableWatching       bool
	Parallel             bool
	MaxParallelTasks     int
	TargetRebuildTime    time.Duration
	MaxMemoryCacheSizeMB int
	MaxDiskCacheSizeMB   int
	MaxAge               time.Duration
	Debounce             time.Duration
	MaxMemoryItems       int
	// Compiler is the argv of the external compiler command.
	Compiler []string
	// Salt is mixed into every cache key; changing it orphans all entries.
	Salt string
	// Patterns select source files by base name when a directory is
	// compiled or watched. Empty matches every file.
	Patterns []string
}

// DefaultConfig returns the defaults rooted at root.
func DefaultConfig(root string) Config {
	return Config{
		RootDir:              root,
		CacheDir:             DefaultCachePath(root),
		EnableWatching:       true,
		Parallel:             true,
		MaxParallelTasks:     DefaultMaxParallelTasks,
		TargetRebuildTime:    DefaultTargetRebuildTime,
		MaxMemoryCacheSizeMB: DefaultMaxMemoryCacheSizeMB,
		MaxDiskCacheSizeMB:   DefaultMaxDiskCacheSizeMB,
		MaxAge:               DefaultMaxAge,
		Debounce:             DefaultDebounce,
		MaxMemoryItems:       DefaultMaxMemoryItems,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig(c.RootDir)
	if c.CacheDir == "" {
		c.CacheDir = d.CacheDir
	}
	if c.MaxParallelTasks == 0 {
		c.MaxParallelTasks = d.MaxParallelTasks
	}
	if c.TargetRebuildTime == 0 {
		c.TargetRebuildTime = d.TargetRebuildTime
	}
	if c.MaxMemoryCacheSizeMB == 0 {
		c.MaxMemoryCacheSizeMB = d.MaxMemoryCacheSizeMB
	}
	if c.MaxDiskCacheSizeMB == 0 {
		c.MaxDiskCacheSizeMB = d.MaxDiskCacheSizeMB
	}
	if c.MaxAge == 0 {
		c.MaxAge = d.MaxAge
	}
	if c.Debounce == 0 {
		c.Debounce = d.Debounce
	}
	if c.MaxMemoryItems == 0 {
		c.MaxMemoryItems = d.MaxMemoryItems
	}
	return c
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	invalid := func(field string, value any) error {
		return zerr.With(zerr.With(ErrInvalidConfig, "field", field), "value", value)
	}
	switch {
	case c.RootDir == "":
		return invalid("rootDir", c.RootDir)
	case c.CacheDir == "":
		return invalid("cacheDir", c.CacheDir)
	case c.MaxParallelTasks < 1:
		return invalid("maxParallelTasks", c.MaxParallelTasks)
	case c.TargetRebuildTime <= 0:
		return invalid("targetRebuildTimeMs", c.TargetRebuildTime)
	case c.MaxMemoryCacheSizeMB < 1:
		return invalid("maxMemoryCacheSizeMB", c.MaxMemoryCacheSizeMB)
	case c.MaxDiskCacheSizeMB < 1:
		return invalid("maxDiskCacheSizeMB", c.MaxDiskCacheSizeMB)
	case c.MaxAge < 0:
		return invalid("maxAgeMs", c.MaxAge)
	case c.Debounce < 0:
		return invalid("debounceMs", c.Debounce)
	case c.MaxMemoryItems < 1:
		return invalid("maxMemoryItems", c.MaxMemoryItems)
	}
	return nil
}

// Workers returns the effective worker pool size.
func (c Config) Workers() int {
	if !c.Parallel {
		return 1
	}
	return c.MaxParallelTasks
}

// MemoryBudget returns the memory tier budget in bytes.
func (c Config) MemoryBudget() int64 {
	return int64(c.MaxMemoryCacheSizeMB) * bytesPerMB
}

// DiskBudget returns the disk tier budget in bytes.
func (c Config) DiskBudget() int64 {
	return int64(c.MaxDiskCacheSizeMB) * bytesPerMB
}

// Abs resolves p against RootDir when it is relative.
func (c Config) Abs(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.RootDir, p)
}

// Matches reports whether path is selected by Patterns.
func (c Config) Matches(path string) bool {
	return MatchAny(c.Patterns, filepath.Base(path))
}

// MatchAny reports whether name matches one of patterns. An empty pattern
// list matches every name.
func MatchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
