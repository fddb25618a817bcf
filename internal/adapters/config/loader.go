// Package config provides the configuration loader for kiln.
package config

import (
	"errors"
	iofs "io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

var _ ports.ConfigLoader = (*Loader)(nil)

// Loader implements ports.ConfigLoader using a YAML file.
type Loader struct {
	Logger ports.Logger
	fs     afero.Fs
}

// NewLoader creates a new Loader reading through fsys.
func NewLoader(logger ports.Logger, fsys afero.Fs) *Loader {
	return &Loader{Logger: logger, fs: fsys}
}

// Load finds kiln.yaml from cwd upwards and returns the resulting config.
// Relative paths in the file resolve against the file's directory. Without a
// config file the defaults rooted at cwd are returned.
func (l *Loader) Load(cwd string) (domain.Config, error) {
	cwd, err := filepath.Abs(cwd)
	if err != nil {
		return domain.Config{}, zerr.Wrap(err, "failed to resolve working directory")
	}

	path, found := l.find(cwd)
	if !found {
		cfg := domain.DefaultConfig(cwd)
		return cfg, cfg.Validate()
	}

	var file Kilnfile
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return domain.Config{}, zerr.With(zerr.Wrap(err, domain.ErrConfigReadFailed.Error()), "path", path)
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return domain.Config{}, zerr.With(zerr.Wrap(err, domain.ErrConfigParseFailed.Error()), "path", path)
	}

	cfg := l.apply(filepath.Dir(path), &file)
	if err := cfg.Validate(); err != nil {
		return domain.Config{}, zerr.With(err, "path", path)
	}
	return cfg, nil
}

func (l *Loader) find(cwd string) (string, bool) {
	dir := cwd
	for {
		candidate := filepath.Join(dir, domain.ConfigFileName)
		if _, err := l.fs.Stat(candidate); err == nil {
			return candidate, true
		} else if !errors.Is(err, iofs.ErrNotExist) {
			l.Logger.Warn("cannot stat " + candidate + ": " + err.Error())
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func (l *Loader) apply(configDir string, f *Kilnfile) domain.Config {
	root := resolve(configDir, f.Root)
	cfg := domain.DefaultConfig(root)

	if f.CacheDir != "" {
		cfg.CacheDir = resolve(root, f.CacheDir)
	}
	if f.EnableWatching != nil {
		cfg.EnableWatching = *f.EnableWatching
	}
	if f.Parallel != nil {
		cfg.Parallel = *f.Parallel
	}
	if f.MaxParallelTasks != 0 {
		cfg.MaxParallelTasks = f.MaxParallelTasks
	}
	if f.TargetRebuildTimeMs != 0 {
		cfg.TargetRebuildTime = time.Duration(f.TargetRebuildTimeMs) * time.Millisecond
	}
	if f.MaxMemoryCacheSizeMB != 0 {
		cfg.MaxMemoryCacheSizeMB = f.MaxMemoryCacheSizeMB
	}
	if f.MaxDiskCacheSizeMB != 0 {
		cfg.MaxDiskCacheSizeMB = f.MaxDiskCacheSizeMB
	}
	if f.MaxAgeMs != nil {
		cfg.MaxAge = time.Duration(*f.MaxAgeMs) * time.Millisecond
	}
	if f.DebounceMs != nil {
		cfg.Debounce = time.Duration(*f.DebounceMs) * time.Millisecond
	}
	if f.MaxMemoryItems != 0 {
		cfg.MaxMemoryItems = f.MaxMemoryItems
	}
	if f.Version != "" && f.Version != "1" {
		l.Logger.Warn("unknown config version " + f.Version + ", reading as version 1")
	}
	cfg.Compiler = f.Compiler
	cfg.Salt = f.Salt
	if len(f.Patterns) > 0 {
		cfg.Patterns = f.Patterns
	}
	return cfg
}

func resolve(base, p string) string {
	switch {
	case p == "":
		return base
	case filepath.IsAbs(p):
		return filepath.Clean(p)
	default:
		return filepath.Join(base, p)
	}
}
