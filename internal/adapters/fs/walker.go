// Package fs provides file system adapters for walking and hashing source files.
package fs

import (
	iofs "io/fs"
	"iter"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/zerr"
)

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":             true,
	".jj":              true,
	"node_modules":     true,
	domain.KilnDirName: true,
}

// Walker enumerates source files below a root.
type Walker struct {
	fs afero.Fs
}

// NewWalker creates a Walker over fsys.
func NewWalker(fsys afero.Fs) *Walker {
	return &Walker{fs: fsys}
}

// WalkFiles yields every regular file below root whose base name matches one
// of patterns. An empty pattern list matches every file.
func (w *Walker) WalkFiles(root string, patterns []string) iter.Seq[string] {
	return func(yield func(string) bool) {
		_ = afero.Walk(w.fs, root, func(path string, info iofs.FileInfo, err error) error {
			if err != nil {
				return nil //nolint:nilerr // unreadable entries are skipped
			}
			if info.IsDir() {
				if path != root && skipDirs[info.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if !domain.MatchAny(patterns, info.Name()) {
				return nil
			}
			if !yield(path) {
				return filepath.SkipAll
			}
			return nil
		})
	}
}

// Resolve expands args into a sorted, de-duplicated list of files. Each
// argument is joined to root when relative and may be a file, a directory
// (walked with patterns) or a glob.
func (w *Walker) Resolve(root string, args, patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	add := func(p string) {
		seen[filepath.Clean(p)] = struct{}{}
	}

	for _, arg := range args {
		path := arg
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}

		info, err := w.fs.Stat(path)
		if err == nil {
			if info.IsDir() {
				for f := range w.WalkFiles(path, patterns) {
					add(f)
				}
				continue
			}
			add(path)
			continue
		}

		matches, globErr := afero.Glob(w.fs, path)
		if globErr != nil {
			return nil, zerr.With(zerr.Wrap(globErr, "failed to glob path"), "path", path)
		}
		if len(matches) == 0 {
			return nil, zerr.With(domain.ErrSourceNotFound, "path", path)
		}
		for _, m := range matches {
			add(m)
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	slices.Sort(out)
	return out, nil
}
