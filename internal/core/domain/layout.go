package domain

import "path/filepath"

const (
	// KilnDirName is the name of the internal workspace directory.
	KilnDirName = ".kiln"

	// CacheDirName is the name of the artifact cache directory.
	CacheDirName = "cache"

	// ObjectsDirName holds one payload file per cache entry.
	ObjectsDirName = "objects"

	// IndexFileName is the name of the persisted cache index.
	IndexFileName = "index.json"

	// GraphFileName is the name of the persisted dependency graph.
	GraphFileName = "dependency_graph.json"

	// EntryExt is the file extension of a payload file.
	EntryExt = ".entry"

	// ConfigFileName is the name of the project configuration file.
	ConfigFileName = "kiln.yaml"

	// DirPerm is the default permission for directories (rwxr-x---).
	DirPerm = 0o750

	// FilePerm is the default permission for files (rw-r--r--).
	FilePerm = 0o644
)

// DefaultCachePath returns the default cache directory below root.
// It joins root, .kiln and cache.
func DefaultCachePath(root string) string {
	return filepath.Join(root, KilnDirName, CacheDirName)
}

// IndexPath returns the location of the cache index inside cacheDir.
func IndexPath(cacheDir string) string {
	return filepath.Join(cacheDir, IndexFileName)
}

// GraphPath returns the location of the persisted dependency graph inside cacheDir.
func GraphPath(cacheDir string) string {
	return filepath.Join(cacheDir, GraphFileName)
}

// EntryPath returns the payload location for key, sharded by its first two characters.
func EntryPath(cacheDir string, key CacheKey) string {
	return filepath.Join(cacheDir, ObjectsDirName, key.Shard(), string(key)+EntryExt)
}
