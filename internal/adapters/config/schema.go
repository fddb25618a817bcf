package config

// Kilnfile represents the structure of the kiln.yaml configuration file.
// Pointer fields distinguish "unset" from the zero value.
type Kilnfile struct {
	Version              string   `yaml:"version"`
	Root                 string   `yaml:"root"`
	CacheDir             string   `yaml:"cacheDir"`
	EnableWatching       *bool    `yaml:"enableWatching"`
	Parallel             *bool    `yaml:"parallel"`
	MaxParallelTasks     int      `yaml:"maxParallelTasks"`
	TargetRebuildTimeMs  int      `yaml:"targetRebuildTimeMs"`
	MaxMemoryCacheSizeMB int      `yaml:"maxMemoryCacheSizeMB"`
	MaxDiskCacheSizeMB   int      `yaml:"maxDiskCacheSizeMB"`
	MaxAgeMs             *int64   `yaml:"maxAgeMs"`
	DebounceMs           *int     `yaml:"debounceMs"`
	MaxMemoryItems       int      `yaml:"maxMemoryItems"`
	Compiler             []string `yaml:"compiler"`
	Salt                 string   `yaml:"salt"`
	Patterns             []string `yaml:"patterns"`
}
