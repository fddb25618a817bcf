package domain

import "time"

// CacheStats holds counters for the two cache tiers. Counters only grow until
// the cache is cleared.
type CacheStats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	MemoryHits  uint64 `json:"memory_hits"`
	DiskHits    uint64 `json:"disk_hits"`
	Evictions   uint64 `json:"evictions"`
	DiskReads   uint64 `json:"disk_reads"`
	DiskWrites  uint64 `json:"disk_writes"`
	Corruptions uint64 `json:"corruptions"`

	MemoryEntries int   `json:"memory_entries"`
	DiskEntries   int   `json:"disk_entries"`
	MemoryBytes   int64 `json:"memory_bytes"`
	DiskBytes     int64 `json:"disk_bytes"`
	TotalSize     int64 `json:"total_size"`
}

// HitRate returns hits as a percentage of all lookups, or 0 before the first lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// CompilerStats summarizes the work done by the incremental compiler.
type CompilerStats struct {
	TotalCompilations  uint64        `json:"total_compilations"`
	CacheHits          uint64        `json:"cache_hits"`
	CacheMisses        uint64        `json:"cache_misses"`
	Failures           uint64        `json:"failures"`
	StaleDiscards      uint64        `json:"stale_discards"`
	SharedWaits        uint64        `json:"shared_waits"`
	InFlight           int           `json:"in_flight"`
	AverageCompileTime time.Duration `json:"average_compile_time"`
	LastCompileTime    time.Duration `json:"last_compile_time"`
	TargetRebuildTime  time.Duration `json:"target_rebuild_time"`
}

// DependencyStats summarizes the shape of the dependency graph.
type DependencyStats struct {
	Modules        int    `json:"modules"`
	Edges          int    `json:"edges"`
	TrackedModules int    `json:"tracked_modules"`
	MaxDependents  int    `json:"max_dependents"`
	MostDepended   string `json:"most_depended,omitempty"`
}

// OptimizeReport describes what a cache optimization pass removed.
type OptimizeReport struct {
	Expired    int   `json:"expired"`
	Evicted    int   `json:"evicted"`
	FreedBytes int64 `json:"freed_bytes"`
}
