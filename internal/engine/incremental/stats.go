package incremental

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.trai.ch/kiln/internal/core/domain"
)

const (
	performanceWindow = 100
	// slowFactor flags a rolling average this many times over target.
	slowFactor = 2
	// lowHitRate is the hit percentage below which the memory tier is
	// considered undersized.
	lowHitRate = 50
	// minLookups is how many lookups are needed before hit rate advice.
	minLookups = 20
)

// window keeps the last n compile durations.
type window struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func newWindow(n int) *window {
	return &window{samples: make([]time.Duration, n)}
}

func (w *window) add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) average() (time.Duration, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	if n == 0 {
		return 0, 0
	}
	var sum time.Duration
	for _, d := range w.samples[:n] {
		sum += d
	}
	return sum / time.Duration(n), n
}

func (w *window) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.samples)
	w.next = 0
	w.full = false
}

// Stats returns a snapshot of the compiler counters.
func (e *Engine) Stats() domain.CompilerStats {
	avg, _ := e.perf.average()
	return domain.CompilerStats{
		TotalCompilations:  e.totalCompilations.Load(),
		CacheHits:          e.cacheHits.Load(),
		CacheMisses:        e.cacheMisses.Load(),
		Failures:           e.failures.Load(),
		StaleDiscards:      e.staleDiscards.Load(),
		SharedWaits:        e.sharedWaits.Load(),
		InFlight:           e.sched.InFlight(),
		AverageCompileTime: avg,
		LastCompileTime:    time.Duration(e.lastCompile.Load()),
		TargetRebuildTime:  e.cfg.TargetRebuildTime,
	}
}

// CacheStats returns the artifact store counters.
func (e *Engine) CacheStats() domain.CacheStats {
	return e.store.Stats()
}

// DependencyStats describes the dependency graph.
func (e *Engine) DependencyStats() domain.DependencyStats {
	return e.inv.Graph().Stats()
}

// IsPerformanceTargetMet reports whether the average of the recent compile
// durations is within the rebuild target. It holds before any compilation.
func (e *Engine) IsPerformanceTargetMet() bool {
	avg, n := e.perf.average()
	return n == 0 || avg <= e.cfg.TargetRebuildTime
}

// PerformanceRecommendations returns tuning advice derived from the current
// statistics. The list is advisory and may be empty.
func (e *Engine) PerformanceRecommendations() []string {
	var recs []string
	stats := e.Stats()
	cache := e.CacheStats()

	if avg, n := e.perf.average(); n > 0 && avg > e.cfg.TargetRebuildTime {
		msg := fmt.Sprintf("average compile time %s exceeds the %s target", avg.Round(time.Millisecond), e.cfg.TargetRebuildTime)
		if avg > slowFactor*e.cfg.TargetRebuildTime {
			if e.cfg.Parallel {
				msg += "; consider raising maxParallelTasks"
			} else {
				msg += "; consider enabling parallel compilation"
			}
		}
		recs = append(recs, msg)
	}

	if lookups := cache.Hits + cache.Misses; lookups >= minLookups && cache.HitRate() < lowHitRate {
		recs = append(recs, fmt.Sprintf(
			"cache hit rate is %.1f%%; consider raising maxMemoryCacheSizeMB (currently %d)",
			cache.HitRate(), e.cfg.MaxMemoryCacheSizeMB,
		))
	}

	if cache.Evictions > 0 && cache.DiskBytes > e.cfg.DiskBudget()*9/10 {
		recs = append(recs, "disk cache is near its budget; consider raising maxDiskCacheSizeMB")
	}

	if stats.StaleDiscards > 0 && stats.StaleDiscards*4 > stats.TotalCompilations {
		recs = append(recs, plural(int(stats.StaleDiscards), "compilation")+
			" discarded as stale; consider raising debounceMs")
	}

	if cache.Corruptions > 0 {
		recs = append(recs, plural(int(cache.Corruptions), "corrupted cache entry")+
			" recovered; run kiln clean if this persists")
	}
	return recs
}

func plural(n int, noun string) string {
	s := strconv.Itoa(n) + " " + noun
	if n == 1 {
		return s
	}
	if noun[len(noun)-1] == 'y' {
		return s[:len(s)-1] + "ies"
	}
	return s + "s"
}
