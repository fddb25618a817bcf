// Package metrics exposes engine statistics as Prometheus metrics.
package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/zerr"
)

const namespace = "kiln"

// Source provides the statistics the collector reports.
type Source interface {
	Stats() domain.CompilerStats
	CacheStats() domain.CacheStats
	DependencyStats() domain.DependencyStats
}

var _ prometheus.Collector = (*Collector)(nil)

// Collector reads a Source on every scrape. It holds no state of its own, so
// several engines can each be registered with their own collector.
type Collector struct {
	source Source

	cacheHits        *prometheus.Desc
	cacheMisses      *prometheus.Desc
	cacheEvictions   *prometheus.Desc
	cacheCorruptions *prometheus.Desc
	diskReads        *prometheus.Desc
	diskWrites       *prometheus.Desc
	cacheEntries     *prometheus.Desc
	cacheBytes       *prometheus.Desc
	hitRate          *prometheus.Desc

	compilations  *prometheus.Desc
	failures      *prometheus.Desc
	staleDiscards *prometheus.Desc
	sharedWaits   *prometheus.Desc
	inFlight      *prometheus.Desc
	avgCompile    *prometheus.Desc
	targetMet     *prometheus.Desc

	graphModules *prometheus.Desc
	graphEdges   *prometheus.Desc
}

// NewCollector creates a collector over source.
func NewCollector(source Source) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		source: source,

		cacheHits:        desc("cache", "hits_total", "Cache lookups served, by tier.", "tier"),
		cacheMisses:      desc("cache", "misses_total", "Cache lookups that found nothing."),
		cacheEvictions:   desc("cache", "evictions_total", "Entries evicted to stay within budget."),
		cacheCorruptions: desc("cache", "corruptions_total", "Entries discarded after failing verification."),
		diskReads:        desc("cache", "disk_reads_total", "Payload reads from the disk tier."),
		diskWrites:       desc("cache", "disk_writes_total", "Payload writes to the disk tier."),
		cacheEntries:     desc("cache", "entries", "Entries currently held, by tier.", "tier"),
		cacheBytes:       desc("cache", "size_bytes", "Artifact bytes currently held, by tier.", "tier"),
		hitRate:          desc("cache", "hit_ratio", "Hits as a fraction of all lookups."),

		compilations:  desc("compiler", "compilations_total", "External compiler invocations."),
		failures:      desc("compiler", "failures_total", "Compilations that failed."),
		staleDiscards: desc("compiler", "stale_discards_total", "Results discarded because the source changed while compiling."),
		sharedWaits:   desc("compiler", "shared_waits_total", "Requests that joined an in-flight compilation."),
		inFlight:      desc("compiler", "in_flight", "Compilations currently running."),
		avgCompile:    desc("compiler", "average_compile_seconds", "Rolling average compile time."),
		targetMet:     desc("compiler", "target_met", "1 when the rolling average is within the rebuild target."),

		graphModules: desc("graph", "modules", "Modules known to the dependency graph."),
		graphEdges:   desc("graph", "edges", "Dependency edges in the graph."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.cacheHits, c.cacheMisses, c.cacheEvictions, c.cacheCorruptions,
		c.diskReads, c.diskWrites, c.cacheEntries, c.cacheBytes, c.hitRate,
		c.compilations, c.failures, c.staleDiscards, c.sharedWaits,
		c.inFlight, c.avgCompile, c.targetMet,
		c.graphModules, c.graphEdges,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	cache := c.source.CacheStats()
	comp := c.source.Stats()
	graph := c.source.DependencyStats()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.cacheHits, cache.MemoryHits, "memory")
	counter(c.cacheHits, cache.DiskHits, "disk")
	counter(c.cacheMisses, cache.Misses)
	counter(c.cacheEvictions, cache.Evictions)
	counter(c.cacheCorruptions, cache.Corruptions)
	counter(c.diskReads, cache.DiskReads)
	counter(c.diskWrites, cache.DiskWrites)
	gauge(c.cacheEntries, float64(cache.MemoryEntries), "memory")
	gauge(c.cacheEntries, float64(cache.DiskEntries), "disk")
	gauge(c.cacheBytes, float64(cache.MemoryBytes), "memory")
	gauge(c.cacheBytes, float64(cache.DiskBytes), "disk")
	gauge(c.hitRate, cache.HitRate()/100)

	counter(c.compilations, comp.TotalCompilations)
	counter(c.failures, comp.Failures)
	counter(c.staleDiscards, comp.StaleDiscards)
	counter(c.sharedWaits, comp.SharedWaits)
	gauge(c.inFlight, float64(comp.InFlight))
	gauge(c.avgCompile, comp.AverageCompileTime.Seconds())
	met := 0.0
	if comp.AverageCompileTime <= comp.TargetRebuildTime {
		met = 1
	}
	gauge(c.targetMet, met)

	gauge(c.graphModules, float64(graph.Modules))
	gauge(c.graphEdges, float64(graph.Edges))
}

// WriteText gathers every metric from gatherer and writes it to w in the
// Prometheus text exposition format.
func WriteText(w io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return zerr.Wrap(err, "failed to gather metrics")
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return zerr.Wrap(err, "failed to write metrics")
		}
	}
	return nil
}
