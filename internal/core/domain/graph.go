// Package domain contains the core domain models of the incremental build cache.
package domain

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// ModuleInfo records what a module looked like when it was last compiled.
type ModuleInfo struct {
	Digest            Digest            `json:"digest"`
	DependencyDigests map[string]Digest `json:"dependency_digests,omitempty"`
	CompiledAt        time.Time         `json:"compiled_at"`
}

// DependencyGraph tracks which modules depend on which. Every edge is stored
// twice: forward (module -> what it imports) and reverse (module -> who
// imports it). Both directions are updated under one lock so they never
// disagree.
type DependencyGraph struct {
	mu      sync.RWMutex
	forward map[InternedString]map[InternedString]struct{}
	reverse map[InternedString]map[InternedString]struct{}
	modules map[InternedString]ModuleInfo
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		forward: make(map[InternedString]map[InternedString]struct{}),
		reverse: make(map[InternedString]map[InternedString]struct{}),
		modules: make(map[InternedString]ModuleInfo),
	}
}

// AddDependency records that file depends on dependsOn.
func (g *DependencyGraph) AddDependency(file, dependsOn string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.link(NewInternedString(file), NewInternedString(dependsOn))
}

// RemoveDependency removes the edge file -> dependsOn if present.
func (g *DependencyGraph) RemoveDependency(file, dependsOn string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unlink(NewInternedString(file), NewInternedString(dependsOn))
}

// SetDependencies replaces the forward edges of file with deps.
func (g *DependencyGraph) SetDependencies(file string, deps []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	from := NewInternedString(file)
	for to := range g.forward[from] {
		g.unlink(from, to)
	}
	for _, dep := range deps {
		if dep == file {
			continue
		}
		g.link(from, NewInternedString(dep))
	}
}

// RemoveModule drops the forward edges and metadata of file. Edges pointing
// at file are kept so its dependents are still invalidated if it comes back.
func (g *DependencyGraph) RemoveModule(file string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	from := NewInternedString(file)
	for to := range g.forward[from] {
		g.unlink(from, to)
	}
	delete(g.modules, from)
}

// Dependencies returns the direct dependencies of file, sorted.
func (g *DependencyGraph) Dependencies(file string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedStrings(g.forward[NewInternedString(file)])
}

// Dependents returns the modules that directly depend on file, sorted.
func (g *DependencyGraph) Dependents(file string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedStrings(g.reverse[NewInternedString(file)])
}

// TransitiveDependents returns every module reachable from files over reverse
// edges, including files themselves. The walk is breadth first and visits each
// module once, so cycles terminate. The result is sorted.
func (g *DependencyGraph) TransitiveDependents(files ...string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[InternedString]struct{}, len(files))
	queue := make([]InternedString, 0, len(files))
	for _, f := range files {
		is := NewInternedString(f)
		if _, ok := seen[is]; ok {
			continue
		}
		seen[is] = struct{}{}
		queue = append(queue, is)
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for dep := range g.reverse[cur] {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			queue = append(queue, dep)
		}
	}
	return sortedStrings(seen)
}

// Record stores the compile-time metadata of file.
func (g *DependencyGraph) Record(file string, info ModuleInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info.DependencyDigests = maps.Clone(info.DependencyDigests)
	g.modules[NewInternedString(file)] = info
}

// Module returns the recorded metadata of file.
func (g *DependencyGraph) Module(file string) (ModuleInfo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	info, ok := g.modules[NewInternedString(file)]
	return info, ok
}

// Modules returns every module that has recorded metadata, sorted.
func (g *DependencyGraph) Modules() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.modules))
	for m := range g.modules {
		out = append(out, m.String())
	}
	slices.Sort(out)
	return out
}

// Clear removes every edge and all module metadata.
func (g *DependencyGraph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.forward)
	clear(g.reverse)
	clear(g.modules)
}

// Stats summarizes the graph.
func (g *DependencyGraph) Stats() DependencyStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make(map[InternedString]struct{}, len(g.forward)+len(g.reverse))
	stats := DependencyStats{TrackedModules: len(g.modules)}
	for from, tos := range g.forward {
		nodes[from] = struct{}{}
		stats.Edges += len(tos)
		for to := range tos {
			nodes[to] = struct{}{}
		}
	}
	for m := range g.modules {
		nodes[m] = struct{}{}
	}
	stats.Modules = len(nodes)

	for to, froms := range g.reverse {
		n := len(froms)
		if n > stats.MaxDependents || (n == stats.MaxDependents && n > 0 && to.String() < stats.MostDepended) {
			stats.MaxDependents = n
			stats.MostDepended = to.String()
		}
	}
	return stats
}

// GraphSnapshot is the serializable form of a DependencyGraph.
type GraphSnapshot struct {
	Version      int                   `json:"version"`
	Dependencies map[string][]string   `json:"dependencies"`
	Modules      map[string]ModuleInfo `json:"modules,omitempty"`
}

// GraphSnapshotVersion is the current snapshot format version.
const GraphSnapshotVersion = 1

// Snapshot captures the graph in a serializable form.
func (g *DependencyGraph) Snapshot() GraphSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := GraphSnapshot{
		Version:      GraphSnapshotVersion,
		Dependencies: make(map[string][]string, len(g.forward)),
		Modules:      make(map[string]ModuleInfo, len(g.modules)),
	}
	for from, tos := range g.forward {
		if len(tos) == 0 {
			continue
		}
		snap.Dependencies[from.String()] = sortedStrings(tos)
	}
	for m, info := range g.modules {
		snap.Modules[m.String()] = info
	}
	return snap
}

// Restore replaces the graph contents with snap. Reverse edges are rebuilt
// from the forward edges.
func (g *DependencyGraph) Restore(snap GraphSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	clear(g.forward)
	clear(g.reverse)
	clear(g.modules)
	for from, tos := range snap.Dependencies {
		f := NewInternedString(from)
		for _, to := range tos {
			if strings.TrimSpace(to) == "" || to == from {
				continue
			}
			g.link(f, NewInternedString(to))
		}
	}
	for m, info := range snap.Modules {
		g.modules[NewInternedString(m)] = info
	}
}

func (g *DependencyGraph) link(from, to InternedString) {
	fwd, ok := g.forward[from]
	if !ok {
		fwd = make(map[InternedString]struct{})
		g.forward[from] = fwd
	}
	fwd[to] = struct{}{}

	rev, ok := g.reverse[to]
	if !ok {
		rev = make(map[InternedString]struct{})
		g.reverse[to] = rev
	}
	rev[from] = struct{}{}
}

func (g *DependencyGraph) unlink(from, to InternedString) {
	if fwd, ok := g.forward[from]; ok {
		delete(fwd, to)
		if len(fwd) == 0 {
			delete(g.forward, from)
		}
	}
	if rev, ok := g.reverse[to]; ok {
		delete(rev, from)
		if len(rev) == 0 {
			delete(g.reverse, to)
		}
	}
}
