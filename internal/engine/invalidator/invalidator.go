// Package invalidator turns file changes into cache invalidations. It owns
// the dependency graph and the per-file generation counters the compiler
// consults before committing a result.
package invalidator

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.trai.ch/kiln/internal/adapters/watcher" //nolint:depguard // debouncing is shared with the watch adapter
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
)

const subscriberBuffer = 16

// Options configure an Invalidator.
type Options struct {
	// CacheDir holds the persisted dependency graph.
	CacheDir string
	// Salt is mixed into every cache key.
	Salt string
	// Debounce is the quiet period before a file's changes are processed.
	Debounce time.Duration
}

// Invalidator debounces file changes, expands them through the dependency
// graph and removes the affected entries from the artifact store.
type Invalidator struct {
	fs     afero.Fs
	logger ports.Logger
	tracer ports.Tracer
	hasher ports.Hasher
	store  ports.ArtifactStore
	graph  *domain.DependencyGraph
	opts   Options
	now    func() time.Time

	debouncer *watcher.Debouncer

	// commitMu orders commits against invalidations. Commits share it;
	// a batch holds it exclusively while it invalidates and bumps generations.
	commitMu sync.RWMutex

	mu sync.Mutex
	// observed is the last digest a change notification saw per file. Record
	// only seeds it, so a compile racing ahead of a pending batch cannot make
	// that batch look like a no-op.
	observed    map[string]domain.Digest
	generations map[string]uint64
	touched     map[string]time.Time
	subscribers []chan domain.InvalidationEvent
	// closing stops intake; closed stops publishing.
	closing bool
	closed  bool
}

// New creates an Invalidator over store.
func New(
	fsys afero.Fs,
	logger ports.Logger,
	tracer ports.Tracer,
	hasher ports.Hasher,
	store ports.ArtifactStore,
	opts Options,
) *Invalidator {
	inv := &Invalidator{
		fs:          fsys,
		logger:      logger,
		tracer:      tracer,
		hasher:      hasher,
		store:       store,
		graph:       domain.NewDependencyGraph(),
		opts:        opts,
		now:         time.Now,
		observed:    make(map[string]domain.Digest),
		generations: make(map[string]uint64),
		touched:     make(map[string]time.Time),
	}
	inv.debouncer = watcher.NewDebouncer(opts.Debounce, func(changes []domain.FileChange) {
		inv.ProcessBatch(context.Background(), changes)
	})
	return inv
}

// Graph returns the dependency graph. It is safe for concurrent reads.
func (inv *Invalidator) Graph() *domain.DependencyGraph {
	return inv.graph
}

// Key returns the cache key for path at content digest d.
func (inv *Invalidator) Key(path string, d domain.Digest) domain.CacheKey {
	return inv.hasher.Key(path, d.String(), inv.opts.Salt)
}

// OnFileEvent queues a raw change notification for debouncing.
func (inv *Invalidator) OnFileEvent(kind domain.ChangeKind, path string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closing {
		return
	}
	inv.debouncer.Add(filepath.Clean(path), kind)
}

// OnFileChanged queues a content change to path.
func (inv *Invalidator) OnFileChanged(path string) {
	inv.OnFileEvent(domain.ChangeChanged, path)
}

// ProcessBatch applies one batch of changes. Files whose content did not
// actually change are skipped. The remaining changes are expanded once
// through the dependency graph, every affected module is invalidated and its
// generation bumped, and a single event is published. It reports whether
// anything changed.
func (inv *Invalidator) ProcessBatch(ctx context.Context, changes []domain.FileChange) (domain.InvalidationEvent, bool) {
	ctx, span := inv.tracer.Start(ctx, "invalidate", ports.WithAttribute(ports.AttrBatchSize, len(changes)))
	defer span.End()

	real := make([]domain.FileChange, 0, len(changes))
	roots := make([]string, 0, len(changes))
	for _, change := range changes {
		change, ok := inv.classify(change)
		if !ok {
			continue
		}
		real = append(real, change)
		roots = append(roots, change.Path)
	}
	if len(real) == 0 {
		return domain.InvalidationEvent{}, false
	}

	affected := inv.graph.TransitiveDependents(roots...)
	inv.tracer.EmitBatch(ctx, affected)

	now := inv.now()
	removed := 0
	inv.commitMu.Lock()
	for _, path := range affected {
		removed += inv.store.Invalidate(path)
	}
	inv.mu.Lock()
	for _, path := range affected {
		inv.generations[path]++
		inv.touched[path] = now
	}
	inv.mu.Unlock()
	inv.commitMu.Unlock()

	span.SetAttribute(ports.AttrInvalidated, removed)

	event := domain.InvalidationEvent{Changes: real, Affected: affected, At: now}
	inv.publish(event)
	return event, true
}

// classify checks a change against the digest last observed for the file. It
// returns false when the content is unchanged.
func (inv *Invalidator) classify(change domain.FileChange) (domain.FileChange, bool) {
	if change.Kind != domain.ChangeRemoved {
		d, err := inv.hasher.FileDigest(change.Path)
		if err == nil {
			inv.mu.Lock()
			prev, known := inv.observed[change.Path]
			inv.observed[change.Path] = d
			inv.mu.Unlock()
			if known && prev == d {
				return change, false
			}
			return change, true
		}
		if exists, _ := afero.Exists(inv.fs, change.Path); exists {
			inv.logger.Warn("cannot hash changed file: " + err.Error())
			return change, false
		}
		change.Kind = domain.ChangeRemoved
	} else if exists, _ := afero.Exists(inv.fs, change.Path); exists {
		// Removed and recreated within the window.
		change.Kind = domain.ChangeChanged
		return inv.classify(change)
	}

	inv.mu.Lock()
	delete(inv.observed, change.Path)
	inv.mu.Unlock()
	inv.graph.RemoveModule(change.Path)
	return change, true
}

// Generation returns how many times path has been invalidated.
func (inv *Invalidator) Generation(path string) uint64 {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.generations[path]
}

// Touched returns when path was last invalidated, or the zero time.
func (inv *Invalidator) Touched(path string) time.Time {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.touched[path]
}

// Commit runs write if path still has content digest d and has not been
// invalidated since generation gen. It reports false without calling write
// when the result is stale. No invalidation can interleave with a commit.
func (inv *Invalidator) Commit(path string, d domain.Digest, gen uint64, write func() error) (bool, error) {
	inv.commitMu.RLock()
	defer inv.commitMu.RUnlock()

	if inv.Generation(path) != gen {
		return false, nil
	}
	current, err := inv.hasher.FileDigest(path)
	if err != nil || current != d {
		return false, nil
	}
	return true, write()
}

// Record stores what path looked like when it was compiled: its digest, its
// dependencies and their digests. Missing dependencies are recorded with an
// empty digest and always count as changed. A file with no observed digest
// yet is seeded with d.
func (inv *Invalidator) Record(path string, d domain.Digest, deps []string) {
	depDigests := make(map[string]domain.Digest, len(deps))
	for _, dep := range deps {
		dd, err := inv.hasher.FileDigest(dep)
		if err != nil {
			dd = ""
		}
		depDigests[dep] = dd
	}

	inv.graph.SetDependencies(path, deps)
	inv.graph.Record(path, domain.ModuleInfo{
		Digest:            d,
		DependencyDigests: depDigests,
		CompiledAt:        inv.now(),
	})

	inv.mu.Lock()
	if _, ok := inv.observed[path]; !ok {
		inv.observed[path] = d
	}
	inv.mu.Unlock()
}

// NeedsRecompilation reports whether path has no cache entry for its current
// content, or whether any dependency changed since it was last compiled.
func (inv *Invalidator) NeedsRecompilation(path string) bool {
	d, err := inv.hasher.FileDigest(path)
	if err != nil {
		return true
	}
	if !inv.store.Has(inv.Key(path, d)) {
		return true
	}
	return inv.DependenciesChanged(path)
}

// DependenciesChanged reports whether any recorded dependency of path has a
// different digest now. A missing dependency counts as changed.
func (inv *Invalidator) DependenciesChanged(path string) bool {
	info, ok := inv.graph.Module(path)
	if !ok {
		return false
	}
	for dep, recorded := range info.DependencyDigests {
		current, err := inv.hasher.FileDigest(dep)
		if err != nil || recorded == "" || current != recorded {
			return true
		}
	}
	return false
}

// FilesToRecompile filters candidates down to those needing recompilation,
// keeping their order.
func (inv *Invalidator) FilesToRecompile(candidates []string) []string {
	out := make([]string, 0, len(candidates))
	for _, path := range candidates {
		if inv.NeedsRecompilation(path) {
			out = append(out, path)
		}
	}
	return out
}

// ValidateAndClean forgets modules whose source no longer exists and drops
// their cache entries. It returns the removed paths.
func (inv *Invalidator) ValidateAndClean() []string {
	var removed []string
	for _, path := range inv.graph.Modules() {
		if exists, _ := afero.Exists(inv.fs, path); exists {
			continue
		}
		inv.graph.RemoveModule(path)
		inv.store.Invalidate(path)
		inv.mu.Lock()
		delete(inv.observed, path)
		inv.mu.Unlock()
		removed = append(removed, path)
	}
	return removed
}

// Subscribe returns a channel receiving one event per processed batch. The
// channel is closed by Close. Events are dropped for a subscriber that falls
// more than a few batches behind.
func (inv *Invalidator) Subscribe() <-chan domain.InvalidationEvent {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	ch := make(chan domain.InvalidationEvent, subscriberBuffer)
	if inv.closed {
		close(ch)
		return ch
	}
	inv.subscribers = append(inv.subscribers, ch)
	return ch
}

func (inv *Invalidator) publish(event domain.InvalidationEvent) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.closed {
		return
	}
	for _, ch := range inv.subscribers {
		select {
		case ch <- event:
		default:
			inv.logger.Warn("invalidation subscriber is behind, dropping event")
		}
	}
}

// Load restores the dependency graph persisted in the cache directory.
// A missing file leaves the graph empty.
func (inv *Invalidator) Load() error {
	path := domain.GraphPath(inv.opts.CacheDir)
	data, err := afero.ReadFile(inv.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return zerr.With(zerr.Wrap(err, domain.ErrGraphReadFailed.Error()), "path", path)
	}

	var snap domain.GraphSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrGraphReadFailed.Error()), "path", path)
	}
	if snap.Version != domain.GraphSnapshotVersion {
		return zerr.With(zerr.With(domain.ErrGraphReadFailed, "path", path), "version", snap.Version)
	}

	inv.graph.Restore(snap)
	inv.mu.Lock()
	for module, info := range snap.Modules {
		inv.observed[module] = info.Digest
	}
	inv.mu.Unlock()
	return nil
}

// Save persists the dependency graph to the cache directory.
func (inv *Invalidator) Save() error {
	path := domain.GraphPath(inv.opts.CacheDir)
	data, err := json.MarshalIndent(inv.graph.Snapshot(), "", "  ")
	if err != nil {
		return zerr.Wrap(err, domain.ErrGraphWriteFailed.Error())
	}

	dir := filepath.Dir(path)
	if err := inv.fs.MkdirAll(dir, domain.DirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrGraphWriteFailed.Error()), "path", path)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(inv.fs, tmp, data, domain.FilePerm); err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrGraphWriteFailed.Error()), "path", path)
	}
	if err := inv.fs.Rename(tmp, path); err != nil {
		_ = inv.fs.Remove(tmp)
		return zerr.With(zerr.Wrap(err, domain.ErrGraphWriteFailed.Error()), "path", path)
	}
	return nil
}

// Reset forgets every digest, generation and edge.
func (inv *Invalidator) Reset() {
	inv.graph.Clear()
	inv.mu.Lock()
	defer inv.mu.Unlock()
	clear(inv.observed)
	clear(inv.touched)
	// Generations keep counting so in-flight jobs still see the reset.
	for path := range inv.generations {
		inv.generations[path]++
	}
}

// Flush processes pending debounced changes now and waits for batches that
// are already running.
func (inv *Invalidator) Flush() {
	inv.debouncer.Flush()
}

// Close stops accepting events, processes what is pending, waits for running
// batches and closes every subscriber channel.
func (inv *Invalidator) Close() {
	inv.mu.Lock()
	inv.closing = true
	inv.mu.Unlock()

	inv.Flush()

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closed {
		return
	}
	inv.closed = true
	for _, ch := range inv.subscribers {
		close(ch)
	}
	inv.subscribers = nil
}

// Pending returns the number of files waiting for their debounce window.
func (inv *Invalidator) Pending() int {
	return inv.debouncer.Pending()
}
