// Package incremental implements the compile orchestrator: cache lookups,
// single-flight compilation on a bounded worker pool, and commits guarded
// by a staleness check.
package incremental

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.trai.ch/kiln/internal/adapters/watcher" //nolint:depguard // event kinds are shared with the watch adapter
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/engine/invalidator"
	"go.trai.ch/kiln/internal/engine/scheduler"
	"go.trai.ch/zerr"
	"golang.org/x/sync/singleflight"
)

// Deps are the collaborators of an Engine. Watcher may be nil, in which case
// the engine only reacts to explicit invalidation.
type Deps struct {
	Fs       afero.Fs
	Logger   ports.Logger
	Tracer   ports.Tracer
	Hasher   ports.Hasher
	Store    ports.ArtifactStore
	Compiler ports.Compiler
	Watcher  ports.Watcher
}

// Engine is one independent incremental compiler instance. Engines share no
// state; each owns its store, graph, worker pool and watcher.
type Engine struct {
	cfg      domain.Config
	fs       afero.Fs
	logger   ports.Logger
	tracer   ports.Tracer
	hasher   ports.Hasher
	store    ports.ArtifactStore
	compiler ports.Compiler
	watcher  ports.Watcher

	inv     *invalidator.Invalidator
	sched   *scheduler.Scheduler
	flights singleflight.Group
	perf    *window

	totalCompilations atomic.Uint64
	cacheHits         atomic.Uint64
	cacheMisses       atomic.Uint64
	failures          atomic.Uint64
	staleDiscards     atomic.Uint64
	sharedWaits       atomic.Uint64
	lastCompile       atomic.Int64

	manualOnly  atomic.Bool
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error
	jobs        sync.WaitGroup
	stopWatch   context.CancelFunc
	watchDone   chan struct{}
	watchCancel sync.Mutex
}

// New validates cfg and creates an engine. The persisted dependency graph is
// loaded and modules whose source vanished are dropped.
func New(cfg domain.Config, deps Deps) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		fs:       deps.Fs,
		logger:   deps.Logger,
		tracer:   deps.Tracer,
		hasher:   deps.Hasher,
		store:    deps.Store,
		compiler: deps.Compiler,
		watcher:  deps.Watcher,
		sched:    scheduler.NewScheduler(cfg.Workers()),
		perf:     newWindow(performanceWindow),
	}
	e.inv = invalidator.New(deps.Fs, deps.Logger, deps.Tracer, deps.Hasher, deps.Store, invalidator.Options{
		CacheDir: cfg.CacheDir,
		Salt:     cfg.Salt,
		Debounce: cfg.Debounce,
	})

	if err := e.inv.Load(); err != nil {
		e.logger.Warn("dependency graph discarded: " + err.Error())
	}
	if removed := e.inv.ValidateAndClean(); len(removed) > 0 {
		e.logger.Info("dropped " + plural(len(removed), "vanished module"))
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() domain.Config {
	return e.cfg
}

// Start begins watching the project root when watching is enabled. A watcher
// that cannot start is logged and the engine continues in manual mode.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return domain.ErrEngineClosed
	}
	if !e.cfg.EnableWatching || e.watcher == nil {
		e.manualOnly.Store(true)
		return nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	if err := e.watcher.Start(watchCtx, e.cfg.RootDir); err != nil {
		cancel()
		e.manualOnly.Store(true)
		e.logger.Warn("file watching disabled, invalidation is manual: " + err.Error())
		return nil
	}

	done := make(chan struct{})
	e.watchCancel.Lock()
	e.stopWatch = cancel
	e.watchDone = done
	e.watchCancel.Unlock()

	go func() {
		defer close(done)
		for ev := range e.watcher.Events() {
			if !e.cfg.Matches(ev.Path) {
				continue
			}
			e.inv.OnFileEvent(watcher.KindOf(ev.Operation), ev.Path)
		}
	}()
	return nil
}

// ManualOnly reports whether file watching is off.
func (e *Engine) ManualOnly() bool {
	return e.manualOnly.Load()
}

// Invalidate queues a change notification for path, as the watcher would.
func (e *Engine) Invalidate(kind domain.ChangeKind, path string) {
	e.inv.OnFileEvent(kind, e.cfg.Abs(path))
}

// Flush processes queued change notifications now.
func (e *Engine) Flush() {
	e.inv.Flush()
}

// Subscribe returns a channel of invalidation events, closed on Destroy.
func (e *Engine) Subscribe() <-chan domain.InvalidationEvent {
	return e.inv.Subscribe()
}

// NeedsRecompilation reports whether path has no valid cache entry.
func (e *Engine) NeedsRecompilation(path string) bool {
	return e.inv.NeedsRecompilation(e.cfg.Abs(path))
}

// FilesToRecompile filters paths down to those needing recompilation.
func (e *Engine) FilesToRecompile(paths []string) []string {
	abs := make([]string, len(paths))
	for i, p := range paths {
		abs[i] = e.cfg.Abs(p)
	}
	return e.inv.FilesToRecompile(abs)
}

// CompileFile returns the artifact for path, from the cache when the source
// and its dependencies are unchanged, otherwise by compiling it. Concurrent
// requests for the same content share one compilation. A result whose source
// changed while compiling is returned with Stale set and is not cached.
func (e *Engine) CompileFile(ctx context.Context, path string, force bool) (domain.CompileResult, error) {
	if e.closed.Load() {
		return domain.CompileResult{Path: path, Err: domain.ErrEngineClosed}, domain.ErrEngineClosed
	}

	path = e.cfg.Abs(path)
	ctx, span := e.tracer.Start(ctx, "compile", ports.WithAttribute(ports.AttrPath, path))
	defer span.End()

	start := time.Now()
	source, digest, err := e.hasher.ReadFile(path)
	if err != nil {
		span.RecordError(err)
		return domain.CompileResult{Path: path, Err: err}, err
	}

	key := e.inv.Key(path, digest)
	span.SetAttribute(ports.AttrKey, key.String())

	if !force {
		if artifact, ok := e.lookup(path, key); ok {
			e.cacheHits.Add(1)
			span.SetAttribute(ports.AttrCached, true)
			return domain.CompileResult{
				Path:         path,
				Artifact:     artifact,
				Dependencies: e.inv.Graph().Dependencies(path),
				Cached:       true,
				Duration:     time.Since(start),
			}, nil
		}
		e.cacheMisses.Add(1)
	}
	span.SetAttribute(ports.AttrCached, false)

	gen := e.inv.Generation(path)
	var result domain.CompileResult
	for {
		// The leader runs the job under its own context and span.
		leader := false
		v, _, _ := e.flights.Do(key.String(), func() (any, error) {
			leader = true
			return e.compile(ctx, span, path, key, source, digest, gen), nil
		})
		if !leader {
			e.sharedWaits.Add(1)
		}
		result, _ = v.(domain.CompileResult)

		// A waiter whose leader was cancelled takes over the job.
		if leader || !isCancellation(result.Err) || ctx.Err() != nil {
			break
		}
	}
	span.SetAttribute(ports.AttrStale, result.Stale)
	if result.Err != nil {
		span.RecordError(result.Err)
	}
	return result, result.Err
}

// lookup returns the cached artifact for key unless a dependency of path
// changed since it was compiled.
func (e *Engine) lookup(path string, key domain.CacheKey) (domain.Artifact, bool) {
	artifact, ok := e.store.Get(key)
	if !ok {
		return domain.Artifact{}, false
	}
	if e.inv.DependenciesChanged(path) {
		e.store.Invalidate(key.String())
		return domain.Artifact{}, false
	}
	return artifact, true
}

// compile runs one job: wait for a worker slot, call the compiler, then
// commit unless the source moved on in the meantime.
func (e *Engine) compile(
	ctx context.Context,
	span ports.Span,
	path string,
	key domain.CacheKey,
	source []byte,
	digest domain.Digest,
	gen uint64,
) domain.CompileResult {
	e.jobs.Add(1)
	defer e.jobs.Done()

	job := domain.NewCompilationJob(path, key, digest, e.priorityOf(path), gen)
	span.SetAttribute(ports.AttrJobID, job.ID.String())

	var (
		out     domain.CompileOutput
		elapsed time.Duration
		ran     bool
	)
	err := e.sched.Run(ctx, job, func(ctx context.Context) error {
		ran = true
		start := time.Now()
		var compileErr error
		out, compileErr = e.compiler.Compile(ctx, source, path)
		elapsed = time.Since(start)
		return compileErr
	})

	result := domain.CompileResult{
		Path:        path,
		Diagnostics: out.Diagnostics,
		Duration:    elapsed,
	}

	if !ran {
		// Cancelled while waiting for a worker slot.
		result.Err = err
		return result
	}

	e.totalCompilations.Add(1)
	e.lastCompile.Store(int64(elapsed))
	e.perf.add(elapsed)

	if err != nil {
		e.failures.Add(1)
		result.Err = zerr.With(zerr.Wrap(err, domain.ErrCompilationFailed.Error()), "path", path)
		return result
	}

	result.Artifact = out.Artifact
	result.Dependencies = out.Dependencies

	committed, err := e.inv.Commit(path, digest, gen, func() error {
		// A failed disk write still leaves the entry in memory.
		_ = e.store.Set(key, path, out.Artifact, out.Dependencies)
		e.inv.Record(path, digest, out.Dependencies)
		return nil
	})
	if err != nil {
		e.logger.Warn(err.Error())
	}
	if !committed {
		e.staleDiscards.Add(1)
		result.Stale = true
	}
	return result
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) priorityOf(path string) domain.Priority {
	if e.inv.Touched(path).IsZero() {
		return domain.PriorityNormal
	}
	return domain.PriorityChanged
}

// Clear empties the cache, forgets the dependency graph and resets the
// compiler statistics.
func (e *Engine) Clear() error {
	if e.closed.Load() {
		return domain.ErrEngineClosed
	}
	e.inv.Reset()
	for _, c := range []*atomic.Uint64{
		&e.totalCompilations, &e.cacheHits, &e.cacheMisses,
		&e.failures, &e.staleDiscards, &e.sharedWaits,
	} {
		c.Store(0)
	}
	e.lastCompile.Store(0)
	e.perf.reset()

	var errs error
	if err := e.store.Clear(); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := e.inv.Save(); err != nil {
		errs = errors.Join(errs, err)
	}
	return errs
}

// Optimize expires old cache entries and enforces the disk budget.
func (e *Engine) Optimize() (domain.OptimizeReport, error) {
	return e.store.Optimize()
}

// Destroy stops watching, processes pending changes, waits for running
// compilations, persists the dependency graph and closes the store. It is
// safe to call more than once.
func (e *Engine) Destroy() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)

		e.watchCancel.Lock()
		stop, done := e.stopWatch, e.watchDone
		e.watchCancel.Unlock()

		var errs error
		if stop != nil {
			stop()
			if err := e.watcher.Stop(); err != nil {
				errs = errors.Join(errs, zerr.Wrap(err, domain.ErrWatchFailed.Error()))
			}
			<-done
		}

		e.inv.Close()
		e.jobs.Wait()

		if err := e.inv.Save(); err != nil {
			e.logger.Warn(err.Error())
		}
		if err := e.store.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
		e.closeErr = errs
	})
	return e.closeErr
}

// Close is Destroy under the io.Closer name.
func (e *Engine) Close() error {
	return e.Destroy()
}
