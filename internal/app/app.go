// Package app implements the application layer for kiln.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.trai.ch/kiln/internal/adapters/cas"       //nolint:depguard // Wired in app layer
	"go.trai.ch/kiln/internal/adapters/detector"  //nolint:depguard // Wired in app layer
	"go.trai.ch/kiln/internal/adapters/fs"        //nolint:depguard // Wired in app layer
	"go.trai.ch/kiln/internal/adapters/linear"    //nolint:depguard // Wired in app layer
	"go.trai.ch/kiln/internal/adapters/metrics"   //nolint:depguard // Wired in app layer
	"go.trai.ch/kiln/internal/adapters/shell"     //nolint:depguard // Wired in app layer
	"go.trai.ch/kiln/internal/adapters/telemetry" //nolint:depguard // Wired in app layer
	"go.trai.ch/kiln/internal/adapters/tui"       //nolint:depguard // Wired in app layer
	"go.trai.ch/kiln/internal/adapters/watcher"   //nolint:depguard // Wired in app layer
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/engine/incremental"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

// Stats output formats.
const (
	FormatText       = "text"
	FormatPrometheus = "prometheus"
)

// App represents the main application logic.
type App struct {
	configLoader ports.ConfigLoader
	logger       ports.Logger
	fs           afero.Fs
	walker       *fs.Walker
	hasher       ports.Hasher
	tracer       ports.Tracer
	stores       cas.StoreFactory
	compilers    shell.CompilerFactory
	watchers     watcher.WatcherFactory
	out          io.Writer
	workDir      string
	globalOTel   bool
	teaOptions   []tea.ProgramOption
}

// New creates a new App instance.
func New(
	loader ports.ConfigLoader,
	log ports.Logger,
	fsys afero.Fs,
	walker *fs.Walker,
	hasher ports.Hasher,
	tracer ports.Tracer,
	stores cas.StoreFactory,
	compilers shell.CompilerFactory,
	watchers watcher.WatcherFactory,
) *App {
	return &App{
		configLoader: loader,
		logger:       log,
		fs:           fsys,
		walker:       walker,
		hasher:       hasher,
		tracer:       tracer,
		stores:       stores,
		compilers:    compilers,
		watchers:     watchers,
		out:          os.Stdout,
		globalOTel:   true,
	}
}

// WithOutput redirects result output. It is primarily used for testing.
func (a *App) WithOutput(w io.Writer) *App {
	a.out = w
	return a
}

// WithTeaOptions adds bubbletea program options to the App.
// This is primarily used for testing to disable input/output.
func (a *App) WithTeaOptions(opts ...tea.ProgramOption) *App {
	a.teaOptions = append(a.teaOptions, opts...)
	return a
}

// WithWorkDir sets the directory the configuration is searched from instead
// of the process working directory.
func (a *App) WithWorkDir(dir string) *App {
	a.workDir = dir
	return a
}

// WithoutGlobalTelemetry keeps the global OpenTelemetry provider untouched.
// It is primarily used for testing.
func (a *App) WithoutGlobalTelemetry() *App {
	a.globalOTel = false
	return a
}

// OpenEngine loads the configuration and builds an engine from it. The
// caller owns the engine and must Destroy it.
func (a *App) OpenEngine() (*incremental.Engine, error) {
	cwd, err := a.cwd()
	if err != nil {
		return nil, err
	}
	cfg, err := a.configLoader.Load(cwd)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to load configuration")
	}
	return a.newEngine(cfg)
}

func (a *App) newEngine(cfg domain.Config) (*incremental.Engine, error) {
	store, err := a.stores(cfg)
	if err != nil {
		return nil, err
	}

	var w ports.Watcher
	if cfg.EnableWatching {
		if w, err = a.watchers(); err != nil {
			a.logger.Warn("file watching disabled: " + err.Error())
			w = nil
		}
	}

	if a.globalOTel {
		setupOTel(a.logger, cfg.TargetRebuildTime)
	}

	engine, err := incremental.New(cfg, incremental.Deps{
		Fs:       a.fs,
		Logger:   a.logger,
		Tracer:   a.tracer,
		Hasher:   a.hasher,
		Store:    store,
		Compiler: a.compilers(cfg),
		Watcher:  w,
	})
	if err != nil {
		_ = store.Close()
		if w != nil {
			_ = w.Stop()
		}
		return nil, err
	}
	return engine, nil
}

func (a *App) cwd() (string, error) {
	if a.workDir != "" {
		return a.workDir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", zerr.Wrap(err, "failed to get working directory")
	}
	return cwd, nil
}

// CompileOptions configuration for the Compile method.
type CompileOptions struct {
	Force bool
}

// Compile compiles the files named by args, which may be files, directories
// or globs relative to the working directory. Every result is printed; the
// returned error joins all failures.
func (a *App) Compile(ctx context.Context, args []string, opts CompileOptions) (err error) {
	if len(args) == 0 {
		return domain.ErrNoPathsSpecified
	}

	engine, err := a.OpenEngine()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, engine.Destroy())
	}()

	cwd, err := a.cwd()
	if err != nil {
		return err
	}
	cfg := engine.Config()
	paths, err := a.walker.Resolve(cwd, args, cfg.Patterns)
	if err != nil {
		return err
	}

	results := engine.CompileFiles(ctx, paths, opts.Force)
	for _, r := range results {
		if r.Err != nil {
			a.logger.Error(r.Err)
		}
	}
	return report(linear.NewRenderer(a.out, cfg.RootDir), results)
}

// WatchOptions configuration for the Watch method.
type WatchOptions struct {
	// OutputMode is one of "auto", "tui", "linear" or "ci".
	OutputMode string
}

// Watch compiles every matching file below the project root and then keeps
// recompiling affected files as they change, until ctx is cancelled or the
// user quits the TUI.
func (a *App) Watch(ctx context.Context, opts WatchOptions) (err error) {
	mode, err := resolveOutputMode(opts.OutputMode)
	if err != nil {
		return err
	}

	engine, err := a.OpenEngine()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, engine.Destroy())
	}()

	cfg := engine.Config()
	if !cfg.EnableWatching {
		return zerr.With(domain.ErrWatchFailed, "reason", "enableWatching is false")
	}

	events := engine.Subscribe()
	if err := engine.Start(ctx); err != nil {
		return err
	}
	if engine.ManualOnly() {
		return domain.ErrWatchFailed
	}
	a.logger.Info(fmt.Sprintf("watching %s for changes", cfg.RootDir))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	renderer := a.newRenderer(ctx, cfg, mode)

	g, ctx := errgroup.WithContext(ctx)

	// Quitting the renderer ends the session.
	g.Go(func() error {
		defer cancel()
		if err := renderer.Start(ctx); err != nil {
			return err
		}
		return renderer.Wait()
	})

	g.Go(func() error {
		defer func() {
			_ = renderer.Stop()
		}()
		a.watchLoop(ctx, engine, renderer, events)
		return nil
	})

	return g.Wait()
}

func (a *App) watchLoop(
	ctx context.Context,
	engine *incremental.Engine,
	renderer ports.Renderer,
	events <-chan domain.InvalidationEvent,
) {
	cfg := engine.Config()
	compile := func(paths []string) {
		if len(paths) == 0 {
			return
		}
		renderer.OnBatch(paths)
		_ = report(renderer, engine.CompileFiles(ctx, paths, false))
	}

	compile(slices.Collect(a.walker.WalkFiles(cfg.RootDir, cfg.Patterns)))

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			renderer.OnInvalidated(ev)
			var paths []string
			for _, p := range ev.Affected {
				if exists, _ := afero.Exists(a.fs, p); exists && cfg.Matches(p) {
					paths = append(paths, p)
				}
			}
			compile(paths)
		}
	}
}

func (a *App) newRenderer(ctx context.Context, cfg domain.Config, mode detector.OutputMode) ports.Renderer {
	if mode == detector.ModeTUI {
		model := tui.NewModel(cfg.RootDir)
		optsTea := append([]tea.ProgramOption{tea.WithContext(ctx)}, a.teaOptions...)
		return tui.NewRenderer(&model, optsTea...)
	}
	return linear.NewRenderer(a.out, cfg.RootDir)
}

func resolveOutputMode(flag string) (detector.OutputMode, error) {
	switch flag {
	case "", "auto", "tui", "linear", "ci":
		return detector.ResolveMode(detector.DetectEnvironment(), flag), nil
	default:
		return detector.ModeAuto, zerr.With(domain.ErrUnknownOutputMode, "mode", flag)
	}
}

// report hands every result to the renderer and returns the joined failures.
func report(renderer ports.Renderer, results []domain.CompileResult) error {
	var errs []error
	for _, r := range results {
		renderer.OnResult(r)
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{domain.ErrCompilationFailed}, errs...)...)
}

// StatsOptions configuration for the Stats method.
type StatsOptions struct {
	Format string
}

// Stats prints cache, compiler and graph statistics for the project.
func (a *App) Stats(_ context.Context, opts StatsOptions) (err error) {
	if opts.Format == "" {
		opts.Format = FormatText
	}
	if opts.Format != FormatText && opts.Format != FormatPrometheus {
		return zerr.With(domain.ErrUnknownStatsFormat, "format", opts.Format)
	}

	engine, err := a.OpenEngine()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, engine.Destroy())
	}()

	if opts.Format == FormatPrometheus {
		registry := prometheus.NewRegistry()
		if err := registry.Register(metrics.NewCollector(engine)); err != nil {
			return zerr.Wrap(err, "failed to register collector")
		}
		return metrics.WriteText(a.out, registry)
	}

	cache := engine.CacheStats()
	comp := engine.Stats()
	deps := engine.DependencyStats()

	w := a.out
	_, _ = fmt.Fprintf(w, "cache:    %d entries in memory (%d bytes), %d on disk (%d bytes)\n",
		cache.MemoryEntries, cache.MemoryBytes, cache.DiskEntries, cache.DiskBytes)
	_, _ = fmt.Fprintf(w, "lookups:  %d hits, %d misses, %.1f%% hit rate\n",
		cache.Hits, cache.Misses, cache.HitRate())
	_, _ = fmt.Fprintf(w, "compiler: %d compilations, %d failures, target %s\n",
		comp.TotalCompilations, comp.Failures, comp.TargetRebuildTime)
	_, _ = fmt.Fprintf(w, "graph:    %d modules, %d edges", deps.Modules, deps.Edges)
	if deps.MostDepended != "" {
		_, _ = fmt.Fprintf(w, ", most depended on %s (%d)", deps.MostDepended, deps.MaxDependents)
	}
	_, _ = fmt.Fprintln(w)
	for _, rec := range engine.PerformanceRecommendations() {
		_, _ = fmt.Fprintf(w, "hint:     %s\n", rec)
	}
	return nil
}

// CleanOptions configuration for the Clean method.
type CleanOptions struct {
	// Optimize only drops expired entries and enforces the disk budget.
	Optimize bool
}

// Clean empties the artifact cache and the dependency graph.
func (a *App) Clean(_ context.Context, opts CleanOptions) (err error) {
	engine, err := a.OpenEngine()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, engine.Destroy())
	}()

	if opts.Optimize {
		report, err := engine.Optimize()
		if err != nil {
			return err
		}
		a.logger.Info(fmt.Sprintf("removed %d expired and %d evicted entries, freed %d bytes",
			report.Expired, report.Evicted, report.FreedBytes))
		return nil
	}

	a.logger.Info(fmt.Sprintf("removing cache in %s...", engine.Config().CacheDir))
	if err := engine.Clear(); err != nil {
		return zerr.Wrap(err, "failed to clear cache")
	}
	a.logger.Info("removed cache")
	return nil
}

// setupOTel installs a global TracerProvider that reports failed and slow
// spans through the logger.
func setupOTel(log ports.Logger, threshold time.Duration) {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(telemetry.NewLogBridge(log, threshold)),
	)
	otel.SetTracerProvider(tp)
}
