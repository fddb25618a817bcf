package incremental_test

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/adapters/cas"
	"go.trai.ch/kiln/internal/adapters/fs"
	"go.trai.ch/kiln/internal/adapters/telemetry"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/core/ports/mocks"
	"go.trai.ch/kiln/internal/engine/incremental"
	"go.uber.org/mock/gomock"
)

const root = "/repo"

type fixture struct {
	fs       afero.Fs
	compiler *mocks.MockCompiler
	engine   *incremental.Engine
}

func testConfig() domain.Config {
	cfg := domain.DefaultConfig(root)
	cfg.EnableWatching = false
	cfg.Debounce = 10 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T, files map[string]string, configure ...func(*domain.Config)) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Warn(gomock.Any()).AnyTimes()
	logger.EXPECT().Info(gomock.Any()).AnyTimes()

	mem := afero.NewMemMapFs()
	for path, content := range files {
		require.NoError(t, afero.WriteFile(mem, path, []byte(content), domain.FilePerm))
	}

	cfg := testConfig()
	for _, fn := range configure {
		fn(&cfg)
	}

	store, err := cas.NewStore(mem, logger, cas.OptionsFromConfig(cfg.WithDefaults()))
	require.NoError(t, err)

	compiler := mocks.NewMockCompiler(ctrl)
	engine, err := incremental.New(cfg, incremental.Deps{
		Fs:       mem,
		Logger:   logger,
		Tracer:   telemetry.NewNoOpTracer(),
		Hasher:   fs.NewHasher(mem),
		Store:    store,
		Compiler: compiler,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Destroy() })

	return &fixture{fs: mem, compiler: compiler, engine: engine}
}

func (f *fixture) write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(f.fs, path, []byte(content), domain.FilePerm))
}

func output(code string, deps ...string) domain.CompileOutput {
	return domain.CompileOutput{
		Artifact:     domain.Artifact{Code: []byte(code)},
		Dependencies: deps,
	}
}

func TestCompileFile_MissThenHit(t *testing.T) {
	f := newFixture(t, map[string]string{"/repo/a.page": "hello"})
	f.compiler.EXPECT().
		Compile(gomock.Any(), []byte("hello"), "/repo/a.page").
		Return(output("compiled"), nil).
		Times(1)

	first, err := f.engine.CompileFile(context.Background(), "a.page", false)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "compiled", string(first.Artifact.Code))
	assert.Equal(t, "/repo/a.page", first.Path)

	second, err := f.engine.CompileFile(context.Background(), "/repo/a.page", false)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.True(t, first.Artifact.Equal(second.Artifact))

	stats := f.engine.Stats()
	assert.Equal(t, uint64(1), stats.TotalCompilations)
	assert.Equal(t, uint64(1), stats.CacheHits)
	assert.Equal(t, uint64(1), stats.CacheMisses)
	assert.False(t, f.engine.NeedsRecompilation("a.page"))
}

func TestCompileFile_ForceSkipsCache(t *testing.T) {
	f := newFixture(t, map[string]string{"/repo/a.page": "hello"})
	f.compiler.EXPECT().Compile(gomock.Any(), gomock.Any(), gomock.Any()).Return(output("x"), nil).Times(2)

	_, err := f.engine.CompileFile(context.Background(), "a.page", false)
	require.NoError(t, err)
	res, err := f.engine.CompileFile(context.Background(), "a.page", true)
	require.NoError(t, err)

	assert.False(t, res.Cached)
	assert.Equal(t, uint64(1), f.engine.Stats().CacheMisses)
	assert.Equal(t, uint64(2), f.engine.Stats().TotalCompilations)
}

func TestCompileFile_FailureIsReportedAndNotCached(t *testing.T) {
	f := newFixture(t, map[string]string{"/repo/bad.page": "<<"})
	diags := []domain.Diagnostic{{Severity: domain.SeverityError, Message: "unexpected token", Line: 1}}
	f.compiler.EXPECT().
		Compile(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(domain.CompileOutput{Diagnostics: diags}, errors.New("exit status 1")).
		Times(2)

	res, err := f.engine.CompileFile(context.Background(), "bad.page", false)
	require.Error(t, err)
	assert.ErrorContains(t, err, domain.ErrCompilationFailed.Error())
	assert.False(t, res.OK())
	assert.Equal(t, diags, res.Diagnostics)
	assert.True(t, f.engine.NeedsRecompilation("bad.page"))

	_, err = f.engine.CompileFile(context.Background(), "bad.page", false)
	require.Error(t, err)
	assert.Equal(t, uint64(2), f.engine.Stats().Failures)
}

func TestCompileFile_MissingSource(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.engine.CompileFile(context.Background(), "nope.page", false)
	require.Error(t, err)
	assert.ErrorContains(t, err, domain.ErrSourceNotFound.Error())
	assert.Equal(t, err, res.Err)
}

func TestCompileFile_DependencyChangeCascades(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/repo/app.page":   "import theme",
		"/repo/theme.page": "red",
	})
	f.compiler.EXPECT().
		Compile(gomock.Any(), gomock.Any(), "/repo/app.page").
		Return(output("app", "/repo/theme.page"), nil).
		Times(2)
	f.compiler.EXPECT().
		Compile(gomock.Any(), gomock.Any(), "/repo/theme.page").
		Return(output("theme"), nil).
		Times(1)

	ctx := context.Background()
	results := f.engine.CompileFiles(ctx, []string{"app.page", "theme.page"}, false)
	for _, r := range results {
		require.NoError(t, r.Err)
	}
	assert.Equal(t, []string{"/repo/theme.page"}, results[0].Dependencies)
	assert.Empty(t, f.engine.FilesToRecompile([]string{"app.page", "theme.page"}))

	events := f.engine.Subscribe()
	f.write(t, "/repo/theme.page", "blue")
	f.engine.Invalidate(domain.ChangeChanged, "theme.page")
	f.engine.Flush()

	select {
	case ev := <-events:
		assert.Equal(t, []string{"/repo/app.page", "/repo/theme.page"}, ev.Affected)
	case <-time.After(time.Second):
		t.Fatal("no invalidation event")
	}
	assert.Equal(t,
		[]string{"/repo/app.page", "/repo/theme.page"},
		f.engine.FilesToRecompile([]string{"app.page", "theme.page"}),
	)

	res, err := f.engine.CompileFile(ctx, "app.page", false)
	require.NoError(t, err)
	assert.False(t, res.Cached)

	deps := f.engine.DependencyStats()
	assert.Equal(t, 1, deps.Edges)
}

func TestCompileFile_TransitiveCascadeAfterEarlyCompile(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/repo/a.page": "import b",
		"/repo/b.page": "import c",
		"/repo/c.page": "c v1",
	})
	f.compiler.EXPECT().
		Compile(gomock.Any(), gomock.Any(), "/repo/a.page").
		Return(output("a", "/repo/b.page"), nil).
		Times(2)
	f.compiler.EXPECT().
		Compile(gomock.Any(), gomock.Any(), "/repo/b.page").
		Return(output("b", "/repo/c.page"), nil).
		Times(1)
	f.compiler.EXPECT().
		Compile(gomock.Any(), gomock.Any(), "/repo/c.page").
		Return(output("c"), nil).
		Times(2)

	ctx := context.Background()
	for _, p := range []string{"a.page", "b.page", "c.page"} {
		_, err := f.engine.CompileFile(ctx, p, false)
		require.NoError(t, err)
	}

	// A request for the edited file beats its debounced notification.
	f.write(t, "/repo/c.page", "c v2")
	res, err := f.engine.CompileFile(ctx, "c.page", false)
	require.NoError(t, err)
	assert.False(t, res.Cached)

	f.engine.Invalidate(domain.ChangeChanged, "c.page")
	f.engine.Flush()

	assert.True(t, f.engine.NeedsRecompilation("a.page"))
	res, err = f.engine.CompileFile(ctx, "a.page", false)
	require.NoError(t, err)
	assert.False(t, res.Cached)
}

func TestCompileFile_ChangedDependencyOnHitRecompiles(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/repo/app.page":   "import theme",
		"/repo/theme.page": "red",
	})
	f.compiler.EXPECT().
		Compile(gomock.Any(), gomock.Any(), "/repo/app.page").
		Return(output("app", "/repo/theme.page"), nil).
		Times(2)

	_, err := f.engine.CompileFile(context.Background(), "app.page", false)
	require.NoError(t, err)

	// No notification: the change is only seen through dependency digests.
	f.write(t, "/repo/theme.page", "blue")

	res, err := f.engine.CompileFile(context.Background(), "app.page", false)
	require.NoError(t, err)
	assert.False(t, res.Cached)
}

func TestCompileFile_StaleResultIsNotCached(t *testing.T) {
	f := newFixture(t, map[string]string{"/repo/a.page": "v1"})
	f.compiler.EXPECT().
		Compile(gomock.Any(), []byte("v1"), "/repo/a.page").
		DoAndReturn(func(context.Context, []byte, string) (domain.CompileOutput, error) {
			f.write(t, "/repo/a.page", "v2")
			return output("from v1"), nil
		})

	res, err := f.engine.CompileFile(context.Background(), "a.page", false)
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, "from v1", string(res.Artifact.Code))
	assert.Equal(t, uint64(1), f.engine.Stats().StaleDiscards)
	assert.True(t, f.engine.NeedsRecompilation("a.page"))
	assert.Zero(t, f.engine.CacheStats().MemoryEntries)
}

func TestCompileFile_SingleFlight(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		logger := mocks.NewMockLogger(ctrl)
		logger.EXPECT().Warn(gomock.Any()).AnyTimes()

		mem := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(mem, "/repo/a.page", []byte("x"), domain.FilePerm))

		store := mocks.NewMockArtifactStore(ctrl)
		store.EXPECT().Get(gomock.Any()).Return(domain.Artifact{}, false).AnyTimes()
		store.EXPECT().Set(gomock.Any(), "/repo/a.page", gomock.Any(), gomock.Any()).Return(nil).Times(1)
		store.EXPECT().Close().Return(nil)

		gate := make(chan struct{})
		compiler := mocks.NewMockCompiler(ctrl)
		compiler.EXPECT().
			Compile(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(context.Context, []byte, string) (domain.CompileOutput, error) {
				<-gate
				return output("shared"), nil
			}).
			Times(1)

		engine, err := incremental.New(testConfig(), incremental.Deps{
			Fs:       mem,
			Logger:   logger,
			Tracer:   telemetry.NewNoOpTracer(),
			Hasher:   fs.NewHasher(mem),
			Store:    store,
			Compiler: compiler,
		})
		require.NoError(t, err)

		const callers = 10
		results := make([]domain.CompileResult, callers)
		var wg sync.WaitGroup
		for i := range callers {
			wg.Go(func() {
				results[i], _ = engine.CompileFile(context.Background(), "a.page", false)
			})
		}

		synctest.Wait()
		close(gate)
		wg.Wait()

		for _, r := range results {
			require.NoError(t, r.Err)
			assert.Equal(t, "shared", string(r.Artifact.Code))
		}
		stats := engine.Stats()
		assert.Equal(t, uint64(callers), stats.CacheMisses)
		assert.Equal(t, uint64(callers-1), stats.SharedWaits)
		assert.Equal(t, uint64(1), stats.TotalCompilations)

		require.NoError(t, engine.Destroy())
	})
}

func TestCompileFile_WaiterOutlivesCancelledLeader(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		logger := mocks.NewMockLogger(ctrl)
		logger.EXPECT().Warn(gomock.Any()).AnyTimes()

		mem := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(mem, "/repo/a.page", []byte("a"), domain.FilePerm))
		require.NoError(t, afero.WriteFile(mem, "/repo/busy.page", []byte("busy"), domain.FilePerm))

		store := mocks.NewMockArtifactStore(ctrl)
		store.EXPECT().Get(gomock.Any()).Return(domain.Artifact{}, false).AnyTimes()
		store.EXPECT().Set(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2)
		store.EXPECT().Close().Return(nil)

		gate := make(chan struct{})
		compiler := mocks.NewMockCompiler(ctrl)
		compiler.EXPECT().
			Compile(gomock.Any(), gomock.Any(), "/repo/busy.page").
			DoAndReturn(func(context.Context, []byte, string) (domain.CompileOutput, error) {
				<-gate
				return output("busy"), nil
			})
		compiler.EXPECT().
			Compile(gomock.Any(), gomock.Any(), "/repo/a.page").
			Return(output("a"), nil).
			Times(1)

		cfg := testConfig()
		cfg.Parallel = false
		engine, err := incremental.New(cfg, incremental.Deps{
			Fs:       mem,
			Logger:   logger,
			Tracer:   telemetry.NewNoOpTracer(),
			Hasher:   fs.NewHasher(mem),
			Store:    store,
			Compiler: compiler,
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Go(func() {
			_, _ = engine.CompileFile(context.Background(), "busy.page", false)
		})
		synctest.Wait()

		leaderCtx, cancel := context.WithCancel(context.Background())
		var leaderErr error
		wg.Go(func() {
			_, leaderErr = engine.CompileFile(leaderCtx, "a.page", false)
		})
		synctest.Wait()

		var waiter domain.CompileResult
		wg.Go(func() {
			waiter, _ = engine.CompileFile(context.Background(), "a.page", false)
		})
		synctest.Wait()

		cancel()
		synctest.Wait()
		close(gate)
		wg.Wait()

		require.ErrorIs(t, leaderErr, context.Canceled)
		require.NoError(t, waiter.Err)
		assert.Equal(t, "a", string(waiter.Artifact.Code))

		stats := engine.Stats()
		assert.Equal(t, uint64(2), stats.TotalCompilations)
		assert.Zero(t, stats.Failures)
		assert.Equal(t, uint64(1), stats.SharedWaits)

		require.NoError(t, engine.Destroy())
	})
}

func TestCompileFiles_PreservesOrderAndReportsFailures(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/repo/a.page": "a",
		"/repo/b.page": "b",
		"/repo/c.page": "c",
	}, func(c *domain.Config) { c.MaxParallelTasks = 2 })

	f.compiler.EXPECT().
		Compile(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, source []byte, path string) (domain.CompileOutput, error) {
			if path == "/repo/b.page" {
				return domain.CompileOutput{}, errors.New("boom")
			}
			return output("out:" + string(source)), nil
		}).
		Times(3)

	results := f.engine.CompileFiles(context.Background(), []string{"a.page", "b.page", "c.page"}, false)
	require.Len(t, results, 3)

	assert.Equal(t, "/repo/a.page", results[0].Path)
	assert.Equal(t, "out:a", string(results[0].Artifact.Code))
	assert.Error(t, results[1].Err)
	assert.Equal(t, "/repo/c.page", results[2].Path)
	assert.Equal(t, "out:c", string(results[2].Artifact.Code))

	assert.Empty(t, f.engine.CompileFiles(context.Background(), nil, false))
}

func TestEngine_ClearResetsEverything(t *testing.T) {
	f := newFixture(t, map[string]string{"/repo/a.page": "a"})
	f.compiler.EXPECT().Compile(gomock.Any(), gomock.Any(), gomock.Any()).Return(output("x"), nil).Times(2)

	_, err := f.engine.CompileFile(context.Background(), "a.page", false)
	require.NoError(t, err)
	require.NoError(t, f.engine.Clear())

	assert.Equal(t, domain.CompilerStats{TargetRebuildTime: domain.DefaultTargetRebuildTime}, f.engine.Stats())
	assert.Zero(t, f.engine.CacheStats().MemoryEntries)
	assert.True(t, f.engine.NeedsRecompilation("a.page"))

	res, err := f.engine.CompileFile(context.Background(), "a.page", false)
	require.NoError(t, err)
	assert.False(t, res.Cached)
}

func TestEngine_DestroyPersistsGraph(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/repo/app.page":   "import theme",
		"/repo/theme.page": "red",
	})
	f.compiler.EXPECT().Compile(gomock.Any(), gomock.Any(), gomock.Any()).Return(output("app", "/repo/theme.page"), nil)

	_, err := f.engine.CompileFile(context.Background(), "app.page", false)
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy())
	require.NoError(t, f.engine.Destroy())

	exists, err := afero.Exists(f.fs, domain.GraphPath(domain.DefaultCachePath(root)))
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = f.engine.CompileFile(context.Background(), "app.page", false)
	assert.ErrorContains(t, err, domain.ErrEngineClosed.Error())
	assert.ErrorContains(t, f.engine.Clear(), domain.ErrEngineClosed.Error())
}

func TestEngine_ReopenServesFromDisk(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Warn(gomock.Any()).AnyTimes()
	logger.EXPECT().Info(gomock.Any()).AnyTimes()
	compiler := mocks.NewMockCompiler(ctrl)
	compiler.EXPECT().Compile(gomock.Any(), gomock.Any(), gomock.Any()).Return(output("persisted"), nil).Times(1)

	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/repo/a.page", []byte("a"), domain.FilePerm))

	open := func() *incremental.Engine {
		cfg := testConfig()
		store, err := cas.NewStore(mem, logger, cas.OptionsFromConfig(cfg.WithDefaults()))
		require.NoError(t, err)
		e, err := incremental.New(cfg, incremental.Deps{
			Fs: mem, Logger: logger, Tracer: telemetry.NewNoOpTracer(),
			Hasher: fs.NewHasher(mem), Store: store, Compiler: compiler,
		})
		require.NoError(t, err)
		return e
	}

	first := open()
	_, err := first.CompileFile(context.Background(), "a.page", false)
	require.NoError(t, err)
	require.NoError(t, first.Destroy())

	second := open()
	defer func() { _ = second.Destroy() }()
	res, err := second.CompileFile(context.Background(), "a.page", false)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "persisted", string(res.Artifact.Code))
	assert.Equal(t, uint64(1), second.CacheStats().DiskHits)
}

func TestEngine_StartWithoutWatching(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.engine.Start(context.Background()))
	assert.True(t, f.engine.ManualOnly())
}

func TestEngine_StartWatcherFailureFallsBackToManual(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Warn(gomock.Any()).Do(func(msg string) {
		assert.Contains(t, msg, "manual")
	}).Times(1)

	watcher := mocks.NewMockWatcher(ctrl)
	watcher.EXPECT().Start(gomock.Any(), root).Return(domain.ErrWatchFailed)

	mem := afero.NewMemMapFs()
	cfg := testConfig()
	cfg.EnableWatching = true
	store, err := cas.NewStore(mem, logger, cas.OptionsFromConfig(cfg.WithDefaults()))
	require.NoError(t, err)
	e, err := incremental.New(cfg, incremental.Deps{
		Fs: mem, Logger: logger, Tracer: telemetry.NewNoOpTracer(),
		Hasher: fs.NewHasher(mem), Store: store, Compiler: mocks.NewMockCompiler(ctrl), Watcher: watcher,
	})
	require.NoError(t, err)
	defer func() { _ = e.Destroy() }()

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.ManualOnly())
}

func TestEngine_WatchEventsInvalidate(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Warn(gomock.Any()).AnyTimes()

	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/repo/a.page", []byte("a"), domain.FilePerm))

	watcher := mocks.NewMockWatcher(ctrl)
	watcher.EXPECT().Start(gomock.Any(), root).Return(nil)
	watcher.EXPECT().Events().Return(iter.Seq[ports.WatchEvent](func(yield func(ports.WatchEvent) bool) {
		for _, ev := range []ports.WatchEvent{
			{Path: "/repo/notes.txt", Operation: ports.OpWrite},
			{Path: "/repo/a.page", Operation: ports.OpWrite},
		} {
			if !yield(ev) {
				return
			}
		}
	}))
	watcher.EXPECT().Stop().Return(nil)

	cfg := testConfig()
	cfg.EnableWatching = true
	cfg.Patterns = []string{"*.page"}
	store, err := cas.NewStore(mem, logger, cas.OptionsFromConfig(cfg.WithDefaults()))
	require.NoError(t, err)
	e, err := incremental.New(cfg, incremental.Deps{
		Fs: mem, Logger: logger, Tracer: telemetry.NewNoOpTracer(),
		Hasher: fs.NewHasher(mem), Store: store, Compiler: mocks.NewMockCompiler(ctrl), Watcher: watcher,
	})
	require.NoError(t, err)

	events := e.Subscribe()
	require.NoError(t, e.Start(context.Background()))
	assert.False(t, e.ManualOnly())

	select {
	case ev := <-events:
		require.Len(t, ev.Changes, 1)
		assert.Equal(t, "/repo/a.page", ev.Path())
	case <-time.After(2 * time.Second):
		t.Fatal("no invalidation event")
	}
	require.NoError(t, e.Destroy())
}

func TestEngine_PerformanceTarget(t *testing.T) {
	f := newFixture(t, map[string]string{"/repo/a.page": "a"}, func(c *domain.Config) {
		c.TargetRebuildTime = time.Millisecond
		c.Parallel = false
	})
	assert.True(t, f.engine.IsPerformanceTargetMet())
	assert.Empty(t, f.engine.PerformanceRecommendations())

	f.compiler.EXPECT().
		Compile(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, []byte, string) (domain.CompileOutput, error) {
			time.Sleep(5 * time.Millisecond)
			return output("slow"), nil
		})

	_, err := f.engine.CompileFile(context.Background(), "a.page", false)
	require.NoError(t, err)

	assert.False(t, f.engine.IsPerformanceTargetMet())
	recs := f.engine.PerformanceRecommendations()
	require.NotEmpty(t, recs)
	assert.Contains(t, recs[0], "enabling parallel compilation")
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := incremental.New(domain.Config{}, incremental.Deps{})
	require.Error(t, err)
	assert.ErrorContains(t, err, domain.ErrInvalidConfig.Error())
}
