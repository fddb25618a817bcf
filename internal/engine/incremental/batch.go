package incremental

import (
	"context"
	"slices"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"golang.org/x/sync/errgroup"
)

// CompileFiles compiles paths with at most Workers compilations running at
// once. Recently changed files are started first. Failures are reported per
// file; results are returned in input order.
func (e *Engine) CompileFiles(ctx context.Context, paths []string, force bool) []domain.CompileResult {
	results := make([]domain.CompileResult, len(paths))
	if len(paths) == 0 {
		return results
	}

	ctx, span := e.tracer.Start(ctx, "compile_files", ports.WithAttribute(ports.AttrBatchSize, len(paths)))
	defer span.End()

	order := e.plan(paths)
	planned := make([]string, len(order))
	for i, idx := range order {
		planned[i] = e.cfg.Abs(paths[idx])
	}
	e.tracer.EmitBatch(ctx, planned)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers())
	for _, idx := range order {
		g.Go(func() error {
			res, _ := e.CompileFile(gctx, paths[idx], force)
			results[idx] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// plan returns the indices of paths, most recently changed first. Files
// that never changed keep their explicit order.
func (e *Engine) plan(paths []string) []int {
	order := make([]int, len(paths))
	for i := range order {
		order[i] = i
	}
	touched := make([]int64, len(paths))
	for i, p := range paths {
		if t := e.inv.Touched(e.cfg.Abs(p)); !t.IsZero() {
			touched[i] = t.UnixNano()
		}
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case touched[a] > touched[b]:
			return -1
		case touched[a] < touched[b]:
			return 1
		}
		return 0
	})
	return order
}
