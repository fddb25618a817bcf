// Package linear provides a synchronous, line-oriented renderer for
// non-interactive output.
package linear

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/muesli/termenv"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
)

var _ ports.Renderer = (*Renderer)(nil)

// Renderer prints one line per compile result and per invalidation batch.
// Paths are shown relative to root.
type Renderer struct {
	out    io.Writer
	output *termenv.Output
	root   string

	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// NewRenderer creates a Renderer writing to out. Colors are used only when
// out is a terminal and NO_COLOR is unset.
func NewRenderer(out io.Writer, root string) *Renderer {
	if out == nil {
		out = os.Stdout
	}
	profile := termenv.NewOutput(out).EnvColorProfile()
	return &Renderer{
		out:    out,
		output: termenv.NewOutput(out, termenv.WithProfile(profile)),
		root:   root,
		done:   make(chan struct{}),
	}
}

// Start is a no-op; the renderer is synchronous.
func (r *Renderer) Start(_ context.Context) error {
	return nil
}

// Stop releases Wait. Nothing is buffered.
func (r *Renderer) Stop() error {
	r.stopOnce.Do(func() { close(r.done) })
	return nil
}

// Wait blocks until Stop is called.
func (r *Renderer) Wait() error {
	<-r.done
	return nil
}

// OnBatch prints nothing for batches of one file.
func (r *Renderer) OnBatch(paths []string) {
	if len(paths) < 2 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintf(r.out, "%s\n", r.output.String(fmt.Sprintf("compiling %d files", len(paths))).Faint())
}

// OnResult prints the outcome of one compile request. Failures are followed
// by their diagnostics.
func (r *Renderer) OnResult(res domain.CompileResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rel := r.rel(res.Path)
	took := res.Duration.Round(time.Millisecond)
	switch {
	case res.Err != nil:
		_, _ = fmt.Fprintf(r.out, "%s %s\n", r.output.String("✗").Foreground(termenv.ANSIRed), rel)
		for _, d := range res.Diagnostics {
			_, _ = fmt.Fprintf(r.out, "    %s\n", d.String())
		}
	case res.Cached:
		_, _ = fmt.Fprintf(r.out, "%s %s %s\n", r.output.String("✓").Foreground(termenv.ANSIGreen), rel,
			r.output.String("(cached)").Faint())
	case res.Stale:
		_, _ = fmt.Fprintf(r.out, "%s %s (stale, %s)\n", r.output.String("~").Foreground(termenv.ANSIYellow), rel, took)
	default:
		_, _ = fmt.Fprintf(r.out, "%s %s (%s)\n", r.output.String("✓").Foreground(termenv.ANSIGreen), rel, took)
		for _, d := range res.Diagnostics {
			_, _ = fmt.Fprintf(r.out, "    %s\n", d.String())
		}
	}
}

// OnInvalidated prints the changed files and how many modules they affect.
func (r *Renderer) OnInvalidated(ev domain.InvalidationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changes := make([]string, len(ev.Changes))
	for i, c := range ev.Changes {
		changes[i] = fmt.Sprintf("%s %s", c.Kind, r.rel(c.Path))
	}
	line := fmt.Sprintf("↻ %s, %d affected", strings.Join(changes, ", "), len(ev.Affected))
	_, _ = fmt.Fprintf(r.out, "%s\n", r.output.String(line).Foreground(termenv.ANSIBlue))
}

func (r *Renderer) rel(path string) string {
	if r.root == "" {
		return path
	}
	rel, err := filepath.Rel(r.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
