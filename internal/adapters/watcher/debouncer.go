// Package watcher implements file system watching and per-file debouncing.
package watcher

import (
	"slices"
	"strings"
	"sync"
	"time"
	"unique"

	"go.trai.ch/kiln/internal/core/domain"
)

// maxWaitWindows bounds how long a steady stream of events can postpone a
// batch, expressed in debounce windows.
const maxWaitWindows = 8

// Debouncer coalesces rapid file events into batches. Repeated events for one
// path within the window collapse into a single change; events for distinct
// paths inside one window are delivered together.
type Debouncer struct {
	mu       sync.Mutex
	idle     *sync.Cond
	pending  map[unique.Handle[string]]domain.ChangeKind
	first    time.Time
	timer    *time.Timer
	seq      uint64
	inflight int
	window   time.Duration
	callback func(changes []domain.FileChange)
}

// NewDebouncer creates a new debouncer with the given time window and callback.
func NewDebouncer(window time.Duration, callback func(changes []domain.FileChange)) *Debouncer {
	d := &Debouncer{
		pending:  make(map[unique.Handle[string]]domain.ChangeKind),
		window:   window,
		callback: callback,
	}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Add records a change to path and restarts the window.
func (d *Debouncer) Add(path string, kind domain.ChangeKind) {
	d.mu.Lock()
	defer d.mu.Unlock()

	handle := unique.Make(path)
	if prev, ok := d.pending[handle]; ok {
		kind = mergeKind(prev, kind)
	}
	d.pending[handle] = kind

	now := time.Now()
	if d.timer == nil {
		d.first = now
	}
	if d.timer != nil {
		if now.Sub(d.first) >= maxWaitWindows*d.window {
			// Let the running timer deliver what has accumulated.
			return
		}
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(d.window, func() { d.fire(seq) })
}

// Pending returns the number of paths waiting for the window to close.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// fire is called when the debounce window expires. A timer superseded by Add
// or Flush after it was already due finds a newer seq and does nothing.
func (d *Debouncer) fire(seq uint64) {
	d.mu.Lock()
	if seq != d.seq || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	changes := d.drain()
	deliver := len(changes) > 0 && d.callback != nil
	if deliver {
		d.inflight++
	}
	d.mu.Unlock()

	if deliver {
		defer d.done()
		d.callback(changes)
	}
}

func (d *Debouncer) done() {
	d.mu.Lock()
	d.inflight--
	if d.inflight == 0 {
		d.idle.Broadcast()
	}
	d.mu.Unlock()
}

// Flush delivers all pending changes synchronously and waits for batches
// already handed to the callback, so shutdown sees every batch processed.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.seq++
	}
	changes := d.drain()
	d.mu.Unlock()

	if len(changes) > 0 && d.callback != nil {
		d.callback(changes)
	}

	d.mu.Lock()
	for d.inflight > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

// drain must be called with mu held.
func (d *Debouncer) drain() []domain.FileChange {
	if len(d.pending) == 0 {
		return nil
	}
	changes := make([]domain.FileChange, 0, len(d.pending))
	for handle, kind := range d.pending {
		changes = append(changes, domain.FileChange{Kind: kind, Path: handle.Value()})
	}
	clear(d.pending)
	slices.SortFunc(changes, func(a, b domain.FileChange) int {
		return strings.Compare(a.Path, b.Path)
	})
	return changes
}

// mergeKind folds a later event into an earlier one for the same path.
func mergeKind(prev, next domain.ChangeKind) domain.ChangeKind {
	switch {
	case prev == domain.ChangeAdded && next == domain.ChangeChanged:
		return domain.ChangeAdded
	case prev == domain.ChangeRemoved && next != domain.ChangeRemoved:
		return domain.ChangeChanged
	default:
		return next
	}
}
