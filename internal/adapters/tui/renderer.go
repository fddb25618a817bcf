package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
)

var _ ports.Renderer = (*Renderer)(nil)

// Renderer wraps the TUI Bubble Tea model as a ports.Renderer.
type Renderer struct {
	program *tea.Program
	model   *Model
	errCh   chan error
}

// NewRenderer creates a new TUI renderer.
func NewRenderer(model *Model, opts ...tea.ProgramOption) *Renderer {
	program := tea.NewProgram(model, opts...)
	return &Renderer{
		program: program,
		model:   model,
		errCh:   make(chan error, 1),
	}
}

// Start launches the TUI in a background goroutine.
func (r *Renderer) Start(_ context.Context) error {
	go func() {
		_, err := r.program.Run()
		r.errCh <- err
	}()
	return nil
}

// Stop signals the TUI to quit.
func (r *Renderer) Stop() error {
	r.program.Quit()
	return nil
}

// Wait blocks until the TUI has terminated. A program ended by its context
// is not an error.
func (r *Renderer) Wait() error {
	err := <-r.errCh
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

// OnBatch forwards the files about to be compiled to the TUI.
func (r *Renderer) OnBatch(paths []string) {
	r.program.Send(MsgBatch{Paths: paths})
}

// OnResult forwards a compile result to the TUI.
func (r *Renderer) OnResult(result domain.CompileResult) {
	r.program.Send(MsgResult{Result: result})
}

// OnInvalidated forwards an invalidation batch to the TUI.
func (r *Renderer) OnInvalidated(event domain.InvalidationEvent) {
	r.program.Send(MsgInvalidated{Event: event})
}

// Program returns the underlying tea.Program for testing.
func (r *Renderer) Program() *tea.Program {
	return r.program
}
