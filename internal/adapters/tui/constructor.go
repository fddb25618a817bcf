// Package tui provides an interactive terminal view of a watch session.
package tui

import (
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
)

// NewModel creates a new TUI model. File names are shown relative to root.
func NewModel(root string) Model {
	return Model{
		Root:       root,
		Files:      make([]*FileNode, 0),
		FileMap:    make(map[string]*FileNode),
		Viewport:   viewport.New(0, 0),
		Spinner:    spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(fileCompilingStyle)),
		FollowMode: true,
	}
}
