package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.trai.ch/kiln/internal/core/domain"
)

const (
	fileListWidthRatio    = 0.4
	detailPaneBorderWidth = 4
)

// FileStatus represents the current state of a source file.
type FileStatus string

const (
	// StatusPending indicates the file was invalidated and awaits compilation.
	StatusPending FileStatus = "Pending"
	// StatusCompiling indicates the file is part of the running batch.
	StatusCompiling FileStatus = "Compiling"
	// StatusDone indicates the file compiled successfully.
	StatusDone FileStatus = "Done"
	// StatusCached indicates the artifact was served from the cache.
	StatusCached FileStatus = "Cached"
	// StatusStale indicates the source changed during compilation.
	StatusStale FileStatus = "Stale"
	// StatusError indicates the compilation failed.
	StatusError FileStatus = "Error"
)

// MsgBatch announces the files about to be compiled.
type MsgBatch struct {
	Paths []string
}

// MsgResult carries the outcome of one compile request.
type MsgResult struct {
	Result domain.CompileResult
}

// MsgInvalidated carries one processed batch of file changes.
type MsgInvalidated struct {
	Event domain.InvalidationEvent
}

// FileNode represents a single source file in the UI list.
type FileNode struct {
	Path        string
	Name        string
	Status      FileStatus
	Duration    time.Duration
	Diagnostics []domain.Diagnostic
	Err         error
}

// Model represents the main TUI state.
type Model struct {
	Root        string
	Files       []*FileNode
	FileMap     map[string]*FileNode
	Viewport    viewport.Model
	Spinner     spinner.Model
	LastEvent   string
	SelectedIdx int
	ListOffset  int
	ListHeight  int
	FollowMode  bool
}

// Init starts the spinner.
func (m *Model) Init() tea.Cmd {
	return m.Spinner.Tick
}

func (m *Model) ensureVisible() {
	if m.ListHeight <= 0 {
		return
	}
	if m.SelectedIdx < m.ListOffset {
		m.ListOffset = m.SelectedIdx
	} else if m.SelectedIdx >= m.ListOffset+m.ListHeight {
		m.ListOffset = m.SelectedIdx - m.ListHeight + 1
	}
}

func (m *Model) selected() *FileNode {
	if m.SelectedIdx >= 0 && m.SelectedIdx < len(m.Files) {
		return m.Files[m.SelectedIdx]
	}
	return nil
}

func (m *Model) selectPath(path string) {
	for i, f := range m.Files {
		if f.Path == path {
			m.SelectedIdx = i
			break
		}
	}
	m.ensureVisible()
	m.refreshDetail()
}

// refreshDetail renders the selected file into the viewport.
func (m *Model) refreshDetail() {
	node := m.selected()
	if node == nil {
		m.Viewport.SetContent("")
		return
	}

	var b strings.Builder
	b.WriteString(strings.ToLower(string(node.Status)))
	if node.Duration > 0 {
		_, _ = fmt.Fprintf(&b, " in %s", node.Duration.Round(time.Millisecond))
	}
	b.WriteString("\n")
	if node.Err != nil {
		b.WriteString("\n" + node.Err.Error() + "\n")
	}
	if len(node.Diagnostics) > 0 {
		b.WriteString("\n")
		for _, d := range node.Diagnostics {
			b.WriteString(d.String() + "\n")
		}
	}
	m.Viewport.SetContent(b.String())
	m.Viewport.GotoTop()
}

// node returns the entry for path, appending one when the file is new.
func (m *Model) node(path string) *FileNode {
	if n, ok := m.FileMap[path]; ok {
		return n
	}
	n := &FileNode{Path: path, Name: m.rel(path), Status: StatusPending}
	m.Files = append(m.Files, n)
	m.FileMap[path] = n
	return n
}

func (m *Model) rel(path string) string {
	if m.Root == "" {
		return path
	}
	rel, err := filepath.Rel(m.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

// Update handles incoming messages and updates the model state.
//
//nolint:cyclop // one case per message type
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "k", "up":
			if m.SelectedIdx > 0 {
				m.SelectedIdx--
				m.FollowMode = false
				m.ensureVisible()
				m.refreshDetail()
			}
		case "j", "down":
			if m.SelectedIdx < len(m.Files)-1 {
				m.SelectedIdx++
				m.FollowMode = false
				m.ensureVisible()
				m.refreshDetail()
			}
		case "esc":
			m.FollowMode = true
			// Jump to the first failure if any.
			for i, f := range m.Files {
				if f.Status == StatusError {
					m.SelectedIdx = i
					break
				}
			}
			m.ensureVisible()
			m.refreshDetail()
		default:
			m.Viewport, cmd = m.Viewport.Update(msg)
		}

	case tea.WindowSizeMsg:
		listWidth := int(float64(msg.Width) * fileListWidthRatio)
		m.Viewport.Width = msg.Width - listWidth - detailPaneBorderWidth

		header := titleStyle.Render("FILES") + "\n\n"
		headerHeight := lipgloss.Height(header)
		m.ListHeight = msg.Height - headerHeight
		m.Viewport.Height = msg.Height - headerHeight - 1
		m.ensureVisible()
		m.refreshDetail()

	case spinner.TickMsg:
		m.Spinner, cmd = m.Spinner.Update(msg)

	case MsgBatch:
		for _, p := range msg.Paths {
			m.node(p).Status = StatusCompiling
		}
		if m.FollowMode && len(msg.Paths) > 0 {
			m.selectPath(msg.Paths[0])
		}

	case MsgResult:
		r := msg.Result
		n := m.node(r.Path)
		n.Duration = r.Duration
		n.Diagnostics = r.Diagnostics
		n.Err = r.Err
		switch {
		case r.Err != nil:
			n.Status = StatusError
		case r.Cached:
			n.Status = StatusCached
		case r.Stale:
			n.Status = StatusStale
		default:
			n.Status = StatusDone
		}
		// Focus follows failures only.
		if m.FollowMode && r.Err != nil {
			m.selectPath(r.Path)
		} else if sel := m.selected(); sel == n {
			m.refreshDetail()
		}

	case MsgInvalidated:
		m.LastEvent = summarize(msg.Event, m.rel)
		for _, p := range msg.Event.Affected {
			if n, ok := m.FileMap[p]; ok {
				n.Status = StatusPending
			}
		}
	}

	return m, cmd
}

func summarize(ev domain.InvalidationEvent, rel func(string) string) string {
	changes := make([]string, len(ev.Changes))
	for i, c := range ev.Changes {
		changes[i] = fmt.Sprintf("%s %s", c.Kind, rel(c.Path))
	}
	return fmt.Sprintf("%s, %d affected", strings.Join(changes, ", "), len(ev.Affected))
}
