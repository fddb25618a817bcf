package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// View renders the UI.
func (m *Model) View() string {
	if m.ListHeight == 0 {
		return "Initializing..."
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.fileList(),
		m.detailPane(),
	)
}

func (m *Model) fileList() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("FILES") + "\n\n")

	start := m.ListOffset
	end := min(m.ListOffset+m.ListHeight, len(m.Files))
	start = min(start, end)

	for i := start; i < end; i++ {
		s.WriteString(m.renderFileRow(i, m.Files[i]) + "\n")
	}

	return listStyle.Render(s.String())
}

func (m *Model) renderFileRow(index int, file *FileNode) string {
	icon := m.fileIcon(file)
	style := fileStyle(file)

	var cursor string
	if index == m.SelectedIdx {
		cursor = selectedStyle.Render("> ")
		if file.Status == StatusPending || file.Status == StatusCompiling {
			style = selectedStyle
		}
	} else {
		cursor = "  "
	}

	return cursor + style.Render(fmt.Sprintf("%s %s", icon, file.Name))
}

func (m *Model) fileIcon(file *FileNode) string {
	switch file.Status {
	case StatusCompiling:
		return m.Spinner.View()
	case StatusDone:
		return "✓"
	case StatusCached:
		return "⚡"
	case StatusStale:
		return "~"
	case StatusError:
		return "✗"
	default: // Pending
		return "○"
	}
}

func fileStyle(file *FileNode) lipgloss.Style {
	switch file.Status {
	case StatusCompiling:
		return fileCompilingStyle
	case StatusDone:
		return fileDoneStyle
	case StatusCached:
		return fileCachedStyle
	case StatusStale:
		return fileStaleStyle
	case StatusError:
		return fileErrorStyle
	default: // Pending
		return filePendingStyle
	}
}

func (m *Model) detailPane() string {
	var header string
	if node := m.selected(); node != nil {
		mode := " (Following)"
		if !m.FollowMode {
			mode = " (Manual)"
		}
		style := titleStyle
		if node.Status == StatusError {
			style = failureTitleStyle
		}
		header = style.Render("DETAILS: " + node.Name + mode)
	} else {
		header = titleStyle.Render("DETAILS (Waiting...)")
	}

	event := "no changes yet"
	if m.LastEvent != "" {
		event = "last change: " + m.LastEvent
	}

	return detailStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			header,
			eventStyle.Render(event),
			m.Viewport.View(),
		),
	)
}
