package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorIris   = lipgloss.Color("#8B5CF6")
	colorSlate  = lipgloss.Color("#667085")
	colorWhite  = lipgloss.Color("#FFFFFF")
	colorGreen  = lipgloss.Color("#22A06B")
	colorRed    = lipgloss.Color("#D93025")
	colorYellow = lipgloss.Color("#F59E0B")

	// Pane Styles.
	listStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, true, false, false).
			BorderForeground(colorSlate).
			MarginRight(1).
			PaddingRight(1)

	detailStyle = lipgloss.NewStyle().
			PaddingLeft(1)

	// File Status Styles.
	filePendingStyle = lipgloss.NewStyle().
				Foreground(colorSlate)

	fileCompilingStyle = lipgloss.NewStyle().
				Foreground(colorIris).
				Bold(true)

	fileDoneStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	fileStaleStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	fileErrorStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	fileCachedStyle = lipgloss.NewStyle().
			Foreground(colorSlate).
			Faint(true)

	selectedStyle = lipgloss.NewStyle().
			Foreground(colorIris).
			Bold(true)

	eventStyle = lipgloss.NewStyle().
			Foreground(colorSlate).
			Italic(true)

	// Header Styles.
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Background(colorIris).
			Foreground(colorWhite)

	failureTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Padding(0, 1).
				Background(colorRed).
				Foreground(colorWhite)
)
