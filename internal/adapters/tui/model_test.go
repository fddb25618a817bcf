package tui_test

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/adapters/tui"
	"go.trai.ch/kiln/internal/core/domain"
)

const (
	pathA = "/repo/src/a.page"
	pathB = "/repo/src/b.page"
	pathC = "/repo/src/c.page"
)

func updateModel(m *tui.Model, msg tea.Msg) (*tui.Model, tea.Cmd) {
	updated, cmd := m.Update(msg)
	return updated.(*tui.Model), cmd
}

func initModel(t *testing.T) *tui.Model {
	t.Helper()
	model := tui.NewModel("/repo")
	m, _ := updateModel(&model, tui.MsgBatch{Paths: []string{pathA, pathB, pathC}})
	return m
}

func TestModel_Batch(t *testing.T) {
	m := initModel(t)

	require.Len(t, m.Files, 3)
	assert.Equal(t, "src/a.page", m.Files[0].Name)
	for _, f := range m.Files {
		assert.Equal(t, tui.StatusCompiling, f.Status)
	}
	assert.Equal(t, 0, m.SelectedIdx)

	// A second batch reuses existing entries.
	m, _ = updateModel(m, tui.MsgBatch{Paths: []string{pathB}})
	assert.Len(t, m.Files, 3)
	assert.Equal(t, 1, m.SelectedIdx)
}

func TestModel_Results(t *testing.T) {
	m := initModel(t)

	m, _ = updateModel(m, tui.MsgResult{Result: domain.CompileResult{Path: pathA, Cached: true}})
	assert.Equal(t, tui.StatusCached, m.FileMap[pathA].Status)

	m, _ = updateModel(m, tui.MsgResult{Result: domain.CompileResult{Path: pathB, Stale: true}})
	assert.Equal(t, tui.StatusStale, m.FileMap[pathB].Status)

	m, _ = updateModel(m, tui.MsgResult{Result: domain.CompileResult{
		Path:        pathC,
		Err:         errors.New("compilation failed"),
		Diagnostics: []domain.Diagnostic{{Severity: domain.SeverityError, Message: "unexpected token"}},
	}})
	assert.Equal(t, tui.StatusError, m.FileMap[pathC].Status)
	assert.Equal(t, 2, m.SelectedIdx, "focus should follow the failure")

	m, _ = updateModel(m, tui.MsgResult{Result: domain.CompileResult{Path: "/repo/new.page", Duration: time.Millisecond}})
	require.Len(t, m.Files, 4)
	assert.Equal(t, tui.StatusDone, m.Files[3].Status)
}

func TestModel_Invalidated(t *testing.T) {
	m := initModel(t)
	m, _ = updateModel(m, tui.MsgResult{Result: domain.CompileResult{Path: pathA}})
	m, _ = updateModel(m, tui.MsgResult{Result: domain.CompileResult{Path: pathB}})

	m, _ = updateModel(m, tui.MsgInvalidated{Event: domain.InvalidationEvent{
		Changes:  []domain.FileChange{{Kind: domain.ChangeChanged, Path: pathA}},
		Affected: []string{pathA, "/repo/unknown.page"},
	}})

	assert.Equal(t, tui.StatusPending, m.FileMap[pathA].Status)
	assert.Equal(t, tui.StatusDone, m.FileMap[pathB].Status)
	assert.Len(t, m.Files, 3, "unknown affected files are not added")
	assert.Equal(t, "changed src/a.page, 2 affected", m.LastEvent)
}

func TestModel_WindowResizing(t *testing.T) {
	m := initModel(t)

	width, height := 100, 40
	m, _ = updateModel(m, tea.WindowSizeMsg{Width: width, Height: height})

	expectedListWidth := int(float64(width) * 0.4)
	assert.Equal(t, width-expectedListWidth-4, m.Viewport.Width)
	assert.Positive(t, m.ListHeight)
	assert.Less(t, m.ListHeight, height)
	assert.Positive(t, m.Viewport.Height)
}

func TestModel_Navigation(t *testing.T) {
	m := initModel(t)
	m, _ = updateModel(m, tea.WindowSizeMsg{Width: 100, Height: 40})

	m, _ = updateModel(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	assert.Equal(t, 1, m.SelectedIdx)
	assert.False(t, m.FollowMode, "FollowMode should be disabled on manual nav")

	m, _ = updateModel(m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 2, m.SelectedIdx)

	// Bounds check (end of list).
	m, _ = updateModel(m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 2, m.SelectedIdx)

	m, _ = updateModel(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	assert.Equal(t, 1, m.SelectedIdx)

	m, _ = updateModel(m, tea.KeyMsg{Type: tea.KeyUp})
	m, _ = updateModel(m, tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, 0, m.SelectedIdx)

	// Manual mode keeps the selection on failures.
	m, _ = updateModel(m, tui.MsgResult{Result: domain.CompileResult{Path: pathC, Err: errors.New("boom")}})
	assert.Equal(t, 0, m.SelectedIdx)

	// Esc resumes following and jumps to the failure.
	m, _ = updateModel(m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.True(t, m.FollowMode)
	assert.Equal(t, 2, m.SelectedIdx)
}

func TestModel_ListScrolling(t *testing.T) {
	model := tui.NewModel("/repo")
	m := &model
	paths := make([]string, 20)
	for i := range paths {
		paths[i] = "/repo/f" + string(rune('a'+i)) + ".page"
	}
	m, _ = updateModel(m, tui.MsgBatch{Paths: paths})
	m, _ = updateModel(m, tea.WindowSizeMsg{Width: 80, Height: 8})
	require.Positive(t, m.ListHeight)

	for range 10 {
		m, _ = updateModel(m, tea.KeyMsg{Type: tea.KeyDown})
	}
	assert.Equal(t, 10, m.SelectedIdx)
	assert.Equal(t, 10-m.ListHeight+1, m.ListOffset)

	for range 10 {
		m, _ = updateModel(m, tea.KeyMsg{Type: tea.KeyUp})
	}
	assert.Equal(t, 0, m.ListOffset)
}

func TestModel_Quit(t *testing.T) {
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
	} {
		m := initModel(t)
		_, cmd := updateModel(m, key)
		require.NotNil(t, cmd)
		assert.Equal(t, tea.Quit(), cmd())
	}
}
