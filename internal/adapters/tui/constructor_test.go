package tui_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.trai.ch/kiln/internal/adapters/tui"
)

func TestNewModel(t *testing.T) {
	m := tui.NewModel("/repo")

	assert.Equal(t, "/repo", m.Root)
	assert.Empty(t, m.Files)
	assert.NotNil(t, m.FileMap)
	assert.True(t, m.FollowMode)
	assert.NotNil(t, m.Init(), "Init should start the spinner")
}
