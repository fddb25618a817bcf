package shell_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/adapters/shell"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports/mocks"
	"go.uber.org/mock/gomock"
)

func script(t *testing.T, name string) []string {
	t.Helper()
	abs, err := filepath.Abs(filepath.Join("testdata", name))
	require.NoError(t, err)
	return []string{"sh", abs}
}

func TestCompiler_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Warn("a.page: deprecated syntax").Times(1)

	c := shell.NewCompiler(logger, script(t, "ok.sh"), t.TempDir())
	out, err := c.Compile(context.Background(), []byte("hello"), "/repo/src/a.page")
	require.NoError(t, err)

	assert.Equal(t, "compiled:hello", string(out.Artifact.Code))
	assert.Nil(t, out.Artifact.Styles)
	assert.Equal(t, map[string]string{"path": "/repo/src/a.page"}, out.Artifact.Meta)
	assert.Equal(t, []string{"/abs/c.page", "/repo/src/lib/b.page"}, out.Dependencies)
}

func TestCompiler_Failures(t *testing.T) {
	tests := []struct {
		name      string
		command   func(t *testing.T) []string
		wantErr   error
		wantDiags []domain.Diagnostic
	}{
		{
			name:    "stderr diagnostics",
			command: func(t *testing.T) []string { return script(t, "fail_stderr.sh") },
			wantErr: domain.ErrCompilerCommandFailed,
			wantDiags: []domain.Diagnostic{
				{Severity: domain.SeverityError, Message: "line 3: unexpected token"},
				{Severity: domain.SeverityError, Message: "line 5: missing brace"},
			},
		},
		{
			name:    "structured diagnostics",
			command: func(t *testing.T) []string { return script(t, "fail_json.sh") },
			wantErr: domain.ErrCompilerCommandFailed,
			wantDiags: []domain.Diagnostic{
				{Severity: domain.SeverityError, Message: "unknown tag", Line: 1, Column: 4},
			},
		},
		{
			name:    "invalid output",
			command: func(t *testing.T) []string { return script(t, "garbage.sh") },
			wantErr: domain.ErrCompilerOutputInvalid,
		},
		{
			name:    "not configured",
			command: func(*testing.T) []string { return nil },
			wantErr: domain.ErrCompilerNotConfigured,
		},
		{
			name:    "missing executable",
			command: func(*testing.T) []string { return []string{"kiln-no-such-compiler"} },
			wantErr: domain.ErrCompilerCommandFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			logger := mocks.NewMockLogger(ctrl)

			c := shell.NewCompiler(logger, tt.command(t), "")
			out, err := c.Compile(context.Background(), []byte("src"), "/repo/a.page")
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr.Error())
			assert.Equal(t, tt.wantDiags, out.Diagnostics)
		})
	}
}

func TestCompiler_ContextCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := mocks.NewMockLogger(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := shell.NewCompiler(logger, script(t, "ok.sh"), "")
	_, err := c.Compile(ctx, []byte("src"), "/repo/a.page")
	require.Error(t, err)
}
