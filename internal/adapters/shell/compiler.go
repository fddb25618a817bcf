// Package shell runs the external compiler as a child process.
package shell

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.Compiler = (*Compiler)(nil)

const (
	// EnvPath carries the path of the source being compiled.
	EnvPath = "KILN_PATH"
	// EnvRoot carries the project root.
	EnvRoot = "KILN_ROOT"
)

// response is the JSON document the compiler writes to stdout.
type response struct {
	Code         string              `json:"code"`
	Styles       string              `json:"styles,omitempty"`
	SourceMap    string              `json:"sourceMap,omitempty"`
	Meta         map[string]string   `json:"meta,omitempty"`
	Dependencies []string            `json:"dependencies,omitempty"`
	Diagnostics  []domain.Diagnostic `json:"diagnostics,omitempty"`
}

// Compiler implements ports.Compiler by running a configured command. The
// source is written to stdin and a response document is read from stdout.
type Compiler struct {
	logger  ports.Logger
	command []string
	dir     string
}

// NewCompiler creates a compiler running command in dir.
func NewCompiler(logger ports.Logger, command []string, dir string) *Compiler {
	return &Compiler{
		logger:  logger,
		command: slices.Clone(command),
		dir:     dir,
	}
}

// Compile runs the command for one source file. A non-zero exit is a
// compilation failure; its diagnostics come from the response document when
// the compiler wrote one and from stderr otherwise.
func (c *Compiler) Compile(ctx context.Context, source []byte, path string) (domain.CompileOutput, error) {
	if len(c.command) == 0 {
		return domain.CompileOutput{}, domain.ErrCompilerNotConfigured
	}

	name := c.command[0]
	env := resolveEnvironment(os.Environ(), map[string]string{
		EnvPath: path,
		EnvRoot: c.dir,
	})

	executable := name
	if !filepath.IsAbs(name) {
		if lp, err := lookPath(name, env); err == nil {
			executable = lp
		}
	}

	cmd := exec.CommandContext(ctx, executable, c.command[1:]...) //nolint:gosec // user configured command
	if len(cmd.Args) > 0 {
		cmd.Args[0] = name
	}
	if c.dir != "" {
		cmd.Dir = c.dir
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(source)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	resp, parseErr := parseResponse(stdout.Bytes())

	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}

		diags := resp.Diagnostics
		if parseErr != nil || len(diags) == 0 {
			diags = stderrDiagnostics(stderr.Bytes())
		}
		err := zerr.Wrap(runErr, domain.ErrCompilerCommandFailed.Error())
		err = zerr.With(err, "path", path)
		err = zerr.With(err, "exit_code", exitCode)
		if len(diags) > 0 {
			err = zerr.With(err, "diagnostic", diags[0].Message)
		}
		return domain.CompileOutput{Diagnostics: diags}, err
	}

	if parseErr != nil {
		return domain.CompileOutput{}, zerr.With(parseErr, "path", path)
	}

	for line := range lines(stderr.Bytes()) {
		c.logger.Warn(filepath.Base(path) + ": " + line)
	}

	return domain.CompileOutput{
		Artifact: domain.Artifact{
			Code:      bytesOrNil(resp.Code),
			Styles:    bytesOrNil(resp.Styles),
			SourceMap: bytesOrNil(resp.SourceMap),
			Meta:      resp.Meta,
		},
		Dependencies: normalizeDependencies(path, resp.Dependencies),
		Diagnostics:  resp.Diagnostics,
	}, nil
}

func parseResponse(data []byte) (response, error) {
	var resp response
	if len(bytes.TrimSpace(data)) == 0 {
		return resp, zerr.With(domain.ErrCompilerOutputInvalid, "reason", "empty output")
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, zerr.Wrap(err, domain.ErrCompilerOutputInvalid.Error())
	}
	return resp, nil
}

func stderrDiagnostics(data []byte) []domain.Diagnostic {
	var diags []domain.Diagnostic
	for line := range lines(data) {
		diags = append(diags, domain.Diagnostic{Severity: domain.SeverityError, Message: line})
	}
	return diags
}

// lines yields the non-blank lines of data without their line endings.
func lines(data []byte) iter.Seq[string] {
	return func(yield func(string) bool) {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if !yield(line) {
				return
			}
		}
	}
}

// normalizeDependencies resolves relative dependencies against the directory
// of the importing file, drops self references and duplicates, and sorts.
func normalizeDependencies(path string, deps []string) []string {
	if len(deps) == 0 {
		return nil
	}
	base := filepath.Dir(path)
	set := make(map[string]struct{}, len(deps))
	for _, dep := range deps {
		if dep == "" {
			continue
		}
		if !filepath.IsAbs(dep) {
			dep = filepath.Join(base, dep)
		}
		dep = filepath.Clean(dep)
		if dep == path {
			continue
		}
		set[dep] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

func bytesOrNil(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

// resolveEnvironment applies overrides on top of the system environment.
// Empty override values are dropped.
func resolveEnvironment(sysEnv []string, overrides map[string]string) []string {
	envMap := make(map[string]string, len(sysEnv)+len(overrides))
	for _, entry := range sysEnv {
		if k, v, ok := strings.Cut(entry, "="); ok {
			envMap[k] = v
		}
	}
	for k, v := range overrides {
		if v != "" {
			envMap[k] = v
		}
	}

	result := make([]string, 0, len(envMap))
	for _, k := range slices.Sorted(maps.Keys(envMap)) {
		result = append(result, k+"="+envMap[k])
	}
	return result
}

// lookPath searches for an executable in the directories named by the PATH
// entry of env.
func lookPath(file string, env []string) (string, error) {
	var path string
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			path = strings.TrimPrefix(e, "PATH=")
			break
		}
	}

	if path == "" {
		return "", exec.ErrNotFound
	}

	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			// Unix shell semantics: path element "" means "."
			dir = "."
		}
		candidate := filepath.Join(dir, file)
		if err := findExecutable(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", exec.ErrNotFound
}

func findExecutable(file string) error {
	d, err := os.Stat(file)
	if err != nil {
		return err
	}
	if m := d.Mode(); !m.IsDir() && m&0o111 != 0 {
		return nil
	}
	return os.ErrPermission
}
