package domain

import (
	"fmt"
	"strings"
	"time"
)

// Severity classifies a compiler diagnostic.
type Severity string

const (
	// SeverityError marks a diagnostic that failed the compilation.
	SeverityError Severity = "error"
	// SeverityWarning marks a diagnostic that did not fail the compilation.
	SeverityWarning Severity = "warning"
)

// Diagnostic is a message reported by the external compiler.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
}

// String renders d as "severity line:col: message". The position is omitted
// when the compiler did not report one.
func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(string(d.Severity))
	if d.Line > 0 {
		_, _ = fmt.Fprintf(&b, " %d:%d", d.Line, d.Column)
	}
	b.WriteString(": ")
	b.WriteString(d.Message)
	return b.String()
}

// CompileOutput is what the external compiler returns for one source file.
// Dependencies lists every module the source imports; the engine records
// them verbatim.
type CompileOutput struct {
	Artifact     Artifact     `json:"artifact"`
	Dependencies []string     `json:"dependencies"`
	Diagnostics  []Diagnostic `json:"diagnostics,omitempty"`
}

// CompileResult is the outcome of one CompileFile request.
type CompileResult struct {
	Path         string
	Artifact     Artifact
	Dependencies []string
	Diagnostics  []Diagnostic
	// Cached is set when the artifact came from the cache.
	Cached bool
	// Stale is set when the source changed while compiling; the artifact
	// was returned but not cached.
	Stale    bool
	Duration time.Duration
	Err      error
}

// OK reports whether the request produced an artifact.
func (r CompileResult) OK() bool {
	return r.Err == nil
}
