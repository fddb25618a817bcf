// Package ports defines the core interfaces of the engine.
package ports

import (
	"context"

	"go.trai.ch/kiln/internal/core/domain"
)

// Compiler turns one source file into an artifact and reports the modules
// the source depends on.
//
//go:generate mockgen -source=compiler.go -destination=mocks/mock_compiler.go -package=mocks
type Compiler interface {
	// Compile compiles source, which was read from path. A failed compilation
	// returns an error; Diagnostics in the output may still be populated.
	Compile(ctx context.Context, source []byte, path string) (domain.CompileOutput, error)
}
