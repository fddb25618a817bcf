package ports

import (
	"context"

	"go.trai.ch/kiln/internal/core/domain"
)

// Renderer presents compile activity to the user. The same calls drive
// either an interactive dashboard or plain line output.
//
//go:generate mockgen -source=renderer.go -destination=mocks/mock_renderer.go -package=mocks
type Renderer interface {
	// Start begins the renderer's lifecycle. Asynchronous renderers may
	// launch background goroutines.
	Start(ctx context.Context) error

	// Stop asks the renderer to finish and flush buffered output.
	Stop() error

	// Wait blocks until the renderer has terminated.
	Wait() error

	// OnBatch is called with the files about to be compiled together.
	OnBatch(paths []string)

	// OnResult is called once per finished compile request.
	OnResult(result domain.CompileResult)

	// OnInvalidated is called once per processed change batch.
	OnInvalidated(event domain.InvalidationEvent)
}
