package shell

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/kiln/internal/adapters/logger"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
)

// NodeID is the unique identifier for the compiler factory Graft node.
const NodeID graft.ID = "adapter.compiler"

// CompilerFactory builds the compiler configured for one engine.
type CompilerFactory func(cfg domain.Config) ports.Compiler

func init() {
	graft.Register(graft.Node[CompilerFactory]{
		ID:        NodeID,
		Cacheable: true,
		DependsOn: []graft.ID{logger.NodeID},
		Run: func(ctx context.Context) (CompilerFactory, error) {
			log, err := graft.Dep[ports.Logger](ctx)
			if err != nil {
				return nil, err
			}
			return func(cfg domain.Config) ports.Compiler {
				return NewCompiler(log, cfg.Compiler, cfg.RootDir)
			}, nil
		},
	})
}
