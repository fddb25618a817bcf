package cas

import (
	"context"

	"github.com/grindlemire/graft"
	"github.com/spf13/afero"
	"go.trai.ch/kiln/internal/adapters/fs"
	"go.trai.ch/kiln/internal/adapters/logger"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
)

// NodeID is the unique identifier for the artifact store factory Graft node.
const NodeID graft.ID = "adapter.artifact_store"

// StoreFactory opens an artifact store for one engine configuration.
type StoreFactory func(cfg domain.Config) (ports.ArtifactStore, error)

func init() {
	graft.Register(graft.Node[StoreFactory]{
		ID:        NodeID,
		Cacheable: true,
		DependsOn: []graft.ID{logger.NodeID, fs.FsNodeID},
		Run: func(ctx context.Context) (StoreFactory, error) {
			log, err := graft.Dep[ports.Logger](ctx)
			if err != nil {
				return nil, err
			}
			fsys, err := graft.Dep[afero.Fs](ctx)
			if err != nil {
				return nil, err
			}
			return func(cfg domain.Config) (ports.ArtifactStore, error) {
				return NewStore(fsys, log, OptionsFromConfig(cfg))
			}, nil
		},
	})
}
