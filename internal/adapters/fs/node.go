package fs

import (
	"context"

	"github.com/grindlemire/graft"
	"github.com/spf13/afero"
	"go.trai.ch/kiln/internal/core/ports"
)

const (
	// FsNodeID is the unique identifier for the file system Graft node.
	FsNodeID graft.ID = "adapter.fs"
	// WalkerNodeID is the unique identifier for the walker Graft node.
	WalkerNodeID graft.ID = "adapter.fs.walker"
	// HasherNodeID is the unique identifier for the hasher Graft node.
	HasherNodeID graft.ID = "adapter.fs.hasher"
)

func init() {
	graft.Register(graft.Node[afero.Fs]{
		ID:        FsNodeID,
		Cacheable: true,
		Run: func(_ context.Context) (afero.Fs, error) {
			return afero.NewOsFs(), nil
		},
	})

	graft.Register(graft.Node[*Walker]{
		ID:        WalkerNodeID,
		Cacheable: true,
		DependsOn: []graft.ID{FsNodeID},
		Run: func(ctx context.Context) (*Walker, error) {
			fsys, err := graft.Dep[afero.Fs](ctx)
			if err != nil {
				return nil, err
			}
			return NewWalker(fsys), nil
		},
	})

	graft.Register(graft.Node[ports.Hasher]{
		ID:        HasherNodeID,
		Cacheable: true,
		DependsOn: []graft.ID{FsNodeID},
		Run: func(ctx context.Context) (ports.Hasher, error) {
			fsys, err := graft.Dep[afero.Fs](ctx)
			if err != nil {
				return nil, err
			}
			return NewHasher(fsys), nil
		},
	})
}
