package watcher

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/kiln/internal/adapters/logger"
	"go.trai.ch/kiln/internal/core/ports"
)

// WatcherNodeID is the unique identifier for the file watcher Graft node.
const WatcherNodeID graft.ID = "adapter.watcher"

// WatcherFactory creates a fresh watcher; each engine owns its own.
type WatcherFactory func() (ports.Watcher, error)

func init() {
	graft.Register(graft.Node[WatcherFactory]{
		ID:        WatcherNodeID,
		Cacheable: true,
		DependsOn: []graft.ID{logger.NodeID},
		Run: func(ctx context.Context) (WatcherFactory, error) {
			log, err := graft.Dep[ports.Logger](ctx)
			if err != nil {
				return nil, err
			}
			return func() (ports.Watcher, error) {
				return NewWatcher(log)
			}, nil
		},
	})
}
