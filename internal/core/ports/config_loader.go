package ports

import "go.trai.ch/kiln/internal/core/domain"

// ConfigLoader defines the interface for loading the engine configuration.
//
//go:generate mockgen -source=config_loader.go -destination=mocks/mock_config_loader.go -package=mocks
type ConfigLoader interface {
	// Load finds kiln.yaml starting at cwd and walking up, and returns the
	// validated configuration. Without a config file the defaults rooted at
	// cwd are returned.
	Load(cwd string) (domain.Config, error)
}
