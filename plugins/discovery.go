package plugins

import (
	"github.com/kingrea/pype/internal/config"
	"github.com/kingrea/pype/internal/registry"
)

// DefaultLoaders returns the YAML, Go and Lua loaders.
func DefaultLoaders() []registry.Loader {
	return []registry.Loader{YAMLLoader{}, GoLoader{}, LuaLoader{}}
}

// NewRegistry builds a registry with the default loaders and registers the
// project's global plugin folders for every category.
func NewRegistry(cfg *config.Config, logger registry.Logger) (*registry.Registry, error) {
	reg := registry.New(registry.WithLoaders(DefaultLoaders()...), registry.WithLogger(logger))
	if cfg == nil {
		return reg, nil
	}
	for _, cat := range registry.Categories {
		for _, dir := range cfg.PluginPaths(string(cat)) {
			if _, err := reg.RegisterPath(cat, dir); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}
