package registry

import (
	"fmt"
	"sync"

	"github.com/kingrea/pype/internal/publish"
)

// Bundle is a set of paths and plugins registered together, typically by a
// host adapter on install.
type Bundle struct {
	Paths   map[Category][]string
	Plugins map[Category][]publish.Plugin
}

type pathEntry struct {
	cat Category
	dir string
}

type pluginEntry struct {
	cat  Category
	name string
}

// Installation remembers exactly what a Bundle added so it can be removed.
type Installation struct {
	reg     *Registry
	paths   []pathEntry
	plugins []pluginEntry
	once    sync.Once
}

// Install registers every path and plugin of b. Paths already present are
// left alone and will not be removed on Uninstall. On error nothing stays
// registered.
func (r *Registry) Install(b Bundle) (*Installation, error) {
	inst := &Installation{reg: r}
	for _, cat := range Categories {
		for _, dir := range b.Paths[cat] {
			added, err := r.RegisterPath(cat, dir)
			if err != nil {
				inst.Uninstall()
				return nil, fmt.Errorf("registry: install %s path: %w", cat, err)
			}
			if added {
				cleaned, _ := cleanDir(dir)
				inst.paths = append(inst.paths, pathEntry{cat: cat, dir: cleaned})
			}
		}
		for _, plugin := range b.Plugins[cat] {
			if err := r.RegisterPlugin(cat, plugin); err != nil {
				inst.Uninstall()
				return nil, fmt.Errorf("registry: install: %w", err)
			}
			inst.plugins = append(inst.plugins, pluginEntry{cat: cat, name: plugin.Spec().Normalized().Name})
		}
	}
	return inst, nil
}

// Uninstall removes what Install added. Calling it again is a no-op.
func (i *Installation) Uninstall() {
	if i == nil {
		return
	}
	i.once.Do(func() {
		for idx := len(i.plugins) - 1; idx >= 0; idx-- {
			entry := i.plugins[idx]
			i.reg.DeregisterPlugin(entry.cat, entry.name)
		}
		for idx := len(i.paths) - 1; idx >= 0; idx-- {
			entry := i.paths[idx]
			i.reg.DeregisterPath(entry.cat, entry.dir)
		}
	})
}

// Paths returns the directories this installation added.
func (i *Installation) Paths(cat Category) []string {
	var out []string
	for _, entry := range i.paths {
		if entry.cat == cat {
			out = append(out, entry.dir)
		}
	}
	return out
}
