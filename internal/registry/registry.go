package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kingrea/pype/internal/publish"
)

// Category partitions plugin kinds.
type Category string

const (
	Publish   Category = "publish"
	Load      Category = "load"
	Create    Category = "create"
	Inventory Category = "inventory"
	Actions   Category = "action"
)

// Categories lists every known category in registration order.
var Categories = []Category{Publish, Load, Create, Inventory, Actions}

// ParseCategory validates a category name.
func ParseCategory(value string) (Category, error) {
	trimmed := Category(strings.ToLower(strings.TrimSpace(value)))
	for _, cat := range Categories {
		if cat == trimmed {
			return cat, nil
		}
	}
	return "", fmt.Errorf("registry: unknown category %q", value)
}

// Loader turns a plugin file into plugins.
type Loader interface {
	Name() string
	Accepts(path string) bool
	Load(path string) ([]publish.Plugin, error)
}

// Logger receives discovery diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

// DiscoveryError records a plugin file or plugin that was skipped.
type DiscoveryError struct {
	Path   string
	Plugin string
	Err    error
}

func (e DiscoveryError) Error() string {
	if e.Plugin != "" {
		return fmt.Sprintf("%s (%s): %v", e.Path, e.Plugin, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e DiscoveryError) Unwrap() error {
	return e.Err
}

// ErrDuplicatePlugin is reported when a later definition reuses a name.
var ErrDuplicatePlugin = errors.New("duplicate plugin name")

// Registry maps categories to search paths and in-process plugins. It is an
// ordinary value: callers own it and pass it where discovery is needed.
type Registry struct {
	mu      sync.RWMutex
	loaders []Loader
	paths   map[Category][]string
	plugins map[Category][]publish.Plugin
	logger  Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger reports skipped plugin files.
func WithLogger(logger Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithLoaders appends file loaders.
func WithLoaders(loaders ...Loader) Option {
	return func(r *Registry) {
		for _, loader := range loaders {
			if loader != nil {
				r.loaders = append(r.loaders, loader)
			}
		}
	}
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		paths:   map[Category][]string{},
		plugins: map[Category][]publish.Plugin{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterPath adds a search directory. Registering a known path is a no-op;
// the returned bool reports whether the path was added.
func (r *Registry) RegisterPath(cat Category, dir string) (bool, error) {
	cleaned, err := cleanDir(dir)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.paths[cat] {
		if existing == cleaned {
			return false, nil
		}
	}
	r.paths[cat] = append(r.paths[cat], cleaned)
	return true, nil
}

// DeregisterPath removes a search directory.
func (r *Registry) DeregisterPath(cat Category, dir string) bool {
	cleaned, err := cleanDir(dir)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := r.paths[cat]
	for idx, existing := range paths {
		if existing == cleaned {
			r.paths[cat] = append(paths[:idx:idx], paths[idx+1:]...)
			return true
		}
	}
	return false
}

// Paths returns the registered directories for cat in registration order.
func (r *Registry) Paths(cat Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.paths[cat]...)
}

// RegisterPlugin adds an in-process plugin. Names must be unique per category.
func (r *Registry) RegisterPlugin(cat Category, plugin publish.Plugin) error {
	if plugin == nil {
		return fmt.Errorf("registry: plugin is required")
	}
	spec := plugin.Spec().Normalized()
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.plugins[cat] {
		if existing.Spec().Normalized().Name == spec.Name {
			return fmt.Errorf("registry: %s plugin %s already registered", cat, spec.Name)
		}
	}
	r.plugins[cat] = append(r.plugins[cat], plugin)
	return nil
}

// DeregisterPlugin removes an in-process plugin by name.
func (r *Registry) DeregisterPlugin(cat Category, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	plugins := r.plugins[cat]
	for idx, existing := range plugins {
		if existing.Spec().Normalized().Name == name {
			r.plugins[cat] = append(plugins[:idx:idx], plugins[idx+1:]...)
			return true
		}
	}
	return false
}

// Discover returns every plugin of cat: in-process plugins first, then each
// path's files sorted by name. Broken files and invalid or duplicate plugins
// are reported and skipped; they never abort discovery.
func (r *Registry) Discover(cat Category) ([]publish.Plugin, []DiscoveryError) {
	r.mu.RLock()
	inProcess := append([]publish.Plugin(nil), r.plugins[cat]...)
	paths := append([]string(nil), r.paths[cat]...)
	loaders := append([]Loader(nil), r.loaders...)
	r.mu.RUnlock()

	var (
		found []publish.Plugin
		errs  []DiscoveryError
		seen  = map[string]string{}
	)
	add := func(source string, plugin publish.Plugin) {
		spec := plugin.Spec().Normalized()
		if err := spec.Validate(); err != nil {
			errs = append(errs, DiscoveryError{Path: source, Plugin: spec.Name, Err: err})
			return
		}
		if first, ok := seen[spec.Name]; ok {
			errs = append(errs, DiscoveryError{
				Path:   source,
				Plugin: spec.Name,
				Err:    fmt.Errorf("%w: first defined in %s", ErrDuplicatePlugin, first),
			})
			return
		}
		seen[spec.Name] = source
		found = append(found, plugin)
	}
	for _, plugin := range inProcess {
		add("<registered>", plugin)
	}
	for _, dir := range paths {
		files, err := pluginFiles(dir)
		if err != nil {
			errs = append(errs, DiscoveryError{Path: dir, Err: err})
			continue
		}
		for _, path := range files {
			loader := pickLoader(loaders, path)
			if loader == nil {
				continue
			}
			plugins, err := safeLoad(loader, path)
			if err != nil {
				errs = append(errs, DiscoveryError{Path: path, Err: err})
				continue
			}
			for _, plugin := range plugins {
				if plugin == nil {
					continue
				}
				add(path, plugin)
			}
		}
	}
	for _, derr := range errs {
		r.logf("registry: skipped %s plugin %s", cat, derr.Error())
	}
	return found, errs
}

func (r *Registry) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

func cleanDir(dir string) (string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return "", fmt.Errorf("registry: path is required")
	}
	return filepath.Clean(trimmed), nil
}

// pluginFiles lists regular files in dir sorted by name. Names starting with
// "_" or "." are private and skipped. A missing directory yields nothing.
func pluginFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: read %s: %w", dir, err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func pickLoader(loaders []Loader, path string) Loader {
	for _, loader := range loaders {
		if loader.Accepts(path) {
			return loader
		}
	}
	return nil
}

func safeLoad(loader Loader, path string) (plugins []publish.Plugin, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s loader panicked: %v", loader.Name(), recovered)
		}
	}()
	return loader.Load(path)
}
