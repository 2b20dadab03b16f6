package plugins

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/pype/internal/publish"
)

// definitionDocument is the file form: either a single definition or a
// "plugins:" list.
type definitionDocument struct {
	Definition `yaml:",inline"`
	Plugins    []Definition `yaml:"plugins,omitempty"`
}

// ParseDefinitionsYAML decodes and validates every definition in data.
func ParseDefinitionsYAML(data []byte) ([]Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("plugin: definition payload is empty")
	}
	var doc definitionDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("plugin: decode definition: %w", err)
	}
	defs := doc.Plugins
	if len(defs) == 0 {
		defs = []Definition{doc.Definition}
	} else if strings.TrimSpace(doc.Name) != "" {
		return nil, fmt.Errorf("plugin: file mixes a top-level definition with a plugins list")
	}
	out := make([]Definition, 0, len(defs))
	for idx, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("plugin: plugins[%d]: %w", idx, err)
		}
		out = append(out, def.Normalized())
	}
	return out, nil
}

// YAMLLoader loads declarative rule plugins from *.yaml and *.yml files.
type YAMLLoader struct{}

// Name implements registry.Loader.
func (YAMLLoader) Name() string { return "yaml" }

// Accepts implements registry.Loader.
func (YAMLLoader) Accepts(path string) bool {
	return isYAMLFile(filepath.Base(path))
}

// Load implements registry.Loader.
func (YAMLLoader) Load(path string) ([]publish.Plugin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	defs, err := ParseDefinitionsYAML(data)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	plugins := make([]publish.Plugin, 0, len(defs))
	for _, def := range defs {
		p, err := newRulePlugin(def, filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("plugin: %s: %w", path, err)
		}
		plugins = append(plugins, p)
	}
	return plugins, nil
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
