package plugins

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/pype/internal/publish"
)

var validate = validator.New()

// Definition is the declarative plugin descriptor shared by every loader.
//
// YAML files decode into it directly; Go and Lua plugins return maps that are
// converted through DefinitionFromMap so all three formats validate the same way.
type Definition struct {
	Name     string   `json:"name" yaml:"name" validate:"required,max=128"`
	Label    string   `json:"label,omitempty" yaml:"label,omitempty"`
	Order    float64  `json:"order" yaml:"order" validate:"gte=-10,lte=10"`
	Scope    string   `json:"scope,omitempty" yaml:"scope,omitempty" validate:"omitempty,oneof=context instance"`
	Hosts    []string `json:"hosts,omitempty" yaml:"hosts,omitempty" validate:"dive,required"`
	Families []string `json:"families,omitempty" yaml:"families,omitempty" validate:"dive,required"`
	Targets  []string `json:"targets,omitempty" yaml:"targets,omitempty" validate:"dive,required"`
	Optional bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
	Active   *bool    `json:"active,omitempty" yaml:"active,omitempty"`
	Rules    []Rule   `json:"rules,omitempty" yaml:"rules,omitempty" validate:"dive"`
}

// Rule is one declarative check or write. Path addresses the context or
// instance document in gjson syntax, e.g. "instance.subset" or
// "context.project".
type Rule struct {
	Path    string `json:"path" yaml:"path" validate:"required"`
	Require bool   `json:"require,omitempty" yaml:"require,omitempty"`
	Match   string `json:"match,omitempty" yaml:"match,omitempty"`
	Forbid  string `json:"forbid,omitempty" yaml:"forbid,omitempty"`
	Equals  any    `json:"equals,omitempty" yaml:"equals,omitempty"`
	Set     any    `json:"set,omitempty" yaml:"set,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Normalized returns a trimmed copy.
func (def Definition) Normalized() Definition {
	clone := def
	clone.Name = strings.TrimSpace(def.Name)
	clone.Label = strings.TrimSpace(def.Label)
	clone.Scope = strings.ToLower(strings.TrimSpace(def.Scope))
	clone.Hosts = publish.TagSet(def.Hosts).Normalized()
	clone.Families = publish.TagSet(def.Families).Normalized()
	clone.Targets = publish.TagSet(def.Targets).Normalized()
	if len(def.Rules) > 0 {
		clone.Rules = make([]Rule, len(def.Rules))
		for i, rule := range def.Rules {
			rule.Path = strings.TrimSpace(rule.Path)
			rule.Message = strings.TrimSpace(rule.Message)
			clone.Rules[i] = rule
		}
	}
	return clone
}

// Spec converts the definition into a publish descriptor.
func (def Definition) Spec() publish.Spec {
	normalized := def.Normalized()
	return publish.Spec{
		Name:     normalized.Name,
		Label:    normalized.Label,
		Order:    normalized.Order,
		Scope:    publish.Scope(normalized.Scope),
		Hosts:    normalized.Hosts,
		Families: normalized.Families,
		Targets:  normalized.Targets,
		Optional: normalized.Optional,
		Active:   normalized.Active,
	}.Normalized()
}

// Validate checks struct tags, the derived spec and every rule.
func (def Definition) Validate() error {
	normalized := def.Normalized()
	if err := validate.Struct(normalized); err != nil {
		return fmt.Errorf("plugin %s: %w", normalized.Name, err)
	}
	spec := normalized.Spec()
	if err := spec.Validate(); err != nil {
		return err
	}
	for idx, rule := range normalized.Rules {
		if err := rule.validate(spec.Scope); err != nil {
			return fmt.Errorf("plugin %s: rules[%d]: %w", normalized.Name, idx, err)
		}
	}
	return nil
}

func (rule Rule) validate(scope publish.Scope) error {
	root, rest, _ := strings.Cut(rule.Path, ".")
	switch root {
	case "context":
	case "instance":
		if scope == publish.ScopeContext {
			return fmt.Errorf("path %s needs an instance-scoped plugin", rule.Path)
		}
	default:
		return fmt.Errorf("path %s must start with context. or instance.", rule.Path)
	}
	if strings.TrimSpace(rest) == "" {
		return fmt.Errorf("path %s has no field", rule.Path)
	}
	if rule.Match != "" {
		if _, err := regexp.Compile(rule.Match); err != nil {
			return fmt.Errorf("match: %w", err)
		}
	}
	if rule.Set != nil && (rule.Require || rule.Match != "" || rule.Forbid != "" || rule.Equals != nil) {
		return fmt.Errorf("set cannot be combined with checks")
	}
	return nil
}

// DefinitionFromMap decodes a loosely typed descriptor (from Go or Lua
// plugins) into a validated Definition.
func DefinitionFromMap(raw map[string]any) (Definition, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return Definition{}, fmt.Errorf("plugin: encode descriptor: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(payload, &def); err != nil {
		return Definition{}, fmt.Errorf("plugin: decode descriptor: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def.Normalized(), nil
}
