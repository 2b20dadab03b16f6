package publish

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Scope selects whether a plugin processes the whole context or each instance.
type Scope string

const (
	ScopeContext  Scope = "context"
	ScopeInstance Scope = "instance"
)

// Spec is the static descriptor every plugin exposes.
type Spec struct {
	// Name uniquely identifies the plugin within a registry category.
	Name  string
	Label string
	// Order positions the plugin; see the *Order constants for bands.
	Order float64
	Scope Scope
	// Hosts limits the plugin to specific host applications. Empty means any.
	Hosts TagSet
	// Families limits instance-scoped plugins. Empty means any instance.
	Families TagSet
	// Targets limits the plugin to runs requesting one of these targets.
	// Empty means the plugin runs for every target.
	Targets TagSet
	// Optional plugins may be switched off by the operator via Active.
	Optional bool
	// Active defaults to true; only Optional plugins may be inactive.
	Active  *bool
	Actions []Action
}

// Normalized trims names and tag sets and fills defaults.
func (s Spec) Normalized() Spec {
	clone := s
	clone.Name = strings.TrimSpace(s.Name)
	clone.Label = strings.TrimSpace(s.Label)
	if clone.Label == "" {
		clone.Label = clone.Name
	}
	if clone.Scope == "" {
		if len(s.Families) > 0 {
			clone.Scope = ScopeInstance
		} else {
			clone.Scope = ScopeContext
		}
	}
	clone.Hosts = s.Hosts.Normalized()
	clone.Families = s.Families.Normalized()
	clone.Targets = s.Targets.Normalized()
	clone.Actions = append([]Action(nil), s.Actions...)
	return clone
}

// Validate rejects malformed descriptors.
func (s Spec) Validate() error {
	normalized := s.Normalized()
	if normalized.Name == "" {
		return fmt.Errorf("plugin: name is required")
	}
	if math.IsNaN(normalized.Order) || math.IsInf(normalized.Order, 0) {
		return fmt.Errorf("plugin %s: order must be a finite number", normalized.Name)
	}
	switch normalized.Scope {
	case ScopeContext:
		if len(normalized.Families) > 0 {
			return fmt.Errorf("plugin %s: context-scoped plugins cannot declare families", normalized.Name)
		}
	case ScopeInstance:
	default:
		return fmt.Errorf("plugin %s: unknown scope %q", normalized.Name, normalized.Scope)
	}
	if normalized.Active != nil && !*normalized.Active && !normalized.Optional {
		return fmt.Errorf("plugin %s: only optional plugins can be inactive", normalized.Name)
	}
	for idx, action := range normalized.Actions {
		if action == nil {
			return fmt.Errorf("plugin %s: actions[%d] is nil", normalized.Name, idx)
		}
	}
	return nil
}

// IsActive reports whether the plugin should run.
func (s Spec) IsActive() bool {
	return s.Active == nil || *s.Active
}

// Stage returns the conventional band of the plugin.
func (s Spec) Stage() Stage {
	return StageOf(s.Order)
}

// Host is the minimal capability the pipeline core needs from the authoring
// application. Host adapters expose richer capability sets on top of it.
type Host interface {
	Name() string
	CurrentFile() string
}

// Plugin is a discovered unit of pipeline work.
type Plugin interface {
	Spec() Spec
	Process(inv *Invocation) error
}

// Invocation carries everything a plugin sees during one call.
type Invocation struct {
	Context *Context
	// Instance is nil for context-scoped plugins.
	Instance *Instance
	Host     Host
	Log      *Log
}

// HostName returns the invocation's host name or "".
func (inv *Invocation) HostName() string {
	if inv == nil || inv.Host == nil {
		return ""
	}
	return inv.Host.Name()
}

// PluginFunc adapts a spec and function into a Plugin.
type PluginFunc struct {
	Descriptor Spec
	Fn         func(inv *Invocation) error
}

// NewPlugin builds a PluginFunc.
func NewPlugin(spec Spec, fn func(inv *Invocation) error) *PluginFunc {
	return &PluginFunc{Descriptor: spec, Fn: fn}
}

// Spec implements Plugin.
func (p *PluginFunc) Spec() Spec {
	return p.Descriptor
}

// Process implements Plugin.
func (p *PluginFunc) Process(inv *Invocation) error {
	if p.Fn == nil {
		return nil
	}
	return p.Fn(inv)
}

// Sort orders plugins by ascending Order; equal orders keep their input order.
func Sort(plugins []Plugin) []Plugin {
	type entry struct {
		plugin Plugin
		order  float64
	}
	entries := make([]entry, len(plugins))
	for idx, p := range plugins {
		entries[idx] = entry{plugin: p, order: p.Spec().Order}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	sorted := make([]Plugin, len(entries))
	for idx, e := range entries {
		sorted[idx] = e.plugin
	}
	return sorted
}
