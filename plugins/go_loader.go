package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/kingrea/pype/internal/publish"
)

const (
	goPluginsFuncName = "Plugins"
	goProcessKey      = "process"
)

// GoLoader interprets *.go plugin files with yaegi. A file declares
//
//	func Plugins() []map[string]any
//
// where each map holds descriptor keys plus "process", the name of a
// top-level func(data map[string]any) error in the same file.
type GoLoader struct{}

// Name implements registry.Loader.
func (GoLoader) Name() string { return "go" }

// Accepts implements registry.Loader.
func (GoLoader) Accepts(path string) bool {
	return filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go")
}

// Load implements registry.Loader.
func (GoLoader) Load(path string) ([]publish.Plugin, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("plugin: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("plugin: %s: load stdlib symbols: %w", path, err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	fnValue, err := i.Eval(goPluginsFuncName)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s must define %s() []map[string]any: %w", path, goPluginsFuncName, err)
	}
	descriptors, err := invokePluginsFunc(fnValue)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	// One interpreter serves every plugin of the file; yaegi is not re-entrant.
	lock := &sync.Mutex{}
	plugins := make([]publish.Plugin, 0, len(descriptors))
	for idx, raw := range descriptors {
		processName, _ := raw[goProcessKey].(string)
		descriptor := make(map[string]any, len(raw))
		for key, value := range raw {
			if key != goProcessKey {
				descriptor[key] = value
			}
		}
		def, err := DefinitionFromMap(descriptor)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s plugins[%d]: %w", path, idx, err)
		}
		if len(def.Rules) > 0 {
			return nil, fmt.Errorf("plugin: %s plugins[%d]: rules are only supported in YAML plugins", path, idx)
		}
		if strings.TrimSpace(processName) == "" {
			return nil, fmt.Errorf("plugin: %s plugins[%d]: %q must name a function", path, idx, goProcessKey)
		}
		process, err := i.Eval(processName)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s plugins[%d]: resolve %s: %w", path, idx, processName, err)
		}
		if err := checkProcessFunc(process); err != nil {
			return nil, fmt.Errorf("plugin: %s plugins[%d]: %s: %w", path, idx, processName, err)
		}
		plugins = append(plugins, &scriptPlugin{
			spec: def.Spec(),
			call: func(data map[string]any) error {
				lock.Lock()
				defer lock.Unlock()
				return callProcessFunc(process, data)
			},
		})
	}
	return plugins, nil
}

func invokePluginsFunc(value reflect.Value) ([]map[string]any, error) {
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", goPluginsFuncName)
	}
	if value.Type().NumIn() != 0 {
		return nil, fmt.Errorf("%s must not take arguments", goPluginsFuncName)
	}
	results := value.Call(nil)
	if len(results) == 0 || len(results) > 2 {
		return nil, fmt.Errorf("%s must return ([]map[string]any[, error])", goPluginsFuncName)
	}
	if len(results) == 2 && !results[1].IsNil() {
		if e, ok := results[1].Interface().(error); ok && e != nil {
			return nil, e
		}
		return nil, fmt.Errorf("%s returned non-error second value", goPluginsFuncName)
	}
	defsVal := results[0]
	if defs, ok := defsVal.Interface().([]map[string]any); ok {
		return defs, nil
	}
	if defsVal.Kind() == reflect.Slice {
		out := make([]map[string]any, defsVal.Len())
		for idx := 0; idx < defsVal.Len(); idx++ {
			entry, ok := defsVal.Index(idx).Interface().(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s[%d] is not map[string]any", goPluginsFuncName, idx)
			}
			out[idx] = entry
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s must return []map[string]any", goPluginsFuncName)
}

func checkProcessFunc(fn reflect.Value) error {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return fmt.Errorf("not a function")
	}
	typ := fn.Type()
	if typ.NumIn() != 1 || typ.NumOut() != 1 {
		return fmt.Errorf("must have signature func(map[string]any) error")
	}
	return nil
}

func callProcessFunc(fn reflect.Value, data map[string]any) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &publish.PanicError{Value: recovered}
		}
	}()
	results := fn.Call([]reflect.Value{reflect.ValueOf(data)})
	if len(results) != 1 || results[0].IsNil() {
		return nil
	}
	if e, ok := results[0].Interface().(error); ok {
		return e
	}
	return fmt.Errorf("process returned %v", results[0].Interface())
}
