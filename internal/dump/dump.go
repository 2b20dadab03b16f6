// Package dump reads and writes headless instance dumps: JSON documents
// holding context data and fully described instances, used to publish
// without a running host.
package dump

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/kingrea/pype/internal/publish"
)

// Dump is the file format.
type Dump struct {
	Context   map[string]any `json:"context,omitempty" jsonschema:"description=Context data merged into the publish context"`
	Instances []Instance     `json:"instances" jsonschema:"required"`
}

// Instance is one dumped publish instance.
type Instance struct {
	Name     string   `json:"name" jsonschema:"required,minLength=1"`
	Family   string   `json:"family" jsonschema:"required,minLength=1"`
	Families []string `json:"families,omitempty"`
	Asset    string   `json:"asset,omitempty"`
	Subset   string   `json:"subset,omitempty"`
	// Publish defaults to true.
	Publish         *bool                    `json:"publish,omitempty"`
	Data            map[string]any           `json:"data,omitempty"`
	Representations []publish.Representation `json:"representations,omitempty"`
}

// Validate checks required fields and representations.
func (d Dump) Validate() error {
	var problems []string
	for idx, inst := range d.Instances {
		if strings.TrimSpace(inst.Name) == "" {
			problems = append(problems, fmt.Sprintf("instances[%d]: name is required", idx))
		}
		if strings.TrimSpace(inst.Family) == "" {
			problems = append(problems, fmt.Sprintf("instances[%d]: family is required", idx))
		}
		for ridx, repr := range inst.Representations {
			if err := repr.Validate(); err != nil {
				problems = append(problems, fmt.Sprintf("instances[%d].representations[%d]: %v", idx, ridx, err))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("dump: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Parse decodes and validates one dump document. Relative staging dirs are
// resolved against baseDir when it is not empty.
func Parse(data []byte, baseDir string) (Dump, error) {
	var d Dump
	if err := json.Unmarshal(data, &d); err != nil {
		return Dump{}, fmt.Errorf("dump: decode: %w", err)
	}
	if err := d.Validate(); err != nil {
		return Dump{}, err
	}
	if baseDir != "" {
		for i := range d.Instances {
			for r := range d.Instances[i].Representations {
				repr := &d.Instances[i].Representations[r]
				if repr.StagingDir != "" && !filepath.IsAbs(repr.StagingDir) {
					repr.StagingDir = filepath.Join(baseDir, repr.StagingDir)
				}
			}
		}
	}
	return d, nil
}

// Load reads dump files. Directories contribute their *.json files in name
// order. Context data of later files wins; instances are concatenated.
func Load(paths ...string) (Dump, error) {
	merged := Dump{Context: map[string]any{}}
	files, err := expand(paths)
	if err != nil {
		return Dump{}, err
	}
	if len(files) == 0 {
		return Dump{}, fmt.Errorf("dump: no dump files given")
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return Dump{}, fmt.Errorf("dump: read %s: %w", path, err)
		}
		d, err := Parse(data, filepath.Dir(path))
		if err != nil {
			return Dump{}, fmt.Errorf("%s: %w", path, err)
		}
		for key, value := range d.Context {
			merged.Context[key] = value
		}
		merged.Instances = append(merged.Instances, d.Instances...)
	}
	return merged, nil
}

func expand(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("dump: %s does not exist", path)
			}
			return nil, fmt.Errorf("dump: stat %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("dump: read %s: %w", path, err)
		}
		var names []string
		for _, entry := range entries {
			if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
				names = append(names, filepath.Join(path, entry.Name()))
			}
		}
		sort.Strings(names)
		files = append(files, names...)
	}
	return files, nil
}

// Apply merges the dump context into pctx and adopts its instances in order.
func Apply(pctx *publish.Context, d Dump) []*publish.Instance {
	for key, value := range d.Context {
		pctx.Set(key, value)
	}
	adopted := make([]*publish.Instance, 0, len(d.Instances))
	for _, inst := range d.Instances {
		publishFlag := true
		if inst.Publish != nil {
			publishFlag = *inst.Publish
		}
		data := make(map[string]any, len(inst.Data))
		for key, value := range inst.Data {
			data[key] = value
		}
		adopted = append(adopted, pctx.Adopt(&publish.Instance{
			Name:            strings.TrimSpace(inst.Name),
			Family:          strings.TrimSpace(inst.Family),
			Families:        append([]string(nil), inst.Families...),
			Asset:           inst.Asset,
			Subset:          inst.Subset,
			Publish:         publishFlag,
			Data:            data,
			Representations: append([]publish.Representation(nil), inst.Representations...),
		}))
	}
	return adopted
}

// FromContext captures pctx as a dump.
func FromContext(pctx *publish.Context) Dump {
	d := Dump{Context: map[string]any{}}
	for key, value := range pctx.Data {
		d.Context[key] = value
	}
	for _, inst := range pctx.Instances() {
		publishFlag := inst.Publish
		d.Instances = append(d.Instances, Instance{
			Name:            inst.Name,
			Family:          inst.Family,
			Families:        append([]string(nil), inst.Families...),
			Asset:           inst.Asset,
			Subset:          inst.Subset,
			Publish:         &publishFlag,
			Data:            inst.Data,
			Representations: append([]publish.Representation(nil), inst.Representations...),
		})
	}
	return d
}

// Write stores d as indented JSON.
func Write(path string, d Dump) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("dump: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("dump: create %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Schema returns the JSON schema of the dump format.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
		Mapper:         mapFiles,
	}
	schema := reflector.Reflect(&Dump{})
	schema.Title = "pype instance dump"
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("dump: marshal schema: %w", err)
	}
	return data, nil
}

var filesType = reflect.TypeOf(publish.Files{})

// mapFiles describes publish.Files, which is a string or a list on the wire.
func mapFiles(t reflect.Type) *jsonschema.Schema {
	if t != filesType {
		return nil
	}
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string", MinLength: ptr(uint64(1))},
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}, MinItems: ptr(uint64(1))},
		},
	}
}

func ptr[T any](v T) *T { return &v }
