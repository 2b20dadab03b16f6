package publish

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Files holds either a single file name or an ordered frame sequence.
//
// On the wire a single file is a JSON string and a sequence is a JSON array;
// consumers accept both shapes.
type Files struct {
	names    []string
	sequence bool
}

// SingleFile returns Files for one file name.
func SingleFile(name string) Files {
	return Files{names: []string{name}}
}

// Sequence returns Files for an ordered list of names (a frame range).
func Sequence(names ...string) Files {
	return Files{names: append([]string(nil), names...), sequence: true}
}

// IsSequence reports whether the files were declared as a list.
func (f Files) IsSequence() bool {
	return f.sequence
}

// Names returns a copy of the file names in order.
func (f Files) Names() []string {
	return append([]string(nil), f.names...)
}

// Len returns the number of files.
func (f Files) Len() int {
	return len(f.names)
}

// First returns the first file name or "".
func (f Files) First() string {
	if len(f.names) == 0 {
		return ""
	}
	return f.names[0]
}

// MarshalJSON implements json.Marshaler.
func (f Files) MarshalJSON() ([]byte, error) {
	if !f.sequence {
		return json.Marshal(f.First())
	}
	names := f.names
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Files) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = Files{}
		return nil
	}
	if trimmed[0] == '[' {
		var names []string
		if err := json.Unmarshal(trimmed, &names); err != nil {
			return fmt.Errorf("publish: decode files list: %w", err)
		}
		*f = Sequence(names...)
		return nil
	}
	var name string
	if err := json.Unmarshal(trimmed, &name); err != nil {
		return fmt.Errorf("publish: decode files: %w", err)
	}
	*f = SingleFile(name)
	return nil
}

// UnmarshalYAML accepts the same string-or-list shape from YAML documents.
func (f *Files) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return fmt.Errorf("publish: decode files list: %w", err)
		}
		*f = Sequence(names...)
	case yaml.ScalarNode:
		var name string
		if err := node.Decode(&name); err != nil {
			return fmt.Errorf("publish: decode files: %w", err)
		}
		*f = SingleFile(name)
	default:
		return fmt.Errorf("publish: files must be a string or a list")
	}
	return nil
}

// MarshalYAML mirrors MarshalJSON.
func (f Files) MarshalYAML() (any, error) {
	if f.sequence {
		return f.Names(), nil
	}
	return f.First(), nil
}

// Representation describes one exported file or file sequence of an instance.
type Representation struct {
	Name       string   `json:"name" yaml:"name"`
	Ext        string   `json:"ext" yaml:"ext"`
	Files      Files    `json:"files" yaml:"files"`
	StagingDir string   `json:"stagingDir" yaml:"stagingDir"`
	Tags       []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	FrameStart *int     `json:"frameStart,omitempty" yaml:"frameStart,omitempty"`
	FrameEnd   *int     `json:"frameEnd,omitempty" yaml:"frameEnd,omitempty"`
	// Data carries integrator metadata attached after extraction.
	Data map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// Validate checks the record is publishable.
func (r Representation) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("representation: name is required")
	}
	if strings.TrimSpace(r.Ext) == "" {
		return fmt.Errorf("representation %s: ext is required", r.Name)
	}
	if r.Files.Len() == 0 {
		return fmt.Errorf("representation %s: at least one file is required", r.Name)
	}
	for idx, name := range r.Files.names {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("representation %s: files[%d] is empty", r.Name, idx)
		}
	}
	if (r.FrameStart == nil) != (r.FrameEnd == nil) {
		return fmt.Errorf("representation %s: frameStart and frameEnd must be set together", r.Name)
	}
	if r.FrameStart != nil && *r.FrameEnd < *r.FrameStart {
		return fmt.Errorf("representation %s: frameEnd %d before frameStart %d", r.Name, *r.FrameEnd, *r.FrameStart)
	}
	return nil
}

// Paths returns the absolute-or-relative paths of every file in staging.
func (r Representation) Paths() []string {
	paths := make([]string, 0, r.Files.Len())
	for _, name := range r.Files.names {
		paths = append(paths, filepath.Join(r.StagingDir, name))
	}
	return paths
}

// HasTag reports whether the representation carries tag.
func (r Representation) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// FrameRange sets both frame bounds.
func (r *Representation) FrameRange(start, end int) {
	r.FrameStart = &start
	r.FrameEnd = &end
}
