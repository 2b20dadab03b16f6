package publish

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Instance is one publishable unit collected during a run. It belongs to the
// Context that created it and is mutated in place by successive plugins.
type Instance struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Family          string           `json:"family"`
	Families        []string         `json:"families,omitempty"`
	Asset           string           `json:"asset,omitempty"`
	Subset          string           `json:"subset,omitempty"`
	Publish         bool             `json:"publish"`
	Data            map[string]any   `json:"data,omitempty"`
	Representations []Representation `json:"representations,omitempty"`

	context *Context
}

// Context returns the owning context.
func (i *Instance) Context() *Context {
	return i.context
}

// Label prefers the "label" data key and falls back to the name.
func (i *Instance) Label() string {
	if label, ok := i.Data["label"].(string); ok && strings.TrimSpace(label) != "" {
		return label
	}
	return i.Name
}

// AllFamilies returns the primary family followed by unique secondary families.
func (i *Instance) AllFamilies() []string {
	out := make([]string, 0, len(i.Families)+1)
	seen := map[string]struct{}{}
	add := func(value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		if _, ok := seen[value]; ok {
			return
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	add(i.Family)
	for _, family := range i.Families {
		add(family)
	}
	return out
}

// HasFamily reports whether family is the primary or a secondary family.
func (i *Instance) HasFamily(family string) bool {
	for _, candidate := range i.AllFamilies() {
		if candidate == family {
			return true
		}
	}
	return false
}

// AddFamily appends a secondary family if missing.
func (i *Instance) AddFamily(family string) {
	if family == "" || i.HasFamily(family) {
		return
	}
	i.Families = append(i.Families, family)
}

// AddRepresentation appends r; existing representations are never replaced.
func (i *Instance) AddRepresentation(r Representation) {
	i.Representations = append(i.Representations, r)
}

// Get returns a data value.
func (i *Instance) Get(key string) (any, bool) {
	value, ok := i.Data[key]
	return value, ok
}

// String returns a string data value or "".
func (i *Instance) String(key string) string {
	value, _ := i.Data[key].(string)
	return value
}

// Set stores a data value.
func (i *Instance) Set(key string, value any) {
	if i.Data == nil {
		i.Data = map[string]any{}
	}
	i.Data[key] = value
}

// Document flattens the instance into a plain map (used by rule and script
// plugins that address fields by path).
func (i *Instance) Document() map[string]any {
	doc := make(map[string]any, len(i.Data)+8)
	for key, value := range i.Data {
		doc[key] = value
	}
	doc["id"] = i.ID
	doc["name"] = i.Name
	doc["family"] = i.Family
	doc["families"] = append([]string(nil), i.Families...)
	doc["asset"] = i.Asset
	doc["subset"] = i.Subset
	doc["publish"] = i.Publish
	reprs := make([]any, 0, len(i.Representations))
	for _, r := range i.Representations {
		entry := map[string]any{
			"name":       r.Name,
			"ext":        r.Ext,
			"stagingDir": r.StagingDir,
		}
		if r.Files.IsSequence() {
			entry["files"] = r.Files.Names()
		} else {
			entry["files"] = r.Files.First()
		}
		if len(r.Tags) > 0 {
			entry["tags"] = append([]string(nil), r.Tags...)
		}
		if r.FrameStart != nil {
			entry["frameStart"] = *r.FrameStart
		}
		if r.FrameEnd != nil {
			entry["frameEnd"] = *r.FrameEnd
		}
		reprs = append(reprs, entry)
	}
	doc["representations"] = reprs
	return doc
}

// ApplyDocument writes back the scalar identity fields and data keys from doc.
// Representations are append-only and are not touched here.
func (i *Instance) ApplyDocument(doc map[string]any) {
	for key, value := range doc {
		switch key {
		case "id", "representations":
		case "name":
			if s, ok := value.(string); ok {
				i.Name = s
			}
		case "family":
			if s, ok := value.(string); ok {
				i.Family = s
			}
		case "families":
			i.Families = toStrings(value)
		case "asset":
			if s, ok := value.(string); ok {
				i.Asset = s
			}
		case "subset":
			if s, ok := value.(string); ok {
				i.Subset = s
			}
		case "publish":
			if b, ok := value.(bool); ok {
				i.Publish = b
			}
		default:
			i.Set(key, value)
		}
	}
}

// AppendRepresentations decodes document-shaped entries, as produced by
// Document, and appends them. Nothing is appended when any entry is invalid.
func (i *Instance) AppendRepresentations(entries []any) error {
	decoded := make([]Representation, 0, len(entries))
	for idx, entry := range entries {
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("publish: representation %d: %w", idx, err)
		}
		var r Representation
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("publish: representation %d: %w", idx, err)
		}
		if err := r.Validate(); err != nil {
			return err
		}
		decoded = append(decoded, r)
	}
	for _, r := range decoded {
		i.AddRepresentation(r)
	}
	return nil
}

func toStrings(value any) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func newInstanceID() string {
	return uuid.NewString()
}
