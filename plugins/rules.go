package plugins

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kingrea/pype/internal/publish"
)

// rulePlugin runs declarative rules from a YAML definition.
type rulePlugin struct {
	spec    publish.Spec
	rules   []Rule
	source  string
	matches []*regexp.Regexp
}

func newRulePlugin(def Definition, source string) (*rulePlugin, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	normalized := def.Normalized()
	p := &rulePlugin{
		spec:    normalized.Spec(),
		rules:   normalized.Rules,
		source:  source,
		matches: make([]*regexp.Regexp, len(normalized.Rules)),
	}
	for idx, rule := range normalized.Rules {
		if rule.Match != "" {
			p.matches[idx] = regexp.MustCompile(rule.Match)
		}
	}
	return p, nil
}

func (p *rulePlugin) Spec() publish.Spec {
	return p.spec
}

func (p *rulePlugin) Process(inv *publish.Invocation) error {
	doc, err := snapshot(inv)
	if err != nil {
		return err
	}
	var (
		failures []string
		nodes    []string
	)
	for idx, rule := range p.rules {
		if rule.Set != nil {
			if err := applySet(inv, rule.Path, rule.Set); err != nil {
				return fmt.Errorf("plugin %s: set %s: %w", p.spec.Name, rule.Path, err)
			}
			inv.Log.Debugf("set %s", rule.Path)
			if doc, err = snapshot(inv); err != nil {
				return err
			}
			continue
		}
		if msg := checkRule(doc, rule, p.matches[idx]); msg != "" {
			if rule.Message != "" {
				msg = rule.Message
			}
			failures = append(failures, msg)
			nodes = append(nodes, rule.Path)
			inv.Log.Errorf("%s", msg)
		}
	}
	if len(failures) > 0 {
		return publish.Invalid(nodes, "%s", strings.Join(failures, "; "))
	}
	return nil
}

// snapshot renders {"context": ..., "instance": ...} for gjson queries.
func snapshot(inv *publish.Invocation) ([]byte, error) {
	doc := map[string]any{"context": inv.Context.Data}
	if inv.Instance != nil {
		doc["instance"] = inv.Instance.Document()
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("plugin: encode document: %w", err)
	}
	return raw, nil
}

func checkRule(doc []byte, rule Rule, match *regexp.Regexp) string {
	result := gjson.GetBytes(doc, rule.Path)
	if rule.Require && !result.Exists() {
		return fmt.Sprintf("%s is required", rule.Path)
	}
	if !result.Exists() {
		return ""
	}
	value := result.String()
	if match != nil && !match.MatchString(value) {
		return fmt.Sprintf("%s %q does not match %s", rule.Path, value, rule.Match)
	}
	if rule.Forbid != "" && strings.Contains(value, rule.Forbid) {
		return fmt.Sprintf("%s %q must not contain %q", rule.Path, value, rule.Forbid)
	}
	if rule.Equals != nil {
		want, err := jsonValue(rule.Equals)
		if err != nil || !reflect.DeepEqual(result.Value(), want) {
			return fmt.Sprintf("%s is %s, expected %v", rule.Path, result.Raw, rule.Equals)
		}
	}
	return ""
}

// applySet writes value at path. The first segment after the scope selects a
// data key; deeper segments are written through sjson.
func applySet(inv *publish.Invocation, path string, value any) error {
	scope, rest, _ := strings.Cut(path, ".")
	key, sub, nested := strings.Cut(rest, ".")
	var current any
	switch scope {
	case "context":
		current, _ = inv.Context.Get(key)
	case "instance":
		if inv.Instance == nil {
			return fmt.Errorf("no instance in a context-scoped invocation")
		}
		current = inv.Instance.Document()[key]
	}
	updated := value
	if nested {
		raw := []byte("{}")
		if current != nil {
			encoded, err := json.Marshal(current)
			if err != nil {
				return err
			}
			raw = encoded
		}
		written, err := sjson.SetBytes(raw, sub, value)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(written, &updated); err != nil {
			return err
		}
	}
	if scope == "context" {
		inv.Context.Set(key, updated)
		return nil
	}
	inv.Instance.ApplyDocument(map[string]any{key: updated})
	return nil
}

func jsonValue(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
