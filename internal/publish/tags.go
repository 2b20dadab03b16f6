package publish

import "strings"

// Wildcard matches every tag when present in a TagSet.
const Wildcard = "*"

// TagSet is an applicability filter over hosts, families or targets.
//
// An empty set means "any": the filter is absent and matches everything. A set
// containing Wildcard behaves the same way. Otherwise the set matches when it
// shares at least one tag with the candidate tags.
type TagSet []string

// Tags builds a normalized TagSet, dropping blanks and duplicates.
func Tags(values ...string) TagSet {
	return TagSet(values).Normalized()
}

// Normalized trims entries and drops empty or duplicate values, keeping order.
func (t TagSet) Normalized() TagSet {
	if len(t) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(t))
	out := make(TagSet, 0, len(t))
	for _, value := range t {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Any reports whether the set places no restriction.
func (t TagSet) Any() bool {
	if len(t) == 0 {
		return true
	}
	for _, value := range t {
		if value == Wildcard {
			return true
		}
	}
	return false
}

// Contains reports whether tag is explicitly listed.
func (t TagSet) Contains(tag string) bool {
	for _, value := range t {
		if value == tag {
			return true
		}
	}
	return false
}

// Matches reports whether the filter accepts any of the candidate tags.
func (t TagSet) Matches(candidates ...string) bool {
	if t.Any() {
		return true
	}
	for _, candidate := range candidates {
		if t.Contains(candidate) {
			return true
		}
	}
	return false
}
