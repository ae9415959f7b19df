// Package actions maps requested action identifiers to canonical action
// names. A requested name may be a canonical name, a legacy snake_case
// alias, or a historically used synonym; the [Registry] resolves it to
// exactly one canonical action or returns an [*UnknownActionError].
//
// The registry is built once from a static [Table] plus, when the tool
// provider is reachable, its live list of advertised actions. It is
// read-only afterwards and safe for concurrent use.
package actions

import (
	"sort"
	"strings"
	"unicode"
)

// Category groups actions by domain.
type Category string

// Action categories.
const (
	CategoryTodo     Category = "todo"
	CategoryTime     Category = "time"
	CategoryBriefing Category = "briefing"
	CategorySystem   Category = "system"
	// CategoryRemote marks actions advertised by the provider that the
	// static table does not describe.
	CategoryRemote Category = "remote"
)

// Metadata describes one canonical action.
type Metadata struct {
	Name        string         `yaml:"name" json:"name"`
	Aliases     []string       `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Category    Category       `yaml:"category" json:"category"`
	Description string         `yaml:"description" json:"description"`
	Parameters  map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Required returns the names of required parameters.
func (m Metadata) Required() []string {
	if m.Parameters == nil {
		return nil
	}
	switch req := m.Parameters["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Properties returns the parameter property schemas keyed by name.
func (m Metadata) Properties() map[string]map[string]any {
	if m.Parameters == nil {
		return nil
	}
	props, ok := m.Parameters["properties"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]map[string]any, len(props))
	for name, p := range props {
		if schema, ok := p.(map[string]any); ok {
			out[name] = schema
		} else {
			out[name] = map[string]any{}
		}
	}
	return out
}

// ParamNames lists parameters in sorted order, required ones first.
// Optional parameters carry a trailing "?".
func (m Metadata) ParamNames() []string {
	props := m.Properties()
	required := make(map[string]bool)
	for _, r := range m.Required() {
		required[r] = true
	}

	var req, opt []string
	for name := range props {
		if required[name] {
			req = append(req, name)
		} else {
			opt = append(opt, name+"?")
		}
	}
	sort.Strings(req)
	sort.Strings(opt)
	return append(req, opt...)
}

// Normalize folds an identifier for case- and separator-insensitive
// comparison: non-alphanumerics are dropped and letters lower-cased, so
// "start_time_tracking" and "startTimeTracking" compare equal.
func Normalize(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToLower(r))
		}
	}
	return sb.String()
}

// object builds a JSON-schema object for parameter declarations.
func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}
