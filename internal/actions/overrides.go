package actions

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Overrides is the YAML shape of an action overrides file:
//
//	aliases:
//	  punch_in: startTimeTracking
//	variants:
//	  listTodos: [agenda]
//	fallback:
//	  - name: archiveTodo
//	    category: todo
//	    description: Move a finished todo to the archive.
type Overrides struct {
	Aliases  map[string]string   `yaml:"aliases"`
	Variants map[string][]string `yaml:"variants"`
	Fallback []Metadata          `yaml:"fallback"`
}

// LoadOverrides reads an overrides file and merges it into a copy of
// the table. Fallback entries replace table actions of the same name.
// The merged table is validated before it is returned.
func (t *Table) LoadOverrides(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read action overrides: %w", err)
	}

	var ov Overrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return nil, fmt.Errorf("parse action overrides %s: %w", path, err)
	}

	merged := t.Merge(ov)
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("action overrides %s: %w", path, err)
	}
	return merged, nil
}

// Merge returns a copy of the table with ov applied.
func (t *Table) Merge(ov Overrides) *Table {
	out := t.Clone()
	for _, m := range ov.Fallback {
		replaced := false
		for i := range out.Actions {
			if out.Actions[i].Name == m.Name {
				out.Actions[i] = m
				replaced = true
				break
			}
		}
		if !replaced {
			out.Actions = append(out.Actions, m)
		}
	}
	for alias, target := range ov.Aliases {
		out.Aliases[alias] = target
	}
	for target, vs := range ov.Variants {
		out.Variants[target] = append(out.Variants[target], vs...)
	}
	return out
}
