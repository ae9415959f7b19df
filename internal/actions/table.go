package actions

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Table is the static naming configuration the registry is built from.
// It is constructed once at startup and never mutated after being passed
// to [New].
type Table struct {
	// Actions holds the canonical actions known without asking the
	// provider. It doubles as the fallback registry used to describe
	// actions while the provider is unreachable.
	Actions []Metadata

	// Aliases maps legacy identifiers to canonical names.
	Aliases map[string]string

	// Variants lists historically used synonyms per canonical name.
	Variants map[string][]string
}

// Clone returns a deep copy of the table's maps and slices. Parameter
// schemas are shared.
func (t *Table) Clone() *Table {
	out := &Table{
		Actions:  slices.Clone(t.Actions),
		Aliases:  maps.Clone(t.Aliases),
		Variants: make(map[string][]string, len(t.Variants)),
	}
	for k, v := range t.Variants {
		out.Variants[k] = slices.Clone(v)
	}
	if out.Aliases == nil {
		out.Aliases = make(map[string]string)
	}
	return out
}

// Lookup returns the static metadata for a canonical name.
func (t *Table) Lookup(name string) (Metadata, bool) {
	for _, m := range t.Actions {
		if m.Name == name {
			return m, true
		}
	}
	return Metadata{}, false
}

// Validate checks that canonical names are unique, that alias and
// variant targets exist in the table, and that no two identifiers fold
// to the same normalized key with different targets.
func (t *Table) Validate() error {
	var errs []error

	canonical := make(map[string]bool, len(t.Actions))
	for _, m := range t.Actions {
		if m.Name == "" {
			errs = append(errs, errors.New("action with empty name"))
			continue
		}
		if canonical[m.Name] {
			errs = append(errs, fmt.Errorf("duplicate canonical action %q", m.Name))
		}
		canonical[m.Name] = true
	}

	folded := make(map[string]string)
	claim := func(id, target string) {
		key := Normalize(id)
		if key == "" {
			errs = append(errs, fmt.Errorf("identifier %q has no alphanumeric characters", id))
			return
		}
		if prev, ok := folded[key]; ok && prev != target {
			errs = append(errs, fmt.Errorf("identifier %q folds to %q, already claimed by %q", id, key, prev))
			return
		}
		folded[key] = target
	}

	for _, m := range t.Actions {
		claim(m.Name, m.Name)
	}
	for _, alias := range slices.Sorted(maps.Keys(t.Aliases)) {
		target := t.Aliases[alias]
		if !canonical[target] {
			errs = append(errs, fmt.Errorf("alias %q targets unknown action %q", alias, target))
			continue
		}
		claim(alias, target)
	}
	for _, target := range slices.Sorted(maps.Keys(t.Variants)) {
		if !canonical[target] {
			errs = append(errs, fmt.Errorf("variants listed for unknown action %q", target))
			continue
		}
		for _, v := range t.Variants[target] {
			claim(v, target)
		}
	}

	return errors.Join(errs...)
}

// DefaultTable returns the built-in action table for the todo, time
// tracking, and briefing provider.
func DefaultTable() *Table {
	return &Table{
		Actions: []Metadata{
			{
				Name:        "createTodo",
				Category:    CategoryTodo,
				Description: "Create a new todo item.",
				Parameters: object([]string{"title"}, map[string]any{
					"title":    prop("string", "Short title of the todo"),
					"notes":    prop("string", "Optional longer description"),
					"due":      prop("string", "Due date as YYYY-MM-DD"),
					"priority": prop("integer", "Priority from 1 (highest) to 4"),
				}),
			},
			{
				Name:        "listTodos",
				Category:    CategoryTodo,
				Description: "List todos, optionally filtered by status or due date.",
				Parameters: object(nil, map[string]any{
					"status": prop("string", "open, done, or all (default open)"),
					"due":    prop("string", "Only todos due on this date (YYYY-MM-DD)"),
				}),
			},
			{
				Name:        "updateTodo",
				Category:    CategoryTodo,
				Description: "Change the title, notes, due date, or priority of a todo.",
				Parameters: object([]string{"id"}, map[string]any{
					"id":       prop("integer", "Todo identifier"),
					"title":    prop("string", "New title"),
					"notes":    prop("string", "New notes"),
					"due":      prop("string", "New due date as YYYY-MM-DD"),
					"priority": prop("integer", "New priority from 1 to 4"),
				}),
			},
			{
				Name:        "completeTodo",
				Category:    CategoryTodo,
				Description: "Mark a todo as done.",
				Parameters: object([]string{"id"}, map[string]any{
					"id": prop("integer", "Todo identifier"),
				}),
			},
			{
				Name:        "deleteTodo",
				Category:    CategoryTodo,
				Description: "Delete a todo permanently.",
				Parameters: object([]string{"id"}, map[string]any{
					"id": prop("integer", "Todo identifier"),
				}),
			},
			{
				Name:        "searchTodos",
				Category:    CategoryTodo,
				Description: "Search todo titles and notes.",
				Parameters: object([]string{"query"}, map[string]any{
					"query": prop("string", "Text to search for"),
				}),
			},
			{
				Name:        "startTimeTracking",
				Category:    CategoryTime,
				Description: "Start a time tracking session, optionally attached to a todo.",
				Parameters: object(nil, map[string]any{
					"todoId": prop("integer", "Todo to track time against"),
					"label":  prop("string", "Free-form label for the session"),
				}),
			},
			{
				Name:        "stopTimeTracking",
				Category:    CategoryTime,
				Description: "Stop the running time tracking session.",
				Parameters:  object(nil, map[string]any{}),
			},
			{
				Name:        "getTimeTrackingStatus",
				Category:    CategoryTime,
				Description: "Report whether a session is running and for how long.",
				Parameters:  object(nil, map[string]any{}),
			},
			{
				Name:        "getDailyBriefing",
				Category:    CategoryBriefing,
				Description: "Summarize todos due and time tracked for a day.",
				Parameters: object(nil, map[string]any{
					"date": prop("string", "Day to brief as YYYY-MM-DD (default today)"),
				}),
			},
			{
				Name:        "printBriefing",
				Category:    CategoryBriefing,
				Description: "Send the daily briefing to the configured printer.",
				Parameters: object(nil, map[string]any{
					"date":    prop("string", "Day to print as YYYY-MM-DD (default today)"),
					"printer": prop("string", "Printer name"),
				}),
			},
			{
				Name:        "getCurrentTime",
				Category:    CategorySystem,
				Description: "Return the current date and time.",
				Parameters: object(nil, map[string]any{
					"timezone": prop("string", "IANA time zone name"),
				}),
			},
		},
		Aliases: map[string]string{
			"create_todo":              "createTodo",
			"add_todo":                 "createTodo",
			"list_todos":               "listTodos",
			"get_todos":                "listTodos",
			"update_todo":              "updateTodo",
			"edit_todo":                "updateTodo",
			"complete_todo":            "completeTodo",
			"mark_done":                "completeTodo",
			"delete_todo":              "deleteTodo",
			"remove_todo":              "deleteTodo",
			"search_todos":             "searchTodos",
			"start_time_tracking":      "startTimeTracking",
			"stop_time_tracking":       "stopTimeTracking",
			"get_time_tracking_status": "getTimeTrackingStatus",
			"get_daily_briefing":       "getDailyBriefing",
			"get_current_time":         "getCurrentTime",
		},
		Variants: map[string][]string{
			"createTodo":            {"newTodo", "addTask", "createTask"},
			"listTodos":             {"showTodos", "listTasks", "whatsDue"},
			"completeTodo":          {"markTodoDone", "finishTodo", "checkOffTodo"},
			"searchTodos":           {"findTodos", "findTasks"},
			"startTimeTracking":     {"startTimer", "startTracking", "clockIn"},
			"stopTimeTracking":      {"stopTimer", "stopTracking", "clockOut"},
			"getTimeTrackingStatus": {"timerStatus", "trackingStatus"},
			"getDailyBriefing":      {"dailyBriefing", "morningBriefing"},
			"getCurrentTime":        {"currentTime", "whatTimeIsIt"},
		},
	}
}
