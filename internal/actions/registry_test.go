package actions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type staticSource struct {
	names []string
	err   error
}

func (s *staticSource) ListAvailableActions(context.Context) ([]string, error) {
	return s.names, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func liveNames() []string {
	var names []string
	for _, m := range DefaultTable().Actions {
		names = append(names, m.Name)
	}
	return names
}

func newRegistry(t *testing.T, src LiveSource) *Registry {
	t.Helper()
	r, err := New(context.Background(), DefaultTable(), src, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestDefaultTableValid(t *testing.T) {
	if err := DefaultTable().Validate(); err != nil {
		t.Fatalf("DefaultTable().Validate() = %v", err)
	}
}

func TestResolve_SeparatorAndCaseVariants(t *testing.T) {
	sources := map[string]LiveSource{
		"live":      &staticSource{names: liveNames()},
		"offline":   &staticSource{err: errors.New("connection refused")},
		"no source": nil,
	}

	for srcName, src := range sources {
		r := newRegistry(t, src)
		for _, id := range []string{
			"startTimeTracking",
			"start_time_tracking",
			"startTimer",
			"STARTTIMETRACKING",
			"Start-Time-Tracking",
			"start timer",
		} {
			got, err := r.Resolve(id)
			if err != nil {
				t.Errorf("%s: Resolve(%q) error: %v", srcName, id, err)
				continue
			}
			if got.Action != "startTimeTracking" {
				t.Errorf("%s: Resolve(%q) = %q, want startTimeTracking", srcName, id, got.Action)
			}
		}
	}
}

func TestResolve_Layers(t *testing.T) {
	r := newRegistry(t, &staticSource{names: liveNames()})

	tests := []struct {
		id   string
		want string
		via  Via
	}{
		{id: "createTodo", want: "createTodo", via: ViaLive},
		{id: "add_todo", want: "createTodo", via: ViaAlias},
		{id: "clockOut", want: "stopTimeTracking", via: ViaVariant},
		{id: "LIST_TODOS", want: "listTodos", via: ViaNormalized},
		{id: "mark-done", want: "completeTodo", via: ViaNormalized},
		{id: "  getCurrentTime ", want: "getCurrentTime", via: ViaLive},
	}

	for _, tc := range tests {
		t.Run(tc.id, func(t *testing.T) {
			got, err := r.Resolve(tc.id)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tc.id, err)
			}
			if got.Action != tc.want || got.Via != tc.via {
				t.Errorf("Resolve(%q) = %+v, want %s via %s", tc.id, got, tc.want, tc.via)
			}
			if !got.Executable {
				t.Errorf("Resolve(%q).Executable = false with live list present", tc.id)
			}
		})
	}
}

func TestResolve_Unknown(t *testing.T) {
	for _, src := range []LiveSource{
		&staticSource{names: liveNames()},
		&staticSource{err: errors.New("timeout")},
	} {
		r := newRegistry(t, src)
		for _, id := range []string{"launchRocket", "", "   ", "todo", "!!!"} {
			_, err := r.Resolve(id)
			var unknown *UnknownActionError
			if !errors.As(err, &unknown) {
				t.Errorf("Resolve(%q) error = %v, want *UnknownActionError", id, err)
				continue
			}
			if unknown.Name != id {
				t.Errorf("UnknownActionError.Name = %q, want %q", unknown.Name, id)
			}
		}
	}
}

func TestResolve_FallbackOnlyWhenLiveUnavailable(t *testing.T) {
	// printBriefing has no alias or variant, so it is only reachable
	// through the live list or the fallback registry.
	offline := newRegistry(t, &staticSource{err: errors.New("unreachable")})
	got, err := offline.Resolve("printBriefing")
	if err != nil {
		t.Fatalf("offline Resolve error: %v", err)
	}
	if got.Via != ViaFallback || got.Executable {
		t.Errorf("offline Resolve = %+v, want fallback, not executable", got)
	}

	got, err = offline.Resolve("print_briefing")
	if err != nil || got.Action != "printBriefing" || got.Via != ViaFallback {
		t.Errorf("offline Resolve(print_briefing) = %+v, %v", got, err)
	}

	// The provider is reachable but no longer advertises printBriefing.
	online := newRegistry(t, &staticSource{names: []string{"createTodo", "listTodos"}})
	_, err = online.Resolve("printBriefing")
	var unknown *UnknownActionError
	if !errors.As(err, &unknown) {
		t.Errorf("online Resolve(printBriefing) error = %v, want *UnknownActionError", err)
	}
}

func TestResolve_AliasTargetNotLive(t *testing.T) {
	r := newRegistry(t, &staticSource{names: []string{"createTodo"}})
	got, err := r.Resolve("stop_time_tracking")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if got.Action != "stopTimeTracking" || got.Executable {
		t.Errorf("Resolve = %+v, want stopTimeTracking, not executable", got)
	}
}

func TestResolve_ReconcilesToLiveSpelling(t *testing.T) {
	// The provider renamed startTimeTracking to start_time_tracking.
	live := []string{"createTodo", "start_time_tracking"}
	r := newRegistry(t, &staticSource{names: live})

	for _, id := range []string{"startTimeTracking", "startTimer", "start_time_tracking", "clockIn"} {
		got, err := r.Resolve(id)
		if err != nil {
			t.Fatalf("Resolve(%q) error: %v", id, err)
		}
		if got.Action != "start_time_tracking" || !got.Executable {
			t.Errorf("Resolve(%q) = %+v, want live spelling start_time_tracking", id, got)
		}
	}

	m, ok := r.Lookup("start_time_tracking")
	if !ok {
		t.Fatal("Lookup(start_time_tracking) missing")
	}
	if m.Category != CategoryTime || m.Description == "" {
		t.Errorf("reconciled metadata = %+v, want static metadata carried over", m)
	}
}

func TestDescribe(t *testing.T) {
	online := newRegistry(t, &staticSource{names: []string{"listTodos", "createTodo", "archiveTodo"}})
	got := online.Describe()
	if len(got) != 3 {
		t.Fatalf("Describe() returned %d actions, want 3", len(got))
	}
	if got[0].Name != "archiveTodo" || got[0].Category != CategoryRemote {
		t.Errorf("first = %+v, want remote archiveTodo", got[0])
	}
	if got[1].Name != "createTodo" || !strings.Contains(got[1].Description, "todo") {
		t.Errorf("second = %+v", got[1])
	}

	offline := newRegistry(t, nil)
	if n := len(offline.Describe()); n != len(DefaultTable().Actions) {
		t.Errorf("offline Describe() = %d actions, want %d", n, len(DefaultTable().Actions))
	}
}

func TestLookupCarriesAliases(t *testing.T) {
	r := newRegistry(t, nil)
	m, ok := r.Lookup("startTimeTracking")
	if !ok {
		t.Fatal("Lookup missing")
	}
	joined := strings.Join(m.Aliases, ",")
	for _, want := range []string{"start_time_tracking", "startTimer", "clockIn"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Aliases = %v, missing %q", m.Aliases, want)
		}
	}
}

func TestRegistryIgnoresLaterTableChanges(t *testing.T) {
	table := DefaultTable()
	r, err := New(context.Background(), table, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	table.Aliases["punch_in"] = "startTimeTracking"

	if _, err := r.Resolve("punch_in"); err == nil {
		t.Error("registry picked up a table change made after construction")
	}
}

func TestTableValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Table)
		wantErr string
	}{
		{
			name: "duplicate canonical",
			mutate: func(tb *Table) {
				tb.Actions = append(tb.Actions, Metadata{Name: "createTodo"})
			},
			wantErr: "duplicate canonical",
		},
		{
			name:    "alias to unknown",
			mutate:  func(tb *Table) { tb.Aliases["beam_up"] = "teleport" },
			wantErr: "unknown action",
		},
		{
			name:    "folded collision",
			mutate:  func(tb *Table) { tb.Aliases["CreateTodo"] = "deleteTodo" },
			wantErr: "already claimed",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tb := DefaultTable()
			tc.mutate(tb)
			err := tb.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want %q", err, tc.wantErr)
			}
			if _, err := New(context.Background(), tb, nil, discardLogger()); err == nil {
				t.Error("New accepted an invalid table")
			}
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actions.yaml")
	os.WriteFile(path, []byte(`aliases:
  punch_in: startTimeTracking
variants:
  listTodos: [agenda]
fallback:
  - name: archiveTodo
    category: todo
    description: Move a finished todo to the archive.
    parameters:
      type: object
      properties:
        id:
          type: integer
      required: [id]
`), 0600)

	table, err := DefaultTable().LoadOverrides(path)
	if err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}

	r, err := New(context.Background(), table, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := map[string]string{
		"punch_in":    "startTimeTracking",
		"agenda":      "listTodos",
		"archiveTodo": "archiveTodo",
		"showTodos":   "listTodos",
	}
	for id, want := range tests {
		got, err := r.Resolve(id)
		if err != nil || got.Action != want {
			t.Errorf("Resolve(%q) = %+v, %v; want %s", id, got, err, want)
		}
	}

	m, _ := r.Lookup("archiveTodo")
	if req := m.Required(); len(req) != 1 || req[0] != "id" {
		t.Errorf("Required() = %v, want [id]", req)
	}
}

func TestLoadOverrides_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actions.yaml")
	os.WriteFile(path, []byte("aliases:\n  beam_up: teleport\n"), 0600)

	if _, err := DefaultTable().LoadOverrides(path); err == nil {
		t.Fatal("expected error for alias to unknown action")
	}
	if _, err := DefaultTable().LoadOverrides(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"startTimeTracking":   "starttimetracking",
		"start_time_tracking": "starttimetracking",
		"Start-Time Tracking": "starttimetracking",
		"v2.listTodos":        "v2listtodos",
		"":                    "",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParamNames(t *testing.T) {
	m, _ := DefaultTable().Lookup("createTodo")
	got := strings.Join(m.ParamNames(), ",")
	if got != "title,due?,notes?,priority?" {
		t.Errorf("ParamNames() = %s", got)
	}
}
