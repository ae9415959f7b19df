package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/steward/internal/cassette"
	"github.com/nugget/steward/internal/events"
)

// actionReport is the JSON rendering of one catalogue entry.
type actionReport struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Params      []string `json:"params"`
	Executable  bool     `json:"executable"`
}

// runActions handles "steward actions": the catalogue the model would
// see, marked live when the provider advertises the action.
func runActions(ctx context.Context, env *cliEnv) error {
	cfg, logger, err := setup(env)
	if err != nil {
		return err
	}
	stack, err := buildToolStack(ctx, cfg, events.New(), logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	reg := stack.registry
	var list []actionReport
	for _, m := range reg.Describe() {
		res, err := reg.Resolve(m.Name)
		if err != nil {
			return err
		}
		list = append(list, actionReport{
			Name:        m.Name,
			Category:    string(m.Category),
			Description: m.Description,
			Params:      m.ParamNames(),
			Executable:  res.Executable,
		})
	}

	if env.json() {
		return env.writeJSON(map[string]any{
			"live":    reg.LiveAvailable(),
			"actions": list,
		})
	}

	source := "fallback (provider unavailable)"
	if reg.LiveAvailable() {
		source = "live"
	}
	fmt.Fprintf(env.stdout, "Actions: %d, source: %s\n\n", len(list), source)
	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	for _, a := range list {
		marker := "fallback"
		if a.Executable {
			marker = "live"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s(%s)\t%s\n", marker, a.Category, a.Name, strings.Join(a.Params, ", "), a.Description)
	}
	return tw.Flush()
}

// runResolve handles "steward resolve <identifier>".
func runResolve(ctx context.Context, env *cliEnv, name string) error {
	cfg, logger, err := setup(env)
	if err != nil {
		return err
	}
	stack, err := buildToolStack(ctx, cfg, events.New(), logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	res, err := stack.registry.Resolve(name)
	if err != nil {
		return err
	}

	if env.json() {
		return env.writeJSON(map[string]any{
			"requested":  name,
			"action":     res.Action,
			"via":        string(res.Via),
			"executable": res.Executable,
		})
	}
	fmt.Fprintf(env.stdout, "%s -> %s (via %s", name, res.Action, res.Via)
	if !res.Executable {
		fmt.Fprint(env.stdout, ", not advertised by provider")
	}
	fmt.Fprintln(env.stdout, ")")
	return nil
}

// runCassette handles "steward cassette [name]". Without a name it
// lists stored cassettes, which only the sqlite backend supports.
func runCassette(ctx context.Context, env *cliEnv, name string) error {
	cfg, _, err := setup(env)
	if err != nil {
		return err
	}
	store, closeStore, err := cassetteStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if name == "" {
		lister, ok := store.(*cassette.SQLStore)
		if !ok {
			return fmt.Errorf("usage: steward cassette <name> (listing needs the sqlite backend)")
		}
		list, err := lister.List(ctx)
		if err != nil {
			return err
		}
		if env.json() {
			return env.writeJSON(list)
		}
		tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tINTERACTIONS\tFROZEN\tUPDATED")
		for _, s := range list {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.Name, s.Interactions,
				s.FrozenTime.Format(time.RFC3339), s.UpdatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	}

	c, err := store.Load(ctx, name)
	if errors.Is(err, cassette.ErrNotFound) {
		return fmt.Errorf("cassette %q not found", name)
	}
	if err != nil {
		return err
	}

	if env.json() {
		return env.writeJSON(c)
	}
	fmt.Fprintf(env.stdout, "Cassette:     %s\n", c.TestName)
	fmt.Fprintf(env.stdout, "Version:      %d\n", c.Version)
	fmt.Fprintf(env.stdout, "Created:      %s\n", c.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(env.stdout, "Frozen time:  %s\n", c.FrozenTime.Format(time.RFC3339))
	fmt.Fprintf(env.stdout, "Interactions: %d\n", len(c.Interactions))
	for i, in := range c.Interactions {
		fmt.Fprintf(env.stdout, "\n  #%d %s  model=%s messages=%d  %dms\n",
			i+1, in.RequestHash[:min(12, len(in.RequestHash))], in.Request.Model,
			len(in.Request.Messages), in.Metadata.ResponseTimeMs)
		fmt.Fprintf(env.stdout, "     %s\n", preview(in.Response, 72))
	}
	return nil
}

// runRuns handles "steward runs [-n N]": recent runs from the run log
// and totals since local midnight.
func runRuns(ctx context.Context, env *cliEnv, args []string) error {
	limit := 10
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-n" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid -n value %q", args[i+1])
			}
			limit = n
			i++
		default:
			return fmt.Errorf("usage: steward runs [-n N]")
		}
	}

	cfg, _, err := setup(env)
	if err != nil {
		return err
	}
	if !cfg.RunLog.Enabled {
		return fmt.Errorf("run log is disabled (set runlog.enabled in the config)")
	}
	store, err := openRunLog(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	recent, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	today, err := store.Summary(ctx, midnight, now.Add(time.Second))
	if err != nil {
		return err
	}

	if env.json() {
		return env.writeJSON(map[string]any{"today": today, "recent": recent})
	}

	fmt.Fprintf(env.stdout, "Today: %d runs (%d ok, %d failed), %d tool calls (%d failed), %d/%d tokens\n\n",
		today.Runs, today.Succeeded, today.Failed, today.ToolCalls, today.ToolFailures,
		today.InputTokens, today.OutputTokens)
	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRESULT\tITER\tINPUT")
	for _, r := range recent {
		result := "ok"
		if !r.Success {
			result = r.ErrorCategory
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.StartedAt.Local().Format(time.DateTime), result, r.Iterations, preview(r.Input, 60))
	}
	return tw.Flush()
}

// preview collapses whitespace and truncates s to n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
