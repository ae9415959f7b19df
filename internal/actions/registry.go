package actions

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
)

// LiveSource lists the actions the tool provider currently advertises.
// The MCP client implements it.
type LiveSource interface {
	ListAvailableActions(ctx context.Context) ([]string, error)
}

// Via records which resolution layer matched.
type Via string

// Resolution layers in precedence order.
const (
	ViaLive       Via = "live"
	ViaAlias      Via = "alias"
	ViaVariant    Via = "variant"
	ViaNormalized Via = "normalized"
	ViaFallback   Via = "fallback"
)

// Resolution is the outcome of a successful [Registry.Resolve].
type Resolution struct {
	// Action is the canonical action name.
	Action string
	// Via is the layer that produced the match.
	Via Via
	// Executable reports whether the provider currently advertises the
	// action. It is false for every action while the live list is
	// unavailable.
	Executable bool
}

// Registry resolves requested identifiers to canonical actions.
// It is immutable after [New] returns.
type Registry struct {
	logger *slog.Logger

	// live is nil when the provider could not be queried.
	live      map[string]bool
	liveOrder []string

	meta       map[string]Metadata // canonical name -> metadata
	aliases    map[string]string   // exact legacy identifier -> canonical
	variants   map[string]string   // exact variant -> canonical
	normalized map[string]string   // folded live/alias/variant -> canonical
	fallback   map[string]string   // folded static name -> static name
	static     []string            // static canonical names in table order
	reconciled map[string]string   // static spelling -> live spelling
}

// New builds a registry from table and, when src is non-nil, the
// provider's live action list. A provider error is not fatal: the
// registry then serves the table's actions as the fallback registry.
// The table is copied; later changes to it have no effect.
func New(ctx context.Context, table *Table, src LiveSource, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if table == nil {
		table = DefaultTable()
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid action table: %w", err)
	}
	t := table.Clone()

	r := &Registry{
		logger:     logger.With("component", "actions"),
		meta:       make(map[string]Metadata, len(t.Actions)),
		aliases:    make(map[string]string, len(t.Aliases)),
		variants:   make(map[string]string),
		normalized: make(map[string]string),
		fallback:   make(map[string]string, len(t.Actions)),
		reconciled: make(map[string]string),
	}

	for _, m := range t.Actions {
		r.static = append(r.static, m.Name)
		r.fallback[Normalize(m.Name)] = m.Name
	}

	if src != nil {
		names, err := src.ListAvailableActions(ctx)
		if err != nil {
			r.logger.Warn("live action list unavailable, using fallback registry", "error", err)
		} else {
			r.live = make(map[string]bool, len(names))
			for _, n := range names {
				if n == "" || r.live[n] {
					continue
				}
				r.live[n] = true
				r.liveOrder = append(r.liveOrder, n)
			}
			r.reconcile(t)
		}
	}

	r.buildMetadata(t)

	for alias, target := range t.Aliases {
		r.aliases[alias] = r.canonical(target)
	}
	for target, vs := range t.Variants {
		for _, v := range vs {
			r.variants[v] = r.canonical(target)
		}
	}

	// Normalized lookups retry layers 1-3 in their precedence order; the
	// first identifier to claim a folded key keeps it.
	for _, n := range r.liveOrder {
		r.claim(n, n)
	}
	for _, alias := range slices.Sorted(maps.Keys(r.aliases)) {
		r.claim(alias, r.aliases[alias])
	}
	for _, v := range slices.Sorted(maps.Keys(r.variants)) {
		r.claim(v, r.variants[v])
	}

	r.logger.Debug("action registry built",
		"live_available", r.live != nil,
		"live", len(r.liveOrder),
		"static", len(r.static),
		"aliases", len(r.aliases),
		"variants", len(r.variants),
		"reconciled", len(r.reconciled),
	)
	return r, nil
}

// reconcile maps static canonical names missing from the live list onto
// a live name with the same folded spelling. The live list wins.
func (r *Registry) reconcile(t *Table) {
	liveFolded := make(map[string]string, len(r.liveOrder))
	for _, n := range r.liveOrder {
		if _, ok := liveFolded[Normalize(n)]; !ok {
			liveFolded[Normalize(n)] = n
		}
	}
	for _, m := range t.Actions {
		if r.live[m.Name] {
			continue
		}
		if liveName, ok := liveFolded[Normalize(m.Name)]; ok {
			r.reconciled[m.Name] = liveName
			r.logger.Warn("action table disagrees with provider, using provider spelling",
				"table", m.Name,
				"live", liveName,
			)
			continue
		}
		r.logger.Debug("static action not advertised by provider", "action", m.Name)
	}
}

func (r *Registry) buildMetadata(t *Table) {
	for _, m := range t.Actions {
		name := r.canonical(m.Name)
		m.Name = name
		m.Aliases = nil
		r.meta[name] = m
	}
	for _, n := range r.liveOrder {
		if _, ok := r.meta[n]; !ok {
			r.meta[n] = Metadata{Name: n, Category: CategoryRemote}
		}
	}

	aliasSets := make(map[string][]string)
	for alias, target := range t.Aliases {
		aliasSets[r.canonical(target)] = append(aliasSets[r.canonical(target)], alias)
	}
	for target, vs := range t.Variants {
		aliasSets[r.canonical(target)] = append(aliasSets[r.canonical(target)], vs...)
	}
	for name, set := range aliasSets {
		m := r.meta[name]
		sort.Strings(set)
		m.Aliases = slices.Compact(set)
		r.meta[name] = m
	}
}

func (r *Registry) canonical(name string) string {
	if live, ok := r.reconciled[name]; ok {
		return live
	}
	return name
}

func (r *Registry) claim(id, target string) {
	key := Normalize(id)
	if key == "" {
		return
	}
	if prev, ok := r.normalized[key]; ok {
		if prev != target {
			r.logger.Warn("normalized identifier collision",
				"identifier", id,
				"kept", prev,
				"dropped", target,
			)
		}
		return
	}
	r.normalized[key] = target
}

// Resolve maps a requested identifier to a canonical action. Layers are
// tried in order: live names, aliases, variants, then the same three
// after normalization, and finally, only when the live list was
// unavailable, the fallback registry. It returns an
// [*UnknownActionError] when nothing matches.
func (r *Registry) Resolve(name string) (Resolution, error) {
	id := strings.TrimSpace(name)
	if id == "" {
		return Resolution{}, &UnknownActionError{Name: name}
	}

	if r.live[id] {
		return r.resolution(id, ViaLive), nil
	}
	if target, ok := r.aliases[id]; ok {
		return r.resolution(target, ViaAlias), nil
	}
	if target, ok := r.variants[id]; ok {
		return r.resolution(target, ViaVariant), nil
	}

	key := Normalize(id)
	if target, ok := r.normalized[key]; ok {
		return r.resolution(target, ViaNormalized), nil
	}
	if r.live == nil {
		if target, ok := r.fallback[key]; ok {
			return r.resolution(target, ViaFallback), nil
		}
	}

	return Resolution{}, &UnknownActionError{Name: name}
}

func (r *Registry) resolution(action string, via Via) Resolution {
	return Resolution{
		Action:     action,
		Via:        via,
		Executable: r.live[action],
	}
}

// LiveAvailable reports whether the live action list was loaded.
func (r *Registry) LiveAvailable() bool {
	return r.live != nil
}

// Lookup returns metadata for a canonical action name.
func (r *Registry) Lookup(name string) (Metadata, bool) {
	m, ok := r.meta[name]
	return m, ok
}

// Describe returns the actions to present to the model, sorted by name.
// With a live list these are the advertised actions enriched with table
// metadata; without one they are the fallback registry's actions.
func (r *Registry) Describe() []Metadata {
	var names []string
	if r.live != nil {
		names = slices.Clone(r.liveOrder)
	} else {
		names = slices.Clone(r.static)
	}
	sort.Strings(names)

	out := make([]Metadata, 0, len(names))
	for _, n := range names {
		out = append(out, r.meta[n])
	}
	return out
}
