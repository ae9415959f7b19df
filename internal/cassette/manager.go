package cassette

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/steward/internal/clock"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/llm"
)

var (
	// ErrReplayMiss is returned in playback mode when no recorded
	// interaction at or after the cursor matches the request.
	ErrReplayMiss = errors.New("no recorded interaction matches request")

	// ErrReadOnly is returned when a call must be recorded but the
	// manager has no live client to record from.
	ErrReadOnly = errors.New("cassette manager has no live client")
)

// Options configures [Open].
type Options struct {
	// Name identifies the cassette in its store.
	Name string
	Mode Mode
	// Store loads and saves the cassette. Required unless Mode is off.
	Store Store
	// Client performs live calls. Playback needs none.
	Client llm.Client
	// Clock is frozen to the cassette's recorded instant while the
	// manager is open. Optional.
	Clock  *clock.Logical
	Bus    *events.Bus
	Logger *slog.Logger
}

// Manager is an [llm.Client] that records and replays model calls. It
// is scoped to one run and one cassette; concurrent callers are
// serialized so the replay cursor advances in call order.
type Manager struct {
	name   string
	mode   Mode
	store  Store
	client llm.Client
	clock  *clock.Logical
	bus    *events.Bus
	logger *slog.Logger

	// Clock state to restore on Close.
	prevTime   time.Time
	prevFrozen bool

	mu       sync.Mutex
	cassette *Cassette
	cursor   int
	modified bool
	hits     int
	records  int
	closed   bool
}

// Stats summarizes what a manager has done so far.
type Stats struct {
	Mode         Mode
	Hits         int
	Records      int
	Cursor       int
	Interactions int
}

// Open prepares a manager for one run. Playback requires the cassette
// to exist; auto starts an empty one when it does not; record always
// starts fresh. The clock, if given, is frozen to the cassette's
// frozen time until [Manager.Close].
func Open(ctx context.Context, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		name:   opts.Name,
		mode:   opts.Mode,
		store:  opts.Store,
		client: opts.Client,
		clock:  opts.Clock,
		bus:    opts.Bus,
		logger: logger.With("component", "cassette", "cassette", opts.Name),
	}
	if m.mode == "" {
		m.mode = ModeOff
	}
	if m.mode == ModeOff {
		if m.client == nil {
			return nil, ErrReadOnly
		}
		return m, nil
	}
	if m.store == nil {
		return nil, fmt.Errorf("cassette %q: mode %s needs a store", opts.Name, m.mode)
	}
	if m.mode != ModePlayback && m.client == nil {
		return nil, fmt.Errorf("cassette %q: mode %s: %w", opts.Name, m.mode, ErrReadOnly)
	}

	switch m.mode {
	case ModeRecord:
		m.cassette = New(opts.Name, m.now())
	case ModePlayback:
		c, err := opts.Store.Load(ctx, opts.Name)
		if err != nil {
			return nil, fmt.Errorf("load cassette for playback: %w", err)
		}
		m.cassette = c
	case ModeAuto:
		c, err := opts.Store.Load(ctx, opts.Name)
		switch {
		case errors.Is(err, ErrNotFound):
			m.logger.Info("cassette not found, starting a new recording")
			m.cassette = New(opts.Name, m.now())
		case err != nil:
			return nil, fmt.Errorf("load cassette: %w", err)
		default:
			m.cassette = c
		}
	default:
		return nil, fmt.Errorf("unknown cassette mode %q", m.mode)
	}

	if m.clock != nil {
		m.prevTime, m.prevFrozen = m.clock.Frozen()
		m.clock.Freeze(m.cassette.FrozenTime)
	}

	m.logger.Debug("cassette opened",
		"mode", m.mode,
		"interactions", len(m.cassette.Interactions),
		"frozen_time", m.cassette.FrozenTime,
	)
	return m, nil
}

func (m *Manager) now() time.Time {
	if m.clock != nil {
		return m.clock.Now()
	}
	return time.Now()
}

// Chat answers from the cassette or the live client according to the
// mode.
func (m *Manager) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.ChatResponse, error) {
	if m.mode == ModeOff {
		return m.client.Chat(ctx, model, messages)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("cassette %q is closed", m.name)
	}

	req := NewRequest(model, messages)
	hash := Hash(req)

	if m.mode == ModePlayback || m.mode == ModeAuto {
		if idx := m.find(hash); idx >= 0 {
			m.cursor = idx + 1
			m.hits++
			m.bus.Emit(events.SourceCassette, events.KindReplayHit, map[string]any{
				"cassette": m.name,
				"hash":     hash,
				"index":    idx,
			})
			m.logger.Debug("replayed interaction", "hash", hash[:12], "index", idx)
			return m.replayed(model, m.cassette.Interactions[idx]), nil
		}
		if m.mode == ModePlayback {
			m.bus.Emit(events.SourceCassette, events.KindReplayMiss, map[string]any{
				"cassette": m.name,
				"hash":     hash,
				"cursor":   m.cursor,
			})
			m.logger.Error("replay miss", "hash", hash, "cursor", m.cursor,
				"interactions", len(m.cassette.Interactions))
			return nil, fmt.Errorf("cassette %q at position %d: %w (hash %s)",
				m.name, m.cursor, ErrReplayMiss, hash)
		}
	}

	return m.record(ctx, req, hash, messages)
}

// find returns the index of the first interaction at or after the
// cursor with the given hash, or -1.
func (m *Manager) find(hash string) int {
	for i := m.cursor; i < len(m.cassette.Interactions); i++ {
		if m.cassette.Interactions[i].RequestHash == hash {
			return i
		}
	}
	return -1
}

func (m *Manager) replayed(model string, in Interaction) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:     model,
		CreatedAt: m.cassette.FrozenTime,
		Message:   llm.Message{Role: llm.RoleAssistant, Content: in.Response},
	}
}

// record performs a live call and appends it. Caller holds mu.
func (m *Manager) record(ctx context.Context, req Request, hash string, messages []llm.Message) (*llm.ChatResponse, error) {
	start := time.Now()
	resp, err := m.client.Chat(ctx, req.Model, messages)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	m.cassette.Interactions = append(m.cassette.Interactions, Interaction{
		RequestHash: hash,
		Request:     req,
		Response:    resp.Message.Content,
		Metadata: Metadata{
			RecordedAt:     time.Now().UTC().Truncate(time.Millisecond),
			ResponseTimeMs: elapsed.Milliseconds(),
		},
	})
	m.cursor = len(m.cassette.Interactions)
	m.modified = true
	m.records++

	m.bus.Emit(events.SourceCassette, events.KindReplayRecord, map[string]any{
		"cassette":    m.name,
		"hash":        hash,
		"response_ms": elapsed.Milliseconds(),
	})
	m.logger.Debug("recorded interaction", "hash", hash[:12], "response_ms", elapsed.Milliseconds())
	return resp, nil
}

// Ping checks the live client. Playback never needs one.
func (m *Manager) Ping(ctx context.Context) error {
	if m.mode == ModePlayback || m.client == nil {
		return nil
	}
	return m.client.Ping(ctx)
}

// Mode reports the manager's mode.
func (m *Manager) Mode() Mode { return m.mode }

// Stats reports replay and record counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Mode: m.mode, Hits: m.hits, Records: m.records, Cursor: m.cursor}
	if m.cassette != nil {
		s.Interactions = len(m.cassette.Interactions)
	}
	return s
}

// Close persists a modified cassette (never in playback) and restores
// the clock. Calling Close more than once is safe.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.mode == ModeOff {
		m.closed = true
		return nil
	}
	m.closed = true

	if m.clock != nil {
		if m.prevFrozen {
			m.clock.Freeze(m.prevTime)
		} else {
			m.clock.Unfreeze()
		}
	}

	if !m.modified || m.mode == ModePlayback {
		return nil
	}
	if err := m.store.Save(ctx, m.name, m.cassette); err != nil {
		return fmt.Errorf("save cassette %q: %w", m.name, err)
	}
	m.bus.Emit(events.SourceCassette, events.KindCassetteSaved, map[string]any{
		"cassette":     m.name,
		"interactions": len(m.cassette.Interactions),
	})
	m.logger.Info("cassette saved", "interactions", len(m.cassette.Interactions), "recorded", m.records)
	return nil
}
