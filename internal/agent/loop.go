// Package agent implements the conversational tool-orchestration loop.
//
// One call to [Agent.ProcessMessage] runs a conversational turn to
// completion: the model is asked for the next step, its reply is parsed
// for an embedded tool call, the call is resolved through the action
// registry and executed by the tool client, and the result is folded
// back into the history until the model answers in plain text or a
// budget runs out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/steward/internal/actions"
	"github.com/nugget/steward/internal/cassette"
	"github.com/nugget/steward/internal/clock"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/mcp"
	"github.com/nugget/steward/internal/prompts"
	"github.com/nugget/steward/internal/runlog"
)

// Defaults applied when [Config] leaves a budget unset.
const (
	DefaultMaxToolRounds = 5
	DefaultRunTimeout    = 120 * time.Second
)

// Resolver maps requested action names to canonical actions and lists
// the actions to describe to the model. [*actions.Registry] satisfies
// it.
type Resolver interface {
	Resolve(name string) (actions.Resolution, error)
	Describe() []actions.Metadata
}

// Invoker executes one canonical action. [*mcp.Client] satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, action string, args map[string]any, caller mcp.CallerContext) (*mcp.Result, error)
}

// Recorder persists finished runs. [*runlog.Store] satisfies it.
type Recorder interface {
	Record(ctx context.Context, run runlog.Run) (string, error)
}

// Config bounds and labels an agent.
type Config struct {
	Model string
	// Persona names a built-in persona; PersonaText, when set, is used
	// verbatim instead.
	Persona     string
	PersonaText string

	MaxToolRounds int
	RunTimeout    time.Duration
}

// TransportContext carries what the chat transport knows about a turn.
type TransportContext struct {
	SessionID string
	Channel   string
	// History holds prior turns of the conversation, oldest first.
	History []ConversationTurn
	// SystemPrompt replaces the persona text for this turn only.
	SystemPrompt string
}

// Option configures an [Agent].
type Option func(*Agent)

// WithClock sets the clock used for the prompt's current time and for
// timestamps. A frozen [clock.Logical] makes replays byte-identical.
func WithClock(c clock.Clock) Option {
	return func(a *Agent) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithEventBus publishes run events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(a *Agent) { a.bus = bus }
}

// WithRecorder persists every finished run. Recording failures are
// logged and never fail the run.
func WithRecorder(r Recorder) Option {
	return func(a *Agent) { a.recorder = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// Agent runs conversational turns. It holds no per-run state and is
// safe for concurrent use when its collaborators are.
type Agent struct {
	cfg      Config
	persona  string
	llm      llm.Client
	registry Resolver
	tools    Invoker
	clock    clock.Clock
	bus      *events.Bus
	recorder Recorder
	logger   *slog.Logger
}

// New creates an agent. The LLM client is typically a
// [*cassette.Manager] in tests and a provider client in production.
func New(cfg Config, client llm.Client, registry Resolver, tools Invoker, opts ...Option) (*Agent, error) {
	if client == nil {
		return nil, errors.New("agent needs an LLM client")
	}
	if registry == nil {
		return nil, errors.New("agent needs an action registry")
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}

	persona := cfg.PersonaText
	if persona == "" {
		text, err := prompts.Persona(cfg.Persona)
		if err != nil {
			return nil, err
		}
		persona = text
	}

	a := &Agent{
		cfg:      cfg,
		persona:  persona,
		llm:      client,
		registry: registry,
		tools:    tools,
		clock:    clock.Real{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "agent")
	return a, nil
}

// run carries per-call state through the loop.
type run struct {
	id      string
	userID  string
	tc      TransportContext
	state   *AgentState
	started time.Time
	logger  *slog.Logger

	// visible is the last text the model addressed to the user.
	visible string
	result  *Result
}

// ProcessMessage runs one conversational turn to completion. It never
// returns nil and never panics on collaborator failure; failures are
// reported in [Result.Error] with [Result.Success] false.
func (a *Agent) ProcessMessage(ctx context.Context, input, userID string, tc TransportContext) *Result {
	runID := newRunID()
	r := &run{
		id:      runID,
		userID:  userID,
		tc:      tc,
		started: a.clock.Now(),
		logger:  a.logger.With("run_id", runID),
		state: &AgentState{
			Input:        input,
			History:      append([]ConversationTurn(nil), tc.History...),
			SystemPrompt: tc.SystemPrompt,
		},
		result: &Result{RunID: runID},
	}
	wallStart := time.Now()

	r.logger.Info("agent run started",
		"user_id", userID,
		"session_id", tc.SessionID,
		"channel", tc.Channel,
		"prior_turns", len(tc.History),
	)
	a.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"run_id":     runID,
		"user_id":    userID,
		"session_id": tc.SessionID,
		"channel":    tc.Channel,
	})

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.RunTimeout)
	defer cancel()

	err := a.loop(ctx, runCtx, r)

	res := r.result
	res.ToolResults = r.state.ToolResults
	res.History = r.state.History
	if err != nil {
		res.Success = false
		res.Error = err
		res.FinalResponse = r.visible
	} else {
		res.Success = true
		res.FinalResponse = r.state.FinalOutput
	}

	elapsed := time.Since(wallStart)
	logArgs := []any{
		"success", res.Success,
		"iterations", res.Iterations,
		"tool_results", len(res.ToolResults),
		"elapsed", elapsed.Round(time.Millisecond),
	}
	if err != nil {
		r.logger.Error("agent run failed", append(logArgs, "category", res.Category(), "error", err)...)
	} else {
		r.logger.Info("agent run completed", logArgs...)
	}
	a.bus.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"run_id":         runID,
		"success":        res.Success,
		"iterations":     res.Iterations,
		"error_category": res.Category(),
		"elapsed_ms":     elapsed.Milliseconds(),
	})

	a.record(ctx, r)
	return res
}

// loop drives model calls and tool executions until the model answers
// or a budget runs out. A non-nil error ends the run unsuccessfully.
func (a *Agent) loop(parent, ctx context.Context, r *run) error {
	persona := a.persona
	if r.state.SystemPrompt != "" {
		persona = r.state.SystemPrompt
	}
	system := buildSystemPrompt(persona, a.clock.Now(), a.registry.Describe())
	r.logger.Log(ctx, llm.LevelTrace, "system prompt", "content", system)

	r.state.append(llm.RoleUser, r.state.Input, a.clock.Now())

	rounds := 0
	for iter := 0; ; iter++ {
		r.result.Iterations++
		a.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"run_id": r.id,
			"iter":   iter,
			"model":  a.cfg.Model,
		})
		r.logger.Debug("calling model", "iter", iter, "model", a.cfg.Model, "messages", len(r.state.History)+1)

		resp, err := a.llm.Chat(ctx, a.cfg.Model, llm.WithSystem(system, r.state.messages()))
		if err != nil {
			if budgetErr := a.budgetExpired(parent, ctx); budgetErr != nil {
				return budgetErr
			}
			if errors.Is(err, cassette.ErrReplayMiss) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrModelTransport, err)
		}
		r.result.InputTokens += resp.InputTokens
		r.result.OutputTokens += resp.OutputTokens

		content := resp.Message.Content
		r.logger.Log(ctx, llm.LevelTrace, "model response", "iter", iter, "content", content)

		parsed := parseResponse(content, a.knownAction)
		call, isTool := parsed.(ToolInvocation)
		a.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"run_id":     r.id,
			"iter":       iter,
			"model":      resp.Model,
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
			"tool_call":  isTool,
		})

		if !isTool {
			text := parsed.(Conversational).Text
			if text == "" {
				r.logger.Warn("model returned an empty answer", "iter", iter)
				text = prompts.EmptyResponseFallback
			}
			r.state.append(llm.RoleAssistant, text, a.clock.Now())
			r.state.FinalOutput = text
			r.state.Done = true
			return nil
		}

		if call.Preamble != "" {
			r.visible = call.Preamble
		}
		r.state.append(llm.RoleAssistant, content, a.clock.Now())

		if rounds >= a.cfg.MaxToolRounds {
			r.logger.Warn("tool round budget exhausted", "limit", a.cfg.MaxToolRounds, "requested", call.Call.Name)
			return toolRoundsExceeded(a.cfg.MaxToolRounds)
		}
		rounds++

		res, err := a.registry.Resolve(call.Call.Name)
		if err != nil {
			return err
		}
		a.execute(ctx, r, call.Call, res)

		if budgetErr := a.budgetExpired(parent, ctx); budgetErr != nil {
			return budgetErr
		}
	}
}

// knownAction reports whether name resolves to an action.
func (a *Agent) knownAction(name string) bool {
	_, err := a.registry.Resolve(name)
	var unknown *actions.UnknownActionError
	return !errors.As(err, &unknown)
}

// budgetExpired reports a run-timeout budget error when the run
// context's deadline passed while the caller's context is still live.
func (a *Agent) budgetExpired(parent, ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return runTimeoutExceeded(a.cfg.RunTimeout)
	}
	return nil
}

// execute invokes one resolved action and folds the outcome into the
// history. Failures are recorded, never returned.
func (a *Agent) execute(ctx context.Context, r *run, call ToolCall, res actions.Resolution) {
	logger := r.logger.With("action", res.Action, "requested", call.Name)
	if res.Action != call.Name {
		logger.Debug("action name resolved", "via", res.Via)
	}
	if !res.Executable {
		logger.Debug("action not advertised by provider, invoking anyway", "via", res.Via)
	}
	logger.Log(ctx, llm.LevelTrace, "tool arguments", "args", call.Parameters)

	a.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"run_id":    r.id,
		"action":    res.Action,
		"requested": call.Name,
	})

	start := time.Now()
	var (
		out *mcp.Result
		err error
	)
	if a.tools == nil {
		err = &mcp.InvocationError{Action: res.Action, Category: mcp.CategoryTransport, Message: "no tool provider configured"}
	} else {
		out, err = a.tools.Invoke(ctx, res.Action, call.Parameters, mcp.CallerContext{
			UserID:    r.userID,
			SessionID: r.tc.SessionID,
			Channel:   r.tc.Channel,
		})
	}
	elapsed := time.Since(start)

	tr := ToolResult{
		ToolName:  res.Action,
		Requested: call.Name,
		Timestamp: a.clock.Now(),
		Duration:  elapsed,
	}
	done := map[string]any{
		"run_id":      r.id,
		"action":      res.Action,
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
	}

	if err != nil {
		te := toolError(err)
		tr.Result = te
		done["error_category"] = te.Category
		logger.Warn("tool execution failed", "category", te.Category, "error", te.Message)
		r.state.append(llm.RoleUser, prompts.ToolErrorTurn(res.Action, te.Category, te.Message), a.clock.Now())
	} else {
		tr.Result = out.Text
		logger.Debug("tool executed", "elapsed", elapsed.Round(time.Millisecond), "bytes", len(out.Text))
		r.state.append(llm.RoleUser, prompts.ToolResultTurn(res.Action, out.Text), a.clock.Now())
	}

	r.state.ToolResults = append(r.state.ToolResults, tr)
	a.bus.Emit(events.SourceAgent, events.KindToolDone, done)
}

func toolError(err error) *ToolError {
	var ie *mcp.InvocationError
	if errors.As(err, &ie) {
		return &ToolError{Category: string(ie.Category), Message: ie.Message, Timeout: ie.Timeout}
	}
	return &ToolError{Category: string(mcp.CategoryTransport), Message: err.Error()}
}

// record hands the finished run to the recorder, if any.
func (a *Agent) record(ctx context.Context, r *run) {
	if a.recorder == nil {
		return
	}
	res := r.result
	entry := runlog.Run{
		ID:            res.RunID,
		StartedAt:     r.started,
		FinishedAt:    a.clock.Now(),
		UserID:        r.userID,
		SessionID:     r.tc.SessionID,
		Channel:       r.tc.Channel,
		Model:         a.cfg.Model,
		Persona:       a.cfg.Persona,
		Input:         r.state.Input,
		Success:       res.Success,
		FinalResponse: res.FinalResponse,
		ErrorCategory: res.Category(),
		Iterations:    res.Iterations,
		InputTokens:   res.InputTokens,
		OutputTokens:  res.OutputTokens,
	}
	if res.Error != nil {
		entry.Error = res.Error.Error()
	}
	for i, tr := range res.ToolResults {
		rec := runlog.ToolRecord{
			Seq:        i + 1,
			Requested:  tr.Requested,
			Action:     tr.ToolName,
			OK:         tr.Err() == nil,
			Output:     tr.Output(),
			DurationMs: tr.Duration.Milliseconds(),
			Timestamp:  tr.Timestamp,
		}
		if te := tr.Err(); te != nil {
			rec.ErrorCategory = te.Category
			rec.Output = te.Message
		}
		entry.Tools = append(entry.Tools, rec)
	}

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := a.recorder.Record(recCtx, entry); err != nil {
		r.logger.Warn("failed to record run", "error", err)
	}
}

// newRunID returns a UUIDv7, falling back to a random UUID.
func newRunID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
