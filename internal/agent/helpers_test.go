package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/nugget/steward/internal/actions"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/mcp"
	"github.com/nugget/steward/internal/runlog"
)

// mockLLM replays scripted responses in order and records every call.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	repeat    *llm.ChatResponse // returned forever once responses run out
	err       error
	block     bool // wait for ctx to end
	callIndex int
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
}

func (m *mockLLM) Chat(ctx context.Context, model string, msgs []llm.Message) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: msgs})
	block, err := m.block, m.err
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callIndex >= len(m.responses) {
		if m.repeat != nil {
			return m.repeat, nil
		}
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", m.callIndex)
	}
	resp := m.responses[m.callIndex]
	m.callIndex++
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func reply(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		InputTokens:  100,
		OutputTokens: 20,
	}
}

// fakeTools answers invocations from a script keyed by action. Each
// action's outcomes are consumed in order; the last one repeats.
type fakeTools struct {
	mu       sync.Mutex
	outcomes map[string][]toolOutcome
	calls    []toolInvocation
}

type toolOutcome struct {
	text string
	err  error
}

type toolInvocation struct {
	Action string
	Args   map[string]any
	Caller mcp.CallerContext
}

func (f *fakeTools) Invoke(_ context.Context, action string, args map[string]any, caller mcp.CallerContext) (*mcp.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toolInvocation{Action: action, Args: args, Caller: caller})

	script := f.outcomes[action]
	if len(script) == 0 {
		return nil, &mcp.InvocationError{Action: action, Category: mcp.CategoryNotFound, Message: "unknown tool " + action}
	}
	o := script[0]
	if len(script) > 1 {
		f.outcomes[action] = script[1:]
	}
	if o.err != nil {
		return nil, o.err
	}
	return &mcp.Result{Blocks: []mcp.ContentBlock{{Type: "text", Text: o.text}}, Text: o.text}, nil
}

// staticLive is a LiveSource advertising a fixed list.
type staticLive []string

func (s staticLive) ListAvailableActions(context.Context) ([]string, error) { return s, nil }

// testTable is a small action table used across agent tests.
func testTable() *actions.Table {
	return &actions.Table{
		Actions: []actions.Metadata{
			{
				Name:        "listTodos",
				Category:    actions.CategoryTodo,
				Description: "List todos, optionally filtered by due date.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"due": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

// fullRegistry builds the default table with every action live.
func fullRegistry(t *testing.T) *actions.Registry {
	t.Helper()
	table := actions.DefaultTable()
	var live staticLive
	for _, m := range table.Actions {
		live = append(live, m.Name)
	}
	reg, err := actions.New(context.Background(), table, live, nil)
	if err != nil {
		t.Fatalf("actions.New: %v", err)
	}
	return reg
}

func newTestAgent(t *testing.T, cfg Config, model llm.Client, tools Invoker, opts ...Option) *Agent {
	t.Helper()
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	a, err := New(cfg, model, fullRegistry(t), tools, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

// memRecorder keeps recorded runs in memory.
type memRecorder struct {
	runs []runlog.Run
	err  error
}

func (m *memRecorder) Record(_ context.Context, run runlog.Run) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.runs = append(m.runs, run)
	return run.ID, nil
}
