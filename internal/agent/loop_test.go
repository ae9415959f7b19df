package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nugget/steward/internal/actions"
	"github.com/nugget/steward/internal/clock"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/mcp"
	"github.com/nugget/steward/internal/prompts"
)

func TestProcessMessage_DirectAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{reply("Nothing is due today, sir.")}}
	tools := &fakeTools{}
	a := newTestAgent(t, Config{Persona: "butler"}, mock, tools)

	res := a.ProcessMessage(context.Background(), "what's due today", "u1", TransportContext{})

	if !res.Success || res.Error != nil {
		t.Fatalf("Success = %v, Error = %v", res.Success, res.Error)
	}
	if res.FinalResponse != "Nothing is due today, sir." {
		t.Errorf("FinalResponse = %q", res.FinalResponse)
	}
	if len(mock.calls) != 1 || res.Iterations != 1 {
		t.Errorf("model calls = %d, iterations = %d, want 1", len(mock.calls), res.Iterations)
	}
	if len(res.ToolResults) != 0 || len(tools.calls) != 0 {
		t.Errorf("tool activity on a direct answer: %d results, %d calls", len(res.ToolResults), len(tools.calls))
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}
	if len(res.History) != 2 || res.History[0].Role != "user" || res.History[1].Role != "assistant" {
		t.Errorf("History = %+v", res.History)
	}
	if res.Reply() != res.FinalResponse {
		t.Errorf("Reply() = %q", res.Reply())
	}
}

func TestProcessMessage_ToolCallThenAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		reply("Let me look.\n<tool_call>{\"name\": \"list_todos\", \"arguments\": {\"due\": \"today\"}}</tool_call>"),
		reply("You have one item due today: pay the water bill."),
	}}
	tools := &fakeTools{outcomes: map[string][]toolOutcome{
		"listTodos": {{text: `[{"title":"Pay the water bill","due":"2025-06-02"}]`}},
	}}
	a := newTestAgent(t, Config{}, mock, tools)

	res := a.ProcessMessage(context.Background(), "what's due today", "u1",
		TransportContext{SessionID: "s1", Channel: "signal"})

	if !res.Success {
		t.Fatalf("run failed: %v", res.Error)
	}
	if res.FinalResponse != "You have one item due today: pay the water bill." {
		t.Errorf("FinalResponse = %q", res.FinalResponse)
	}

	if len(tools.calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(tools.calls))
	}
	call := tools.calls[0]
	if call.Action != "listTodos" || call.Args["due"] != "today" {
		t.Errorf("invocation = %+v, want canonical listTodos with due=today", call)
	}
	if call.Caller != (mcp.CallerContext{UserID: "u1", SessionID: "s1", Channel: "signal"}) {
		t.Errorf("caller = %+v", call.Caller)
	}

	if len(res.ToolResults) != 1 {
		t.Fatalf("ToolResults = %d, want 1", len(res.ToolResults))
	}
	tr := res.ToolResults[0]
	if tr.ToolName != "listTodos" || tr.Requested != "list_todos" || tr.Err() != nil {
		t.Errorf("ToolResult = %+v", tr)
	}

	// The second model call sees the tool result folded into history.
	second := mock.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "[tool result] listTodos") ||
		!strings.Contains(last.Content, "Pay the water bill") {
		t.Errorf("last message of second call = %+v", last)
	}
	if second[0].Role != "system" {
		t.Errorf("first message role = %q, want system", second[0].Role)
	}
}

func TestProcessMessage_ValidationFailureRecovers(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		reply(`<tool_call>{"name": "createTodo", "arguments": {}}</tool_call>`),
		reply(`<tool_call>{"name": "createTodo", "arguments": {"title": "Buy milk"}}</tool_call>`),
		reply("I've added Buy milk to your list."),
	}}
	tools := &fakeTools{outcomes: map[string][]toolOutcome{
		"createTodo": {
			{err: &mcp.InvocationError{Action: "createTodo", Category: mcp.CategoryValidation, Message: `missing required argument "title"`}},
			{text: `{"id":"t1","title":"Buy milk"}`},
		},
	}}
	a := newTestAgent(t, Config{}, mock, tools)

	res := a.ProcessMessage(context.Background(), "add milk", "u1", TransportContext{})

	if !res.Success {
		t.Fatalf("run failed: %v", res.Error)
	}
	if len(res.ToolResults) != 2 {
		t.Fatalf("ToolResults = %d, want 2", len(res.ToolResults))
	}
	te := res.ToolResults[0].Err()
	if te == nil || te.Category != "validation" {
		t.Fatalf("first result error = %+v, want validation", te)
	}
	if res.ToolResults[1].Err() != nil || !strings.Contains(res.ToolResults[1].Output(), "Buy milk") {
		t.Errorf("second result = %+v", res.ToolResults[1])
	}

	msgs := mock.calls[1].Messages
	if last := msgs[len(msgs)-1].Content; !strings.Contains(last, "[tool error] createTodo failed (validation)") {
		t.Errorf("error turn = %q", last)
	}
}

func TestProcessMessage_ToolRoundBudget(t *testing.T) {
	mock := &mockLLM{repeat: reply("Checking your list.\n<tool_call>{\"name\": \"listTodos\"}</tool_call>")}
	tools := &fakeTools{outcomes: map[string][]toolOutcome{"listTodos": {{text: "[]"}}}}
	a := newTestAgent(t, Config{MaxToolRounds: 3}, mock, tools)

	res := a.ProcessMessage(context.Background(), "what's due", "u1", TransportContext{})

	if res.Success {
		t.Fatal("run succeeded, want budget failure")
	}
	if res.Category() != CategoryBudgetExceeded || !errors.Is(res.Error, ErrBudgetExceeded) {
		t.Errorf("Category = %q, Error = %v", res.Category(), res.Error)
	}
	var be *BudgetError
	if !errors.As(res.Error, &be) || be.Reason != "tool_rounds" || be.Limit != "3" {
		t.Errorf("BudgetError = %+v", be)
	}
	if len(tools.calls) != 3 || len(res.ToolResults) != 3 {
		t.Errorf("tool calls = %d, results = %d, want 3", len(tools.calls), len(res.ToolResults))
	}
	if res.Iterations != 4 {
		t.Errorf("Iterations = %d, want 4", res.Iterations)
	}
	if res.FinalResponse != "Checking your list." {
		t.Errorf("FinalResponse = %q, want the last visible text", res.FinalResponse)
	}
}

func TestProcessMessage_ToolRoundBudgetWithoutVisibleText(t *testing.T) {
	mock := &mockLLM{repeat: reply(`<tool_call>{"name": "listTodos"}</tool_call>`)}
	tools := &fakeTools{outcomes: map[string][]toolOutcome{"listTodos": {{text: "[]"}}}}
	a := newTestAgent(t, Config{MaxToolRounds: 1}, mock, tools)

	res := a.ProcessMessage(context.Background(), "what's due", "u1", TransportContext{})

	if res.Success || res.FinalResponse != "" {
		t.Fatalf("Success = %v, FinalResponse = %q", res.Success, res.FinalResponse)
	}
	if res.Reply() != prompts.BudgetExceededReply {
		t.Errorf("Reply() = %q", res.Reply())
	}
}

func TestProcessMessage_RunTimeout(t *testing.T) {
	mock := &mockLLM{block: true}
	a := newTestAgent(t, Config{RunTimeout: 50 * time.Millisecond}, mock, &fakeTools{})

	start := time.Now()
	res := a.ProcessMessage(context.Background(), "hello", "u1", TransportContext{})

	if time.Since(start) > 2*time.Second {
		t.Errorf("run took %v, budget was 50ms", time.Since(start))
	}
	var be *BudgetError
	if !errors.As(res.Error, &be) || be.Reason != "run_timeout" {
		t.Fatalf("Error = %v, want run_timeout budget error", res.Error)
	}
	if res.Category() != CategoryBudgetExceeded {
		t.Errorf("Category = %q", res.Category())
	}
}

func TestProcessMessage_CallerCancelIsModelFailure(t *testing.T) {
	mock := &mockLLM{block: true}
	a := newTestAgent(t, Config{}, mock, &fakeTools{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := a.ProcessMessage(ctx, "hello", "u1", TransportContext{})

	if res.Success || errors.Is(res.Error, ErrBudgetExceeded) {
		t.Fatalf("Error = %v, want a non-budget failure", res.Error)
	}
	if !errors.Is(res.Error, context.Canceled) {
		t.Errorf("Error = %v, want context.Canceled in chain", res.Error)
	}
}

func TestProcessMessage_UnknownActionFailsRun(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		reply(`<tool_call>{"name": "launchRockets", "arguments": {}}</tool_call>`),
	}}
	tools := &fakeTools{}
	a := newTestAgent(t, Config{}, mock, tools)

	res := a.ProcessMessage(context.Background(), "launch", "u1", TransportContext{})

	if res.Success {
		t.Fatal("run succeeded with an unknown action")
	}
	var unknown *actions.UnknownActionError
	if !errors.As(res.Error, &unknown) || unknown.Name != "launchRockets" {
		t.Errorf("Error = %v, want UnknownActionError for launchRockets", res.Error)
	}
	if res.Category() != CategoryToolResolution {
		t.Errorf("Category = %q", res.Category())
	}
	if len(tools.calls) != 0 {
		t.Errorf("tool client called %d times", len(tools.calls))
	}
	if res.Reply() != prompts.UnknownActionReply {
		t.Errorf("Reply() = %q", res.Reply())
	}
}

func TestProcessMessage_AnswerQuotingJSON(t *testing.T) {
	answers := []string{
		`Done! I saved it as {"name": "Buy milk", "due": "2026-10-17"}. Anything else?`,
		`Done! I saved it as {"name": "Buy milk", "due": "2026-10-17"}`,
	}
	for _, answer := range answers {
		mock := &mockLLM{responses: []*llm.ChatResponse{reply(answer)}}
		tools := &fakeTools{}
		a := newTestAgent(t, Config{}, mock, tools)

		res := a.ProcessMessage(context.Background(), "add buy milk for tomorrow", "u1", TransportContext{})

		if !res.Success {
			t.Fatalf("answer %q failed the run: %v", answer, res.Error)
		}
		if res.FinalResponse != answer || res.Reply() != answer {
			t.Errorf("FinalResponse = %q, want %q", res.FinalResponse, answer)
		}
		if len(tools.calls) != 0 || len(res.ToolResults) != 0 || res.Iterations != 1 {
			t.Errorf("tool calls = %d, results = %d, iterations = %d", len(tools.calls), len(res.ToolResults), res.Iterations)
		}
	}
}

func TestProcessMessage_ModelFailure(t *testing.T) {
	mock := &mockLLM{err: errors.New("dial tcp 127.0.0.1:11434: connection refused")}
	a := newTestAgent(t, Config{}, mock, &fakeTools{})

	res := a.ProcessMessage(context.Background(), "hello", "u1", TransportContext{})

	if res.Success || !errors.Is(res.Error, ErrModelTransport) {
		t.Fatalf("Error = %v, want ErrModelTransport", res.Error)
	}
	if res.Category() != CategoryModelTransport {
		t.Errorf("Category = %q", res.Category())
	}
	if res.Reply() != prompts.ModelUnavailableReply {
		t.Errorf("Reply() = %q", res.Reply())
	}
	if len(mock.calls) != 1 {
		t.Errorf("model calls = %d, want 1 (no retries)", len(mock.calls))
	}
}

func TestProcessMessage_TransportFailureFoldsIntoHistory(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		reply(`<tool_call>{"name": "startTimer", "arguments": {"project": "garden"}}</tool_call>`),
		reply("The time tracker is unavailable right now."),
	}}
	tools := &fakeTools{outcomes: map[string][]toolOutcome{
		"startTimeTracking": {{err: &mcp.InvocationError{Action: "startTimeTracking", Category: mcp.CategoryTransport, Message: "context deadline exceeded", Timeout: true}}},
	}}
	a := newTestAgent(t, Config{}, mock, tools)

	res := a.ProcessMessage(context.Background(), "start the garden timer", "u1", TransportContext{})

	if !res.Success {
		t.Fatalf("run failed: %v", res.Error)
	}
	te := res.ToolResults[0].Err()
	if te == nil || te.Category != "transport" || !te.Timeout {
		t.Errorf("tool error = %+v", te)
	}
	if res.ToolResults[0].ToolName != "startTimeTracking" {
		t.Errorf("ToolName = %q, want variant resolved to startTimeTracking", res.ToolResults[0].ToolName)
	}
}

func TestProcessMessage_NoToolProvider(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		reply(`<tool_call>{"name": "listTodos"}</tool_call>`),
		reply("I can't reach your list right now."),
	}}
	a := newTestAgent(t, Config{}, mock, nil)

	res := a.ProcessMessage(context.Background(), "list", "u1", TransportContext{})
	if !res.Success {
		t.Fatalf("run failed: %v", res.Error)
	}
	if te := res.ToolResults[0].Err(); te == nil || te.Category != "transport" {
		t.Errorf("tool error = %+v", te)
	}
}

func TestProcessMessage_EmptyAnswerFallsBack(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{reply("<think>hmm</think>")}}
	a := newTestAgent(t, Config{}, mock, &fakeTools{})

	res := a.ProcessMessage(context.Background(), "hello", "u1", TransportContext{})
	if !res.Success || res.FinalResponse != prompts.EmptyResponseFallback {
		t.Errorf("Success = %v, FinalResponse = %q", res.Success, res.FinalResponse)
	}
}

func TestProcessMessage_SystemPrompt(t *testing.T) {
	clk := clock.NewLogical()
	clk.Freeze(time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC))

	mock := &mockLLM{repeat: reply("Good morning.")}
	a := newTestAgent(t, Config{Persona: "coach"}, mock, &fakeTools{}, WithClock(clk))

	prior := []ConversationTurn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "Hello!"},
	}
	a.ProcessMessage(context.Background(), "plan my day", "u1", TransportContext{History: prior})

	msgs := mock.calls[0].Messages
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want system + 2 prior + input", len(msgs))
	}
	system := msgs[0].Content
	coach, _ := prompts.Persona("coach")
	coach = strings.TrimSpace(coach)
	for _, want := range []string{
		coach,
		"Monday, June 2, 2025 08:30 UTC",
		"- createTodo(title, due?, notes?, priority?):",
		"<tool_call>",
	} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if msgs[1].Content != "hi" || msgs[3].Content != "plan my day" {
		t.Errorf("history = %+v", msgs[1:])
	}

	// A per-turn override replaces the persona.
	a.ProcessMessage(context.Background(), "plan my day", "u1", TransportContext{SystemPrompt: "You are a pirate."})
	override := mock.calls[1].Messages[0].Content
	if !strings.HasPrefix(override, "You are a pirate.") || strings.Contains(override, coach) {
		t.Errorf("override prompt = %.80q", override)
	}
}

func TestProcessMessage_EventsAndRecorder(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)

	rec := &memRecorder{}
	mock := &mockLLM{responses: []*llm.ChatResponse{
		reply(`<tool_call>{"name": "getCurrentTime"}</tool_call>`),
		reply("It is half past eight."),
	}}
	tools := &fakeTools{outcomes: map[string][]toolOutcome{"getCurrentTime": {{text: "08:30"}}}}
	a := newTestAgent(t, Config{Persona: "butler"}, mock, tools, WithEventBus(bus), WithRecorder(rec))

	res := a.ProcessMessage(context.Background(), "what time is it", "u1", TransportContext{Channel: "cli"})

	var kinds []string
	for len(ch) > 0 {
		e := <-ch
		if e.Data["run_id"] != res.RunID {
			t.Errorf("event %s run_id = %v, want %s", e.Kind, e.Data["run_id"], res.RunID)
		}
		kinds = append(kinds, e.Kind)
	}
	want := []string{
		events.KindRequestStart,
		events.KindLLMCall, events.KindLLMResponse,
		events.KindToolCall, events.KindToolDone,
		events.KindLLMCall, events.KindLLMResponse,
		events.KindRequestComplete,
	}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v\nwant %v", kinds, want)
	}

	if len(rec.runs) != 1 {
		t.Fatalf("recorded runs = %d, want 1", len(rec.runs))
	}
	run := rec.runs[0]
	if run.ID != res.RunID || !run.Success || run.Channel != "cli" || run.Persona != "butler" {
		t.Errorf("run = %+v", run)
	}
	if len(run.Tools) != 1 || run.Tools[0].Action != "getCurrentTime" || !run.Tools[0].OK || run.Tools[0].Output != "08:30" {
		t.Errorf("run tools = %+v", run.Tools)
	}
	if run.InputTokens != 200 || run.OutputTokens != 40 {
		t.Errorf("tokens = %d/%d, want 200/40", run.InputTokens, run.OutputTokens)
	}
}

func TestProcessMessage_RecorderFailureNotFatal(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{reply("Done.")}}
	a := newTestAgent(t, Config{}, mock, &fakeTools{}, WithRecorder(&memRecorder{err: errors.New("disk full")}))

	if res := a.ProcessMessage(context.Background(), "hi", "u1", TransportContext{}); !res.Success {
		t.Errorf("run failed: %v", res.Error)
	}
}

func TestNew_Validation(t *testing.T) {
	reg := fullRegistry(t)
	if _, err := New(Config{}, nil, reg, nil); err == nil {
		t.Error("New without LLM client succeeded")
	}
	if _, err := New(Config{Persona: "jester"}, &mockLLM{}, reg, nil); err == nil {
		t.Error("New with unknown persona succeeded")
	}
	a, err := New(Config{Persona: "jester", PersonaText: "Custom persona."}, &mockLLM{}, reg, nil)
	if err != nil {
		t.Fatalf("New with persona text: %v", err)
	}
	if a.cfg.MaxToolRounds != DefaultMaxToolRounds || a.cfg.RunTimeout != DefaultRunTimeout {
		t.Errorf("defaults = %d, %v", a.cfg.MaxToolRounds, a.cfg.RunTimeout)
	}
}
