package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/nugget/steward/internal/actions"
	"github.com/nugget/steward/internal/cassette"
	"github.com/nugget/steward/internal/prompts"
)

// Run failure categories reported by [Result.Category].
const (
	CategoryModelTransport = "model_transport"
	CategoryToolResolution = "tool_resolution"
	CategoryBudgetExceeded = "budget_exceeded"
	CategoryReplayMiss     = "replay_miss"
)

var (
	// ErrModelTransport wraps failures talking to the language model.
	ErrModelTransport = errors.New("model call failed")

	// ErrBudgetExceeded is matched by every [*BudgetError].
	ErrBudgetExceeded = errors.New("budget exceeded")
)

// BudgetError reports which run budget was exhausted.
type BudgetError struct {
	Reason string // "tool_rounds" or "run_timeout"
	Limit  string
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("budget exceeded: %s limit %s", e.Reason, e.Limit)
}

// Unwrap lets errors.Is match [ErrBudgetExceeded].
func (e *BudgetError) Unwrap() error { return ErrBudgetExceeded }

func toolRoundsExceeded(limit int) error {
	return &BudgetError{Reason: "tool_rounds", Limit: fmt.Sprint(limit)}
}

func runTimeoutExceeded(limit time.Duration) error {
	return &BudgetError{Reason: "run_timeout", Limit: limit.String()}
}

// Result is the outcome of one [Agent.ProcessMessage] call.
type Result struct {
	RunID   string
	Success bool
	// FinalResponse is the model's answer on success and the last
	// assistant-visible text, if any, on failure.
	FinalResponse string
	ToolResults   []ToolResult
	Error         error
	// Iterations counts model calls.
	Iterations int
	History    []ConversationTurn

	InputTokens  int
	OutputTokens int
}

// Category reports the failure taxonomy value, or "" on success.
func (r *Result) Category() string {
	if r.Error == nil {
		return ""
	}
	var unknown *actions.UnknownActionError
	switch {
	case errors.Is(r.Error, cassette.ErrReplayMiss):
		return CategoryReplayMiss
	case errors.Is(r.Error, ErrBudgetExceeded):
		return CategoryBudgetExceeded
	case errors.As(r.Error, &unknown):
		return CategoryToolResolution
	default:
		return CategoryModelTransport
	}
}

// Reply returns text suitable for the user in every outcome: the
// answer, the partial answer, or a fixed message for the failure.
func (r *Result) Reply() string {
	if r.FinalResponse != "" {
		return r.FinalResponse
	}
	switch r.Category() {
	case CategoryModelTransport:
		return prompts.ModelUnavailableReply
	case CategoryToolResolution:
		return prompts.UnknownActionReply
	case CategoryBudgetExceeded:
		return prompts.BudgetExceededReply
	case CategoryReplayMiss:
		return prompts.ReplayMissReply
	}
	return prompts.EmptyResponseFallback
}
