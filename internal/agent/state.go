package agent

import (
	"fmt"
	"time"

	"github.com/nugget/steward/internal/llm"
)

// ConversationTurn is one entry in a run's history.
type ConversationTurn struct {
	Role      string    `json:"role"` // user, assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCall is an action request parsed from a model response.
type ToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// ToolError is the payload of a failed tool execution.
type ToolError struct {
	Category string `json:"category"` // not_found, validation, transport, remote
	Message  string `json:"message"`
	Timeout  bool   `json:"timeout,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// ToolResult records one tool execution. Result holds the rendered
// output text on success and a *ToolError on failure.
type ToolResult struct {
	ToolName  string        `json:"toolName"`
	Requested string        `json:"requested"`
	Result    any           `json:"result"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"-"`
}

// Err returns the failure payload, or nil for a successful execution.
func (r ToolResult) Err() *ToolError {
	if e, ok := r.Result.(*ToolError); ok {
		return e
	}
	return nil
}

// Output returns the success text, or "" for a failed execution.
func (r ToolResult) Output() string {
	s, _ := r.Result.(string)
	return s
}

// AgentState is threaded through one call to [Agent.ProcessMessage]
// and discarded when it returns.
type AgentState struct {
	Input       string
	History     []ConversationTurn
	Done        bool
	FinalOutput string
	ToolResults []ToolResult

	// SystemPrompt replaces the persona text when non-empty.
	SystemPrompt string
}

func (s *AgentState) append(role, content string, at time.Time) {
	s.History = append(s.History, ConversationTurn{Role: role, Content: content, Timestamp: at})
}

// messages converts the history to model messages.
func (s *AgentState) messages() []llm.Message {
	out := make([]llm.Message, len(s.History))
	for i, t := range s.History {
		out[i] = llm.Message{Role: t.Role, Content: t.Content}
	}
	return out
}
