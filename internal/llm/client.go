// Package llm provides LLM client implementations.
package llm

import "context"

// Client is the interface that all LLM providers must implement. The
// agent loop and the interaction replay cache are its only callers.
//
// Tool calls are embedded in the response text by the model and parsed
// by the agent, so providers only carry text in both directions.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// The first message may carry the system prompt (role "system").
	Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
