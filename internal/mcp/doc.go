// Package mcp is Steward's tool invocation client. It speaks MCP (Model
// Context Protocol) JSON-RPC 2.0 to the remote capability provider that
// owns the todo, time tracking, and briefing actions.
//
// Three transports are supported: streamable HTTP, stdio (subprocess),
// and websocket. The client discovers the provider's actions via
// tools/list and performs exactly one tools/call per [Client.Invoke].
// Failures come back as [*InvocationError] with a category the agent
// loop can reason about; the client never retries on its own.
package mcp
