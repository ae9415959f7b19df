package mcp

import "context"

// Transport carries JSON-RPC messages to one MCP server.
// Implementations handle framing, encoding, and response correlation.
type Transport interface {
	// Send sends a request and waits for the response with the same ID.
	// A non-nil error means the exchange itself failed; protocol errors
	// arrive in Response.Error.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	Close() error
}
