package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/steward/internal/buildinfo"
	"github.com/nugget/steward/internal/events"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// DefaultCallTimeout bounds a single tools/call when no timeout is configured.
const DefaultCallTimeout = 30 * time.Second

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the initialize response result.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

// SchemaLookup returns the declared parameter schema for an action.
// The action registry's metadata is the usual source.
type SchemaLookup func(action string) (map[string]any, bool)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout bounds every tools/call independently of the caller's
// context. Zero or negative values select [DefaultCallTimeout].
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithSchemaLookup supplies parameter schemas for actions the server
// did not describe in tools/list.
func WithSchemaLookup(fn SchemaLookup) ClientOption {
	return func(c *Client) { c.schemas = fn }
}

// WithEventBus publishes invocation failures to bus.
func WithEventBus(bus *events.Bus) ClientOption {
	return func(c *Client) { c.bus = bus }
}

// Client connects to a single MCP server and provides typed access to
// initialize, tools/list, and tools/call.
type Client struct {
	name        string
	transport   Transport
	logger      *slog.Logger
	callTimeout time.Duration
	schemas     SchemaLookup
	bus         *events.Bus
	nextID      atomic.Int64

	mu         sync.RWMutex
	serverName string
	serverVer  string
	tools      map[string]ToolDefinition
}

// NewClient creates an MCP client for the named server. The transport
// determines how messages are delivered.
func NewClient(name string, transport Transport, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:        name,
		transport:   transport,
		logger:      logger.With("mcp_server", name),
		callTimeout: DefaultCallTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.name
}

// ServerInfo returns the name and version the server reported during
// initialization.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

// Initialize performs the MCP handshake: an initialize request followed
// by the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "steward",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// ListTools calls tools/list, following pagination cursors, and returns
// every tool the server advertises. The definitions are kept for
// argument validation in [Client.Invoke].
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var all []ToolDefinition
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		resp, err := c.send(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}

		var result toolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
		}
		all = append(all, result.Tools...)

		if result.NextCursor == "" || result.NextCursor == cursor {
			break
		}
		cursor = result.NextCursor
	}

	byName := make(map[string]ToolDefinition, len(all))
	for _, t := range all {
		byName[t.Name] = t
	}
	c.mu.Lock()
	c.tools = byName
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(all))
	return all, nil
}

// ListAvailableActions returns the names of the actions the server
// currently advertises. It satisfies actions.LiveSource.
func (c *Client) ListAvailableActions(ctx context.Context) ([]string, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names, nil
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	return c.transport.Close()
}

// schemaFor returns the parameter schema for action, preferring the
// server's own declaration.
func (c *Client) schemaFor(action string) (map[string]any, bool) {
	c.mu.RLock()
	def, ok := c.tools[action]
	c.mu.RUnlock()
	if ok && def.InputSchema != nil {
		return def.InputSchema, true
	}
	if c.schemas != nil {
		return c.schemas(action)
	}
	return nil, false
}

// send issues a JSON-RPC request and surfaces protocol-level errors as
// [*RPCError].
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	req := NewRequest(id, method, params)

	if c.logger.Enabled(ctx, levelTrace) {
		if data, err := json.Marshal(req); err == nil {
			c.logger.Log(ctx, levelTrace, "MCP request", "json", string(data))
		}
	}

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	c.logger.Log(ctx, levelTrace, "MCP response", "id", resp.ID, "result", string(resp.Result))

	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// levelTrace mirrors config.LevelTrace for wire payload logging.
const levelTrace = slog.Level(-8)
