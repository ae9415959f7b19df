package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nugget/steward/internal/events"
)

// Category classifies an invocation failure.
type Category string

// Invocation failure categories.
const (
	CategoryNotFound   Category = "not_found"
	CategoryValidation Category = "validation"
	CategoryTransport  Category = "transport"
	CategoryRemote     Category = "remote"
)

// InvocationError is the typed failure returned by [Client.Invoke].
type InvocationError struct {
	Action   string
	Category Category
	Message  string
	// Timeout is set when the per-call deadline expired, as opposed to
	// the provider reporting a failure.
	Timeout bool

	err error
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("invoke %s: %s: timed out: %s", e.Action, e.Category, e.Message)
	}
	return fmt.Sprintf("invoke %s: %s: %s", e.Action, e.Category, e.Message)
}

// Unwrap returns the underlying transport or protocol error, if any.
func (e *InvocationError) Unwrap() error {
	return e.err
}

// CallerContext identifies who an invocation is made for. The provider
// uses it for authorization and attribution; it is sent as the MCP
// _meta object and never affects control flow here.
type CallerContext struct {
	UserID    string
	SessionID string
	Channel   string
}

func (cc CallerContext) meta() map[string]any {
	m := make(map[string]any, 3)
	if cc.UserID != "" {
		m["userId"] = cc.UserID
	}
	if cc.SessionID != "" {
		m["sessionId"] = cc.SessionID
	}
	if cc.Channel != "" {
		m["channel"] = cc.Channel
	}
	return m
}

// ContentBlock is a single content item in a normalized result.
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	MIMEType string          `json:"mimeType,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Result is a normalized tools/call success payload. Whatever shape the
// provider answered with, Blocks holds the content and Text a
// model-ready rendering of it.
type Result struct {
	Blocks []ContentBlock
	Text   string
	// Structured is the provider's structuredContent, when sent.
	Structured json.RawMessage
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content           json.RawMessage `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Invoke performs exactly one tools/call for action. Arguments are
// checked against the action's declared schema first; a mismatch fails
// with [CategoryValidation] without contacting the provider. The call is
// bounded by the client's call timeout in addition to ctx. There are no
// retries.
func (c *Client) Invoke(ctx context.Context, action string, args map[string]any, caller CallerContext) (*Result, error) {
	if args == nil {
		args = map[string]any{}
	}

	if schema, ok := c.schemaFor(action); ok {
		if err := validateArgs(schema, args); err != nil {
			return nil, c.fail(&InvocationError{
				Action:   action,
				Category: CategoryValidation,
				Message:  err.Error(),
			})
		}
	}

	params := map[string]any{
		"name":      action,
		"arguments": args,
	}
	if meta := caller.meta(); len(meta) > 0 {
		params["_meta"] = meta
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.send(callCtx, "tools/call", params)
	if err != nil {
		return nil, c.fail(classify(action, err, callCtx, ctx))
	}

	var raw callToolResult
	if err := json.Unmarshal(resp.Result, &raw); err != nil || (raw.Content == nil && raw.StructuredContent == nil && !raw.IsError) {
		// Not a tools/call envelope; the whole result is the payload.
		raw = callToolResult{Content: resp.Result}
	}

	result := normalize(raw)
	if raw.IsError {
		return nil, c.fail(&InvocationError{
			Action:   action,
			Category: CategoryRemote,
			Message:  result.Text,
		})
	}

	c.logger.Debug("tool invoked",
		"action", action,
		"blocks", len(result.Blocks),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return result, nil
}

func (c *Client) fail(ie *InvocationError) error {
	c.logger.Warn("tool invocation failed",
		"action", ie.Action,
		"category", ie.Category,
		"timeout", ie.Timeout,
		"error", ie.Message,
	)
	c.bus.Emit(events.SourceTools, events.KindInvokeFailed, map[string]any{
		"action":   ie.Action,
		"category": string(ie.Category),
		"timeout":  ie.Timeout,
	})
	return ie
}

// classify maps a send error to an invocation failure. callCtx carries
// the per-call deadline; parent is the caller's context.
func classify(action string, err error, callCtx, parent context.Context) *InvocationError {
	ie := &InvocationError{Action: action, Message: err.Error(), err: err}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		ie.Message = rpcErr.Message
		switch rpcErr.Code {
		case CodeMethodNotFound:
			ie.Category = CategoryNotFound
		case CodeInvalidParams:
			ie.Category = CategoryValidation
			if mentionsUnknownTool(rpcErr.Message) {
				ie.Category = CategoryNotFound
			}
		default:
			ie.Category = CategoryRemote
		}
		return ie
	}

	ie.Category = CategoryTransport
	if errors.Is(err, context.DeadlineExceeded) ||
		(errors.Is(callCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil) {
		ie.Timeout = true
	}
	return ie
}

func mentionsUnknownTool(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "unknown tool") ||
		strings.Contains(m, "tool not found") ||
		(strings.Contains(m, "not found") && strings.Contains(m, "tool"))
}

// normalize converts any of the provider's result shapes into a Result:
// MCP content blocks, structuredContent, a bare JSON list, or a bare
// scalar.
func normalize(raw callToolResult) *Result {
	res := &Result{Structured: raw.StructuredContent}

	content := raw.Content
	if len(content) == 0 || string(content) == "null" {
		content = raw.StructuredContent
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(content, &blocks); err == nil && looksLikeBlocks(content) {
		res.Blocks = blocks
	} else {
		res.Blocks = valueBlocks(content)
	}

	res.Text = renderBlocks(res.Blocks)
	return res
}

// looksLikeBlocks reports whether a JSON array is an MCP content array
// (every element an object with a "type" field).
func looksLikeBlocks(data json.RawMessage) bool {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return false
	}
	for _, it := range items {
		if _, ok := it["type"]; !ok {
			return false
		}
	}
	return true
}

func valueBlocks(data json.RawMessage) []ContentBlock {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return []ContentBlock{{Type: "text", Text: s}}
	}

	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err == nil {
		out := make([]ContentBlock, 0, len(list))
		for _, item := range list {
			out = append(out, valueBlock(item))
		}
		return out
	}

	return []ContentBlock{valueBlock(data)}
}

func valueBlock(item json.RawMessage) ContentBlock {
	var s string
	if err := json.Unmarshal(item, &s); err == nil {
		return ContentBlock{Type: "text", Text: s}
	}
	return ContentBlock{Type: "json", Data: item}
}

// renderBlocks joins blocks into one string. Non-text blocks are
// described inline.
func renderBlocks(blocks []ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "json":
			parts = append(parts, string(b.Data))
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// validateArgs checks required properties and primitive JSON types.
// Unknown properties are left for the provider to judge.
func validateArgs(schema map[string]any, args map[string]any) error {
	var problems []string

	for _, name := range requiredProps(schema) {
		if v, ok := args[name]; !ok || v == nil {
			problems = append(problems, fmt.Sprintf("missing required argument %q", name))
		}
	}

	props, _ := schema["properties"].(map[string]any)
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		typ, _ := p["type"].(string)
		if typ == "" || args[name] == nil {
			continue
		}
		if !matchesType(typ, args[name]) {
			problems = append(problems, fmt.Sprintf("argument %q must be %s, got %s", name, typ, jsonType(args[name])))
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func requiredProps(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := toFloat(v)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
