package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Response is the parsed form of a model reply: either a
// [Conversational] answer or a [ToolInvocation].
type Response interface {
	isResponse()
}

// Conversational is a reply with no tool call; Text is the answer.
type Conversational struct {
	Text string
}

// ToolInvocation is a reply that requests an action. Preamble is any
// text the model wrote before the directive.
type ToolInvocation struct {
	Call     ToolCall
	Preamble string
}

func (Conversational) isResponse() {}
func (ToolInvocation) isResponse() {}

var (
	thinkBlock   = regexp.MustCompile(`(?s)<think>.*?</think>`)
	toolCallOpen = "<tool_call>"
	toolCallEnd  = "</tool_call>"
	fencedBlock  = regexp.MustCompile("(?s)```(?:json)?[ \t]*\n(.*?)```")
)

// maxBarePreamble bounds the text allowed before a bare JSON object
// that is read as a tool call.
const maxBarePreamble = 200

// Keys accepted for the action name and its arguments.
var (
	nameKeys = []string{"name", "tool", "action"}
	argKeys  = []string{"arguments", "parameters", "args"}
)

// ParseResponse extracts at most one tool call from text. Recognized
// forms, in order: a <tool_call> tag, a fenced JSON block, and a bare
// JSON object that ends the reply after at most a short preamble. Any
// other JSON in the text is part of the answer. Reasoning wrapped in
// <think> tags is discarded.
func ParseResponse(text string) Response {
	return parseResponse(text, nil)
}

// parseResponse is ParseResponse with an optional name check. When
// known is set, a bare object that follows a preamble is only a call if
// known accepts its name; otherwise the reply is an answer that happens
// to quote JSON.
func parseResponse(text string, known func(string) bool) Response {
	text = strings.TrimSpace(thinkBlock.ReplaceAllString(text, ""))

	if start := strings.Index(text, toolCallOpen); start >= 0 {
		body := text[start+len(toolCallOpen):]
		if end := strings.Index(body, toolCallEnd); end >= 0 {
			body = body[:end]
		}
		body = strings.TrimSpace(body)
		if m := fencedBlock.FindStringSubmatch(body); m != nil {
			body = m[1]
		}
		if call, ok := decodeCall(body); ok {
			return ToolInvocation{Call: call, Preamble: strings.TrimSpace(text[:start])}
		}
	}

	if loc := fencedBlock.FindStringSubmatchIndex(text); loc != nil {
		if call, ok := decodeCall(text[loc[2]:loc[3]]); ok {
			return ToolInvocation{Call: call, Preamble: strings.TrimSpace(text[:loc[0]])}
		}
	}

	for i := strings.IndexByte(text, '{'); i >= 0 && i <= maxBarePreamble; {
		if call, ok := decodeTrailingCall(text[i:]); ok {
			preamble := strings.TrimSpace(text[:i])
			if preamble != "" && known != nil && !known(call.Name) {
				break
			}
			return ToolInvocation{Call: call, Preamble: preamble}
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}

	return Conversational{Text: text}
}

// decodeTrailingCall is decodeCall for an object that must run to the
// end of s.
func decodeTrailingCall(s string) (ToolCall, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return ToolCall{}, false
	}
	if strings.TrimSpace(s[dec.InputOffset():]) != "" {
		return ToolCall{}, false
	}
	return callFromObject(obj)
}

// decodeCall decodes the first JSON object in s and extracts a call
// from it. Trailing text after the object is ignored.
func decodeCall(s string) (ToolCall, bool) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(s)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return ToolCall{}, false
	}
	return callFromObject(obj)
}

func callFromObject(obj map[string]any) (ToolCall, bool) {
	// OpenAI-style {"function": {"name": ..., "arguments": ...}}.
	if fn, ok := obj["function"].(map[string]any); ok {
		return callFromObject(fn)
	}

	var name string
	for _, k := range nameKeys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			name = strings.TrimSpace(s)
			break
		}
	}
	if name == "" {
		return ToolCall{}, false
	}

	args := map[string]any{}
	for _, k := range argKeys {
		v, ok := obj[k]
		if !ok {
			continue
		}
		switch a := v.(type) {
		case map[string]any:
			args = a
		case string:
			// Some models double-encode the arguments.
			var inner map[string]any
			dec := json.NewDecoder(strings.NewReader(a))
			dec.UseNumber()
			if err := dec.Decode(&inner); err == nil {
				args = inner
			}
		}
		break
	}

	return ToolCall{Name: name, Parameters: normalizeNumbers(args).(map[string]any)}, true
}

// normalizeNumbers converts json.Number values to int64 when integral
// and float64 otherwise.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	default:
		return v
	}
}
