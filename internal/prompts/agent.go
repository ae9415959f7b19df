package prompts

import (
	"fmt"
	"strings"
	"time"
)

// toolProtocolTemplate tells the model how to request an action. The
// format verb is the rendered action catalogue.
const toolProtocolTemplate = `## Actions
You can perform these actions:

%s

## Calling an action
To perform an action, reply with exactly one tool call and nothing after it:

<tool_call>
{"name": "createTodo", "arguments": {"title": "Buy milk"}}
</tool_call>

Use the action names exactly as listed. Call one action at a time and wait
for its result before deciding what to do next. When you have everything you
need, reply to the user in plain text with no tool call.`

// ActionLine is one entry of the action catalogue shown to the model.
type ActionLine struct {
	Name        string
	Description string
	// Params renders the argument names, with a trailing "?" for
	// optional ones.
	Params []string
}

// ToolProtocol renders the action catalogue and calling convention.
func ToolProtocol(actions []ActionLine) string {
	var sb strings.Builder
	for i, a := range actions {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "- %s(%s): %s", a.Name, strings.Join(a.Params, ", "), a.Description)
	}
	return fmt.Sprintf(toolProtocolTemplate, sb.String())
}

// CurrentTime renders the clock line included in every system prompt.
func CurrentTime(now time.Time) string {
	return fmt.Sprintf("## Current time\n%s (%s)", now.Format("Monday, January 2, 2006 15:04 MST"), now.Format(time.RFC3339))
}

const toolResultTemplate = `[tool result] %s
%s

Continue helping the user. Call another action if needed, otherwise answer in plain text.`

// ToolResultTurn renders the synthetic turn that folds an action result
// back into the conversation.
func ToolResultTurn(action, body string) string {
	return fmt.Sprintf(toolResultTemplate, action, body)
}

const toolErrorTemplate = `[tool error] %s failed (%s): %s

Tell the user what went wrong or try a different action.`

// ToolErrorTurn renders the synthetic turn for a failed action.
func ToolErrorTurn(action, category, message string) string {
	return fmt.Sprintf(toolErrorTemplate, action, category, message)
}

// Fallback replies used when a run ends without a usable answer.
const (
	ModelUnavailableReply = "I couldn't reach my language model just now. Please try again in a moment."
	UnknownActionReply    = "I tried to use an action I don't know how to perform. Could you rephrase the request?"
	BudgetExceededReply   = "I ran out of time working on that request. Please try again or break it into smaller steps."
	ReplayMissReply       = "No recorded interaction matches this request."
	EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."
)
