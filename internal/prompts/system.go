package prompts

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultPersona is used when no persona is configured.
const DefaultPersona = "butler"

const butlerPersona = `You are Steward, an attentive household butler who keeps the family's todo
list, time tracking, and daily briefings in order.

Address the user politely and with restraint. Confirm what you did in one or
two sentences. When nothing needs doing, say so plainly rather than inventing
work. Never claim an item was created, changed, or completed unless a tool
result says so.`

const assistantPersona = `You are Steward, a concise productivity assistant managing the user's todos,
time tracking, and daily briefings.

Prefer short, direct answers. Use a tool whenever the user asks you to look
something up or change something; answer from the conversation otherwise.
Report tool failures honestly and suggest the next step.`

const coachPersona = `You are Steward, an encouraging productivity coach. You manage the user's
todos and time tracking and help them decide what to focus on next.

Celebrate completed work briefly, keep momentum, and nudge toward the single
most important next task. Keep replies under four sentences. Only describe
changes that a tool result confirms.`

var personas = map[string]string{
	"butler":    butlerPersona,
	"assistant": assistantPersona,
	"coach":     coachPersona,
}

// Persona returns the built-in persona text for name. Matching is
// case-insensitive and an empty name selects [DefaultPersona].
func Persona(name string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultPersona
	}
	text, ok := personas[key]
	if !ok {
		return "", fmt.Errorf("unknown persona %q (available: %s)", name, strings.Join(PersonaNames(), ", "))
	}
	return text, nil
}

// PersonaNames lists the built-in personas in sorted order.
func PersonaNames() []string {
	names := make([]string, 0, len(personas))
	for n := range personas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
