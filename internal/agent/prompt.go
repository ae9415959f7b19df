package agent

import (
	"strings"
	"time"

	"github.com/nugget/steward/internal/actions"
	"github.com/nugget/steward/internal/prompts"
)

// buildSystemPrompt assembles persona, current time, and the action
// catalogue. Given the same inputs it returns the same bytes, which
// keeps cassette hashes stable across replays.
func buildSystemPrompt(persona string, now time.Time, catalogue []actions.Metadata) string {
	lines := make([]prompts.ActionLine, 0, len(catalogue))
	for _, m := range catalogue {
		desc := m.Description
		if desc == "" {
			desc = "Remote action."
		}
		lines = append(lines, prompts.ActionLine{
			Name:        m.Name,
			Description: desc,
			Params:      m.ParamNames(),
		})
	}

	parts := []string{
		strings.TrimSpace(persona),
		prompts.CurrentTime(now),
		prompts.ToolProtocol(lines),
	}
	return strings.Join(parts, "\n\n")
}
