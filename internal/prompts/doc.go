// Package prompts contains the prompt text Steward sends to models.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, benefit from compile-time embedding,
// and can be validated by tests. A persona can still be replaced at runtime
// with agent.persona_file in config.yaml.
//
// Convention: each prompt category gets its own file (personas in system.go,
// the tool-calling protocol and recovery text in agent.go) with exported
// functions that accept the dynamic parts and return the interpolated string.
package prompts
