// Package config handles Steward configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/steward/config.yaml, /etc/steward/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "steward", "config.yaml"))
	}

	paths = append(paths, "/etc/steward/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Steward configuration.
type Config struct {
	Models       ModelsConfig       `yaml:"models"`
	Anthropic    AnthropicConfig    `yaml:"anthropic"`
	Agent        AgentConfig        `yaml:"agent"`
	ToolProvider ToolProviderConfig `yaml:"tool_provider"`
	Actions      ActionsConfig      `yaml:"actions"`
	Cassettes    CassettesConfig    `yaml:"cassettes"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	RunLog       RunLogConfig       `yaml:"runlog"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
}

// ModelsConfig selects the language model and its provider.
type ModelsConfig struct {
	Default   string `yaml:"default"`
	Provider  string `yaml:"provider"` // ollama, anthropic
	OllamaURL string `yaml:"ollama_url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// AgentConfig bounds a single conversational turn.
type AgentConfig struct {
	// Persona names a built-in persona (butler, assistant, coach).
	Persona string `yaml:"persona"`
	// PersonaFile, when set, replaces the built-in persona text.
	PersonaFile string `yaml:"persona_file"`
	// MaxToolRounds caps tool executions per turn (default 5).
	MaxToolRounds int `yaml:"max_tool_rounds"`
	// RunTimeoutSec is the wall-clock budget for a whole turn (default 120).
	RunTimeoutSec int `yaml:"run_timeout_sec"`
}

// RunTimeout returns the run budget as a duration.
func (a AgentConfig) RunTimeout() time.Duration {
	return time.Duration(a.RunTimeoutSec) * time.Second
}

// ToolProviderConfig describes the remote capability provider (an MCP
// server) that executes canonical actions.
type ToolProviderConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // http, stdio, websocket
	URL       string `yaml:"url"`

	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	// Headers are sent with every HTTP or websocket request
	// (e.g., Authorization).
	Headers map[string]string `yaml:"headers"`

	// CallTimeoutSec bounds each tool invocation (default 30).
	CallTimeoutSec int `yaml:"call_timeout_sec"`
}

// CallTimeout returns the per-call timeout as a duration.
func (t ToolProviderConfig) CallTimeout() time.Duration {
	return time.Duration(t.CallTimeoutSec) * time.Second
}

// Configured reports whether a provider endpoint has been set.
func (t ToolProviderConfig) Configured() bool {
	return t.URL != "" || t.Command != ""
}

// ActionsConfig points at optional action table overrides.
type ActionsConfig struct {
	OverridesFile string `yaml:"overrides_file"`
}

// CassettesConfig controls the interaction replay cache.
type CassettesConfig struct {
	Backend string `yaml:"backend"` // file, sqlite
	Dir     string `yaml:"dir"`
	Mode    string `yaml:"mode"` // off, record, playback, auto
}

// MQTTConfig configures the optional event relay. An empty Broker
// disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether a broker has been set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// RunLogConfig controls the SQLite run ledger.
type RunLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file. Values omitted from the
// file keep their [Default] values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			Provider:  "ollama",
			OllamaURL: "http://localhost:11434",
		},
		Agent: AgentConfig{
			Persona:       "butler",
			MaxToolRounds: 5,
			RunTimeoutSec: 120,
		},
		ToolProvider: ToolProviderConfig{
			Name:           "todos",
			Transport:      "http",
			CallTimeoutSec: 30,
		},
		Cassettes: CassettesConfig{
			Backend: "file",
			Dir:     "testdata/cassettes",
			Mode:    "off",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "steward",
		},
		DataDir:  "data",
		LogLevel: "info",
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error

	switch c.Models.Provider {
	case "ollama", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("models.provider: unknown provider %q", c.Models.Provider))
	}
	if c.Models.Provider == "anthropic" && c.Anthropic.APIKey == "" {
		errs = append(errs, errors.New("anthropic.api_key is required for the anthropic provider"))
	}

	if c.Agent.MaxToolRounds <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_tool_rounds must be positive, got %d", c.Agent.MaxToolRounds))
	}
	if c.Agent.RunTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("agent.run_timeout_sec must be positive, got %d", c.Agent.RunTimeoutSec))
	}

	switch c.ToolProvider.Transport {
	case "http", "stdio", "websocket":
	default:
		errs = append(errs, fmt.Errorf("tool_provider.transport: unknown transport %q", c.ToolProvider.Transport))
	}
	if c.ToolProvider.CallTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("tool_provider.call_timeout_sec must be positive, got %d", c.ToolProvider.CallTimeoutSec))
	}

	switch c.Cassettes.Mode {
	case "", "off", "record", "playback", "auto":
	default:
		errs = append(errs, fmt.Errorf("cassettes.mode: unknown mode %q", c.Cassettes.Mode))
	}
	switch c.Cassettes.Backend {
	case "", "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("cassettes.backend: unknown backend %q", c.Cassettes.Backend))
	}

	return errors.Join(errs...)
}
