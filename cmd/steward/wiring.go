package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/steward/internal/actions"
	"github.com/nugget/steward/internal/agent"
	"github.com/nugget/steward/internal/cassette"
	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/mcp"
	"github.com/nugget/steward/internal/runlog"
)

// initTimeout bounds the provider handshake and action listing.
const initTimeout = 10 * time.Second

// loadConfig locates and parses the configuration file. An explicit
// path must exist. When discovery finds nothing the built-in defaults
// are used and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// setup loads configuration and builds the process logger from its
// log level. Logs go to env.stderr so stdout carries only results.
func setup(env *cliEnv) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(env.configPath)
	if err != nil {
		return nil, nil, err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("log_level: %w", err)
	}
	logger := config.NewLogger(env.stderr, level)
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	} else {
		logger.Debug("no config file found, using defaults")
	}
	return cfg, logger, nil
}

// createLLMClient builds the live model client for the configured
// provider.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	switch cfg.Models.Provider {
	case "anthropic":
		logger.Debug("LLM client initialized", "provider", "anthropic", "model", cfg.Models.Default)
		return llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	default:
		logger.Debug("LLM client initialized", "provider", "ollama", "url", cfg.Models.OllamaURL, "model", cfg.Models.Default)
		return llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	}
}

// newTransport builds the MCP transport named by the provider config.
func newTransport(tp config.ToolProviderConfig, logger *slog.Logger) (mcp.Transport, error) {
	switch tp.Transport {
	case "", "http":
		return mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     tp.URL,
			Headers: tp.Headers,
			Logger:  logger,
		}), nil
	case "stdio":
		return mcp.NewStdioTransport(mcp.StdioConfig{
			Command: tp.Command,
			Args:    tp.Args,
			Env:     tp.Env,
			Logger:  logger,
		}), nil
	case "websocket":
		return mcp.NewWebSocketTransport(mcp.WebSocketConfig{
			URL:     tp.URL,
			Headers: tp.Headers,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown tool provider transport %q", tp.Transport)
	}
}

// toolStack is the action registry plus, when a provider is
// configured, the client that executes actions.
type toolStack struct {
	registry *actions.Registry
	client   *mcp.Client // nil without a provider
}

// invoker returns the client as an invoker interface, nil when no
// provider is configured.
func (s *toolStack) invoker() agent.Invoker {
	if s.client == nil {
		return nil
	}
	return s.client
}

func (s *toolStack) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// buildToolStack connects to the tool provider, if one is configured,
// and builds the action registry from the static table, the optional
// overrides file, and the provider's live action list. A provider that
// cannot be reached leaves the registry in fallback mode.
func buildToolStack(ctx context.Context, cfg *config.Config, bus *events.Bus, logger *slog.Logger) (*toolStack, error) {
	table := actions.DefaultTable()
	if cfg.Actions.OverridesFile != "" {
		merged, err := table.LoadOverrides(cfg.Actions.OverridesFile)
		if err != nil {
			return nil, err
		}
		table = merged
		logger.Debug("action overrides loaded", "path", cfg.Actions.OverridesFile)
	}

	stack := &toolStack{}
	var src actions.LiveSource

	if cfg.ToolProvider.Configured() {
		transport, err := newTransport(cfg.ToolProvider, logger)
		if err != nil {
			return nil, err
		}
		// The registry is built after the client, so schemas are looked
		// up through the stack at call time.
		lookup := func(action string) (map[string]any, bool) {
			if stack.registry == nil {
				return nil, false
			}
			m, ok := stack.registry.Lookup(action)
			if !ok || m.Parameters == nil {
				return nil, false
			}
			return m.Parameters, true
		}
		stack.client = mcp.NewClient(cfg.ToolProvider.Name, transport, logger,
			mcp.WithCallTimeout(cfg.ToolProvider.CallTimeout()),
			mcp.WithSchemaLookup(lookup),
			mcp.WithEventBus(bus),
		)

		initCtx, cancel := context.WithTimeout(ctx, initTimeout)
		err = stack.client.Initialize(initCtx)
		cancel()
		if err != nil {
			logger.Warn("tool provider initialization failed, using fallback actions",
				"provider", cfg.ToolProvider.Name, "error", err)
		} else {
			name, version := stack.client.ServerInfo()
			logger.Info("tool provider connected",
				"provider", cfg.ToolProvider.Name, "server", name, "server_version", version)
			src = stack.client
		}
	} else {
		logger.Debug("no tool provider configured")
	}

	listCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	reg, err := actions.New(listCtx, table, src, logger)
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.registry = reg
	return stack, nil
}

// cassetteStore opens the configured cassette backend. The returned
// close function is never nil.
func cassetteStore(cfg *config.Config) (cassette.Store, func() error, error) {
	switch cfg.Cassettes.Backend {
	case "sqlite":
		path := filepath.Join(cfg.DataDir, "cassettes.db")
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data directory: %w", err)
		}
		s, err := cassette.OpenSQLStore(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return cassette.NewFileStore(cfg.Cassettes.Dir), func() error { return nil }, nil
	}
}

// openRunLog opens the run ledger when enabled. It returns nil when
// the ledger is disabled.
func openRunLog(cfg *config.Config) (*runlog.Store, error) {
	if !cfg.RunLog.Enabled {
		return nil, nil
	}
	path := cfg.RunLog.Path
	if path == "" {
		path = filepath.Join(cfg.DataDir, "runs.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create run log directory: %w", err)
	}
	return runlog.Open(path)
}
