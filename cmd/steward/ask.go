package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/steward/internal/agent"
	"github.com/nugget/steward/internal/cassette"
	"github.com/nugget/steward/internal/clock"
	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/mqtt"
)

// askOptions are the per-turn flags of the ask command.
type askOptions struct {
	persona  string
	user     string
	session  string
	cassette string
	mode     string
	text     string
}

func parseAskArgs(args []string) (askOptions, error) {
	opts := askOptions{user: "cli", session: "cli"}
	var words []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		var target *string
		switch arg {
		case "-persona":
			target = &opts.persona
		case "-user":
			target = &opts.user
		case "-session":
			target = &opts.session
		case "-cassette":
			target = &opts.cassette
		case "-mode":
			target = &opts.mode
		}
		if target != nil {
			if i+1 >= len(args) {
				return opts, fmt.Errorf("flag %s needs a value", arg)
			}
			*target = args[i+1]
			i++
			continue
		}
		if name, value, ok := strings.Cut(arg, "="); ok && strings.HasPrefix(name, "-") {
			switch name {
			case "-persona":
				opts.persona = value
			case "-user":
				opts.user = value
			case "-session":
				opts.session = value
			case "-cassette":
				opts.cassette = value
			case "-mode":
				opts.mode = value
			default:
				return opts, fmt.Errorf("unknown ask flag: %s", name)
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && len(words) == 0 {
			return opts, fmt.Errorf("unknown ask flag: %s", arg)
		}
		words = append(words, arg)
	}

	opts.text = strings.TrimSpace(strings.Join(words, " "))
	if opts.text == "" {
		return opts, fmt.Errorf("usage: steward ask [-persona p] [-user id] [-cassette name] [-mode m] <text...>")
	}
	return opts, nil
}

// askReport is the JSON rendering of one turn.
type askReport struct {
	RunID      string       `json:"run_id"`
	Success    bool         `json:"success"`
	Response   string       `json:"response"`
	Category   string       `json:"error_category,omitempty"`
	Error      string       `json:"error,omitempty"`
	Iterations int          `json:"iterations"`
	Tools      []toolReport `json:"tools,omitempty"`
	Cassette   *cassetteRun `json:"cassette,omitempty"`
}

type toolReport struct {
	Action    string `json:"action"`
	Requested string `json:"requested"`
	OK        bool   `json:"ok"`
	Category  string `json:"error_category,omitempty"`
}

type cassetteRun struct {
	Name    string `json:"name"`
	Mode    string `json:"mode"`
	Hits    int    `json:"hits"`
	Records int    `json:"records"`
}

// runAsk handles "steward ask". It wires the full stack for a single
// turn: model client, optional cassette, tool provider, action
// registry, run log, and MQTT relay.
func runAsk(ctx context.Context, env *cliEnv, args []string) error {
	opts, err := parseAskArgs(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := setup(env)
	if err != nil {
		return err
	}

	modeName := cfg.Cassettes.Mode
	if opts.mode != "" {
		modeName = opts.mode
	}
	mode, err := cassette.ParseMode(modeName)
	if err != nil {
		return err
	}
	if mode != cassette.ModeOff && opts.cassette == "" {
		return fmt.Errorf("cassette mode %s needs -cassette <name>", mode)
	}

	bus := events.New()

	if cfg.MQTT.Configured() {
		stopRelay, err := startRelay(ctx, cfg.MQTT, cfg.DataDir, bus, logger)
		if err != nil {
			logger.Warn("mqtt relay disabled", "error", err)
		} else {
			defer stopRelay()
		}
	}

	stack, err := buildToolStack(ctx, cfg, bus, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	clk := clock.NewLogical()
	var client llm.Client = createLLMClient(cfg, logger)

	var mgr *cassette.Manager
	if mode != cassette.ModeOff {
		store, closeStore, err := cassetteStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		mgr, err = cassette.Open(ctx, cassette.Options{
			Name:   opts.cassette,
			Mode:   mode,
			Store:  store,
			Client: client,
			Clock:  clk,
			Bus:    bus,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		client = mgr
	}

	agentCfg := agent.Config{
		Model:         cfg.Models.Default,
		Persona:       cfg.Agent.Persona,
		MaxToolRounds: cfg.Agent.MaxToolRounds,
		RunTimeout:    cfg.Agent.RunTimeout(),
	}
	if opts.persona != "" {
		agentCfg.Persona = opts.persona
	} else if cfg.Agent.PersonaFile != "" {
		data, err := os.ReadFile(cfg.Agent.PersonaFile)
		if err != nil {
			return fmt.Errorf("read persona file: %w", err)
		}
		agentCfg.PersonaText = string(data)
	}

	agentOpts := []agent.Option{
		agent.WithClock(clk),
		agent.WithEventBus(bus),
		agent.WithLogger(logger),
	}
	runs, err := openRunLog(cfg)
	if err != nil {
		logger.Warn("run log disabled", "error", err)
	} else if runs != nil {
		defer runs.Close()
		agentOpts = append(agentOpts, agent.WithRecorder(runs))
	}

	a, err := agent.New(agentCfg, client, stack.registry, stack.invoker(), agentOpts...)
	if err != nil {
		return err
	}

	res := a.ProcessMessage(ctx, opts.text, opts.user, agent.TransportContext{
		SessionID: opts.session,
		Channel:   "cli",
	})

	var cr *cassetteRun
	if mgr != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := mgr.Close(closeCtx); err != nil {
			logger.Error("failed to save cassette", "cassette", opts.cassette, "error", err)
		}
		cancel()
		st := mgr.Stats()
		cr = &cassetteRun{Name: opts.cassette, Mode: string(st.Mode), Hits: st.Hits, Records: st.Records}
		logger.Debug("cassette closed", "hits", st.Hits, "records", st.Records, "interactions", st.Interactions)
	}

	if env.json() {
		report := askReport{
			RunID:      res.RunID,
			Success:    res.Success,
			Response:   res.Reply(),
			Category:   res.Category(),
			Iterations: res.Iterations,
			Cassette:   cr,
		}
		if res.Error != nil {
			report.Error = res.Error.Error()
		}
		for _, tr := range res.ToolResults {
			t := toolReport{Action: tr.ToolName, Requested: tr.Requested, OK: tr.Err() == nil}
			if te := tr.Err(); te != nil {
				t.Category = te.Category
			}
			report.Tools = append(report.Tools, t)
		}
		if err := env.writeJSON(report); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(env.stdout, res.Reply())
	}

	if !res.Success {
		return fmt.Errorf("ask failed (%s): %w", res.Category(), res.Error)
	}
	return nil
}

// startRelay launches the MQTT relay in the background. The returned
// function publishes "offline", disconnects, and waits for the relay
// goroutine to exit.
func startRelay(ctx context.Context, cfg config.MQTTConfig, dataDir string, bus *events.Bus, logger *slog.Logger) (func(), error) {
	instanceID, err := mqtt.LoadOrCreateInstanceID(dataDir)
	if err != nil {
		return nil, fmt.Errorf("mqtt instance id: %w", err)
	}
	counters := mqtt.NewDailyCounters(clock.Real{}, time.Local)
	relay := mqtt.NewRelay(cfg, mqtt.ClientID(cfg.ClientID, instanceID), bus, counters, logger)

	relayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := relay.Start(relayCtx); err != nil {
			logger.Warn("mqtt relay stopped", "error", err)
		}
	}()

	return func() {
		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer stopCancel()
		if err := relay.Stop(stopCtx); err != nil {
			logger.Debug("mqtt disconnect", "error", err)
		}
		cancel()
		<-done
	}, nil
}
