// Steward is a conversational assistant that manages todos, time
// tracking, and daily briefings through a remote tool provider.
//
// Each request is one conversational turn: the configured language
// model decides which actions to call, Steward resolves and executes
// them against the provider, and the model's final answer is printed.
// Model calls can be recorded to and replayed from cassettes so that a
// turn is reproducible without a live model.
//
// Usage:
//
//	steward ask <text...>        Run one conversational turn
//	steward actions              List the action catalogue
//	steward resolve <name>       Show how an action name resolves
//	steward cassette [name]      Summarize a stored cassette
//	steward runs                 Show recent runs from the run log
//	steward version              Print version and build information
//	steward -o json version      Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nugget/steward/internal/buildinfo"
	"github.com/nugget/steward/internal/config"
)

// main builds the OS-level environment and hands off to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the steward command. Answers and
// reports go to stdout; structured logs go to stderr.
//
// Arguments are parsed by hand rather than with the flag package, whose
// package-level state prevents calling run concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case command == "" && (args[i] == "-h" || args[i] == "-help" || args[i] == "--help"):
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Everything after the command belongs to it.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	env := &cliEnv{
		stdout:     stdout,
		stderr:     stderr,
		configPath: configPath,
		outputFmt:  outputFmt,
	}

	switch command {
	case "ask":
		return runAsk(ctx, env, cmdArgs)
	case "actions":
		return runActions(ctx, env)
	case "resolve":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: steward resolve <identifier>")
		}
		return runResolve(ctx, env, cmdArgs[0])
	case "cassette":
		if len(cmdArgs) > 1 {
			return fmt.Errorf("usage: steward cassette [name]")
		}
		name := ""
		if len(cmdArgs) == 1 {
			name = cmdArgs[0]
		}
		return runCassette(ctx, env, name)
	case "runs":
		return runRuns(ctx, env, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// cliEnv carries the global flags and output streams to subcommands.
type cliEnv struct {
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	outputFmt  string
}

func (e *cliEnv) json() bool { return e.outputFmt == "json" }

// writeJSON encodes v as indented JSON on stdout.
func (e *cliEnv) writeJSON(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Stable order for human readers.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Steward - conversational todo and time tracking assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: steward [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  ask <text...>     Run one conversational turn")
	fmt.Fprintln(w, "      -persona p    Persona to use (butler, assistant, coach)")
	fmt.Fprintln(w, "      -user id      Caller identity passed to the tool provider")
	fmt.Fprintln(w, "      -session id   Session identifier passed to the tool provider")
	fmt.Fprintln(w, "      -cassette n   Cassette name for record or playback")
	fmt.Fprintln(w, "      -mode m       Cassette mode: off, record, playback, auto")
	fmt.Fprintln(w, "  actions           List the action catalogue")
	fmt.Fprintln(w, "  resolve <name>    Show how an action name resolves")
	fmt.Fprintln(w, "  cassette [name]   Summarize a stored cassette (list all with sqlite)")
	fmt.Fprintln(w, "  runs [-n N]       Show recent runs and today's totals")
	fmt.Fprintln(w, "  version           Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}
