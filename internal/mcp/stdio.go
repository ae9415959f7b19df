package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// errProcessExited is returned when the subprocess closes stdout.
var errProcessExited = errors.New("MCP subprocess exited")

// StdioConfig configures a transport that runs the MCP server as a
// subprocess speaking newline-delimited JSON-RPC on stdin/stdout.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env holds extra "KEY=VALUE" entries appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport talks to an MCP server subprocess. The process is
// started lazily and survives individual call timeouts: a response that
// arrives after its caller gave up is discarded by ID.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	// sem serializes exchanges; a channel rather than a mutex so that
	// waiting honours context cancellation.
	sem chan struct{}

	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan []byte
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until the first Send or Notify call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases may be ready at once; a cancelled caller must not
	// proceed holding the slot.
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() {
	<-t.sem
}

// start launches the subprocess if it is not running. Caller must hold
// the semaphore.
func (t *StdioTransport) start() error {
	if t.cmd != nil {
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	lines := make(chan []byte, 16)
	go readLines(stdout, lines)
	go t.drainStderr(stderr)

	t.cmd = cmd
	t.stdin = stdin
	t.lines = lines

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readLines forwards stdout lines until EOF, then closes out.
func readLines(r io.Reader, out chan<- []byte) {
	defer close(out)
	reader := bufio.NewReaderSize(r, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			out <- line
		}
		if err != nil {
			return
		}
	}
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Send writes a request and waits for the response with the same ID.
// Log lines, notifications, and stale responses are skipped.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	if err := t.write(req); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line, ok := <-t.lines:
			if !ok {
				t.reset()
				return nil, errProcessExited
			}
			if !isResponse(line) {
				t.logger.Debug("skipping non-response line from MCP subprocess", "line", string(line))
				continue
			}
			var resp Response
			if err := json.Unmarshal(line, &resp); err != nil {
				continue
			}
			if resp.ID == req.ID {
				return &resp, nil
			}
			t.logger.Debug("discarding unmatched MCP response", "id", resp.ID, "want", req.ID)
		}
	}
}

// Notify writes a notification. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()
	return t.write(notif)
}

// write starts the subprocess if needed and sends one framed message.
// Caller must hold the semaphore.
func (t *StdioTransport) write(msg any) error {
	if err := t.start(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.reset()
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// Close terminates the subprocess, waiting for any in-flight exchange.
func (t *StdioTransport) Close() error {
	if err := t.acquire(context.Background()); err != nil {
		return err
	}
	defer t.release()
	return t.stop()
}

// stop closes stdin and waits briefly for a graceful exit before
// killing the process. Caller must hold the semaphore.
func (t *StdioTransport) stop() error {
	if t.cmd == nil {
		return nil
	}
	cmd := t.cmd
	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

	t.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}

	t.discardLines()
	t.cmd = nil
	t.stdin = nil
	return err
}

// reset kills a broken subprocess so the next call starts a fresh one.
// Caller must hold the semaphore.
func (t *StdioTransport) reset() {
	if t.cmd == nil {
		return
	}
	t.stdin.Close()
	_ = t.cmd.Process.Kill()
	_ = t.cmd.Wait()
	t.discardLines()
	t.cmd = nil
	t.stdin = nil
}

// discardLines lets the reader goroutine run to EOF.
func (t *StdioTransport) discardLines() {
	if lines := t.lines; lines != nil {
		go func() {
			for range lines {
			}
		}()
	}
	t.lines = nil
}
