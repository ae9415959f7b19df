package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

// TestHelperProcess is not a real test. It runs as the MCP server
// subprocess when re-executed by the stdio transport tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("STEWARD_WANT_HELPER_PROCESS") != "1" {
		return
	}

	in := bufio.NewScanner(os.Stdin)
	out := bufio.NewWriter(os.Stdout)
	for in.Scan() {
		var req Request
		if err := json.Unmarshal(in.Bytes(), &req); err != nil || req.ID == 0 {
			continue // notification
		}
		// Noise a real server might emit before answering.
		fmt.Fprintln(out, "todo-server: handling", req.Method)
		fmt.Fprintln(out, `{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`)

		switch req.Method {
		case "slow":
			out.Flush()
			time.Sleep(200 * time.Millisecond)
		case "exit":
			out.Flush()
			os.Exit(0)
		}
		resp, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]any{"method": req.Method},
		})
		fmt.Fprintln(out, string(resp))
		out.Flush()
	}
	os.Exit(0)
}

func helperTransport(t *testing.T) *StdioTransport {
	t.Helper()
	tr := NewStdioTransport(StdioConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess"},
		Env:     []string{"STEWARD_WANT_HELPER_PROCESS=1"},
	})
	t.Cleanup(func() { tr.Close() })
	return tr
}

func methodOf(t *testing.T, resp *Response) string {
	t.Helper()
	var result struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return result.Method
}

func TestStdioTransport_RoundTrip(t *testing.T) {
	tr := helperTransport(t)
	ctx := context.Background()

	if err := tr.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	for i, method := range []string{"initialize", "tools/list", "tools/call"} {
		resp, err := tr.Send(ctx, NewRequest(int64(i+1), method, nil))
		if err != nil {
			t.Fatalf("Send(%s): %v", method, err)
		}
		if resp.ID != int64(i+1) {
			t.Errorf("ID = %d, want %d", resp.ID, i+1)
		}
		if got := methodOf(t, resp); got != method {
			t.Errorf("echoed method = %q, want %q", got, method)
		}
	}
}

func TestStdioTransport_LateResponseDiscarded(t *testing.T) {
	tr := helperTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := tr.Send(ctx, NewRequest(1, "slow", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send(slow) = %v, want deadline exceeded", err)
	}

	// The subprocess keeps running; the late reply to request 1 must not
	// be mistaken for the answer to request 2.
	resp, err := tr.Send(context.Background(), NewRequest(2, "tools/list", nil))
	if err != nil {
		t.Fatalf("Send after timeout: %v", err)
	}
	if resp.ID != 2 || methodOf(t, resp) != "tools/list" {
		t.Errorf("got id %d method %q, want the tools/list reply", resp.ID, methodOf(t, resp))
	}
}

func TestStdioTransport_ProcessExitRestarts(t *testing.T) {
	tr := helperTransport(t)
	ctx := context.Background()

	if _, err := tr.Send(ctx, NewRequest(1, "exit", nil)); !errors.Is(err, errProcessExited) {
		t.Fatalf("Send(exit) = %v, want errProcessExited", err)
	}
	resp, err := tr.Send(ctx, NewRequest(2, "initialize", nil))
	if err != nil {
		t.Fatalf("Send after restart: %v", err)
	}
	if resp.ID != 2 {
		t.Errorf("ID = %d, want 2", resp.ID)
	}
}

func TestStdioTransport_StartFailure(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "/nonexistent/todo-server"})
	if _, err := tr.Send(context.Background(), NewRequest(1, "initialize", nil)); err == nil {
		t.Fatal("expected error starting a missing command")
	}
}

func TestStdioTransport_AcquireRespectsContext(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})

	// Simulate another goroutine holding the transport.
	tr.sem <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tr.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("acquire() = %v, want context.DeadlineExceeded", err)
	}
	if _, err := tr.Send(ctx, NewRequest(1, "initialize", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() = %v, want context.DeadlineExceeded", err)
	}
	if err := tr.Notify(ctx, NewNotification("notifications/initialized", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Notify() = %v, want context.DeadlineExceeded", err)
	}
}

func TestStdioTransport_AcquireCancelledWithFreeSlot(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tr.acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("acquire() = %v, want context.Canceled", err)
	}
	select {
	case <-tr.sem:
		t.Fatal("slot was left held after a cancelled acquire")
	default:
	}
}

func TestStdioTransport_CloseWaitsForInFlight(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{Command: "echo"})
	if err := tr.acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	closeDone := make(chan error, 1)
	go func() { closeDone <- tr.Close() }()

	select {
	case <-closeDone:
		t.Fatal("Close() returned while an exchange held the transport")
	case <-time.After(100 * time.Millisecond):
	}

	tr.release()

	select {
	case err := <-closeDone:
		if err != nil {
			t.Errorf("Close() = %v, want nil for an unstarted transport", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return after release")
	}
}
