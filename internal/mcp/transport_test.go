package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHTTPTransport_JSONResponse(t *testing.T) {
	var sessions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions = append(sessions, r.Header.Get(sessionHeader))
		if r.Header.Get("Authorization") != "Bearer t0k" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}

		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		if req.ID == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set(sessionHeader, "sess-1")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, req.ID)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t0k"}})

	resp, err := tr.Send(context.Background(), NewRequest(1, "initialize", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(resp.Result) != `{"ok":true}` {
		t.Errorf("Result = %s", resp.Result)
	}
	if err := tr.Notify(context.Background(), NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if len(sessions) != 2 || sessions[0] != "" || sessions[1] != "sess-1" {
		t.Errorf("session headers = %q, want [\"\" \"sess-1\"]", sessions)
	}
}

func TestHTTPTransport_EventStreamResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"tools\":[]}}\n\n", req.ID)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	resp, err := tr.Send(context.Background(), NewRequest(7, "tools/list", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 7 || string(resp.Result) != `{"tools":[]}` {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHTTPTransport_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "provider restarting", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	_, err := tr.Send(context.Background(), NewRequest(1, "tools/call", nil))
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("Send error = %v, want 503", err)
	}
}

func TestHTTPTransport_InvokeEndToEnd(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req struct {
			ID     int64          `json:"id"`
			Params map[string]any `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32603,"message":"store unavailable"}}`, req.ID)
	}))
	defer srv.Close()

	client := NewClient("todos", NewHTTPTransport(HTTPConfig{URL: srv.URL}), nil)
	_, err := client.Invoke(context.Background(), "listTodos", nil, CallerContext{UserID: "u1"})

	var ie *InvocationError
	if !errors.As(err, &ie) || ie.Category != CategoryRemote || ie.Message != "store unavailable" {
		t.Fatalf("err = %v, want remote store unavailable", err)
	}
	if calls != 1 {
		t.Errorf("server saw %d calls, want 1", calls)
	}
}

// wsEchoServer answers every request with its own method name after an
// optional per-method delay.
func wsEchoServer(t *testing.T, delays map[string]time.Duration) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{"mcp"}}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.ID == 0 {
				continue
			}
			if req.Method == "hangup" {
				return
			}
			go func(req Request) {
				time.Sleep(delays[req.Method])
				writeMu.Lock()
				defer writeMu.Unlock()
				conn.WriteJSON(map[string]any{
					"jsonrpc": "2.0",
					"id":      req.ID,
					"result":  map[string]any{"method": req.Method},
				})
			}(req)
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketTransport_ConcurrentRequests(t *testing.T) {
	srv := wsEchoServer(t, map[string]time.Duration{"slow": 100 * time.Millisecond})
	defer srv.Close()

	tr := NewWebSocketTransport(WebSocketConfig{URL: wsURL(srv)})
	defer tr.Close()

	ctx := context.Background()
	if err := tr.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var wg sync.WaitGroup
	got := make([]string, 2)
	for i, method := range []string{"slow", "fast"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := tr.Send(ctx, NewRequest(int64(i+1), method, nil))
			if err != nil {
				t.Errorf("Send(%s): %v", method, err)
				return
			}
			got[i] = methodOf(t, resp)
		}()
	}
	wg.Wait()

	if got[0] != "slow" || got[1] != "fast" {
		t.Errorf("responses = %v, want each request matched by id", got)
	}
}

func TestWebSocketTransport_HangupFailsPending(t *testing.T) {
	srv := wsEchoServer(t, nil)
	defer srv.Close()

	tr := NewWebSocketTransport(WebSocketConfig{URL: wsURL(srv)})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := tr.Send(ctx, NewRequest(1, "hangup", nil)); !errors.Is(err, errWSClosed) {
		t.Fatalf("Send(hangup) = %v, want errWSClosed", err)
	}

	// The next call dials a fresh connection.
	resp, err := tr.Send(ctx, NewRequest(2, "initialize", nil))
	if err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	if methodOf(t, resp) != "initialize" {
		t.Errorf("method = %q", methodOf(t, resp))
	}
}

func TestWebSocketTransport_StaleConnDropKeepsNewCalls(t *testing.T) {
	srv := wsEchoServer(t, map[string]time.Duration{"slow": 200 * time.Millisecond})
	defer srv.Close()

	tr := NewWebSocketTransport(WebSocketConfig{URL: wsURL(srv)})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := tr.Send(ctx, NewRequest(1, "initialize", nil)); err != nil {
		t.Fatalf("Send(initialize): %v", err)
	}

	// Forget the first connection the way a failed write does, leaving
	// its read loop to shut down later.
	tr.connMu.Lock()
	stale := tr.conn
	tr.conn = nil
	tr.connMu.Unlock()

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := tr.Send(ctx, NewRequest(2, "slow", nil))
		done <- result{resp, err}
	}()

	deadline := time.Now().Add(time.Second)
	for {
		tr.pendingMu.Lock()
		c, ok := tr.pending[2]
		tr.pendingMu.Unlock()
		if ok {
			if c.conn == stale {
				t.Fatal("new call registered on the stale connection")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("call 2 never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	tr.dropConn(stale)

	r := <-done
	if r.err != nil {
		t.Fatalf("Send(slow) after stale drop = %v", r.err)
	}
	if methodOf(t, r.resp) != "slow" {
		t.Errorf("method = %q", methodOf(t, r.resp))
	}
}

func TestWebSocketTransport_DialFailure(t *testing.T) {
	tr := NewWebSocketTransport(WebSocketConfig{URL: "ws://127.0.0.1:1/mcp"})
	_, err := tr.Send(context.Background(), NewRequest(1, "initialize", nil))
	if err == nil || !strings.Contains(err.Error(), "dial websocket") {
		t.Fatalf("Send = %v, want dial error", err)
	}
}
