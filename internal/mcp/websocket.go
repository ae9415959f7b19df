package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// errWSClosed is returned to callers waiting on a connection that closed.
var errWSClosed = errors.New("websocket connection closed")

// WebSocketConfig configures a transport that exchanges JSON-RPC frames
// with an MCP server over a websocket.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Headers are sent with the opening handshake (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WebSocketTransport multiplexes concurrent requests over one websocket
// connection, correlating responses by JSON-RPC ID. The connection is
// dialed lazily and re-dialed on the next call after it drops.
type WebSocketTransport struct {
	config WebSocketConfig
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[int64]wsCall
}

// wsCall is a request waiting for its response on conn.
type wsCall struct {
	conn *websocket.Conn
	ch   chan *Response
}

// NewWebSocketTransport creates a websocket transport for the given config.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		config:  cfg,
		logger:  logger,
		pending: make(map[int64]wsCall),
	}
}

// connect dials the server if there is no live connection and returns
// the connection to write on. Caller must hold connMu.
func (t *WebSocketTransport) connect(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	t.logger.Info("connecting to MCP websocket", "url", t.config.URL)

	dialer := websocket.Dialer{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		Subprotocols:    []string{"mcp"},
	}
	conn, _, err := dialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	t.conn = conn
	go t.readLoop(conn)
	return conn, nil
}

// Send writes a request frame and waits for the response with its ID.
func (t *WebSocketTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	respCh := make(chan *Response, 1)
	defer func() {
		t.pendingMu.Lock()
		if c, ok := t.pending[req.ID]; ok && c.ch == respCh {
			delete(t.pending, req.ID)
		}
		t.pendingMu.Unlock()
	}()

	err := t.write(ctx, req, func(conn *websocket.Conn) {
		t.pendingMu.Lock()
		t.pending[req.ID] = wsCall{conn: conn, ch: respCh}
		t.pendingMu.Unlock()
	})
	if err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, errWSClosed
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify writes a notification frame.
func (t *WebSocketTransport) Notify(ctx context.Context, notif *Notification) error {
	return t.write(ctx, notif, nil)
}

// write sends msg on the live connection, dialing if needed. register,
// when set, runs with the chosen connection before the frame is sent.
func (t *WebSocketTransport) write(ctx context.Context, msg any, register func(*websocket.Conn)) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	conn, err := t.connect(ctx)
	if err != nil {
		return err
	}
	if register != nil {
		register(conn)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		t.conn = nil
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

// readLoop dispatches response frames to waiting callers until the
// connection fails, then fails the calls pending on that connection.
func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Debug("MCP websocket read ended", "error", err)
			}
			t.dropConn(conn)
			return
		}

		if !isResponse(data) {
			t.logger.Debug("ignoring non-response websocket frame", "len", len(data))
			continue
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}

		t.pendingMu.Lock()
		c, ok := t.pending[resp.ID]
		if ok && c.conn == conn {
			delete(t.pending, resp.ID)
		} else {
			ok = false
		}
		t.pendingMu.Unlock()

		if !ok {
			t.logger.Debug("discarding unmatched MCP response", "id", resp.ID)
			continue
		}
		c.ch <- &resp
	}
}

// dropConn forgets conn and fails the calls waiting on it. Calls
// already sent on a newer connection are left alone.
func (t *WebSocketTransport) dropConn(conn *websocket.Conn) {
	t.connMu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.connMu.Unlock()
	conn.Close()

	t.pendingMu.Lock()
	for id, c := range t.pending {
		if c.conn != conn {
			continue
		}
		close(c.ch)
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}

// Close sends a close frame and shuts the connection.
func (t *WebSocketTransport) Close() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn == nil {
		return nil
	}
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := t.conn.Close()
	t.conn = nil
	return err
}
