package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jitsi/jibri/internal/logging"
	"github.com/jitsi/jibri/internal/scripts"
)

var log = logging.L("browser")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	audioLoopbackURL = "about:blank?jibri-audio-loopback"
	audioCheckDelay  = 2 * time.Second
	quitSettleDelay  = 500 * time.Millisecond
)

// rpcRequest and rpcResponse mirror the CDP JSON-RPC envelope: every command
// carries a correlation id the client matches against the response.
type rpcRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// CDPDriver implements Driver over a single Chrome DevTools Protocol
// WebSocket connection. Its transport shape — a read pump and a ping ticker
// per connection, writes serialized under sendMu, and a dropped connection
// redialed on next use — is adapted from the control-channel client this
// codebase already used for an RMM command stream; here it carries
// Runtime.evaluate calls instead.
type CDPDriver struct {
	debuggerWSURL string
	scripts       *scripts.Catalog

	connMu sync.Mutex
	conn   *websocket.Conn

	nextID  atomic.Int64
	pending sync.Map // int64 -> chan rpcResponse

	sendMu sync.Mutex
}

// NewCDPDriver creates a driver that will dial the given CDP WebSocket debug
// URL (as reported by chrome --remote-debugging-port's /json/new endpoint)
// on first use.
func NewCDPDriver(debuggerWSURL string, catalog *scripts.Catalog) *CDPDriver {
	return &CDPDriver{debuggerWSURL: debuggerWSURL, scripts: catalog}
}

func (d *CDPDriver) dial(ctx context.Context) error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn != nil {
		return nil
	}

	u, err := url.Parse(d.debuggerWSURL)
	if err != nil {
		return fmt.Errorf("parse CDP debugger url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial CDP websocket: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	d.conn = conn

	go d.readPump(conn)
	go d.pingLoop(conn)
	return nil
}

func (d *CDPDriver) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("CDP read error", "error", err)
			}
			d.dropConn(conn)
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(message, &resp); err != nil {
			continue // malformed frame; ignored (event notifications parse but match no pending call below)
		}
		if ch, ok := d.pending.LoadAndDelete(resp.ID); ok {
			ch.(chan rpcResponse) <- resp
		}
	}
}

func (d *CDPDriver) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		d.connMu.Lock()
		same := d.conn == conn
		d.connMu.Unlock()
		if !same {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			d.dropConn(conn)
			return
		}
	}
}

func (d *CDPDriver) dropConn(conn *websocket.Conn) {
	d.connMu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	d.connMu.Unlock()
	conn.Close()
}

// evaluate issues a Runtime.evaluate call and unmarshals the result value.
func (d *CDPDriver) evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	if err := d.dial(ctx); err != nil {
		return nil, err
	}

	id := d.nextID.Add(1)
	respCh := make(chan rpcResponse, 1)
	d.pending.Store(id, respCh)
	defer d.pending.Delete(id)

	req := rpcRequest{
		ID:     id,
		Method: "Runtime.evaluate",
		Params: map[string]any{"expression": expr, "returnByValue": true},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	d.sendMu.Lock()
	d.connMu.Lock()
	conn := d.conn
	d.connMu.Unlock()
	var writeErr error
	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		writeErr = conn.WriteMessage(websocket.TextMessage, data)
	} else {
		writeErr = fmt.Errorf("no CDP connection")
	}
	d.sendMu.Unlock()
	if writeErr != nil {
		return nil, writeErr
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("CDP error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		// Runtime.evaluate nests the returned value as result.result.value.
		var wrapper struct {
			Result struct {
				Value json.RawMessage `json:"value"`
			} `json:"result"`
		}
		if err := json.Unmarshal(resp.Result, &wrapper); err != nil {
			return nil, fmt.Errorf("decode CDP evaluate result: %w", err)
		}
		return wrapper.Result.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *CDPDriver) CheckAudio(ctx context.Context) error {
	if err := d.dial(ctx); err != nil {
		return err
	}
	if _, err := d.evaluate(ctx, fmt.Sprintf("window.location.href=%q", audioLoopbackURL)); err != nil {
		return fmt.Errorf("open audio loopback: %w", err)
	}
	select {
	case <-time.After(audioCheckDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	code, err := d.scripts.CheckAudio(ctx)
	if err != nil {
		return fmt.Errorf("check_audio script: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("check_audio script exited %d", code)
	}
	return nil
}

// Launch sets local identifiers and navigates to the decorated conference
// URL (spec.md §4.2: iAmRecorder=true for encode/file, iAmSipGateway=true
// for SIP, plus an optional BOSH domain override fragment).
func (d *CDPDriver) Launch(ctx context.Context, opts LaunchOptions) error {
	if err := d.dial(ctx); err != nil {
		return err
	}

	decorated := decorateURL(opts.URL, opts.IsRecorder, opts.BoshDomain)

	setup := fmt.Sprintf(
		"window.__jibriDisplayName=%q; window.__jibriEmail=%q;",
		opts.DisplayName, opts.Email,
	)
	if opts.GoogleCredentials != nil {
		setup += fmt.Sprintf(
			"window.__jibriGoogleAccount=%q; window.__jibriGoogleAccountPassword=%q;",
			opts.GoogleCredentials.Email, opts.GoogleCredentials.Password,
		)
	}
	if _, err := d.evaluate(ctx, setup); err != nil {
		return fmt.Errorf("inject identifiers: %w", err)
	}

	nav := fmt.Sprintf("window.location.href=%q", decorated)
	if _, err := d.evaluate(ctx, nav); err != nil {
		return fmt.Errorf("navigate to conference url: %w", err)
	}
	return nil
}

func decorateURL(base string, isRecorder bool, boshDomain string) string {
	frag := "config.iAmSipGateway=true"
	if isRecorder {
		frag = "config.iAmRecorder=true"
	}
	decorated := base + "#" + frag + "&config.externalConnectUrl=null"
	if boshDomain != "" {
		decorated += "&config.bosh=" + url.QueryEscape(boshDomain)
	}
	return decorated
}

func (d *CDPDriver) poll(ctx context.Context, timeout, interval time.Duration, check func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if check() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}

func (d *CDPDriver) WaitSignalingConnected(ctx context.Context, timeout, pollInterval time.Duration) bool {
	return d.poll(ctx, timeout, pollInterval, func() bool {
		raw, err := d.evaluate(ctx, "APP.conference.isJoined()")
		if err != nil {
			return false
		}
		var connected bool
		_ = json.Unmarshal(raw, &connected)
		return connected
	})
}

func (d *CDPDriver) WaitDownloadBitrate(ctx context.Context, timeout, pollInterval time.Duration) bool {
	return d.poll(ctx, timeout, pollInterval, func() bool {
		raw, err := d.evaluate(ctx, "APP.conference.getStats().bitrate.download")
		if err != nil {
			return false
		}
		var bitrate float64
		_ = json.Unmarshal(raw, &bitrate)
		return bitrate > 0
	})
}

func (d *CDPDriver) CheckRunning(ctx context.Context) RunState {
	raw, err := d.evaluate(ctx, "APP.conference.isJoined()")
	if err != nil {
		return Dead
	}
	var joined bool
	if err := json.Unmarshal(raw, &joined); err != nil {
		return UnknownHangup
	}
	if joined {
		return Running
	}
	return UnknownHangup
}

func (d *CDPDriver) Quit(ctx context.Context) {
	_, _ = d.evaluate(ctx, "APP.conference.hangup && APP.conference.hangup()")
	select {
	case <-time.After(quitSettleDelay):
	case <-ctx.Done():
	}

	d.connMu.Lock()
	conn := d.conn
	d.conn = nil
	d.connMu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
}
