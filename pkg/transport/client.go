package transport

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by SendText when no socket is established.
var ErrNotConnected = errors.New("transport: not connected")

// Client is one logical WebSocket connection with reconnection. At most one
// underlying socket is live at a time; every observed event leads to a
// defined next state.
//
// All connect/write/disconnect work runs on the pool worker the client is
// assigned to, so the writable policy installed in OnWritable is never
// invoked concurrently with itself.
type Client struct {
	cfg     Config
	handler EventHandler

	// OnWritable is the writable-loop policy, invoked on the worker each
	// time a write wake is serviced while a socket exists. Set it before
	// Connect. When nil, the client falls back to driving the close frame
	// itself in the Disconnecting state.
	OnWritable func()

	worker *worker

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	attempts   int
	started    bool
	graceful   bool
	gracefulAt time.Time
	closed     bool

	writeQueued atomic.Bool
	writeMu     sync.Mutex

	// dial is replaceable in tests.
	dial func(cfg Config) (*websocket.Conn, error)
}

// NewClient creates a client for the given connection config. The handler
// must not be nil.
func NewClient(cfg Config, handler EventHandler) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		handler: handler,
		state:   StateIdle,
		dial:    dialWebSocket,
	}
}

func dialWebSocket(cfg Config) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if cfg.Subprotocol != "" {
		dialer.Subprotocols = []string{cfg.Subprotocol}
	}
	if cfg.TLS {
		dialer.TLSClientConfig = &tls.Config{
			// The dev-only knobs all disable chain verification; gorilla's
			// dialer still checks the server name unless skipping entirely.
			InsecureSkipVerify: cfg.AllowSelfSigned || cfg.SkipHostnameCheck || cfg.AllowExpired,
		}
	}

	header := http.Header{}
	if cfg.Username != "" && cfg.Password != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		header.Set("Authorization", "Basic "+cred)
	}

	conn, resp, err := dialer.Dial(cfg.URL(), header)
	if resp != nil && resp.Body != nil && err != nil {
		resp.Body.Close()
	}
	return conn, err
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect schedules the first dial attempt on the owning worker. The client
// must have been assigned to a pool first.
func (c *Client) Connect() {
	c.worker.post(wake{c, wakeConnect})
}

// RequestWrite schedules one invocation of the writable policy. Multiple
// requests coalesce until the worker services the wake.
func (c *Client) RequestWrite() {
	if c.writeQueued.Swap(true) {
		return
	}
	c.worker.post(wake{c, wakeWrite})
}

// Close forces the connection down. Pending reconnects are abandoned and the
// close frame is driven through the writable path.
func (c *Client) Close() {
	c.mu.Lock()
	c.attempts = c.cfg.maxAttempts() + 1
	c.mu.Unlock()
	c.worker.post(wake{c, wakeDisconnect})
}

// BeginGracefulShutdown records the drain deadline and wakes the writable
// policy, which drains the buffers, sends the final stop and closes.
func (c *Client) BeginGracefulShutdown() {
	c.mu.Lock()
	if !c.graceful {
		c.graceful = true
		c.gracefulAt = time.Now()
	}
	c.mu.Unlock()
	c.RequestWrite()
}

// IsGraceful reports whether a graceful shutdown is in progress.
func (c *Client) IsGraceful() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graceful
}

// GracefulDeadlineExceeded reports whether the drain budget has run out.
func (c *Client) GracefulDeadlineExceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graceful && time.Since(c.gracefulAt) >= GracefulShutdownTimeout
}

// MarkDisconnecting moves the connection into Disconnecting so the next
// writable wake sends the close frame. Used by the session after the final
// stop message went out.
func (c *Client) MarkDisconnecting() {
	c.mu.Lock()
	if c.state == StateConnected {
		c.state = StateDisconnecting
	}
	c.mu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// SendText writes one text frame.
func (c *Client) SendText(text string) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// SendClose sends a normal close frame and arms a short read deadline so a
// peer that never replies cannot hold the socket open.
func (c *Client) SendClose() error {
	c.mu.Lock()
	conn := c.conn
	if c.state == StateConnected {
		c.state = StateDisconnecting
	}
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return err
}

// doConnect runs one dial attempt on the worker.
func (c *Client) doConnect() {
	c.mu.Lock()
	if c.closed || (c.state != StateIdle && c.state != StateReconnecting) {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.attempts++
	attempt := c.attempts
	cfg := c.cfg
	dial := c.dial
	c.mu.Unlock()

	conn, err := dial(cfg)
	if err != nil {
		c.connectFailed(attempt, err)
		return
	}

	done := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	first := !c.started
	c.started = true
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)

	if first {
		c.handler.OnConnectSuccess()
	}
	c.RequestWrite()
}

func (c *Client) connectFailed(attempt int, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if attempt < c.cfg.maxAttempts() {
		c.state = StateReconnecting
		c.mu.Unlock()
		log.Printf("[WsClient] %s connection error (attempt %d): %v, retrying", c.cfg.URL(), attempt, err)
		c.handler.OnReconnecting(attempt)
		c.scheduleReconnect()
		return
	}
	c.state = StateFailed
	c.mu.Unlock()
	log.Printf("[WsClient] %s connection failed after %d attempts: %v", c.cfg.URL(), attempt, err)
	c.handler.OnConnectFail(err.Error())
}

func (c *Client) scheduleReconnect() {
	time.AfterFunc(c.cfg.Delay, func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.worker.post(wake{c, wakeConnect})
		}
	})
}

// readLoop reassembles inbound messages until the socket dies. Binary
// frames are discarded; a text message larger than MaxRecvBuf is drained
// and dropped.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		msgType, r, err := conn.NextReader()
		if err != nil {
			c.readClosed(conn, err)
			return
		}
		if msgType != websocket.TextMessage {
			log.Printf("[WsClient] %s received binary frame, discarding", c.cfg.URL())
			io.Copy(io.Discard, r)
			continue
		}

		data, err := io.ReadAll(io.LimitReader(r, int64(c.cfg.MaxRecvBuf)+1))
		if err != nil {
			c.readClosed(conn, err)
			return
		}
		if len(data) > c.cfg.MaxRecvBuf {
			log.Printf("[WsClient] %s max receive buffer exceeded, truncating message", c.cfg.URL())
			io.Copy(io.Discard, r)
			continue
		}
		c.handler.OnMessage(string(data))
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// readClosed resolves the next state after the socket died.
func (c *Client) readClosed(conn *websocket.Conn, err error) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		// A newer socket took over already.
		c.mu.Unlock()
		return
	}
	c.conn = nil

	switch {
	case c.graceful || c.state == StateDisconnecting:
		c.state = StateDisconnected
		c.mu.Unlock()
		c.handler.OnClosedGracefully()

	case c.state == StateConnected:
		if c.attempts < c.cfg.maxAttempts() && !c.closed {
			c.state = StateReconnecting
			c.mu.Unlock()
			log.Printf("[WsClient] %s closed by far end, retrying: %v", c.cfg.URL(), err)
			c.handler.OnReconnecting(1)
			c.scheduleReconnect()
			return
		}
		c.state = StateDisconnected
		c.mu.Unlock()
		log.Printf("[WsClient] %s closed by far end: %v", c.cfg.URL(), err)
		c.handler.OnConnectionDropped()

	default:
		c.state = StateDisconnected
		c.mu.Unlock()
	}
}

// doWritable services one write wake on the worker.
func (c *Client) doWritable() {
	c.mu.Lock()
	state := c.state
	fn := c.OnWritable
	c.mu.Unlock()

	if state != StateConnected && state != StateDisconnecting {
		return
	}
	if fn != nil {
		fn()
		return
	}
	if state == StateDisconnecting {
		c.SendClose()
	}
}

// doDisconnect services a forced-close wake on the worker.
func (c *Client) doDisconnect() {
	c.mu.Lock()
	if c.conn == nil {
		// Closed before any socket existed: abandon pending dials.
		c.closed = true
		if c.state != StateFailed {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnecting
	c.mu.Unlock()
	c.RequestWrite()
}
