package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler counts lifecycle events and collects messages.
type recordingHandler struct {
	mu        sync.Mutex
	successes int
	failures  int
	retries   int
	dropped   int
	closed    int
	messages  []string
}

func (h *recordingHandler) retryCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retries
}

func (h *recordingHandler) OnConnectSuccess() {
	h.mu.Lock()
	h.successes++
	h.mu.Unlock()
}

func (h *recordingHandler) OnConnectFail(reason string) {
	h.mu.Lock()
	h.failures++
	h.mu.Unlock()
}

func (h *recordingHandler) OnReconnecting(attempt int) {
	h.mu.Lock()
	h.retries++
	h.mu.Unlock()
}

func (h *recordingHandler) OnConnectionDropped() {
	h.mu.Lock()
	h.dropped++
	h.mu.Unlock()
}

func (h *recordingHandler) OnClosedGracefully() {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
}

func (h *recordingHandler) OnMessage(text string) {
	h.mu.Lock()
	h.messages = append(h.messages, text)
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() (successes, failures, dropped, closed int, messages []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.successes, h.failures, h.dropped, h.closed, append([]string(nil), h.messages...)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func testConfig(t *testing.T, serverURL string) Config {
	t.Helper()
	cfg, err := ParseURL(serverURL)
	require.NoError(t, err)
	cfg.Delay = 20 * time.Millisecond
	return cfg
}

func startClient(t *testing.T, cfg Config, h EventHandler) (*Client, *Pool) {
	t.Helper()
	pool := NewPool(1)
	t.Cleanup(pool.Shutdown)
	c := NewClient(cfg, h)
	pool.Assign(c)
	c.Connect()
	return c, pool
}

func TestClientConnectSuccess(t *testing.T) {
	var gotAuth, gotProto atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotProto.Store(r.Header.Get("Sec-WebSocket-Protocol"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Subprotocol = "audio.freeswitch.org"
	cfg.Username = "user"
	cfg.Password = "secret"

	h := &recordingHandler{}
	c, _ := startClient(t, cfg, h)

	assert.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	successes, failures, _, _, _ := h.snapshot()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, failures)

	// Basic auth header only when both credentials are set.
	assert.Equal(t, "Basic dXNlcjpzZWNyZXQ=", gotAuth.Load())
	assert.Equal(t, "audio.freeswitch.org", gotProto.Load())
}

func TestClientReconnectThenSuccess(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	h := &recordingHandler{}
	c, _ := startClient(t, testConfig(t, srv.URL), h)

	assert.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	successes, failures, _, _, _ := h.snapshot()
	assert.Equal(t, 1, successes, "connection_established exactly once")
	assert.Equal(t, 0, failures, "transient errors must not surface as failure")
	assert.Equal(t, int32(3), hits.Load(), "two failed dials then one success")
	assert.Equal(t, 2, h.retryCount(), "one retry notification per failed dial")
}

func TestClientReconnectExhausted(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := &recordingHandler{}
	c, _ := startClient(t, testConfig(t, srv.URL), h)

	assert.Eventually(t, func() bool { return c.State() == StateFailed }, 2*time.Second, 10*time.Millisecond)

	successes, failures, _, _, _ := h.snapshot()
	assert.Equal(t, 0, successes)
	assert.Equal(t, 1, failures)
	assert.Equal(t, int32(MaxConnectAttempts), hits.Load(), "exactly MaxConnectAttempts dials")
}

func TestClientReceiveTextAndDiscardBinary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"media.clear"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	h := &recordingHandler{}
	startClient(t, testConfig(t, srv.URL), h)

	assert.Eventually(t, func() bool {
		_, _, _, _, msgs := h.snapshot()
		return len(msgs) == 1 && msgs[0] == `{"event":"media.clear"}`
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientOversizeMessageDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 64)))
		conn.WriteMessage(websocket.TextMessage, []byte("small"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.MaxRecvBuf = 32

	h := &recordingHandler{}
	startClient(t, cfg, h)

	assert.Eventually(t, func() bool {
		_, _, _, _, msgs := h.snapshot()
		return len(msgs) == 1 && msgs[0] == "small"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientGracefulClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	h := &recordingHandler{}
	c, _ := startClient(t, testConfig(t, srv.URL), h)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.SendClose())

	assert.Eventually(t, func() bool {
		_, _, _, closed, _ := h.snapshot()
		return closed == 1 && c.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientFarEndCloseDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	zero := 0
	cfg.MaxAttempts = &zero // no reconnection budget

	h := &recordingHandler{}
	startClient(t, cfg, h)

	assert.Eventually(t, func() bool {
		_, _, dropped, _, _ := h.snapshot()
		return dropped == 1
	}, 2*time.Second, 10*time.Millisecond)
}
