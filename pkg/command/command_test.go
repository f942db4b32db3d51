package command

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiowire/audiowire/pkg/events"
	"github.com/audiowire/audiowire/pkg/supervisor"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *supervisor.Supervisor, *httptest.Server) {
	t.Helper()
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
	t.Cleanup(srv.Close)

	sv := supervisor.New(supervisor.Config{ServiceThreads: 1}, events.NoopPublisher{})
	t.Cleanup(sv.Shutdown)
	return NewDispatcher(sv), sv, srv
}

func TestExecuteStartAndLifecycle(t *testing.T) {
	d, sv, srv := newTestDispatcher(t)

	reply := d.Execute("call-1 s1 start " + srv.URL + " inbound 16k 0 0")
	assert.Equal(t, ReplyOK, reply)
	assert.Equal(t, 1, sv.Count())

	assert.Equal(t, ReplyOK, d.Execute("call-1 s1 pause"))
	assert.Equal(t, ReplyOK, d.Execute("call-1 s1 resume"))
	assert.Equal(t, ReplyOK, d.Execute(`call-1 s1 send_text {"event":"custom"}`))
	assert.Equal(t, ReplyOK, d.Execute("call-1 s1 stop done"))

	assert.Eventually(t, func() bool { return sv.Count() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestExecuteStartValidation(t *testing.T) {
	d, sv, srv := newTestDispatcher(t)

	cases := []string{
		"call-1 s1 start ftp://h/p inbound 8000 0 0",  // bad scheme
		"call-1 s1 start " + srv.URL + " middle 8000 0 0", // bad track
		"call-1 s1 start " + srv.URL + " inbound 12345 0 0", // rate not multiple of 8000
		"call-1 s1 start " + srv.URL + " inbound 0 0 0",     // rate not positive
		"call-1 s1 start " + srv.URL + " inbound 8000 x 0",  // bad timeout
		"call-1 s1 start " + srv.URL + " inbound 8000 0 2",  // bad bidi flag
	}
	for _, c := range cases {
		assert.Equal(t, ReplyErr, d.Execute(c), c)
	}
	assert.Equal(t, 0, sv.Count(), "refused commands must not mutate session state")
}

func TestExecuteStartDuplicate(t *testing.T) {
	d, _, srv := newTestDispatcher(t)

	line := "call-1 s1 start " + srv.URL + " both 8000 0 1"
	assert.Equal(t, ReplyOK, d.Execute(line))
	assert.Equal(t, ReplyErr, d.Execute(line), "second stream with the same id on the call is refused")
}

func TestExecuteStartWithCodecAndMetadata(t *testing.T) {
	d, sv, srv := newTestDispatcher(t)

	reply := d.Execute("call-1 s1 start " + srv.URL + ` outbound 8000 30 0 mulaw {"account":"a1"}`)
	assert.Equal(t, ReplyOK, reply)
	assert.Equal(t, 1, sv.Count())
}

func TestExecuteUsage(t *testing.T) {
	d, _, srv := newTestDispatcher(t)

	assert.True(t, strings.HasPrefix(d.Execute(""), "-USAGE:"))
	assert.True(t, strings.HasPrefix(d.Execute("call-1 s1"), "-USAGE:"))
	assert.True(t, strings.HasPrefix(d.Execute("call-1 s1 start "+srv.URL+" inbound"), "-USAGE:"))
}

func TestExecuteUnknownVerbAndStream(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	assert.Equal(t, ReplyErr, d.Execute("call-1 s1 restart now"))
	assert.Equal(t, ReplyErr, d.Execute("call-1 missing stop"))
	assert.Equal(t, ReplyErr, d.Execute("call-1 missing pause"))
	assert.Equal(t, ReplyErr, d.Execute("call-1 missing send_text"))
}

func TestParseRate(t *testing.T) {
	for s, want := range map[string]int{"8k": 8000, "16k": 16000, "8000": 8000, "32000": 32000} {
		got, err := parseRate(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
	for _, s := range []string{"0", "-8000", "300", "fast"} {
		_, err := parseRate(s)
		assert.Error(t, err, s)
	}
}
