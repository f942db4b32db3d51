// Package supervisor owns the process-wide pieces of the streaming engine:
// the environment-derived configuration, the transport worker pool and the
// table of live sessions. Sessions are created through StartStream and
// removed only by their own teardown hook, so a transport never outlives
// its session entry.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/audiowire/audiowire/pkg/audio"
	"github.com/audiowire/audiowire/pkg/events"
	"github.com/audiowire/audiowire/pkg/session"
	"github.com/audiowire/audiowire/pkg/trace"
	"github.com/audiowire/audiowire/pkg/transport"
)

// EnvPrefix is the prefix of every configuration variable.
const EnvPrefix = "AUDIOWIRE_"

// DefaultSubprotocol is offered during the WebSocket handshake unless
// overridden.
const DefaultSubprotocol = "audio.freeswitch.org"

// Config is the process-wide configuration, normally read once at startup.
type Config struct {
	// Subprotocol offered in the WebSocket handshake.
	Subprotocol string
	// ServiceThreads is the transport worker count, clamped to 1..=5.
	ServiceThreads int
	// BufferSecs is the ring depth in seconds, clamped to 1..=40.
	BufferSecs int

	AllowSelfSigned   bool
	SkipHostnameCheck bool
	AllowExpired      bool

	AuthUser     string
	AuthPassword string
}

func envBool(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(EnvPrefix + name))
	return err == nil && v
}

// FromEnv reads the configuration from AUDIOWIRE_* environment variables,
// applying defaults and clamping.
func FromEnv() Config {
	cfg := Config{
		Subprotocol:    DefaultSubprotocol,
		ServiceThreads: 2,
		BufferSecs:     40,
	}

	if v := os.Getenv(EnvPrefix + "SUBPROTOCOL_NAME"); v != "" {
		cfg.Subprotocol = v
	}
	if v := os.Getenv(EnvPrefix + "SERVICE_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ServiceThreads = n
		}
	}
	if v := os.Getenv(EnvPrefix + "BUFFER_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BufferSecs = n
		}
	}

	cfg.AllowSelfSigned = envBool("ALLOW_SELFSIGNED")
	cfg.SkipHostnameCheck = envBool("SKIP_SERVER_CERT_HOSTNAME_CHECK")
	cfg.AllowExpired = envBool("ALLOW_EXPIRED")

	cfg.AuthUser = os.Getenv(EnvPrefix + "HTTP_AUTH_USER")
	cfg.AuthPassword = os.Getenv(EnvPrefix + "HTTP_AUTH_PASSWORD")

	return cfg.clamped()
}

func (c Config) clamped() Config {
	if c.ServiceThreads < 1 {
		c.ServiceThreads = 1
	}
	if c.ServiceThreads > 5 {
		c.ServiceThreads = 5
	}
	if c.BufferSecs < 1 {
		c.BufferSecs = 1
	}
	if c.BufferSecs > 40 {
		c.BufferSecs = 40
	}
	if c.Subprotocol == "" {
		c.Subprotocol = DefaultSubprotocol
	}
	return c
}

// StartParams describe one stream to attach.
type StartParams struct {
	CallID   string
	StreamID string

	// ServiceURL is the remote consumer; ws, wss, http or https.
	ServiceURL string

	Track         string
	Codec         audio.Codec
	CallRate      int
	WireRate      int
	Timeout       time.Duration
	Bidirectional bool
	Metadata      string

	// NewResampler overrides resampler construction, mainly for tests.
	NewResampler audio.ResamplerFactory
}

// Supervisor glues the configuration, worker pool, event publisher and
// session table together.
type Supervisor struct {
	cfg  Config
	pool *transport.Pool
	pub  events.Publisher

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New starts the worker pool and returns a ready supervisor. Events are
// delivered through pub; a nil publisher discards them.
func New(cfg Config, pub events.Publisher) *Supervisor {
	cfg = cfg.clamped()
	if pub == nil {
		pub = events.NoopPublisher{}
	}

	log.Printf("[Supervisor] audio buffer (in secs): %d", cfg.BufferSecs)
	log.Printf("[Supervisor] sub-protocol:           %s", cfg.Subprotocol)
	log.Printf("[Supervisor] service threads:        %d", cfg.ServiceThreads)

	return &Supervisor{
		cfg:      cfg,
		pool:     transport.NewPool(cfg.ServiceThreads),
		pub:      pub,
		sessions: make(map[string]*session.Session),
	}
}

func key(callID, streamID string) string {
	return callID + "/" + streamID
}

// StartStream validates the parameters, creates the session and dials its
// transport. A second stream with the same stream-id on the same call is
// refused.
func (sv *Supervisor) StartStream(p StartParams) error {
	tcfg, err := transport.ParseURL(p.ServiceURL)
	if err != nil {
		return err
	}
	tcfg.Subprotocol = sv.cfg.Subprotocol
	tcfg.AllowSelfSigned = sv.cfg.AllowSelfSigned
	tcfg.SkipHostnameCheck = sv.cfg.SkipHostnameCheck
	tcfg.AllowExpired = sv.cfg.AllowExpired
	tcfg.Username = sv.cfg.AuthUser
	tcfg.Password = sv.cfg.AuthPassword

	k := key(p.CallID, p.StreamID)

	sv.mu.Lock()
	defer sv.mu.Unlock()

	if _, exists := sv.sessions[k]; exists {
		return fmt.Errorf("supervisor: stream %q already attached to call %q", p.StreamID, p.CallID)
	}

	s, err := session.New(session.Config{
		CallID:        p.CallID,
		StreamID:      p.StreamID,
		Track:         p.Track,
		Codec:         p.Codec,
		CallRate:      p.CallRate,
		WireRate:      p.WireRate,
		Bidirectional: p.Bidirectional,
		Timeout:       p.Timeout,
		Metadata:      p.Metadata,
		BufferSecs:    sv.cfg.BufferSecs,
		Transport:     tcfg,
		Publisher:     sv.pub,
		NewResampler:  p.NewResampler,
	})
	if err != nil {
		return err
	}
	s.SetOnCleanup(func(*session.Session) { sv.remove(k) })

	sv.sessions[k] = s

	_, span := trace.InstrumentStreamStarted(context.Background(), p.CallID, p.StreamID, p.Track)
	defer span.End()

	log.Printf("[Supervisor] stream %s starting: %s track(%s) rate(%d)", p.StreamID, p.ServiceURL, p.Track, p.WireRate)
	s.Start(sv.pool)
	sv.pub.Publish(events.StreamStarted, events.StreamPayload(p.StreamID))
	return nil
}

func (sv *Supervisor) remove(k string) {
	sv.mu.Lock()
	delete(sv.sessions, k)
	sv.mu.Unlock()

	_, span := trace.InstrumentStreamStopped(context.Background(), k)
	span.End()
	log.Printf("[Supervisor] stream %s removed", k)
}

// Session looks up a live session.
func (sv *Supervisor) Session(callID, streamID string) (*session.Session, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	s, ok := sv.sessions[key(callID, streamID)]
	return s, ok
}

// Count returns the number of live sessions.
func (sv *Supervisor) Count() int {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return len(sv.sessions)
}

// Stop tears a stream down without draining.
func (sv *Supervisor) Stop(callID, streamID, reason string) error {
	s, ok := sv.Session(callID, streamID)
	if !ok {
		return fmt.Errorf("supervisor: no stream %q on call %q", streamID, callID)
	}
	s.Stop(reason)
	return nil
}

// Pause suspends the capture path of a stream.
func (sv *Supervisor) Pause(callID, streamID string) error {
	s, ok := sv.Session(callID, streamID)
	if !ok {
		return fmt.Errorf("supervisor: no stream %q on call %q", streamID, callID)
	}
	s.Pause()
	return nil
}

// Resume re-enables the capture path of a stream.
func (sv *Supervisor) Resume(callID, streamID string) error {
	s, ok := sv.Session(callID, streamID)
	if !ok {
		return fmt.Errorf("supervisor: no stream %q on call %q", streamID, callID)
	}
	s.Resume()
	return nil
}

// GracefulShutdown drains a stream and closes it.
func (sv *Supervisor) GracefulShutdown(callID, streamID, reason string) error {
	s, ok := sv.Session(callID, streamID)
	if !ok {
		return fmt.Errorf("supervisor: no stream %q on call %q", streamID, callID)
	}
	s.GracefulShutdown(reason)
	return nil
}

// SendText queues an arbitrary JSON message on a stream.
func (sv *Supervisor) SendText(callID, streamID, text string) error {
	s, ok := sv.Session(callID, streamID)
	if !ok {
		return fmt.Errorf("supervisor: no stream %q on call %q", streamID, callID)
	}
	return s.SendText(text)
}

// Shutdown force-closes every session and stops the worker pool.
func (sv *Supervisor) Shutdown() {
	sv.mu.RLock()
	open := make([]*session.Session, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		open = append(open, s)
	}
	sv.mu.RUnlock()

	for _, s := range open {
		s.Shutdown()
	}
	sv.pool.Shutdown()
	log.Printf("[Supervisor] shut down, %d sessions closed", len(open))
}
