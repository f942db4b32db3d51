// Package session implements the per-stream engine: it glues captured call
// audio through the frame rings onto the WebSocket transport, dispatches
// inbound control messages, and injects returned audio back into the call.
package session

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiowire/audiowire/pkg/audio"
	"github.com/audiowire/audiowire/pkg/events"
	"github.com/audiowire/audiowire/pkg/schedule"
	"github.com/audiowire/audiowire/pkg/transport"
	"github.com/audiowire/audiowire/pkg/wire"
)

// Direction tags a captured frame with the call leg it came from.
type Direction int

const (
	// DirectionInbound is caller-to-system audio.
	DirectionInbound Direction = iota
	// DirectionOutbound is system-to-caller audio.
	DirectionOutbound
)

// Track values accepted at session start.
const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
	TrackBoth     = "both"
)

// Termination reasons recorded at cleanup.
const (
	ReasonAPIRequest      = "API Request"
	ReasonStreamTimeout   = "Stream Timeout"
	ReasonConnectionError = "Connection error"
	ReasonCallHangup      = "Call Hangup"
)

const heartbeatInterval = 60 * time.Second

// Config describes one stream.
type Config struct {
	CallID   string
	StreamID string

	// Track selects which call legs are captured.
	Track string
	// Codec is the wire encoding of outbound media.
	Codec audio.Codec
	// CallRate is the sample rate of the call's codec.
	CallRate int
	// WireRate is the advertised transmit rate, a positive multiple of 8000.
	WireRate int
	// Bidirectional enables the playback path.
	Bidirectional bool
	// Timeout ends the stream via graceful shutdown; zero disables.
	Timeout time.Duration
	// Metadata is an opaque JSON blob forwarded as extra_headers.
	Metadata string
	// BufferSecs sets the ring depth in seconds, clamped to 1..=40.
	BufferSecs int

	Transport transport.Config
	Publisher events.Publisher

	// NewResampler overrides the resampler construction, mainly for tests.
	// Defaults to audio.NewResampler.
	NewResampler audio.ResamplerFactory
}

// Session is the state machine of one (call, stream-id) pair. It owns its
// frame rings, transport client, control queue, sequence counter, playback
// state and scheduled tasks.
type Session struct {
	cfg Config

	client   *transport.Client
	enc      *wire.Encoder
	controls *wire.PriorityQueue
	sched    *schedule.Scheduler

	// inRing carries the captured audio; it is the only ring unless the
	// track is "both", in which case outRing carries the outbound leg.
	inRing  *audio.FrameRing
	outRing *audio.FrameRing

	inResampler  audio.Resampler
	outResampler audio.Resampler

	playback *Playback

	seq atomic.Int64

	// mu serializes the capture path against session teardown.
	mu sync.Mutex

	paused   atomic.Bool
	graceful atomic.Bool
	closed   atomic.Bool

	invalidInputNotified atomic.Bool

	// Writable-loop state, touched only on the transport worker.
	startSent bool
	stopSent  bool
	flip      bool
	frameBuf  []byte

	startTime         time.Time
	endTime           time.Time
	terminationReason string

	heartbeatTask schedule.TaskID
	timeoutTask   schedule.TaskID

	// onCleanup is invoked once when the session tears down; the supervisor
	// uses it to drop the table entry.
	onCleanup func(*Session)

	cleanupOnce sync.Once
}

// New validates the config and builds the session. The transport is not
// dialed until Start.
func New(cfg Config) (*Session, error) {
	switch cfg.Track {
	case TrackInbound, TrackOutbound, TrackBoth:
	default:
		return nil, fmt.Errorf("session: invalid track %q", cfg.Track)
	}
	if cfg.WireRate <= 0 || cfg.WireRate%8000 != 0 {
		return nil, fmt.Errorf("session: invalid sample rate %d", cfg.WireRate)
	}
	if cfg.CallRate <= 0 {
		cfg.CallRate = 8000
	}
	if cfg.BufferSecs < 1 {
		cfg.BufferSecs = 40
	}
	if cfg.BufferSecs > 40 {
		cfg.BufferSecs = 40
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NoopPublisher{}
	}
	if cfg.NewResampler == nil {
		cfg.NewResampler = audio.NewResampler
	}

	chunk := cfg.Codec.FrameBytes(cfg.WireRate)
	maxCapacity := chunk * 50 * cfg.BufferSecs

	s := &Session{
		cfg:      cfg,
		controls: wire.NewPriorityQueue(),
		sched:    schedule.New(),
		inRing:   audio.NewFrameRing(cfg.StreamID, maxCapacity, chunk, audio.FrameDuration),
		frameBuf: make([]byte, chunk),
		enc: &wire.Encoder{
			CallID:       cfg.CallID,
			StreamID:     cfg.StreamID,
			Track:        cfg.Track,
			Codec:        cfg.Codec,
			SampleRate:   cfg.WireRate,
			ExtraHeaders: cfg.Metadata,
		},
	}

	if cfg.Track == TrackBoth {
		s.outRing = audio.NewFrameRing(cfg.StreamID, maxCapacity, chunk, audio.FrameDuration)
	}

	if cfg.WireRate != cfg.CallRate {
		log.Printf("audiowire(%s): resampling capture from %d to %d", cfg.StreamID, cfg.CallRate, cfg.WireRate)
		rs, err := cfg.NewResampler(cfg.CallRate, cfg.WireRate)
		if err != nil {
			return nil, fmt.Errorf("session: initializing resampler: %w", err)
		}
		s.inResampler = rs
		if cfg.Track == TrackBoth {
			rs, err := cfg.NewResampler(cfg.CallRate, cfg.WireRate)
			if err != nil {
				s.inResampler.Free()
				return nil, fmt.Errorf("session: initializing outbound resampler: %w", err)
			}
			s.outResampler = rs
		}
	} else {
		log.Printf("audiowire(%s): no resampling needed for this call", cfg.StreamID)
	}

	if cfg.Bidirectional {
		s.playback = newPlayback(cfg.StreamID, cfg.CallRate, cfg.NewResampler)
	}

	s.client = transport.NewClient(cfg.Transport, s)
	s.client.OnWritable = s.onWritable

	return s, nil
}

// Start assigns the session's transport to a pool worker and dials.
func (s *Session) Start(pool *transport.Pool) {
	pool.Assign(s.client)
	s.client.Connect()
}

// StreamID returns the user-chosen stream identifier.
func (s *Session) StreamID() string { return s.cfg.StreamID }

// CallID returns the host call identifier.
func (s *Session) CallID() string { return s.cfg.CallID }

// TerminationReason returns the reason recorded before cleanup.
func (s *Session) TerminationReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminationReason
}

// SetOnCleanup installs the teardown hook. Must be called before Start.
func (s *Session) SetOnCleanup(fn func(*Session)) { s.onCleanup = fn }

func (s *Session) setTermination(reason string) {
	s.mu.Lock()
	s.terminationReason = reason
	s.mu.Unlock()
}

// publish forwards an event to the host bus unless cleanup has completed.
func (s *Session) publish(event, payload string) {
	if s.closed.Load() {
		return
	}
	s.cfg.Publisher.Publish(event, payload)
}

func (s *Session) nextSeq() int {
	return int(s.seq.Add(1) - 1)
}

// bothTracks reports whether the session interleaves two rings.
func (s *Session) bothTracks() bool { return s.outRing != nil }

// OnConnectSuccess implements transport.EventHandler.
func (s *Session) OnConnectSuccess() {
	s.mu.Lock()
	s.startTime = time.Now()
	s.mu.Unlock()

	log.Printf("audiowire(%s): connection successful", s.cfg.StreamID)
	s.publish(events.ConnectionEstablished, events.ServerPayload(s.cfg.StreamID, s.cfg.Transport.URL()))

	s.heartbeatTask = s.sched.Every(heartbeatInterval, func() {
		s.publish(events.StreamHeartbeat, events.StreamPayload(s.cfg.StreamID))
	})
	if s.cfg.Timeout > 0 {
		s.timeoutTask = s.sched.After(s.cfg.Timeout, func() {
			log.Printf("audiowire(%s): stream timeout reached", s.cfg.StreamID)
			s.publish(events.StreamTimeout, events.ReasonPayload(s.cfg.StreamID, "TIMEOUT REACHED"))
			s.GracefulShutdown("TIMEOUT REACHED")
		})
	}
}

// OnReconnecting implements transport.EventHandler. The first retry of an
// outage surfaces as a degraded connection so the host learns early that
// the consumer is unstable.
func (s *Session) OnReconnecting(attempt int) {
	if attempt == 1 {
		s.publish(events.ConnectionDegraded, events.StreamPayload(s.cfg.StreamID))
	}
}

// OnConnectFail implements transport.EventHandler.
func (s *Session) OnConnectFail(reason string) {
	log.Printf("audiowire(%s): connection failed: %s", s.cfg.StreamID, reason)
	s.publish(events.ConnectionFailed, events.ReasonPayload(s.cfg.StreamID, reason))
	s.setTermination(ReasonConnectionError)
	s.cleanup()
}

// OnConnectionDropped implements transport.EventHandler.
func (s *Session) OnConnectionDropped() {
	log.Printf("audiowire(%s): connection dropped from far end", s.cfg.StreamID)
	s.publish(events.ConnectionClosed, events.StreamPayload(s.cfg.StreamID))
	s.setTermination(ReasonConnectionError)
	s.cleanup()
}

// OnClosedGracefully implements transport.EventHandler.
func (s *Session) OnClosedGracefully() {
	log.Printf("audiowire(%s): connection closed gracefully", s.cfg.StreamID)
	s.cleanup()
}

// OnAudioFrame is the capture path, invoked by the host for each 20 ms
// frame. It always reports success so the host keeps the media hook alive;
// frames are silently discarded while paused, draining, or disconnected.
func (s *Session) OnAudioFrame(dir Direction, pcm []byte, comfortNoise bool) bool {
	if comfortNoise {
		return true
	}
	if s.paused.Load() || s.graceful.Load() || s.closed.Load() {
		return true
	}
	if s.client.State() != transport.StateConnected {
		return true
	}
	if !s.mu.TryLock() {
		// Teardown holds the session mutex; skip this frame.
		return true
	}
	defer s.mu.Unlock()

	ring, rs := s.captureTarget(dir)
	if ring == nil {
		return true
	}

	data := pcm
	if rs != nil {
		out, err := rs.Process(data)
		if err != nil {
			log.Printf("audiowire(%s): resampling capture frame failed: %v", s.cfg.StreamID, err)
			return true
		}
		data = out
	}
	if s.cfg.Codec == audio.CodecULaw {
		data = audio.PCM16ToULaw(data)
	}

	ring.Lock()
	err := ring.Write(data)
	degraded := err == nil && ring.DegradationDue()
	inUse, capacity := ring.InUse(), ring.Capacity()
	ring.Unlock()

	if degraded {
		log.Printf("audiowire(%s): degraded connection, buffer_used(%d) max_len(%d)", s.cfg.StreamID, inUse, capacity)
		s.publish(events.ConnectionDegraded, events.StreamPayload(s.cfg.StreamID))
	}
	if err != nil {
		log.Printf("audiowire(%s): buffer write failed, shutting down: %v", s.cfg.StreamID, err)
		s.publish(events.ConnectionTimeout, events.StreamPayload(s.cfg.StreamID))
		s.setTermination(ReasonConnectionError)
		s.graceful.Store(true)
		s.client.BeginGracefulShutdown()
		return true
	}

	s.client.RequestWrite()
	return true
}

// captureTarget selects the ring and resampler for a captured frame. With a
// single track both legs share the one ring, like the transmit side.
func (s *Session) captureTarget(dir Direction) (*audio.FrameRing, audio.Resampler) {
	if s.bothTracks() && dir == DirectionOutbound {
		return s.outRing, s.outResampler
	}
	return s.inRing, s.inResampler
}

// onWritable is the writable-loop policy, invoked on the transport worker
// for every write wake. At most one message goes out per invocation.
func (s *Session) onWritable() {
	c := s.client

	if s.graceful.Load() {
		if c.GracefulDeadlineExceeded() {
			log.Printf("audiowire(%s): waited too long for drain, closing the connection", s.cfg.StreamID)
			c.SendClose()
			return
		}
		if s.buffersEmpty() && !s.stopSent {
			s.sendStop()
			return
		}
	}

	if !s.startSent {
		payload, err := s.enc.Start(s.nextSeq())
		if err != nil {
			log.Printf("audiowire(%s): encoding start failed: %v", s.cfg.StreamID, err)
			return
		}
		if err := c.SendText(string(payload)); err != nil {
			log.Printf("audiowire(%s): sending start failed: %v", s.cfg.StreamID, err)
			return
		}
		s.startSent = true
		log.Printf("audiowire(%s): start message sent", s.cfg.StreamID)
		c.RequestWrite()
		return
	}

	if text, ok := s.controls.Pop(); ok {
		if err := c.SendText(text); err != nil {
			log.Printf("audiowire(%s): sending control message failed: %v", s.cfg.StreamID, err)
		}
		c.RequestWrite()
		return
	}

	if c.State() == transport.StateDisconnecting {
		c.SendClose()
		return
	}

	s.sendMediaFrame()
}

func (s *Session) sendStop() {
	c := s.client
	payload, err := s.enc.Stop(s.nextSeq())
	if err != nil {
		log.Printf("audiowire(%s): encoding stop failed: %v", s.cfg.StreamID, err)
		return
	}
	if err := c.SendText(string(payload)); err != nil {
		log.Printf("audiowire(%s): sending stop failed: %v", s.cfg.StreamID, err)
	}
	s.stopSent = true
	c.MarkDisconnecting()
	log.Printf("audiowire(%s): stop message sent", s.cfg.StreamID)
	c.RequestWrite()
}

// transmitTarget applies the direction policy: dedicated rings alternate
// when both tracks stream, otherwise the single ring carries the configured
// track label.
func (s *Session) transmitTarget() (*audio.FrameRing, string) {
	if s.bothTracks() {
		if s.flip {
			return s.outRing, TrackOutbound
		}
		return s.inRing, TrackInbound
	}
	return s.inRing, s.cfg.Track
}

func (s *Session) sendMediaFrame() {
	ring, track := s.transmitTarget()

	if !ring.TryLock() {
		// Contended with the capture path; pick it up on the next wake.
		return
	}
	if err := ring.Read(s.frameBuf); err != nil {
		ring.Unlock()
		if s.bothTracks() {
			s.flip = !s.flip
		}
		if s.graceful.Load() {
			// Keep the drain moving until the stop goes out.
			s.client.RequestWrite()
		}
		return
	}
	timestamp := ring.LastSendTime()
	chunk := ring.TransmittedChunks()
	ring.Unlock()

	payload, err := s.enc.Media(s.nextSeq(), track, timestamp, chunk, s.frameBuf)
	if err != nil {
		log.Printf("audiowire(%s): encoding media failed: %v", s.cfg.StreamID, err)
		return
	}
	if err := s.client.SendText(string(payload)); err != nil {
		log.Printf("audiowire(%s): sending media failed: %v", s.cfg.StreamID, err)
	}
	if s.bothTracks() {
		s.flip = !s.flip
	}
	s.client.RequestWrite()
}

func (s *Session) buffersEmpty() bool {
	if s.inRing.DataAvailable() {
		return false
	}
	if s.outRing != nil && s.outRing.DataAvailable() {
		return false
	}
	return true
}

// OnMessage implements transport.EventHandler: the inbound demultiplexer.
func (s *Session) OnMessage(text string) {
	if s.closed.Load() {
		return
	}
	if !s.cfg.Bidirectional {
		log.Printf("audiowire(%s): ignoring inbound message, stream is not bidirectional", s.cfg.StreamID)
		return
	}

	msg, err := wire.ParseInbound([]byte(text))
	if err != nil {
		switch err {
		case wire.ErrBadJSON:
			s.notifyInvalidInput(text, "Invalid Json")
		case wire.ErrNoEvent:
			s.notifyInvalidInput(text, "No event key")
		default:
			s.notifyInvalidInput(text, "Invalid event")
		}
		return
	}

	switch msg.Event {
	case wire.EventMediaPlay:
		started, err := s.playback.HandlePlay(msg.Media)
		if err != nil {
			reason := err.Error()
			if perr, ok := err.(*PlayError); ok {
				reason = perr.Reason
			}
			s.notifyInvalidInput(text, reason)
			return
		}
		if started {
			s.publish(events.MediaPlayStart, events.StreamPayload(s.cfg.StreamID))
		}

	case wire.EventMediaCheckpoint:
		s.playback.HandleCheckpoint(msg.Name)

	case wire.EventMediaClear:
		s.playback.HandleClear()
		if payload, err := s.enc.Cleared(s.nextSeq()); err == nil {
			s.controls.Push(string(payload), wire.PriorityHigh)
			s.client.RequestWrite()
		}
		s.publish(events.MediaCleared, events.StreamPayload(s.cfg.StreamID))

	case wire.EventTranscriptionSend:
		s.publish(events.TranscriptionReceived, string(msg.Raw))
	}
}

// notifyInvalidInput acknowledges a protocol error once per session: one
// incorrectPayload message on the wire and one host-side event. Subsequent
// errors are suppressed so a misbehaving peer cannot flood either side.
func (s *Session) notifyInvalidInput(payload, reason string) {
	if s.invalidInputNotified.Swap(true) {
		return
	}
	log.Printf("audiowire(%s): invalid message received (%.300s)", s.cfg.StreamID, payload)

	if msg, err := s.enc.IncorrectPayload(s.nextSeq(), payload); err == nil {
		s.controls.Push(string(msg), wire.PriorityNormal)
		s.client.RequestWrite()
	}
	s.publish(events.StreamInvalidInput, events.ReasonPayload(s.cfg.StreamID, reason))
}

// ReplaceFrame is the write-replace path, invoked by the host for each
// outgoing 20 ms frame. Buffered playback audio is mixed into the frame and
// passed checkpoints are announced.
func (s *Session) ReplaceFrame(frame []byte) {
	if s.playback == nil || s.closed.Load() {
		return
	}

	played := s.playback.MixInto(frame)
	for _, name := range played {
		if msg, err := s.enc.Played(s.nextSeq(), name); err == nil {
			s.controls.Push(string(msg), wire.PriorityHigh)
		}
		log.Printf("audiowire(%s): checkpoint %q played", s.cfg.StreamID, name)
		s.publish(events.MediaPlayComplete, events.NamePayload(s.cfg.StreamID, name))
	}
	if len(played) > 0 {
		s.client.RequestWrite()
	}
}

// Pause stops buffering captured audio. The ring is not flushed: resume
// continues the media clock where it left off.
func (s *Session) Pause() {
	log.Printf("audiowire(%s): pause", s.cfg.StreamID)
	s.paused.Store(true)
}

// Resume re-enables the capture path.
func (s *Session) Resume() {
	log.Printf("audiowire(%s): resume", s.cfg.StreamID)
	s.paused.Store(false)
}

// SendText queues an arbitrary JSON text message for transmission.
func (s *Session) SendText(text string) error {
	if s.closed.Load() {
		return fmt.Errorf("session: %s already closed", s.cfg.StreamID)
	}
	s.controls.Push(text, wire.PriorityNormal)
	s.client.RequestWrite()
	return nil
}

// GracefulShutdown drains buffered audio, sends the final stop and closes.
// The drain is bounded by transport.GracefulShutdownTimeout.
func (s *Session) GracefulShutdown(reason string) {
	log.Printf("audiowire(%s): graceful shutdown (%s)", s.cfg.StreamID, reason)
	s.publish(events.StreamStopped, events.ReasonPayload(s.cfg.StreamID, reason))
	if reason != "" {
		s.setTermination(ReasonStreamTimeout)
	} else {
		s.setTermination(ReasonAPIRequest)
	}
	s.graceful.Store(true)
	s.client.BeginGracefulShutdown()
}

// Stop tears the stream down without draining.
func (s *Session) Stop(reason string) {
	log.Printf("audiowire(%s): stop", s.cfg.StreamID)
	s.publish(events.StreamStopped, events.ReasonPayload(s.cfg.StreamID, reason))
	s.setTermination(ReasonAPIRequest)
	s.client.Close()
	s.cleanup()
}

// Shutdown force-closes on host teardown (call hangup).
func (s *Session) Shutdown() {
	s.setTermination(ReasonCallHangup)
	s.client.Close()
	s.cleanup()
}

// cleanup releases the session's resources exactly once: scheduled tasks
// are cancelled, resamplers freed, and the supervisor hook invoked. No host
// event carries this stream's id afterwards.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.closed.Store(true)
		s.sched.Stop()

		s.mu.Lock()
		s.endTime = time.Now()
		if s.startTime.IsZero() {
			// Stopped before the transport ever connected.
			s.startTime = s.endTime
		}
		if s.inResampler != nil {
			s.inResampler.Free()
			s.inResampler = nil
		}
		if s.outResampler != nil {
			s.outResampler.Free()
			s.outResampler = nil
		}
		s.mu.Unlock()

		if s.playback != nil {
			s.playback.Free()
		}

		log.Printf("audiowire(%s): session cleanup complete", s.cfg.StreamID)
		if s.onCleanup != nil {
			s.onCleanup(s)
		}
	})
}
