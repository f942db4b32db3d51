package session

import (
	"bytes"
	"encoding/base64"
	"log"
	"sync"

	"github.com/audiowire/audiowire/pkg/audio"
	"github.com/audiowire/audiowire/pkg/wire"
)

// PlayError is a rejected media.play message; Reason is echoed in the
// incorrectPayload acknowledgement.
type PlayError struct {
	Reason string
}

func (e *PlayError) Error() string { return "session: " + e.Reason }

type checkpoint struct {
	name     string
	position int
}

// Playback accumulates audio received over the WebSocket and mixes it into
// the outgoing call leg one frame at a time. Checkpoint names are announced
// once the playback pointer passes their position.
type Playback struct {
	streamID string
	callRate int
	factory  audio.ResamplerFactory

	mu          sync.Mutex
	buf         bytes.Buffer
	received    int
	played      int
	checkpoints []checkpoint
	scratch     []byte

	// resampler converts received L16 audio to the call rate, created
	// lazily with the first mismatched media.play.
	resampler     audio.Resampler
	resamplerRate int
}

func newPlayback(streamID string, callRate int, factory audio.ResamplerFactory) *Playback {
	return &Playback{streamID: streamID, callRate: callRate, factory: factory}
}

// BytesReceived returns the decoded byte count accumulated so far.
func (p *Playback) BytesReceived() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received
}

// BytesPlayed returns the byte count mixed into the call so far.
func (p *Playback) BytesPlayed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played
}

// HandlePlay validates and buffers one media.play message. It reports
// whether this play started a fresh burst (the write buffer was empty).
func (p *Playback) HandlePlay(m *wire.PlayMedia) (bool, error) {
	if m == nil {
		return false, &PlayError{Reason: "media key not available"}
	}
	if m.Payload == nil {
		return false, &PlayError{Reason: "payload not available"}
	}
	if m.ContentType == nil {
		return false, &PlayError{Reason: "Incorrect ContentType"}
	}
	if m.SampleRate == nil {
		return false, &PlayError{Reason: "sampleRate not available"}
	}

	rate := *m.SampleRate
	if rate != 8000 && rate != 16000 {
		log.Printf("audiowire(%s): samplerate (%d) unsupported, defaulting to 8000", p.streamID, rate)
		rate = 8000
	}

	codec := audio.CodecL16
	switch *m.ContentType {
	case wire.ContentTypeL16, wire.ContentTypeRaw, wire.ContentTypeWav:
	case wire.ContentTypeULaw:
		codec = audio.CodecULaw
		if rate != 8000 {
			return false, &PlayError{Reason: "Unsupported combination of codec, samplerate"}
		}
	default:
		return false, &PlayError{Reason: "Invalid Content type"}
	}

	raw, err := base64.StdEncoding.DecodeString(*m.Payload)
	if err != nil {
		return false, &PlayError{Reason: "Invalid payload encoding"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var pcm []byte
	if codec == audio.CodecULaw {
		pcm = audio.ULawToPCM16(raw)
	} else {
		pcm = raw
		if rate != p.callRate {
			rs, err := p.resamplerFor(rate)
			if err != nil {
				log.Printf("audiowire(%s): initializing playback resampler failed: %v", p.streamID, err)
				return false, &PlayError{Reason: "Unsupported sampleRate"}
			}
			pcm, err = rs.Process(pcm)
			if err != nil {
				log.Printf("audiowire(%s): resampling playback audio failed: %v", p.streamID, err)
				return false, &PlayError{Reason: "Invalid payload"}
			}
		}
	}

	started := p.buf.Len() == 0 && len(pcm) > 0
	p.buf.Write(pcm)
	p.received += len(pcm)
	return started, nil
}

func (p *Playback) resamplerFor(rate int) (audio.Resampler, error) {
	if p.resampler != nil && p.resamplerRate == rate {
		return p.resampler, nil
	}
	if p.resampler != nil {
		p.resampler.Free()
		p.resampler = nil
	}
	log.Printf("audiowire(%s): initializing playback resampler rcvd(%d) cur(%d)", p.streamID, rate, p.callRate)
	rs, err := p.factory(rate, p.callRate)
	if err != nil {
		return nil, err
	}
	p.resampler = rs
	p.resamplerRate = rate
	return rs, nil
}

// HandleCheckpoint records a named position at the current receive count.
// A checkpoint without prior media is ignored.
func (p *Playback) HandleCheckpoint(name string) {
	if name == "" {
		log.Printf("audiowire(%s): received checkpoint without name, ignoring", p.streamID)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.received == 0 {
		log.Printf("audiowire(%s): received checkpoint(%s) without prior media messages, ignoring", p.streamID, name)
		return
	}
	p.checkpoints = append(p.checkpoints, checkpoint{name: name, position: p.received})
	log.Printf("audiowire(%s): checkpoint_at(%d) name(%s)", p.streamID, p.received, name)
}

// HandleClear drops buffered audio, all checkpoints and both counters.
func (p *Playback) HandleClear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	log.Printf("audiowire(%s): clearing all buffers, at(%d) played(%d)", p.streamID, p.received, p.played)
	p.buf.Reset()
	p.checkpoints = nil
	p.received = 0
	p.played = 0
}

// MixInto mixes exactly len(frame) buffered bytes into frame and returns
// the names of checkpoints passed by the new playback position, oldest
// first. Nothing happens when less than one frame is buffered.
func (p *Playback) MixInto(frame []byte) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(frame)
	if p.buf.Len() < n {
		return nil
	}

	if cap(p.scratch) < n {
		p.scratch = make([]byte, n)
	}
	data := p.scratch[:n]
	p.buf.Read(data)

	audio.MixPCM16(frame, data)
	p.played += n

	var names []string
	for len(p.checkpoints) > 0 && p.played >= p.checkpoints[0].position {
		names = append(names, p.checkpoints[0].name)
		p.checkpoints = p.checkpoints[1:]
	}
	return names
}

// Free releases the lazily created resampler.
func (p *Playback) Free() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resampler != nil {
		p.resampler.Free()
		p.resampler = nil
	}
}
