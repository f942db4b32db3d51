// Package wire implements the JSON wire protocol spoken over the WebSocket:
// the outbound start/media/stop/playedStream/incorrectPayload/media.cleared
// messages and the inbound media.play/media.checkpoint/media.clear/
// transcription.send messages.
//
// Field casing is part of the protocol and is preserved exactly, including
// the historical split between stream_id (start, media, stop, playedStream,
// incorrectPayload) and streamId (media.cleared).
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/audiowire/audiowire/pkg/audio"
)

// Inbound event names accepted from the remote consumer.
const (
	EventMediaPlay         = "media.play"
	EventMediaCheckpoint   = "media.checkpoint"
	EventMediaClear        = "media.clear"
	EventTranscriptionSend = "transcription.send"
)

// Content types accepted on media.play.
const (
	ContentTypeL16  = "audio/x-l16"
	ContentTypeULaw = "audio/x-mulaw"
	ContentTypeRaw  = "raw"
	ContentTypeWav  = "wav"
)

var (
	// ErrBadJSON is returned when an inbound message is not valid JSON.
	ErrBadJSON = errors.New("wire: invalid json")
	// ErrNoEvent is returned when an inbound message has no event field.
	ErrNoEvent = errors.New("wire: no event key")
	// ErrUnknownEvent is returned for event values outside the accepted set.
	ErrUnknownEvent = errors.New("wire: unsupported event")
)

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
}

type startBody struct {
	CallID      string      `json:"callId"`
	StreamID    string      `json:"stream_id"`
	Tracks      []string    `json:"tracks"`
	MediaFormat mediaFormat `json:"mediaFormat"`
}

type startMessage struct {
	SequenceNumber int       `json:"sequenceNumber"`
	Event          string    `json:"event"`
	Start          startBody `json:"start"`
	ExtraHeaders   string    `json:"extra_headers,omitempty"`
}

type mediaBody struct {
	Track     string `json:"track"`
	Timestamp string `json:"timestamp"`
	Chunk     uint32 `json:"chunk"`
	Payload   string `json:"payload"`
}

type mediaMessage struct {
	SequenceNumber int       `json:"sequenceNumber"`
	StreamID       string    `json:"stream_id"`
	Event          string    `json:"event"`
	Media          mediaBody `json:"media"`
	ExtraHeaders   string    `json:"extra_headers,omitempty"`
}

type stopBody struct {
	CallID string `json:"callId"`
}

type stopMessage struct {
	SequenceNumber int      `json:"sequenceNumber"`
	StreamID       string   `json:"stream_id"`
	Event          string   `json:"event"`
	Stop           stopBody `json:"stop"`
	ExtraHeaders   string   `json:"extra_headers,omitempty"`
}

type playedMessage struct {
	Event          string `json:"event"`
	SequenceNumber int    `json:"sequenceNumber"`
	StreamID       string `json:"stream_id"`
	Name           string `json:"name"`
}

type incorrectPayloadMessage struct {
	Event          string `json:"event"`
	StreamID       string `json:"stream_id"`
	Payload        string `json:"payload"`
	SequenceNumber int    `json:"sequenceNumber"`
}

// media.cleared keeps the camelCase streamId for wire compatibility.
type clearedMessage struct {
	SequenceNumber int    `json:"sequenceNumber"`
	StreamID       string `json:"streamId"`
	Event          string `json:"event"`
}

// Encoder builds the outbound messages of one stream. The per-message
// sequence number is supplied by the caller, which owns the counter.
type Encoder struct {
	CallID       string
	StreamID     string
	Track        string
	Codec        audio.Codec
	SampleRate   int
	ExtraHeaders string
}

// tracks expands the configured track into the start message track list.
func (e *Encoder) tracks() []string {
	if e.Track == "both" {
		return []string{"inbound", "outbound"}
	}
	return []string{e.Track}
}

// Start builds the stream-opening message.
func (e *Encoder) Start(seq int) ([]byte, error) {
	return json.Marshal(startMessage{
		SequenceNumber: seq,
		Event:          "start",
		Start: startBody{
			CallID:   e.CallID,
			StreamID: e.StreamID,
			Tracks:   e.tracks(),
			MediaFormat: mediaFormat{
				Encoding:   e.Codec.Encoding(),
				SampleRate: e.SampleRate,
			},
		},
		ExtraHeaders: e.ExtraHeaders,
	})
}

// Media builds one audio frame message. timestamp is the media clock in
// microseconds since stream start and is transmitted as a decimal string.
func (e *Encoder) Media(seq int, track string, timestamp int64, chunk uint32, payload []byte) ([]byte, error) {
	return json.Marshal(mediaMessage{
		SequenceNumber: seq,
		StreamID:       e.StreamID,
		Event:          "media",
		Media: mediaBody{
			Track:     track,
			Timestamp: strconv.FormatInt(timestamp, 10),
			Chunk:     chunk,
			Payload:   base64.StdEncoding.EncodeToString(payload),
		},
		ExtraHeaders: e.ExtraHeaders,
	})
}

// Stop builds the stream-closing message.
func (e *Encoder) Stop(seq int) ([]byte, error) {
	return json.Marshal(stopMessage{
		SequenceNumber: seq,
		StreamID:       e.StreamID,
		Event:          "stop",
		Stop:           stopBody{CallID: e.CallID},
		ExtraHeaders:   e.ExtraHeaders,
	})
}

// Played builds the playedStream checkpoint acknowledgement.
func (e *Encoder) Played(seq int, name string) ([]byte, error) {
	return json.Marshal(playedMessage{
		Event:          "playedStream",
		SequenceNumber: seq,
		StreamID:       e.StreamID,
		Name:           name,
	})
}

// IncorrectPayload builds the protocol-error notification carrying the
// offending inbound payload.
func (e *Encoder) IncorrectPayload(seq int, payload string) ([]byte, error) {
	return json.Marshal(incorrectPayloadMessage{
		Event:          "incorrectPayload",
		StreamID:       e.StreamID,
		Payload:        payload,
		SequenceNumber: seq,
	})
}

// Cleared builds the media.cleared acknowledgement.
func (e *Encoder) Cleared(seq int) ([]byte, error) {
	return json.Marshal(clearedMessage{
		SequenceNumber: seq,
		StreamID:       e.StreamID,
		Event:          "media.cleared",
	})
}

// PlayMedia is the media object of an inbound media.play message. Fields are
// pointers so that absent keys can be told apart from zero values.
type PlayMedia struct {
	Payload     *string `json:"payload"`
	ContentType *string `json:"contentType"`
	SampleRate  *int    `json:"sampleRate"`
}

// Inbound is a parsed inbound message.
type Inbound struct {
	Event string
	// Media is set for media.play.
	Media *PlayMedia
	// Name is set for media.checkpoint.
	Name string
	// Raw is the original message text, forwarded verbatim for
	// transcription.send and used in error notifications.
	Raw []byte
}

type inboundEnvelope struct {
	Event *string    `json:"event"`
	Media *PlayMedia `json:"media"`
	Name  string     `json:"name"`
}

// ParseInbound decodes one inbound text frame. It returns ErrBadJSON,
// ErrNoEvent or ErrUnknownEvent for the protocol-error cases the caller
// must acknowledge with an incorrectPayload message.
func ParseInbound(data []byte) (*Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrBadJSON
	}
	if env.Event == nil {
		return nil, ErrNoEvent
	}

	switch *env.Event {
	case EventMediaPlay, EventMediaCheckpoint, EventMediaClear, EventTranscriptionSend:
		return &Inbound{
			Event: *env.Event,
			Media: env.Media,
			Name:  env.Name,
			Raw:   data,
		}, nil
	default:
		return nil, ErrUnknownEvent
	}
}
