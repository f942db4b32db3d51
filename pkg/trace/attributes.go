package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used throughout the engine.
const (
	AttrCallID   = "call.id"
	AttrStreamID = "stream.id"
	AttrTrack    = "stream.track"

	AttrAudioCodec      = "audio.codec"
	AttrAudioSampleRate = "audio.sample_rate"

	AttrConnectionURL   = "connection.url"
	AttrConnectionState = "connection.state"

	AttrErrorMessage = "error.message"
)

// StreamAttrs creates the attribute set of one stream.
func StreamAttrs(callID, streamID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCallID, callID),
		attribute.String(AttrStreamID, streamID),
	}
}

// ConnectionAttrs creates the attribute set of one transport connection.
func ConnectionAttrs(url, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrConnectionURL, url),
		attribute.String(AttrConnectionState, state),
	}
}
