// Package audio provides the audio processing primitives of the streaming
// engine: the chunked frame ring, G.711 μ-law transcoding, sample-rate
// conversion and saturating PCM mixing.
//
// All PCM data is 16-bit signed little-endian, mono.
package audio

import "time"

// Codec identifies the wire encoding of outbound media frames.
type Codec int

const (
	// CodecL16 is linear 16-bit PCM.
	CodecL16 Codec = iota
	// CodecULaw is G.711 μ-law.
	CodecULaw
)

// Frame sizes for 20 ms of mono audio at 8 kHz.
const (
	L16FrameSize8k  = 320
	ULawFrameSize8k = 160

	// FrameDuration is the packetization period of the telephony host.
	FrameDuration = 20 * time.Millisecond
)

// String returns the codec name as used on the command surface.
func (c Codec) String() string {
	if c == CodecULaw {
		return "mulaw"
	}
	return "l16"
}

// Encoding returns the content-type string used in wire messages.
func (c Codec) Encoding() string {
	if c == CodecULaw {
		return "audio/x-mulaw"
	}
	return "audio/x-l16"
}

// FrameBytes returns the wire-encoded size of one 20 ms frame at the given
// sample rate. The rate must be a positive multiple of 8000.
func (c Codec) FrameBytes(sampleRate int) int {
	if c == CodecULaw {
		return ULawFrameSize8k * (sampleRate / 8000)
	}
	return L16FrameSize8k * (sampleRate / 8000)
}

// ulawToLinear maps each μ-law byte to its 16-bit signed PCM value
// (ITU-T G.711 expansion table).
var ulawToLinear = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ulawSegments holds the segment end values used during compression.
var ulawSegments = [8]int32{0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF, 0x3FFF, 0x7FFF}

// ULawDecode expands a single μ-law byte to a PCM sample.
func ULawDecode(u byte) int16 {
	return ulawToLinear[u]
}

// ULawEncode compresses a PCM sample to μ-law.
func ULawEncode(pcm int16) byte {
	var sign int32
	v := int32(pcm)
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias

	seg := 7
	for i := 0; i < 8; i++ {
		if v <= ulawSegments[i] {
			seg = i
			break
		}
	}

	return byte(^(sign | int32(seg)<<4 | (v>>(seg+3))&0x0f))
}

// ULawToPCM16 expands μ-law bytes to 16-bit PCM, doubling the byte count.
func ULawToPCM16(ulaw []byte) []byte {
	pcm := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		s := ulawToLinear[u]
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// PCM16ToULaw compresses 16-bit PCM to μ-law, halving the byte count.
// A trailing odd byte is ignored.
func PCM16ToULaw(pcm []byte) []byte {
	n := len(pcm) / 2
	ulaw := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		ulaw[i] = ULawEncode(s)
	}
	return ulaw
}
