package audio

import (
	"testing"
)

func TestULawRoundTrip(t *testing.T) {
	// μ-law is lossy; the decoded value must stay within the quantization
	// step of the encoded segment.
	samples := []int16{0, 100, 1000, 10000, 32000, -100, -1000, -10000, -32000}

	for _, original := range samples {
		encoded := ULawEncode(original)
		decoded := ULawDecode(encoded)

		diff := int32(original) - int32(decoded)
		if diff < 0 {
			diff = -diff
		}

		abs := int32(original)
		if abs < 0 {
			abs = -abs
		}
		maxErr := abs * 5 / 100
		if maxErr < 200 {
			maxErr = 200
		}

		if diff > maxErr && original != 0 {
			t.Errorf("round-trip for %d: encoded=%02x decoded=%d diff=%d (max %d)", original, encoded, decoded, diff, maxErr)
		}
	}
}

func TestULawIdentity(t *testing.T) {
	// μ-law → PCM → μ-law must be the identity for every code point.
	for i := 0; i < 256; i++ {
		u := byte(i)
		again := ULawEncode(ULawDecode(u))
		// 0x7F and 0xFF both decode to 0; encoding 0 yields 0xFF.
		if u == 0x7f {
			continue
		}
		if again != u {
			t.Errorf("code %02x re-encoded as %02x", u, again)
		}
	}
}

func TestULawEncodeExtremes(t *testing.T) {
	if got := ULawDecode(ULawEncode(-32768)); got > -30000 {
		t.Errorf("encoding -32768 decoded to %d, expected a value near the negative clip", got)
	}
	if got := ULawDecode(ULawEncode(32767)); got < 30000 {
		t.Errorf("encoding 32767 decoded to %d, expected a value near the positive clip", got)
	}
}

func TestULawToPCM16(t *testing.T) {
	ulaw := []byte{0x7f, 0xff, 0x00, 0x80}
	pcm := ULawToPCM16(ulaw)

	if len(pcm) != len(ulaw)*2 {
		t.Fatalf("expected PCM length %d, got %d", len(ulaw)*2, len(pcm))
	}

	for i, u := range ulaw {
		expected := ULawDecode(u)
		got := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		if got != expected {
			t.Errorf("sample %d: expected %d, got %d", i, expected, got)
		}
	}
}

func TestPCM16ToULaw(t *testing.T) {
	samples := []int16{0, 1000, -1000, 10000, -10000}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}

	ulaw := PCM16ToULaw(pcm)
	if len(ulaw) != len(samples) {
		t.Fatalf("expected μ-law length %d, got %d", len(samples), len(ulaw))
	}

	for i, s := range samples {
		if expected := ULawEncode(s); ulaw[i] != expected {
			t.Errorf("sample %d (%d): expected %02x, got %02x", i, s, expected, ulaw[i])
		}
	}
}

func TestFrameBytes(t *testing.T) {
	cases := []struct {
		codec Codec
		rate  int
		want  int
	}{
		{CodecL16, 8000, 320},
		{CodecL16, 16000, 640},
		{CodecL16, 32000, 1280},
		{CodecULaw, 8000, 160},
		{CodecULaw, 16000, 320},
	}
	for _, c := range cases {
		if got := c.codec.FrameBytes(c.rate); got != c.want {
			t.Errorf("FrameBytes(%v, %d) = %d, want %d", c.codec, c.rate, got, c.want)
		}
	}
}

func TestCodecEncoding(t *testing.T) {
	if CodecL16.Encoding() != "audio/x-l16" {
		t.Errorf("unexpected L16 encoding %q", CodecL16.Encoding())
	}
	if CodecULaw.Encoding() != "audio/x-mulaw" {
		t.Errorf("unexpected μ-law encoding %q", CodecULaw.Encoding())
	}
}
