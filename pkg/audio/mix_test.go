package audio

import "testing"

func pcmBytes(samples ...int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func pcmSamples(b []byte) []int16 {
	s := make([]int16, len(b)/2)
	for i := range s {
		s[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return s
}

func TestMixPCM16(t *testing.T) {
	dst := pcmBytes(100, -200, 0, 5)
	src := pcmBytes(50, -50, 1000, -5)

	MixPCM16(dst, src)

	want := []int16{150, -250, 1000, 0}
	for i, got := range pcmSamples(dst) {
		if got != want[i] {
			t.Errorf("sample %d: expected %d, got %d", i, want[i], got)
		}
	}
}

func TestMixPCM16Saturation(t *testing.T) {
	dst := pcmBytes(30000, -30000, 32767, -32768)
	src := pcmBytes(10000, -10000, 32767, -32768)

	MixPCM16(dst, src)

	want := []int16{32767, -32767, 32767, -32767}
	for i, got := range pcmSamples(dst) {
		if got != want[i] {
			t.Errorf("sample %d: expected %d, got %d", i, want[i], got)
		}
	}
}

func TestMixPCM16ShorterSource(t *testing.T) {
	dst := pcmBytes(1, 2, 3)
	src := pcmBytes(10)

	MixPCM16(dst, src)

	want := []int16{11, 2, 3}
	for i, got := range pcmSamples(dst) {
		if got != want[i] {
			t.Errorf("sample %d: expected %d, got %d", i, want[i], got)
		}
	}
}
