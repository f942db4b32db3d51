package audio

import (
	"bytes"
	"testing"
	"time"
)

func newTestRing(chunks int) *FrameRing {
	return NewFrameRing("test-stream", chunks*160, 160, FrameDuration)
}

func chunk(fill byte) []byte {
	c := make([]byte, 160)
	for i := range c {
		c[i] = fill
	}
	return c
}

func TestFrameRingWriteRead(t *testing.T) {
	r := newTestRing(4)

	if err := r.Write(chunk(1)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.Write(chunk(2)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if r.InUse() != 320 {
		t.Errorf("expected 320 bytes in use, got %d", r.InUse())
	}

	out := make([]byte, 160)
	if err := r.Read(out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, chunk(1)) {
		t.Error("first read did not return first chunk")
	}
	if err := r.Read(out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, chunk(2)) {
		t.Error("second read did not return second chunk")
	}
	if err := r.Read(out); err != ErrBufferEmpty {
		t.Errorf("expected ErrBufferEmpty, got %v", err)
	}
}

func TestFrameRingFull(t *testing.T) {
	r := newTestRing(2)

	if err := r.Write(chunk(1)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.Write(chunk(2)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.Write(chunk(3)); err != ErrBufferFull {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}
	// The failed write must not have touched the ring.
	if r.InUse() != 320 {
		t.Errorf("expected 320 bytes in use after failed write, got %d", r.InUse())
	}
	out := make([]byte, 160)
	if err := r.Read(out); err != nil || !bytes.Equal(out, chunk(1)) {
		t.Errorf("ring content damaged by failed write (err %v)", err)
	}
}

func TestFrameRingChunkGranularity(t *testing.T) {
	r := newTestRing(4)
	if err := r.Write(make([]byte, 100)); err != ErrChunkSize {
		t.Errorf("expected ErrChunkSize for short frame, got %v", err)
	}
	if err := r.Read(make([]byte, 10)); err != ErrChunkSize {
		t.Errorf("expected ErrChunkSize for short read buffer, got %v", err)
	}
}

func TestFrameRingWraparound(t *testing.T) {
	r := newTestRing(3)
	out := make([]byte, 160)

	// Cycle enough chunks through to wrap the backing slice several times.
	for i := 0; i < 10; i++ {
		if err := r.Write(chunk(byte(i))); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if err := r.Read(out); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !bytes.Equal(out, chunk(byte(i))) {
			t.Fatalf("cycle %d returned wrong data", i)
		}
	}
}

func TestFrameRingMediaClock(t *testing.T) {
	r := newTestRing(8)
	out := make([]byte, 160)

	for i := 0; i < 3; i++ {
		r.Write(chunk(0))
	}
	if r.GeneratedTime() != 60000 {
		t.Errorf("expected generated time 60000µs, got %d", r.GeneratedTime())
	}
	if r.GeneratedChunks() != 3 {
		t.Errorf("expected 3 generated chunks, got %d", r.GeneratedChunks())
	}

	r.Read(out)
	if r.LastSendTime() != 20000 {
		t.Errorf("expected last-send time 20000µs, got %d", r.LastSendTime())
	}
	if r.TransmittedChunks() != 1 {
		t.Errorf("expected 1 transmitted chunk, got %d", r.TransmittedChunks())
	}

	r.Read(out)
	if r.LastSendTime() != 40000 {
		t.Errorf("expected last-send time 40000µs, got %d", r.LastSendTime())
	}
}

func TestFrameRingDegradationMilestones(t *testing.T) {
	r := NewFrameRing("test-stream", 160*10, 160, 20*time.Millisecond)

	var milestones []int
	for i := 0; i < 10; i++ {
		if err := r.Write(chunk(0)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if r.DegradationDue() {
			milestones = append(milestones, i+1)
		}
	}

	// Fill milestones land just past 30%, 60% and 90% of ten chunks.
	want := []int{4, 7, 10}
	if len(milestones) != len(want) {
		t.Fatalf("expected milestones %v, got %v", want, milestones)
	}
	for i := range want {
		if milestones[i] != want[i] {
			t.Fatalf("expected milestones %v, got %v", want, milestones)
		}
	}
}

func TestFrameRingCapacityRounding(t *testing.T) {
	r := NewFrameRing("test-stream", 500, 160, FrameDuration)
	if r.Capacity() != 480 {
		t.Errorf("expected capacity rounded to 480, got %d", r.Capacity())
	}
}
