package audio

import (
	"bytes"
	"errors"
	"testing"
)

// scriptedDetector returns queued answers in order and counts calls
type scriptedDetector struct {
	answers []bool
	err     error
	calls   int
	lastLen int
}

func (d *scriptedDetector) IsSpeech(frame []byte) (bool, error) {
	d.calls++
	d.lastLen = len(frame)
	if d.err != nil {
		return false, d.err
	}
	if len(d.answers) == 0 {
		return true, nil
	}
	answer := d.answers[0]
	d.answers = d.answers[1:]
	return answer, nil
}

func frameOf(size int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, size)
}

func TestFrameGateAggregatesWithoutVAD(t *testing.T) {
	gate := NewFrameGate(FrameGateConfig{SampleRate: 16000}, nil)

	for i := 0; i < DefaultChunkFrames-1; i++ {
		if chunk := gate.Process(frameOf(1600, byte(i))); chunk != nil {
			t.Fatalf("Unexpected chunk after frame %d", i+1)
		}
	}

	chunk := gate.Process(frameOf(1600, 9))
	if len(chunk) != 16000 {
		t.Fatalf("Expected 16000-byte chunk, got %d", len(chunk))
	}

	// Frames are concatenated in arrival order
	for i := 0; i < DefaultChunkFrames; i++ {
		if chunk[i*1600] != byte(i) {
			t.Errorf("Frame %d out of order", i)
		}
	}

	if stats := gate.GetStats(); stats.QueuedFrames != 0 || stats.ChunksEmitted != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestFrameGateNonSpeechFlushesQueue(t *testing.T) {
	detector := &scriptedDetector{answers: []bool{true, true, true, false}}
	gate := NewFrameGate(FrameGateConfig{SampleRate: 16000, ChunkFrames: 10}, detector)

	for i := 0; i < 3; i++ {
		if chunk := gate.Process(frameOf(640, 1)); chunk != nil {
			t.Fatalf("Unexpected chunk after frame %d", i+1)
		}
	}

	chunk := gate.Process(frameOf(640, 2))
	if len(chunk) != 3*640 {
		t.Fatalf("Expected flushed chunk of %d bytes, got %d", 3*640, len(chunk))
	}

	// The triggering non-speech frame is dropped
	if bytes.IndexByte(chunk, 2) != -1 {
		t.Error("Non-speech frame leaked into the flushed chunk")
	}

	if stats := gate.GetStats(); stats.FramesDropped != 1 || stats.QueuedFrames != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestFrameGateNonSpeechOnEmptyQueue(t *testing.T) {
	detector := &scriptedDetector{answers: []bool{false}}
	gate := NewFrameGate(FrameGateConfig{SampleRate: 16000}, detector)

	if chunk := gate.Process(frameOf(640, 1)); chunk != nil {
		t.Errorf("Expected no output, got %d bytes", len(chunk))
	}

	if gate.Flush() != nil {
		t.Error("Expected empty queue after dropped frame")
	}
}

func TestFrameGateShortFramesBypassVAD(t *testing.T) {
	detector := &scriptedDetector{answers: []bool{false}}
	gate := NewFrameGate(FrameGateConfig{SampleRate: 16000, ChunkFrames: 2}, detector)

	gate.Process(frameOf(320, 1))
	if detector.calls != 0 {
		t.Errorf("Expected detector not to be called for short frames, got %d calls", detector.calls)
	}

	if stats := gate.GetStats(); stats.QueuedFrames != 1 {
		t.Errorf("Expected short frame to be queued, got %d", stats.QueuedFrames)
	}
}

func TestFrameGateClassifiesFirst20ms(t *testing.T) {
	detector := &scriptedDetector{}
	gate := NewFrameGate(FrameGateConfig{SampleRate: 16000}, detector)

	gate.Process(frameOf(1600, 1))

	if detector.lastLen != 640 {
		t.Errorf("Expected detector to see 640 bytes, got %d", detector.lastLen)
	}
}

func TestFrameGateDetectorErrorDisablesGating(t *testing.T) {
	detector := &scriptedDetector{err: errors.New("classifier unavailable")}
	gate := NewFrameGate(FrameGateConfig{SampleRate: 16000, ChunkFrames: 3}, detector)

	gate.Process(frameOf(640, 1))
	if gate.GatingEnabled() {
		t.Fatal("Expected gating to be disabled after classifier error")
	}

	gate.Process(frameOf(640, 1))
	chunk := gate.Process(frameOf(640, 1))

	if detector.calls != 1 {
		t.Errorf("Expected exactly one detector call, got %d", detector.calls)
	}

	// The failing frame is still accepted
	if len(chunk) != 3*640 {
		t.Errorf("Expected %d-byte chunk, got %d", 3*640, len(chunk))
	}
}

func TestFrameGateFlush(t *testing.T) {
	gate := NewFrameGate(FrameGateConfig{SampleRate: 16000}, nil)

	gate.Process(frameOf(100, 1))
	gate.Process(frameOf(101, 2))

	chunk := gate.Flush()
	if len(chunk) != 201 {
		t.Errorf("Expected 201 bytes, got %d", len(chunk))
	}

	if gate.Flush() != nil {
		t.Error("Expected second flush to return nothing")
	}
}

func TestFrameGateCopiesInput(t *testing.T) {
	gate := NewFrameGate(FrameGateConfig{SampleRate: 16000, ChunkFrames: 2}, nil)

	frame := frameOf(4, 1)
	gate.Process(frame)
	frame[0] = 9

	chunk := gate.Process(frameOf(4, 1))
	if chunk[0] != 1 {
		t.Error("Gate must not retain caller-owned frame buffers")
	}
}
