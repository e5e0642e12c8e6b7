package audio

import (
	"sync"
)

// DefaultChunkFrames is the number of accepted frames combined into one chunk
const DefaultChunkFrames = 10

// SpeechDetector classifies a PCM-16 frame as speech or non-speech
type SpeechDetector interface {
	IsSpeech(frame []byte) (bool, error)
}

// FrameGateConfig contains configuration for a frame gate
type FrameGateConfig struct {
	SampleRate  int
	ChunkFrames int
}

// FrameGate aggregates raw PCM frames into larger chunks and optionally drops
// frames the speech detector classifies as non-speech.
type FrameGate struct {
	chunkFrames int
	vadBytes    int // 20ms of audio; shorter frames bypass the detector

	detector SpeechDetector
	gating   bool

	frames [][]byte

	// Statistics
	framesAccepted uint64
	framesDropped  uint64
	chunksEmitted  uint64

	mu sync.Mutex
}

// FrameGateStats represents frame gate statistics
type FrameGateStats struct {
	GatingEnabled  bool   `json:"gating_enabled"`
	QueuedFrames   int    `json:"queued_frames"`
	FramesAccepted uint64 `json:"frames_accepted"`
	FramesDropped  uint64 `json:"frames_dropped"`
	ChunksEmitted  uint64 `json:"chunks_emitted"`
}

// NewFrameGate creates a frame gate. A nil detector disables voice-activity gating.
func NewFrameGate(config FrameGateConfig, detector SpeechDetector) *FrameGate {
	if config.ChunkFrames <= 0 {
		config.ChunkFrames = DefaultChunkFrames
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}

	return &FrameGate{
		chunkFrames: config.ChunkFrames,
		vadBytes:    config.SampleRate / 50 * 2,
		detector:    detector,
		gating:      detector != nil,
		frames:      make([][]byte, 0, config.ChunkFrames),
	}
}

// Process accepts one frame and returns a combined chunk when one is ready.
// A non-speech frame is dropped; if frames are queued they are flushed and
// returned instead.
func (g *FrameGate) Process(frame []byte) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.gating && len(frame) >= g.vadBytes {
		speech, err := g.detector.IsSpeech(frame[:g.vadBytes])
		if err != nil {
			// Classifier failures turn gating off for good
			g.gating = false
		} else if !speech {
			g.framesDropped++
			return g.drain()
		}
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	g.frames = append(g.frames, buf)
	g.framesAccepted++

	if len(g.frames) >= g.chunkFrames {
		return g.drain()
	}
	return nil
}

// Flush returns and clears any partially collected chunk
func (g *FrameGate) Flush() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.drain()
}

// drain concatenates queued frames. Caller holds g.mu.
func (g *FrameGate) drain() []byte {
	if len(g.frames) == 0 {
		return nil
	}

	size := 0
	for _, f := range g.frames {
		size += len(f)
	}

	out := make([]byte, 0, size)
	for _, f := range g.frames {
		out = append(out, f...)
	}

	g.frames = g.frames[:0]
	g.chunksEmitted++
	return out
}

// GatingEnabled reports whether voice-activity gating is still active
func (g *FrameGate) GatingEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gating
}

// GetStats returns current frame gate statistics
func (g *FrameGate) GetStats() FrameGateStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	return FrameGateStats{
		GatingEnabled:  g.gating,
		QueuedFrames:   len(g.frames),
		FramesAccepted: g.framesAccepted,
		FramesDropped:  g.framesDropped,
		ChunksEmitted:  g.chunksEmitted,
	}
}
