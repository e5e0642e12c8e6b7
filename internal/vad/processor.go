package vad

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// fullScaleRMS is the RMS energy mapped to probability 1.0
const fullScaleRMS = 10000.0

// Processor provides energy-based voice activity detection on PCM-16 frames
type Processor struct {
	threshold  float32
	sampleRate int

	// VAD state
	isInitialized bool
	lastResult    float32
	smoothing     float32 // Weight of the newest frame in the smoothed probability

	// Statistics
	totalFrames   uint64
	voiceFrames   uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	IsInitialized   bool      `json:"is_initialized"`
	SampleRate      int       `json:"sample_rate"`
	TotalFrames     uint64    `json:"total_frames"`
	VoiceFrames     uint64    `json:"voice_frames"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewProcessor creates a new VAD processor instance
func NewProcessor(threshold float32, sampleRate int) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Processor{
		threshold:  threshold,
		sampleRate: sampleRate,
		smoothing:  0.5,
	}, nil
}

// Initialize prepares the processor for use
func (p *Processor) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.isInitialized = true
	p.lastProcessed = time.Now()

	return nil
}

// IsSpeech classifies one frame of little-endian PCM-16 mono audio
func (p *Processor) IsSpeech(frame []byte) (bool, error) {
	probability, err := p.Probability(frame)
	if err != nil {
		return false, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return probability >= p.threshold, nil
}

// Probability returns the smoothed voice probability for one frame
func (p *Processor) Probability(frame []byte) (float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isInitialized {
		return 0, fmt.Errorf("processor not initialized")
	}

	if len(frame) == 0 {
		return 0, fmt.Errorf("empty frame")
	}

	if len(frame)%2 != 0 {
		return 0, fmt.Errorf("frame length must be even, got %d bytes", len(frame))
	}

	probability := frameEnergy(frame)

	if p.totalFrames > 0 {
		probability = p.smoothing*probability + (1-p.smoothing)*p.lastResult
	}
	p.lastResult = probability

	p.totalFrames++
	if probability >= p.threshold {
		p.voiceFrames++
	}
	p.lastProcessed = time.Now()

	return probability, nil
}

// frameEnergy maps the RMS energy of a frame onto 0..1
func frameEnergy(frame []byte) float32 {
	n := len(frame) / 2

	var energy float64
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(frame[i*2:])))
		energy += sample * sample
	}
	energy = math.Sqrt(energy / float64(n))

	normalized := energy / fullScaleRMS
	if normalized > 1.0 {
		normalized = 1.0
	}

	return float32(normalized)
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalFrames > 0 {
		voicePercentage = float64(p.voiceFrames) / float64(p.totalFrames) * 100
	}

	return ProcessorStats{
		IsInitialized:   p.isInitialized,
		SampleRate:      p.sampleRate,
		TotalFrames:     p.totalFrames,
		VoiceFrames:     p.voiceFrames,
		VoicePercentage: voicePercentage,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.threshold,
	}
}
