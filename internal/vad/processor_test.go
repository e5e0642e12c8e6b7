package vad

import (
	"encoding/binary"
	"sync"
	"testing"
)

// pcmFrame builds a little-endian PCM-16 frame with every sample set to value
func pcmFrame(samples int, value int16) []byte {
	frame := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(value))
	}
	return frame
}

func newInitializedProcessor(t *testing.T, threshold float32) *Processor {
	t.Helper()

	processor, err := NewProcessor(threshold, 16000)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	if err := processor.Initialize(); err != nil {
		t.Fatalf("Failed to initialize processor: %v", err)
	}

	return processor
}

func TestNewProcessor(t *testing.T) {
	processor, err := NewProcessor(0.5, 16000)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	if processor.threshold != 0.5 {
		t.Errorf("Expected threshold 0.5, got %f", processor.threshold)
	}

	if processor.sampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", processor.sampleRate)
	}

	if processor.isInitialized {
		t.Error("Expected processor to not be initialized initially")
	}
}

func TestNewProcessorValidation(t *testing.T) {
	tests := []struct {
		name       string
		threshold  float32
		sampleRate int
		expectErr  bool
	}{
		{name: "valid parameters", threshold: 0.5, sampleRate: 16000, expectErr: false},
		{name: "threshold too low", threshold: -0.1, sampleRate: 16000, expectErr: true},
		{name: "threshold too high", threshold: 1.1, sampleRate: 16000, expectErr: true},
		{name: "zero sample rate", threshold: 0.5, sampleRate: 0, expectErr: true},
		{name: "boundary threshold", threshold: 1.0, sampleRate: 8000, expectErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProcessor(tt.threshold, tt.sampleRate)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestIsSpeechWithoutInitialization(t *testing.T) {
	processor, _ := NewProcessor(0.5, 16000)

	if _, err := processor.IsSpeech(pcmFrame(320, 0)); err == nil {
		t.Error("Expected error when processing without initialization")
	}
}

func TestIsSpeechInvalidFrames(t *testing.T) {
	processor := newInitializedProcessor(t, 0.5)

	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "empty frame", frame: []byte{}},
		{name: "odd length", frame: make([]byte, 641)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := processor.IsSpeech(tt.frame); err == nil {
				t.Error("Expected error for invalid frame")
			}
		})
	}
}

func TestVoiceActivityDetection(t *testing.T) {
	tests := []struct {
		name     string
		value    int16
		expected bool
	}{
		{name: "silence", value: 0, expected: false},
		{name: "low energy", value: 500, expected: false},
		{name: "high energy", value: 9000, expected: true},
		{name: "full scale", value: 32767, expected: true},
		{name: "negative full scale", value: -32768, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Fresh processor per case so smoothing does not leak between cases
			processor := newInitializedProcessor(t, 0.3)

			speech, err := processor.IsSpeech(pcmFrame(320, tt.value))
			if err != nil {
				t.Fatalf("IsSpeech failed: %v", err)
			}

			if speech != tt.expected {
				t.Errorf("Expected speech=%v, got %v", tt.expected, speech)
			}
		})
	}
}

func TestProbabilitySmoothing(t *testing.T) {
	processor := newInitializedProcessor(t, 0.5)

	first, err := processor.Probability(pcmFrame(320, 10000))
	if err != nil {
		t.Fatalf("Probability failed: %v", err)
	}
	if first != 1.0 {
		t.Errorf("Expected first probability 1.0, got %f", first)
	}

	second, err := processor.Probability(pcmFrame(320, 0))
	if err != nil {
		t.Fatalf("Probability failed: %v", err)
	}
	if second != 0.5 {
		t.Errorf("Expected smoothed probability 0.5, got %f", second)
	}
}

func TestProcessorStats(t *testing.T) {
	processor := newInitializedProcessor(t, 0.3)

	for i := 0; i < 3; i++ {
		if _, err := processor.IsSpeech(pcmFrame(320, 20000)); err != nil {
			t.Fatalf("IsSpeech failed: %v", err)
		}
	}

	stats := processor.GetStats()

	if !stats.IsInitialized {
		t.Error("Expected stats to show processor is initialized")
	}

	if stats.TotalFrames != 3 {
		t.Errorf("Expected 3 total frames, got %d", stats.TotalFrames)
	}

	if stats.VoiceFrames != 3 {
		t.Errorf("Expected 3 voice frames, got %d", stats.VoiceFrames)
	}

	if stats.VoicePercentage != 100 {
		t.Errorf("Expected 100%% voice, got %f", stats.VoicePercentage)
	}
}

func TestConcurrentProcessing(t *testing.T) {
	processor := newInitializedProcessor(t, 0.5)

	const workers = 10
	const framesPerWorker = 20

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(value int16) {
			defer wg.Done()
			for j := 0; j < framesPerWorker; j++ {
				if _, err := processor.IsSpeech(pcmFrame(320, value)); err != nil {
					t.Errorf("IsSpeech failed: %v", err)
				}
			}
		}(int16(i * 1000))
	}
	wg.Wait()

	if stats := processor.GetStats(); stats.TotalFrames != workers*framesPerWorker {
		t.Errorf("Expected %d frames, got %d", workers*framesPerWorker, stats.TotalFrames)
	}
}
