package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/meeting-live-service/internal/meeting"
	"github.com/skypro1111/meeting-live-service/internal/metrics"
	"github.com/skypro1111/meeting-live-service/internal/transcription"
)

// Transcriber turns a WAV clip into text
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte, language string) (string, error)
}

// SegmentHandler receives every non-empty transcript segment in submission order
type SegmentHandler interface {
	HandleSegment(ctx context.Context, segment meeting.TranscriptSegment)
}

// WindowConfig contains configuration for a transcription window buffer
type WindowConfig struct {
	SampleRate    int
	WindowSeconds float64
	Language      string
}

// WindowBuffer accumulates PCM chunks and submits fixed-size windows to the
// speech-to-text capability, at most once per WindowSeconds. Each submission
// keeps a short overlap at the front of the buffer for continuity.
type WindowBuffer struct {
	meetingID string
	config    WindowConfig

	windowBytes  int
	overlapBytes int
	interval     time.Duration

	transcriber Transcriber
	handler     SegmentHandler
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	// inflight is held for the duration of one submission
	inflight sync.Mutex

	data       []byte
	lastSubmit time.Time

	// Statistics
	windowsSubmitted uint64
	segmentsProduced uint64
	windowsFailed    uint64
	windowsEmpty     uint64

	mu sync.Mutex
}

// WindowStats represents window buffer statistics
type WindowStats struct {
	BufferedBytes    int       `json:"buffered_bytes"`
	WindowBytes      int       `json:"window_bytes"`
	OverlapBytes     int       `json:"overlap_bytes"`
	LastSubmission   time.Time `json:"last_submission"`
	WindowsSubmitted uint64    `json:"windows_submitted"`
	SegmentsProduced uint64    `json:"segments_produced"`
	WindowsFailed    uint64    `json:"windows_failed"`
	WindowsEmpty     uint64    `json:"windows_empty"`
}

// NewWindowBuffer creates a window buffer for one meeting
func NewWindowBuffer(meetingID string, config WindowConfig, transcriber Transcriber,
	handler SegmentHandler, logger *slog.Logger, m *metrics.Metrics) (*WindowBuffer, error) {

	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}

	if config.WindowSeconds <= 0 {
		return nil, fmt.Errorf("window seconds must be positive, got %f", config.WindowSeconds)
	}

	if transcriber == nil {
		return nil, fmt.Errorf("transcriber cannot be nil")
	}

	overlapSeconds := config.WindowSeconds / 2
	if overlapSeconds > 0.5 {
		overlapSeconds = 0.5
	}

	// Sizes are whole PCM-16 samples so every window starts on a sample boundary
	windowBytes := int(float64(config.SampleRate)*config.WindowSeconds) * 2
	overlapBytes := int(float64(config.SampleRate)*overlapSeconds) * 2

	return &WindowBuffer{
		meetingID:    meetingID,
		config:       config,
		windowBytes:  windowBytes,
		overlapBytes: overlapBytes,
		interval:     time.Duration(config.WindowSeconds * float64(time.Second)),
		transcriber:  transcriber,
		handler:      handler,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
		data:         make([]byte, 0, windowBytes*2),
	}, nil
}

// Append adds PCM bytes to the buffer without submitting anything
func (w *WindowBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	w.mu.Lock()
	w.data = append(w.data, chunk...)
	w.mu.Unlock()
}

// Tick submits one window if the buffer holds a full window and the rate
// limit allows it. It returns true when a window was submitted. A Tick that
// finds another submission in flight returns immediately.
func (w *WindowBuffer) Tick(ctx context.Context) bool {
	if !w.inflight.TryLock() {
		return false
	}
	defer w.inflight.Unlock()

	clip, ok := w.takeWindow(false)
	if !ok {
		return false
	}

	w.submit(ctx, clip)
	return true
}

// Drain submits whatever new audio remains beyond the retained overlap,
// ignoring the rate limit. Used once at session teardown.
func (w *WindowBuffer) Drain(ctx context.Context) bool {
	w.inflight.Lock()
	defer w.inflight.Unlock()

	clip, ok := w.takeWindow(true)
	if !ok {
		return false
	}

	w.submit(ctx, clip)
	return true
}

// takeWindow cuts the next clip from the buffer and advances it, leaving the
// overlap in place. Caller holds w.inflight.
func (w *WindowBuffer) takeWindow(final bool) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()

	if final {
		if len(w.data) <= w.overlapBytes {
			return nil, false
		}
		clip := make([]byte, len(w.data))
		copy(clip, w.data)
		w.data = w.data[:0]
		w.lastSubmit = now
		w.windowsSubmitted++
		return clip, true
	}

	if len(w.data) < w.windowBytes {
		return nil, false
	}

	if !w.lastSubmit.IsZero() && now.Sub(w.lastSubmit) < w.interval {
		return nil, false
	}

	clip := make([]byte, w.windowBytes)
	copy(clip, w.data[:w.windowBytes])

	trim := w.windowBytes - w.overlapBytes
	if trim < 0 {
		trim = 0
	}
	remaining := copy(w.data, w.data[trim:])
	w.data = w.data[:remaining]

	w.lastSubmit = now
	w.windowsSubmitted++

	return clip, true
}

// submit transcribes a clip and hands the resulting segment on. Errors are
// logged and the clip is dropped.
func (w *WindowBuffer) submit(ctx context.Context, clip []byte) {
	wav, err := EncodeWAV(clip, w.config.SampleRate)
	if err != nil {
		w.recordFailure()
		w.logger.Error("Failed to encode transcription window",
			slog.String("meeting_id", w.meetingID),
			slog.Int("window_bytes", len(clip)),
			slog.String("error", err.Error()),
		)
		return
	}

	w.metrics.RecordTranscriptionRequest()
	startTime := time.Now()
	text, err := w.transcriber.Transcribe(ctx, wav, w.config.Language)
	duration := time.Since(startTime)

	if err != nil {
		w.recordFailure()
		w.metrics.RecordTranscriptionFailure(duration.Seconds())

		if errors.Is(err, transcription.ErrMissingAPIKey) {
			w.logger.Warn("Transcription skipped, speech-to-text credentials are not configured",
				slog.String("meeting_id", w.meetingID),
			)
			return
		}

		w.logger.Error("Transcription failed",
			slog.String("meeting_id", w.meetingID),
			slog.Float64("window_seconds", PCMDuration(len(clip), w.config.SampleRate)),
			slog.Float64("duration", duration.Seconds()),
			slog.String("error", err.Error()),
		)
		return
	}

	w.metrics.RecordTranscriptionSuccess(duration.Seconds())

	if strings.TrimSpace(text) == "" {
		w.mu.Lock()
		w.windowsEmpty++
		w.mu.Unlock()

		w.logger.Debug("Transcription returned no text",
			slog.String("meeting_id", w.meetingID),
		)
		return
	}

	w.mu.Lock()
	w.segmentsProduced++
	w.mu.Unlock()

	segment := meeting.TranscriptSegment{
		ID:        meeting.NewID(),
		MeetingID: w.meetingID,
		Text:      text,
		Language:  w.config.Language,
		Timestamp: w.now().UTC(),
	}

	w.logger.Info("Window transcription completed",
		slog.String("meeting_id", w.meetingID),
		slog.String("segment_id", segment.ID),
		slog.Int("text_length", len(text)),
		slog.Float64("duration", duration.Seconds()),
	)

	if w.handler != nil {
		w.handler.HandleSegment(ctx, segment)
	}
}

func (w *WindowBuffer) recordFailure() {
	w.mu.Lock()
	w.windowsFailed++
	w.mu.Unlock()
}

// Len returns the number of buffered bytes
func (w *WindowBuffer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.data)
}

// WindowBytes returns the size of one submitted window in bytes
func (w *WindowBuffer) WindowBytes() int {
	return w.windowBytes
}

// OverlapBytes returns the number of bytes retained after each submission
func (w *WindowBuffer) OverlapBytes() int {
	return w.overlapBytes
}

// GetStats returns current window buffer statistics
func (w *WindowBuffer) GetStats() WindowStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return WindowStats{
		BufferedBytes:    len(w.data),
		WindowBytes:      w.windowBytes,
		OverlapBytes:     w.overlapBytes,
		LastSubmission:   w.lastSubmit,
		WindowsSubmitted: w.windowsSubmitted,
		SegmentsProduced: w.segmentsProduced,
		WindowsFailed:    w.windowsFailed,
		WindowsEmpty:     w.windowsEmpty,
	}
}
