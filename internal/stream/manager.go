package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/meeting-live-service/internal/attendance"
	"github.com/skypro1111/meeting-live-service/internal/audio"
	"github.com/skypro1111/meeting-live-service/internal/broadcast"
	"github.com/skypro1111/meeting-live-service/internal/meeting"
	"github.com/skypro1111/meeting-live-service/internal/metrics"
	"github.com/skypro1111/meeting-live-service/internal/storage"
	"github.com/skypro1111/meeting-live-service/internal/vad"
)

// Session holds the per-meeting audio pipeline
type Session struct {
	MeetingID    string
	StartTime    time.Time
	LastActivity time.Time

	Gate   *audio.FrameGate
	Window *audio.WindowBuffer
	VAD    *vad.Processor // nil when gating is disabled

	// Ingestion statistics
	framesReceived uint64
	bytesReceived  uint64
	chunksAppended uint64

	// Processing control
	notify           chan struct{}
	processingCtx    context.Context
	processingCancel context.CancelFunc
	processingWG     sync.WaitGroup

	mu sync.RWMutex
}

// Manager is the registry of meeting sessions and attendance trackers
type Manager struct {
	sessions map[string]*Session
	trackers map[string]*attendance.Tracker
	mu       sync.RWMutex

	config      Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
	transcriber audio.Transcriber
	store       storage.Store
	hub         *broadcast.Hub

	// busy reports meetings that must not be reaped by idle cleanup
	busy   func(meetingID string) bool
	busyMu sync.RWMutex

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// Config contains configuration for the session manager
type Config struct {
	SampleRate    int
	ChunkFrames   int
	WindowSeconds float64
	Language      string
	FlushOnStop   bool
	DrainTimeout  time.Duration

	VADEnabled   bool
	VADThreshold float32

	DedupWindow time.Duration

	// IdleTimeout of zero disables idle cleanup
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// NewManager creates a session manager
func NewManager(logger *slog.Logger, config Config, transcriber audio.Transcriber,
	store storage.Store, hub *broadcast.Hub, m *metrics.Metrics) (*Manager, error) {

	if transcriber == nil {
		return nil, fmt.Errorf("transcriber cannot be nil")
	}

	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}

	if hub == nil {
		return nil, fmt.Errorf("hub cannot be nil")
	}

	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}

	if config.WindowSeconds <= 0 {
		return nil, fmt.Errorf("window seconds must be positive, got %f", config.WindowSeconds)
	}

	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}

	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions:    make(map[string]*Session),
		trackers:    make(map[string]*attendance.Tracker),
		config:      config,
		logger:      logger,
		metrics:     m,
		transcriber: transcriber,
		store:       store,
		hub:         hub,
		ctx:         ctx,
		cancel:      cancel,
		cleanup:     make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// SetBusyCheck installs the check idle cleanup uses to skip meetings with an active bot
func (m *Manager) SetBusyCheck(busy func(meetingID string) bool) {
	m.busyMu.Lock()
	defer m.busyMu.Unlock()
	m.busy = busy
}

func (m *Manager) isBusy(meetingID string) bool {
	m.busyMu.RLock()
	busy := m.busy
	m.busyMu.RUnlock()
	return busy != nil && busy(meetingID)
}

// EnsureSession returns the session for a meeting, creating it on first use
func (m *Manager) EnsureSession(meetingID string) (*Session, error) {
	if meetingID == "" {
		return nil, fmt.Errorf("meeting id cannot be empty")
	}

	m.mu.RLock()
	session, exists := m.sessions[meetingID]
	m.mu.RUnlock()
	if exists {
		return session, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if session, exists := m.sessions[meetingID]; exists {
		return session, nil
	}

	session, err := m.newSession(meetingID)
	if err != nil {
		return nil, err
	}

	m.sessions[meetingID] = session
	m.metrics.RecordSessionCreated()
	m.metrics.SetActiveSessions(len(m.sessions))

	m.logger.Info("Created new meeting session",
		slog.String("meeting_id", meetingID),
		slog.Bool("vad_enabled", session.VAD != nil),
		slog.Float64("window_seconds", m.config.WindowSeconds),
		slog.Int("window_bytes", session.Window.WindowBytes()),
		slog.Int("overlap_bytes", session.Window.OverlapBytes()),
	)

	return session, nil
}

// newSession builds the pipeline for a meeting. Caller holds m.mu.
func (m *Manager) newSession(meetingID string) (*Session, error) {
	var detector audio.SpeechDetector
	var processor *vad.Processor

	if m.config.VADEnabled {
		p, err := vad.NewProcessor(m.config.VADThreshold, m.config.SampleRate)
		if err == nil {
			err = p.Initialize()
		}
		if err != nil {
			// Without a classifier the gate passes every frame
			m.logger.Warn("Voice activity detection unavailable, gating disabled",
				slog.String("meeting_id", meetingID),
				slog.String("error", err.Error()),
			)
		} else {
			processor = p
			detector = p
		}
	}

	window, err := audio.NewWindowBuffer(meetingID, audio.WindowConfig{
		SampleRate:    m.config.SampleRate,
		WindowSeconds: m.config.WindowSeconds,
		Language:      m.config.Language,
	}, m.transcriber, m, m.logger, m.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create window buffer: %w", err)
	}

	processingCtx, processingCancel := context.WithCancel(m.ctx)
	now := time.Now()

	session := &Session{
		MeetingID:    meetingID,
		StartTime:    now,
		LastActivity: now,
		Gate: audio.NewFrameGate(audio.FrameGateConfig{
			SampleRate:  m.config.SampleRate,
			ChunkFrames: m.config.ChunkFrames,
		}, detector),
		Window:           window,
		VAD:              processor,
		notify:           make(chan struct{}, 1),
		processingCtx:    processingCtx,
		processingCancel: processingCancel,
	}
	session.startProcessing()

	return session, nil
}

// GetSession retrieves a session by meeting id
func (m *Manager) GetSession(meetingID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[meetingID]
	return session, exists
}

// ProcessAudio feeds one raw PCM frame through the meeting's pipeline.
// Empty frames are keep-alive heartbeats and are ignored.
func (m *Manager) ProcessAudio(ctx context.Context, meetingID string, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}

	session, err := m.EnsureSession(meetingID)
	if err != nil {
		m.metrics.RecordIngestError()
		return err
	}

	m.metrics.RecordFrame()

	session.mu.Lock()
	session.LastActivity = time.Now()
	session.framesReceived++
	session.bytesReceived += uint64(len(frame))
	session.mu.Unlock()

	chunk := session.Gate.Process(frame)
	if chunk == nil {
		return nil
	}

	session.appendChunk(chunk, m.metrics)
	return nil
}

// appendChunk adds a gated chunk to the window buffer and wakes the processing loop
func (s *Session) appendChunk(chunk []byte, m *metrics.Metrics) {
	s.Window.Append(chunk)
	m.RecordChunkEmitted()

	s.mu.Lock()
	s.chunksAppended++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// startProcessing runs the loop that submits windows off the ingestion path
func (s *Session) startProcessing() {
	s.processingWG.Add(1)
	go func() {
		defer s.processingWG.Done()
		s.processingLoop()
	}()
}

// processingLoop ticks the window buffer after appends. Notifications that
// arrive during a submission are coalesced into one more tick.
func (s *Session) processingLoop() {
	for {
		select {
		case <-s.processingCtx.Done():
			return
		case <-s.notify:
			s.Window.Tick(s.processingCtx)
		}
	}
}

// HandleSegment persists a transcript segment and pushes it to live subscribers
func (m *Manager) HandleSegment(ctx context.Context, segment meeting.TranscriptSegment) {
	if err := m.store.AppendSegment(ctx, segment); err != nil {
		m.logger.Error("Failed to store transcript segment",
			slog.String("meeting_id", segment.MeetingID),
			slog.String("segment_id", segment.ID),
			slog.String("error", err.Error()),
		)
	}

	m.metrics.RecordSegment()

	delivered := m.hub.Broadcast(ctx, segment.MeetingID, broadcast.TranscriptEvent(segment.Text))

	m.logger.Debug("Transcript segment pushed",
		slog.String("meeting_id", segment.MeetingID),
		slog.String("segment_id", segment.ID),
		slog.Int("subscribers", delivered),
	)
}

// Tracker returns the attendance tracker for a meeting, creating it on first use
func (m *Manager) Tracker(meetingID string) *attendance.Tracker {
	m.mu.RLock()
	tracker, exists := m.trackers[meetingID]
	m.mu.RUnlock()
	if exists {
		return tracker
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if tracker, exists := m.trackers[meetingID]; exists {
		return tracker
	}

	tracker = attendance.NewTracker(meetingID, m.store, m.config.DedupWindow, m.logger, m.metrics)
	m.trackers[meetingID] = tracker
	return tracker
}

// GetActiveSessionCount returns the number of sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns information about every session
func (m *Manager) GetAllSessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, m.sessionInfo(session))
	}
	return infos
}

// GetSessionInfo returns information about one session
func (m *Manager) GetSessionInfo(meetingID string) (SessionInfo, bool) {
	session, exists := m.GetSession(meetingID)
	if !exists {
		return SessionInfo{}, false
	}
	return m.sessionInfo(session), true
}

func (m *Manager) sessionInfo(s *Session) SessionInfo {
	info := s.GetSessionInfo()
	info.Subscribers = m.hub.Count(s.MeetingID)
	return info
}

// RemoveSession tears down all state for a meeting: the audio pipeline, the
// attendance tracker and the live subscriber set. It reports whether anything
// was removed.
func (m *Manager) RemoveSession(ctx context.Context, meetingID string) bool {
	m.mu.Lock()
	session, sessionExists := m.sessions[meetingID]
	_, trackerExists := m.trackers[meetingID]
	delete(m.sessions, meetingID)
	delete(m.trackers, meetingID)
	m.metrics.SetActiveSessions(len(m.sessions))
	m.mu.Unlock()

	hubExists := m.hub.Has(meetingID)
	m.hub.Remove(meetingID)

	if !sessionExists {
		return trackerExists || hubExists
	}

	m.logger.Info("Finalizing meeting session",
		slog.String("meeting_id", meetingID),
		slog.Duration("duration", time.Since(session.StartTime)),
	)

	session.stopProcessing()

	if m.config.FlushOnStop {
		m.finalizeSession(ctx, session)
	}

	m.metrics.RecordSessionDestroyed(time.Since(session.StartTime).Seconds())

	info := session.GetSessionInfo()
	m.logger.Info("Meeting session removed",
		slog.String("meeting_id", meetingID),
		slog.Uint64("frames_received", info.FramesReceived),
		slog.Uint64("windows_submitted", info.Window.WindowsSubmitted),
		slog.Uint64("segments_produced", info.Window.SegmentsProduced),
		slog.Duration("total_duration", info.Duration),
	)

	return true
}

// finalizeSession submits audio still held by the gate and window buffer
func (m *Manager) finalizeSession(ctx context.Context, session *Session) {
	if rest := session.Gate.Flush(); rest != nil {
		session.Window.Append(rest)
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.DrainTimeout)
	defer cancel()

	if session.Window.Drain(drainCtx) {
		m.logger.Info("Submitted final window",
			slog.String("meeting_id", session.MeetingID),
		)
	}
}

// stopProcessing cancels the processing loop and waits for it to return
func (s *Session) stopProcessing() {
	s.processingCancel()
	s.processingWG.Wait()
}

// Stop tears down every session and stops the cleanup routine
func (m *Manager) Stop(ctx context.Context) {
	m.logger.Info("Stopping session manager...")

	m.cancel()
	<-m.cleanup

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions)+len(m.trackers))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	for id := range m.trackers {
		if _, ok := m.sessions[id]; !ok {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.RemoveSession(ctx, id)
	}

	m.logger.Info("Session manager stopped",
		slog.Int("sessions_closed", len(ids)),
	)
}

// startCleanupRoutine periodically removes idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupIdleSessions(time.Now())
		}
	}
}

// cleanupIdleSessions removes sessions without audio for longer than the idle
// timeout, skipping meetings with an active bot. Meetings that only have an
// attendance tracker are dropped once the tracker has been quiet for both the
// idle timeout and its de-duplication window, when it holds no live state.
func (m *Manager) cleanupIdleSessions(now time.Time) int {
	idle := make([]string, 0)
	idleTrackers := make([]string, 0)

	m.mu.RLock()
	if m.config.IdleTimeout > 0 {
		for meetingID, session := range m.sessions {
			session.mu.RLock()
			lastActivity := session.LastActivity
			session.mu.RUnlock()

			if now.Sub(lastActivity) > m.config.IdleTimeout {
				idle = append(idle, meetingID)
			}
		}
	}
	for meetingID, tracker := range m.trackers {
		if _, hasSession := m.sessions[meetingID]; hasSession {
			continue
		}
		if m.trackerIdle(tracker, now) {
			idleTrackers = append(idleTrackers, meetingID)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, meetingID := range idle {
		if m.isBusy(meetingID) {
			continue
		}

		m.logger.Info("Cleaning up idle session",
			slog.String("meeting_id", meetingID),
		)
		if m.RemoveSession(m.ctx, meetingID) {
			removed++
		}
	}

	for _, meetingID := range idleTrackers {
		if m.isBusy(meetingID) {
			continue
		}

		m.mu.Lock()
		tracker, exists := m.trackers[meetingID]
		_, hasSession := m.sessions[meetingID]
		reap := exists && !hasSession && m.trackerIdle(tracker, now)
		if reap {
			delete(m.trackers, meetingID)
		}
		m.mu.Unlock()

		if reap {
			m.logger.Info("Cleaning up idle attendance tracker",
				slog.String("meeting_id", meetingID),
			)
			removed++
		}
	}

	return removed
}

// trackerIdle reports whether a tracker without a session can be dropped
func (m *Manager) trackerIdle(tracker *attendance.Tracker, now time.Time) bool {
	timeout := tracker.DedupWindow()
	if m.config.IdleTimeout > timeout {
		timeout = m.config.IdleTimeout
	}
	return now.Sub(tracker.LastActivity()) > timeout
}

// GetSessionInfo returns session information for monitoring and APIs
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	info := SessionInfo{
		MeetingID:      s.MeetingID,
		StartTime:      s.StartTime,
		LastActivity:   s.LastActivity,
		Duration:       time.Since(s.StartTime),
		FramesReceived: s.framesReceived,
		BytesReceived:  s.bytesReceived,
		ChunksAppended: s.chunksAppended,
	}
	s.mu.RUnlock()

	info.Gate = s.Gate.GetStats()
	info.Window = s.Window.GetStats()
	if s.VAD != nil {
		stats := s.VAD.GetStats()
		info.VAD = &stats
	}

	return info
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	MeetingID      string               `json:"meeting_id"`
	StartTime      time.Time            `json:"start_time"`
	LastActivity   time.Time            `json:"last_activity"`
	Duration       time.Duration        `json:"duration"`
	FramesReceived uint64               `json:"frames_received"`
	BytesReceived  uint64               `json:"bytes_received"`
	ChunksAppended uint64               `json:"chunks_appended"`
	Subscribers    int                  `json:"subscribers"`
	Gate           audio.FrameGateStats `json:"frame_gate"`
	Window         audio.WindowStats    `json:"window"`
	VAD            *vad.ProcessorStats  `json:"vad,omitempty"`
}
