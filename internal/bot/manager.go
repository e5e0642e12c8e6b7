package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/meeting-live-service/internal/attendance"
	"github.com/skypro1111/meeting-live-service/internal/meeting"
	"github.com/skypro1111/meeting-live-service/internal/metrics"
	"github.com/skypro1111/meeting-live-service/internal/stream"
)

// State is the lifecycle state of a meeting's bot
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Sessions is the session registry the manager drives
type Sessions interface {
	EnsureSession(meetingID string) (*stream.Session, error)
	Tracker(meetingID string) *attendance.Tracker
	RemoveSession(ctx context.Context, meetingID string) bool
}

// Config contains bot lifecycle settings
type Config struct {
	ReconnectDelay   time.Duration
	ReadTimeout      time.Duration
	PollInterval     time.Duration
	BotParticipantID string
	BotName          string
}

// Status describes one meeting's bot
type Status struct {
	MeetingID  string    `json:"meeting_id"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	MeetingURL string    `json:"meeting_url"`
}

// handle is the live control object for one meeting's bot and its tasks
type handle struct {
	meetingID  string
	meetingURL string
	startedAt  time.Time
	bot        Bot
	tracker    *attendance.Tracker

	state   atomic.Value // State
	removed atomic.Bool
	joined  bool

	relayCancel context.CancelFunc
	relayDone   chan struct{}
	pollCancel  context.CancelFunc
	pollDone    chan struct{}

	// ready is closed once Start has finished with this handle
	ready chan struct{}
}

func (h *handle) setState(s State) { h.state.Store(s) }

func (h *handle) getState() State { return h.state.Load().(State) }

// Manager starts and stops one bot per meeting and supervises its audio relay
// and participant reconciliation tasks
type Manager struct {
	handles map[string]*handle
	mu      sync.Mutex

	factory  Factory
	sessions Sessions
	dialer   SinkDialer
	config   Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a bot lifecycle manager
func NewManager(factory Factory, sessions Sessions, dialer SinkDialer, config Config,
	logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {

	if factory == nil {
		return nil, fmt.Errorf("bot factory cannot be nil")
	}

	if sessions == nil {
		return nil, fmt.Errorf("session registry cannot be nil")
	}

	if dialer == nil {
		return nil, fmt.Errorf("relay dialer cannot be nil")
	}

	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 2 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 5 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	if config.BotParticipantID == "" {
		config.BotParticipantID = "bot"
	}
	if config.BotName == "" {
		config.BotName = "Meeting Assistant"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		handles:  make(map[string]*handle),
		factory:  factory,
		sessions: sessions,
		dialer:   dialer,
		config:   config,
		logger:   logger,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start joins the meeting and starts the audio relay and participant
// reconciliation. Starting a meeting that already has a bot is a no-op.
// Join failures are returned to the caller.
func (m *Manager) Start(ctx context.Context, meetingID, meetingURL string) error {
	if meetingID == "" {
		return fmt.Errorf("meeting id cannot be empty")
	}

	m.mu.Lock()
	if existing, exists := m.handles[meetingID]; exists {
		m.mu.Unlock()
		if existing.getState() == StateStopping {
			return fmt.Errorf("start meeting %s: %w", meetingID, ErrBotStopping)
		}
		m.logger.Debug("Bot already active, ignoring start",
			slog.String("meeting_id", meetingID),
		)
		return nil
	}

	h := &handle{
		meetingID:  meetingID,
		meetingURL: meetingURL,
		startedAt:  time.Now(),
		bot:        m.factory(meetingID),
		tracker:    m.sessions.Tracker(meetingID),
		ready:      make(chan struct{}),
	}
	h.setState(StateStarting)
	m.handles[meetingID] = h
	m.metrics.SetActiveBots(len(m.handles))
	m.mu.Unlock()

	defer close(h.ready)

	if _, err := h.tracker.RecordJoin(ctx, m.config.BotParticipantID, m.config.BotName, "bot"); err != nil {
		m.logger.Warn("Failed to record bot join",
			slog.String("meeting_id", meetingID),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Info("Starting meeting bot",
		slog.String("meeting_id", meetingID),
		slog.String("meeting_url", meetingURL),
	)

	if err := h.bot.Join(ctx, meetingURL); err != nil {
		m.abortStart(h)
		m.metrics.RecordBotStart(false)
		m.logger.Error("Bot failed to join meeting",
			slog.String("meeting_id", meetingID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("join meeting %s: %w", meetingID, err)
	}
	h.joined = true

	if _, err := m.sessions.EnsureSession(meetingID); err != nil {
		h.joined = false
		m.abortStart(h)
		if leaveErr := h.bot.Leave(context.WithoutCancel(ctx)); leaveErr != nil {
			m.logger.Warn("Failed to leave meeting after start error",
				slog.String("meeting_id", meetingID),
				slog.String("error", leaveErr.Error()),
			)
		}
		m.metrics.RecordBotStart(false)
		return fmt.Errorf("create session for %s: %w", meetingID, err)
	}

	// Stop may have claimed the handle while joining; it finishes the teardown
	if h.removed.Load() {
		return nil
	}

	relayCtx, relayCancel := context.WithCancel(m.ctx)
	h.relayCancel = relayCancel
	h.relayDone = make(chan struct{})
	go m.runRelay(relayCtx, h)

	pollCtx, pollCancel := context.WithCancel(m.ctx)
	h.pollCancel = pollCancel
	h.pollDone = make(chan struct{})
	go m.runReconciliation(pollCtx, h)

	// Stop may claim the handle between the check above and here
	h.state.CompareAndSwap(StateStarting, StateRunning)
	m.metrics.RecordBotStart(true)

	m.logger.Info("Meeting bot running",
		slog.String("meeting_id", meetingID),
		slog.Duration("join_duration", time.Since(h.startedAt)),
	)

	return nil
}

// abortStart unregisters a handle whose start failed and closes the bot's attendance
func (m *Manager) abortStart(h *handle) {
	m.release(h)
	h.removed.Store(true)

	if _, err := h.tracker.RecordLeave(context.Background(), m.config.BotParticipantID); err != nil {
		m.logger.Warn("Failed to record bot leave",
			slog.String("meeting_id", h.meetingID),
			slog.String("error", err.Error()),
		)
	}
}

// Stop cancels the meeting's tasks, leaves the meeting and tears down the
// session. Stopping a meeting without a bot, or one already stopping, is a
// no-op. The handle stays registered in StateStopping until teardown is done.
func (m *Manager) Stop(ctx context.Context, meetingID string) error {
	m.mu.Lock()
	h, exists := m.handles[meetingID]
	if !exists || h.getState() == StateStopping {
		m.mu.Unlock()
		return nil
	}
	h.removed.Store(true)
	h.setState(StateStopping)
	m.mu.Unlock()

	defer m.release(h)

	m.logger.Info("Stopping meeting bot",
		slog.String("meeting_id", meetingID),
	)

	// A concurrent Start must finish before its tasks can be cancelled
	<-h.ready

	if !h.joined {
		return nil
	}

	if h.relayCancel != nil {
		h.relayCancel()
		<-h.relayDone
	}

	if h.pollCancel != nil {
		h.pollCancel()
		<-h.pollDone
	}

	if _, err := h.tracker.RecordLeave(ctx, m.config.BotParticipantID); err != nil {
		m.logger.Warn("Failed to record bot leave",
			slog.String("meeting_id", meetingID),
			slog.String("error", err.Error()),
		)
	}

	var leaveErr error
	if err := h.bot.Leave(ctx); err != nil {
		leaveErr = fmt.Errorf("leave meeting %s: %w", meetingID, err)
		m.logger.Warn("Bot failed to leave meeting cleanly",
			slog.String("meeting_id", meetingID),
			slog.String("error", err.Error()),
		)
	}

	m.sessions.RemoveSession(ctx, meetingID)

	m.logger.Info("Meeting bot stopped",
		slog.String("meeting_id", meetingID),
		slog.Duration("duration", time.Since(h.startedAt)),
	)

	return leaveErr
}

// release unregisters a handle once its teardown has finished
func (m *Manager) release(h *handle) {
	m.mu.Lock()
	if m.handles[h.meetingID] == h {
		delete(m.handles, h.meetingID)
	}
	m.metrics.SetActiveBots(len(m.handles))
	m.mu.Unlock()
}

// Status returns the bot status for a meeting
func (m *Manager) Status(meetingID string) (Status, bool) {
	m.mu.Lock()
	h, exists := m.handles[meetingID]
	m.mu.Unlock()

	if !exists {
		return Status{}, false
	}
	return h.status(), true
}

func (h *handle) status() Status {
	return Status{
		MeetingID:  h.meetingID,
		State:      h.getState(),
		StartedAt:  h.startedAt,
		MeetingURL: h.meetingURL,
	}
}

// Active reports whether a meeting has a bot
func (m *Manager) Active(meetingID string) bool {
	_, exists := m.Status(meetingID)
	return exists
}

// List returns the status of every bot ordered by meeting id
func (m *Manager) List() []Status {
	m.mu.Lock()
	statuses := make([]Status, 0, len(m.handles))
	for _, h := range m.handles {
		statuses = append(statuses, h.status())
	}
	m.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].MeetingID < statuses[j].MeetingID
	})
	return statuses
}

// Shutdown stops every bot
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			m.logger.Warn("Error stopping bot during shutdown",
				slog.String("meeting_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	m.cancel()
}

// runRelay forwards meeting audio to the sink, reconnecting after any failure
// until cancelled
func (m *Manager) runRelay(ctx context.Context, h *handle) {
	defer close(h.relayDone)

	for {
		err := m.relayOnce(ctx, h)
		if ctx.Err() != nil {
			m.logger.Debug("Audio relay stopped",
				slog.String("meeting_id", h.meetingID),
			)
			return
		}

		m.metrics.RecordRelayReconnect()
		m.logger.Warn("Audio relay disconnected, reconnecting",
			slog.String("meeting_id", h.meetingID),
			slog.Duration("delay", m.config.ReconnectDelay),
			slog.String("error", errorString(err)),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.config.ReconnectDelay):
		}
	}
}

// relayOnce runs one connection of the relay. The source and sink are always
// closed before it returns.
func (m *Manager) relayOnce(ctx context.Context, h *handle) error {
	source, err := h.bot.OpenAudio(ctx)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer source.Close()

	sink, err := m.dialer.Dial(ctx, h.meetingID)
	if err != nil {
		return fmt.Errorf("dial relay sink: %w", err)
	}
	defer sink.Close()

	m.logger.Info("Audio relay connected",
		slog.String("meeting_id", h.meetingID),
	)

	for {
		readCtx, cancel := context.WithTimeout(ctx, m.config.ReadTimeout)
		chunk, err := source.Read(readCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// No audio within the read timeout: keep the sink alive
				if err := sink.Send(ctx, nil); err != nil {
					return fmt.Errorf("send heartbeat: %w", err)
				}
				continue
			}
			return fmt.Errorf("read audio: %w", err)
		}

		if len(chunk) == 0 {
			continue
		}

		if err := sink.Send(ctx, chunk); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
	}
}

// runReconciliation polls the participant list and records joins and leaves
// until the handle is removed
func (m *Manager) runReconciliation(ctx context.Context, h *handle) {
	defer close(h.pollDone)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	seen := make(map[meeting.Participant]struct{})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if h.removed.Load() {
			return
		}

		m.reconcile(ctx, h, seen)
	}
}

// reconcile diffs the current participant list against the last one seen
func (m *Manager) reconcile(ctx context.Context, h *handle, seen map[meeting.Participant]struct{}) {
	participants, err := h.bot.Participants(ctx)
	if err != nil {
		m.logger.Debug("Failed to read participant list",
			slog.String("meeting_id", h.meetingID),
			slog.String("error", err.Error()),
		)
		return
	}

	current := make(map[meeting.Participant]struct{}, len(participants))
	for _, p := range participants {
		if p.ID == "" {
			p.ID = meeting.UnknownParticipant
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		current[p] = struct{}{}
	}

	for p := range current {
		if _, ok := seen[p]; ok {
			continue
		}
		if _, err := h.tracker.RecordJoin(ctx, p.ID, p.Name, ""); err != nil {
			m.logger.Warn("Failed to record participant join",
				slog.String("meeting_id", h.meetingID),
				slog.String("participant_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		seen[p] = struct{}{}
	}

	for p := range seen {
		if _, ok := current[p]; ok {
			continue
		}
		if _, err := h.tracker.RecordLeave(ctx, p.ID); err != nil {
			m.logger.Warn("Failed to record participant leave",
				slog.String("meeting_id", h.meetingID),
				slog.String("participant_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		delete(seen, p)
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
