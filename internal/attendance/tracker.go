package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/meeting-live-service/internal/meeting"
	"github.com/skypro1111/meeting-live-service/internal/metrics"
	"github.com/skypro1111/meeting-live-service/internal/storage"
)

// DefaultDedupWindow is how long a repeated join for the same participant is ignored
const DefaultDedupWindow = 300 * time.Second

// Store is the persistence the tracker needs
type Store interface {
	InsertAttendance(ctx context.Context, record meeting.AttendanceRecord) error
	LatestOpenAttendance(ctx context.Context, meetingID, participantID string) (*meeting.AttendanceRecord, error)
	CloseAttendance(ctx context.Context, recordID string, leaveTime time.Time, durationSeconds float64) error
}

type joinKey struct {
	participantID   string
	participantName string
}

// Tracker records participant joins and leaves for one meeting
type Tracker struct {
	meetingID   string
	store       Store
	dedupWindow time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	recentJoins  map[joinKey]time.Time
	lastActivity time.Time

	mu sync.Mutex
}

// NewTracker creates an attendance tracker for a meeting
func NewTracker(meetingID string, store Store, dedupWindow time.Duration, logger *slog.Logger, m *metrics.Metrics) *Tracker {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}

	return &Tracker{
		meetingID:    meetingID,
		store:        store,
		dedupWindow:  dedupWindow,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
		recentJoins:  make(map[joinKey]time.Time),
		lastActivity: time.Now(),
	}
}

// MeetingID returns the meeting this tracker belongs to
func (t *Tracker) MeetingID() string {
	return t.meetingID
}

// LastActivity returns when the tracker was created or last saw a join or leave
func (t *Tracker) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// DedupWindow returns how long repeated joins are ignored
func (t *Tracker) DedupWindow() time.Duration {
	return t.dedupWindow
}

// RecordJoin opens a new attendance record unless the same participant joined
// within the de-duplication window. It reports whether a record was created.
func (t *Tracker) RecordJoin(ctx context.Context, participantID, participantName, role string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.lastActivity = now
	key := joinKey{participantID: participantID, participantName: participantName}

	if last, ok := t.recentJoins[key]; ok && now.Sub(last) < t.dedupWindow {
		t.metrics.RecordAttendance("join", "duplicate")
		t.logger.Debug("Ignoring duplicate join",
			slog.String("meeting_id", t.meetingID),
			slog.String("participant_id", participantID),
			slog.Duration("since_last_join", now.Sub(last)),
		)
		return false, nil
	}

	record := meeting.AttendanceRecord{
		ID:              meeting.NewID(),
		MeetingID:       t.meetingID,
		ParticipantID:   participantID,
		ParticipantName: participantName,
		JoinTime:        now.UTC(),
		Role:            role,
	}

	if err := t.store.InsertAttendance(ctx, record); err != nil {
		t.metrics.RecordAttendance("join", "error")
		return false, fmt.Errorf("failed to record join for %s: %w", participantID, err)
	}

	t.recentJoins[key] = now
	t.metrics.RecordAttendance("join", "recorded")

	t.logger.Info("Participant joined",
		slog.String("meeting_id", t.meetingID),
		slog.String("participant_id", participantID),
		slog.String("participant_name", participantName),
		slog.String("role", role),
	)

	return true, nil
}

// RecordLeave closes the participant's most recent open record. A leave with
// no open record is a no-op. It reports whether a record was closed.
func (t *Tracker) RecordLeave(ctx context.Context, participantID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastActivity = t.now()

	record, err := t.store.LatestOpenAttendance(ctx, t.meetingID, participantID)
	if errors.Is(err, storage.ErrNotFound) {
		t.metrics.RecordAttendance("leave", "no_open_record")
		t.logger.Debug("Leave without open attendance record",
			slog.String("meeting_id", t.meetingID),
			slog.String("participant_id", participantID),
		)
		return false, nil
	}
	if err != nil {
		t.metrics.RecordAttendance("leave", "error")
		return false, fmt.Errorf("failed to look up attendance for %s: %w", participantID, err)
	}

	leaveTime := t.now().UTC()
	if leaveTime.Before(record.JoinTime) {
		leaveTime = record.JoinTime
	}
	duration := leaveTime.Sub(record.JoinTime).Seconds()

	if err := t.store.CloseAttendance(ctx, record.ID, leaveTime, duration); err != nil {
		t.metrics.RecordAttendance("leave", "error")
		return false, fmt.Errorf("failed to record leave for %s: %w", participantID, err)
	}

	// A leave ends the participant's presence, so a later rejoin is a new record
	for key := range t.recentJoins {
		if key.participantID == participantID {
			delete(t.recentJoins, key)
		}
	}

	t.metrics.RecordAttendance("leave", "recorded")
	t.logger.Info("Participant left",
		slog.String("meeting_id", t.meetingID),
		slog.String("participant_id", participantID),
		slog.Float64("duration_seconds", duration),
	)

	return true, nil
}
