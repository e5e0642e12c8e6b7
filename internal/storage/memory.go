package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/meeting-live-service/internal/meeting"
)

// MemoryStore keeps records in process memory
type MemoryStore struct {
	segments   map[string][]meeting.TranscriptSegment
	attendance map[string][]*meeting.AttendanceRecord
	byID       map[string]*meeting.AttendanceRecord

	mu sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		segments:   make(map[string][]meeting.TranscriptSegment),
		attendance: make(map[string][]*meeting.AttendanceRecord),
		byID:       make(map[string]*meeting.AttendanceRecord),
	}
}

// AppendSegment stores a transcript segment
func (s *MemoryStore) AppendSegment(ctx context.Context, segment meeting.TranscriptSegment) error {
	if segment.ID == "" {
		segment.ID = meeting.NewID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.segments[segment.MeetingID] = append(s.segments[segment.MeetingID], segment)
	return nil
}

// Segments returns the meeting's segments ordered by timestamp
func (s *MemoryStore) Segments(ctx context.Context, meetingID string) ([]meeting.TranscriptSegment, error) {
	s.mu.RLock()
	out := make([]meeting.TranscriptSegment, len(s.segments[meetingID]))
	copy(out, s.segments[meetingID])
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// InsertAttendance stores a new attendance record
func (s *MemoryStore) InsertAttendance(ctx context.Context, record meeting.AttendanceRecord) error {
	if record.ID == "" {
		record.ID = meeting.NewID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[record.ID]; exists {
		return fmt.Errorf("attendance record %s already exists", record.ID)
	}

	stored := record
	s.attendance[record.MeetingID] = append(s.attendance[record.MeetingID], &stored)
	s.byID[record.ID] = &stored
	return nil
}

// LatestOpenAttendance returns the latest open record for a participant
func (s *MemoryStore) LatestOpenAttendance(ctx context.Context, meetingID, participantID string) (*meeting.AttendanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *meeting.AttendanceRecord
	for _, record := range s.attendance[meetingID] {
		if record.ParticipantID != participantID || !record.Open() {
			continue
		}
		if latest == nil || !record.JoinTime.Before(latest.JoinTime) {
			latest = record
		}
	}

	if latest == nil {
		return nil, ErrNotFound
	}

	out := *latest
	return &out, nil
}

// CloseAttendance sets the leave time and duration of a record
func (s *MemoryStore) CloseAttendance(ctx context.Context, recordID string, leaveTime time.Time, durationSeconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byID[recordID]
	if !ok {
		return ErrNotFound
	}

	record.LeaveTime = &leaveTime
	record.DurationSeconds = &durationSeconds
	return nil
}

// Attendance returns the meeting's records ordered by join time
func (s *MemoryStore) Attendance(ctx context.Context, meetingID string) ([]meeting.AttendanceRecord, error) {
	s.mu.RLock()
	out := make([]meeting.AttendanceRecord, 0, len(s.attendance[meetingID]))
	for _, record := range s.attendance[meetingID] {
		out = append(out, *record)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].JoinTime.Before(out[j].JoinTime)
	})
	return out, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}
