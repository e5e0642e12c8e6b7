package storage

import (
	"context"
	"errors"
	"time"

	"github.com/skypro1111/meeting-live-service/internal/meeting"
)

// ErrNotFound is returned when no record matches a lookup
var ErrNotFound = errors.New("record not found")

// Store persists transcript segments and attendance records.
// Reads return records for one meeting ordered by time.
type Store interface {
	AppendSegment(ctx context.Context, segment meeting.TranscriptSegment) error
	Segments(ctx context.Context, meetingID string) ([]meeting.TranscriptSegment, error)

	InsertAttendance(ctx context.Context, record meeting.AttendanceRecord) error
	// LatestOpenAttendance returns the most recently joined record for the
	// participant that has no leave time, or ErrNotFound.
	LatestOpenAttendance(ctx context.Context, meetingID, participantID string) (*meeting.AttendanceRecord, error)
	CloseAttendance(ctx context.Context, recordID string, leaveTime time.Time, durationSeconds float64) error
	Attendance(ctx context.Context, meetingID string) ([]meeting.AttendanceRecord, error)

	Close(ctx context.Context) error
}
