package meeting

import (
	"time"

	"github.com/google/uuid"
)

// UnknownParticipant is used when a join/leave signal carries no identifier.
const UnknownParticipant = "unknown"

// TranscriptSegment is a piece of transcribed text produced from one submitted window.
type TranscriptSegment struct {
	ID        string    `json:"id" bson:"_id"`
	MeetingID string    `json:"meeting_id" bson:"meeting_id"`
	Text      string    `json:"text" bson:"text"`
	Language  string    `json:"language,omitempty" bson:"language,omitempty"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// AttendanceRecord tracks one participant presence interval in a meeting.
// LeaveTime and DurationSeconds stay nil while the record is open.
type AttendanceRecord struct {
	ID              string     `json:"id" bson:"_id"`
	MeetingID       string     `json:"meeting_id" bson:"meeting_id"`
	ParticipantID   string     `json:"participant_id" bson:"participant_id"`
	ParticipantName string     `json:"participant_name" bson:"participant_name"`
	JoinTime        time.Time  `json:"join_time" bson:"join_time"`
	LeaveTime       *time.Time `json:"leave_time" bson:"leave_time"`
	DurationSeconds *float64   `json:"duration_seconds" bson:"duration_seconds"`
	Role            string     `json:"meeting_role,omitempty" bson:"meeting_role,omitempty"`
}

// Open reports whether the participant has not left yet.
func (r *AttendanceRecord) Open() bool {
	return r.LeaveTime == nil
}

// Participant is an entry of the meeting client's participant list.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewID returns a fresh identifier for stored records.
func NewID() string {
	return uuid.NewString()
}
