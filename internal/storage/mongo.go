package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/skypro1111/meeting-live-service/internal/meeting"
)

const (
	segmentsCollection   = "transcript_segments"
	attendanceCollection = "attendance_records"
)

// MongoConfig contains MongoDB connection settings
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// MongoStore persists records in MongoDB
type MongoStore struct {
	client     *mongo.Client
	segments   *mongo.Collection
	attendance *mongo.Collection
	logger     *slog.Logger
}

// NewMongoStore connects to MongoDB and ensures the lookup indexes exist
func NewMongoStore(ctx context.Context, config MongoConfig, logger *slog.Logger) (*MongoStore, error) {
	if config.URI == "" {
		return nil, fmt.Errorf("mongodb uri cannot be empty")
	}

	if config.Database == "" {
		return nil, fmt.Errorf("mongodb database cannot be empty")
	}

	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(config.Database)
	store := &MongoStore{
		client:     client,
		segments:   db.Collection(segmentsCollection),
		attendance: db.Collection(attendanceCollection),
		logger:     logger,
	}

	if err := store.ensureIndexes(connectCtx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	logger.Info("Connected to MongoDB",
		slog.String("database", config.Database),
	)

	return store, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.segments.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "meeting_id", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create segment index: %w", err)
	}

	_, err = s.attendance.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "meeting_id", Value: 1},
			{Key: "participant_id", Value: 1},
			{Key: "join_time", Value: -1},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create attendance index: %w", err)
	}

	return nil
}

// AppendSegment inserts a transcript segment
func (s *MongoStore) AppendSegment(ctx context.Context, segment meeting.TranscriptSegment) error {
	if segment.ID == "" {
		segment.ID = meeting.NewID()
	}

	if _, err := s.segments.InsertOne(ctx, segment); err != nil {
		return fmt.Errorf("failed to insert transcript segment: %w", err)
	}
	return nil
}

// Segments returns the meeting's segments ordered by timestamp
func (s *MongoStore) Segments(ctx context.Context, meetingID string) ([]meeting.TranscriptSegment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})

	cursor, err := s.segments.Find(ctx, bson.M{"meeting_id": meetingID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript segments: %w", err)
	}

	segments := make([]meeting.TranscriptSegment, 0)
	if err := cursor.All(ctx, &segments); err != nil {
		return nil, fmt.Errorf("failed to decode transcript segments: %w", err)
	}
	return segments, nil
}

// InsertAttendance inserts a new attendance record
func (s *MongoStore) InsertAttendance(ctx context.Context, record meeting.AttendanceRecord) error {
	if record.ID == "" {
		record.ID = meeting.NewID()
	}

	if _, err := s.attendance.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to insert attendance record: %w", err)
	}
	return nil
}

// LatestOpenAttendance returns the latest open record for a participant
func (s *MongoStore) LatestOpenAttendance(ctx context.Context, meetingID, participantID string) (*meeting.AttendanceRecord, error) {
	filter := bson.M{
		"meeting_id":     meetingID,
		"participant_id": participantID,
		"leave_time":     nil,
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "join_time", Value: -1}})

	var record meeting.AttendanceRecord
	err := s.attendance.FindOne(ctx, filter, opts).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open attendance: %w", err)
	}

	return &record, nil
}

// CloseAttendance sets the leave time and duration of a record
func (s *MongoStore) CloseAttendance(ctx context.Context, recordID string, leaveTime time.Time, durationSeconds float64) error {
	update := bson.M{"$set": bson.M{
		"leave_time":       leaveTime,
		"duration_seconds": durationSeconds,
	}}

	result, err := s.attendance.UpdateOne(ctx, bson.M{"_id": recordID}, update)
	if err != nil {
		return fmt.Errorf("failed to close attendance record: %w", err)
	}

	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Attendance returns the meeting's records ordered by join time
func (s *MongoStore) Attendance(ctx context.Context, meetingID string) ([]meeting.AttendanceRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "join_time", Value: 1}})

	cursor, err := s.attendance.Find(ctx, bson.M{"meeting_id": meetingID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance: %w", err)
	}

	records := make([]meeting.AttendanceRecord, 0)
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode attendance: %w", err)
	}
	return records, nil
}

// Close disconnects from MongoDB
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
