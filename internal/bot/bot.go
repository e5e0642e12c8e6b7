package bot

import (
	"context"
	"errors"

	"github.com/skypro1111/meeting-live-service/internal/meeting"
)

// ErrRunnerNotStarted is returned when a bot is used before it joined a meeting
var ErrRunnerNotStarted = errors.New("meeting runner not started")

// ErrBotStopping is returned by Start while the meeting's previous bot is still leaving
var ErrBotStopping = errors.New("meeting bot is stopping")

// Bot joins a meeting as an automated participant
type Bot interface {
	// Join joins the meeting at url. It returns once the bot is in the meeting.
	Join(ctx context.Context, url string) error
	// OpenAudio opens a source of raw PCM-16 mono audio from the meeting
	OpenAudio(ctx context.Context) (AudioSource, error)
	// Participants returns the current participant list
	Participants(ctx context.Context) ([]meeting.Participant, error)
	Leave(ctx context.Context) error
}

// AudioSource yields audio chunks captured from the meeting
type AudioSource interface {
	// Read blocks until a chunk is available or ctx is done
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// AudioSink receives relayed audio. An empty chunk is a keep-alive heartbeat.
type AudioSink interface {
	Send(ctx context.Context, chunk []byte) error
	Close() error
}

// SinkDialer opens the relay destination for a meeting
type SinkDialer interface {
	Dial(ctx context.Context, meetingID string) (AudioSink, error)
}

// Factory creates a bot for a meeting
type Factory func(meetingID string) Bot
