package bot

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/meeting-live-service/internal/meeting"
)

// RunnerConfig configures the external meeting runner process
type RunnerConfig struct {
	Command     string
	Args        []string
	Dir         string
	Env         []string
	BotName     string
	BackendURL  string
	ChunkBytes  int
	JoinTimeout time.Duration
	StopGrace   time.Duration
}

// runnerEvent is one JSON line the runner writes to stderr
type runnerEvent struct {
	Event        string `json:"event"`
	Message      string `json:"message"`
	Participants []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"participants"`
}

// RunnerBot drives a meeting through an external runner process (typically a
// headless browser). The runner writes raw PCM-16 mono audio to stdout and
// JSON events to stderr:
//
//	{"event":"joined"}
//	{"participants":[{"id":"...","name":"..."}]}
//	{"event":"error","message":"..."}
//
// Lines on stderr that are not JSON are logged at debug level.
type RunnerBot struct {
	meetingID string
	config    RunnerConfig
	logger    *slog.Logger

	cmd     *exec.Cmd
	audio   chan []byte
	joined  chan struct{}
	done    chan struct{}
	exitErr error
	mu      sync.Mutex

	joinOnce     sync.Once
	participants []meeting.Participant
	partsMu      sync.RWMutex

	droppedChunks atomic.Int64
}

// NewRunnerBot creates a bot for meetingID backed by the configured runner
func NewRunnerBot(meetingID string, config RunnerConfig, logger *slog.Logger) *RunnerBot {
	if config.ChunkBytes <= 0 {
		config.ChunkBytes = 3200
	}
	if config.ChunkBytes%2 != 0 {
		config.ChunkBytes++
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = 60 * time.Second
	}
	if config.StopGrace <= 0 {
		config.StopGrace = 5 * time.Second
	}

	return &RunnerBot{
		meetingID: meetingID,
		config:    config,
		logger:    logger,
	}
}

// NewRunnerFactory returns a Factory producing RunnerBots
func NewRunnerFactory(config RunnerConfig, logger *slog.Logger) Factory {
	return func(meetingID string) Bot {
		return NewRunnerBot(meetingID, config, logger)
	}
}

// Join launches the runner and waits until it reports that it joined the
// meeting or starts producing audio
func (b *RunnerBot) Join(ctx context.Context, url string) error {
	if b.config.Command == "" {
		return fmt.Errorf("runner command is not configured")
	}

	b.mu.Lock()
	if b.cmd != nil {
		b.mu.Unlock()
		return fmt.Errorf("runner already started")
	}

	cmd := exec.Command(b.config.Command, b.config.Args...)
	cmd.Dir = b.config.Dir
	cmd.Env = append(os.Environ(), b.config.Env...)
	cmd.Env = append(cmd.Env,
		"MEETING_URL="+url,
		"MEETING_ID="+b.meetingID,
		"BOT_NAME="+b.config.BotName,
		"BACKEND_URL="+b.config.BackendURL,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("runner stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("runner stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("start runner: %w", err)
	}

	b.cmd = cmd
	b.audio = make(chan []byte, 64)
	b.joined = make(chan struct{})
	b.done = make(chan struct{})
	b.mu.Unlock()

	b.logger.Info("Meeting runner started",
		slog.String("meeting_id", b.meetingID),
		slog.Int("pid", cmd.Process.Pid),
	)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		b.pumpAudio(stdout)
	}()
	go func() {
		defer pumps.Done()
		b.readEvents(stderr)
	}()

	go func() {
		pumps.Wait()
		err := cmd.Wait()
		b.mu.Lock()
		b.exitErr = err
		b.mu.Unlock()
		close(b.done)

		b.logger.Info("Meeting runner exited",
			slog.String("meeting_id", b.meetingID),
			slog.String("error", errorString(err)),
			slog.Int64("dropped_chunks", b.droppedChunks.Load()),
		)
	}()

	timer := time.NewTimer(b.config.JoinTimeout)
	defer timer.Stop()

	select {
	case <-b.joined:
		return nil
	case <-b.done:
		return fmt.Errorf("runner exited before joining: %w", b.exitError())
	case <-timer.C:
		b.kill()
		return fmt.Errorf("runner did not join within %s", b.config.JoinTimeout)
	case <-ctx.Done():
		b.kill()
		return ctx.Err()
	}
}

func (b *RunnerBot) markJoined() {
	b.joinOnce.Do(func() { close(b.joined) })
}

func (b *RunnerBot) exitError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exitErr == nil {
		return io.EOF
	}
	return b.exitErr
}

// pumpAudio reads fixed-size chunks from the runner's stdout. Chunks are
// dropped when no relay is draining them.
func (b *RunnerBot) pumpAudio(r io.Reader) {
	defer close(b.audio)

	for {
		buf := make([]byte, b.config.ChunkBytes)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			b.markJoined()
			select {
			case b.audio <- buf[:n]:
			default:
				b.droppedChunks.Add(1)
			}
		}
		if err != nil {
			return
		}
	}
}

// readEvents parses the runner's stderr event stream
func (b *RunnerBot) readEvents(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()

		var event runnerEvent
		if err := json.Unmarshal(line, &event); err != nil {
			b.logger.Debug("Runner output",
				slog.String("meeting_id", b.meetingID),
				slog.String("line", string(line)),
			)
			continue
		}

		switch {
		case event.Participants != nil:
			participants := make([]meeting.Participant, 0, len(event.Participants))
			for _, p := range event.Participants {
				participants = append(participants, meeting.Participant{ID: p.ID, Name: p.Name})
			}
			b.partsMu.Lock()
			b.participants = participants
			b.partsMu.Unlock()
		case event.Event == "joined":
			b.markJoined()
		case event.Event == "error":
			b.logger.Warn("Runner reported an error",
				slog.String("meeting_id", b.meetingID),
				slog.String("message", event.Message),
			)
		}
	}
}

// OpenAudio returns a source reading the runner's audio stream
func (b *RunnerBot) OpenAudio(ctx context.Context) (AudioSource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd == nil {
		return nil, ErrRunnerNotStarted
	}
	return &runnerSource{audio: b.audio}, nil
}

type runnerSource struct {
	audio <-chan []byte
}

func (s *runnerSource) Read(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-s.audio:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *runnerSource) Close() error { return nil }

// Participants returns the last participant list the runner reported
func (b *RunnerBot) Participants(ctx context.Context) ([]meeting.Participant, error) {
	b.mu.Lock()
	started := b.cmd != nil
	b.mu.Unlock()

	if !started {
		return nil, ErrRunnerNotStarted
	}

	select {
	case <-b.done:
		return nil, fmt.Errorf("runner exited: %w", b.exitError())
	default:
	}

	b.partsMu.RLock()
	defer b.partsMu.RUnlock()

	participants := make([]meeting.Participant, len(b.participants))
	copy(participants, b.participants)
	return participants, nil
}

// Leave interrupts the runner and kills it if it has not exited within the
// stop grace period
func (b *RunnerBot) Leave(ctx context.Context) error {
	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()

	if cmd == nil {
		return nil
	}

	select {
	case <-b.done:
		return nil
	default:
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		b.logger.Debug("Failed to interrupt runner",
			slog.String("meeting_id", b.meetingID),
			slog.String("error", err.Error()),
		)
	}

	timer := time.NewTimer(b.config.StopGrace)
	defer timer.Stop()

	select {
	case <-b.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	b.kill()
	<-b.done
	return nil
}

func (b *RunnerBot) kill() {
	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		b.logger.Debug("Failed to kill runner",
			slog.String("meeting_id", b.meetingID),
			slog.String("error", err.Error()),
		)
	}
}
