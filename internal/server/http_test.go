package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/meeting-live-service/internal/bot"
	"github.com/skypro1111/meeting-live-service/internal/broadcast"
	"github.com/skypro1111/meeting-live-service/internal/config"
	"github.com/skypro1111/meeting-live-service/internal/meeting"
	"github.com/skypro1111/meeting-live-service/internal/metrics"
	"github.com/skypro1111/meeting-live-service/internal/storage"
	"github.com/skypro1111/meeting-live-service/internal/stream"
)

type fixedTranscriber struct {
	text string
}

func (f fixedTranscriber) Transcribe(ctx context.Context, wav []byte, language string) (string, error) {
	return f.text, nil
}

// idleBot joins instantly and produces no audio
type idleBot struct {
	joinErr error
	audio   chan []byte

	mu     sync.Mutex
	leaves int
}

func (b *idleBot) Join(ctx context.Context, url string) error { return b.joinErr }

func (b *idleBot) OpenAudio(ctx context.Context) (bot.AudioSource, error) {
	return &chanSource{audio: b.audio}, nil
}

func (b *idleBot) Participants(ctx context.Context) ([]meeting.Participant, error) {
	return nil, nil
}

func (b *idleBot) Leave(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaves++
	return nil
}

type chanSource struct {
	audio chan []byte
}

func (s *chanSource) Read(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-s.audio:
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanSource) Close() error { return nil }

type testServer struct {
	http     *httptest.Server
	sessions *stream.Manager
	bots     *bot.Manager
	hub      *broadcast.Hub
	store    *storage.MemoryStore
}

func newTestServer(t *testing.T, joinErr error) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	appConfig := createTestAppConfig()

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	store := storage.NewMemoryStore()
	hub := broadcast.NewHub(logger, m)

	sessions, err := stream.NewManager(logger, stream.Config{
		SampleRate:    appConfig.Audio.SampleRate,
		ChunkFrames:   appConfig.Audio.ChunkFrames,
		WindowSeconds: appConfig.Audio.WindowSeconds,
		Language:      appConfig.Audio.Language,
	}, fixedTranscriber{text: "hello team"}, store, hub, m)
	if err != nil {
		t.Fatalf("Failed to create session manager: %v", err)
	}

	factory := func(meetingID string) bot.Bot {
		return &idleBot{joinErr: joinErr, audio: make(chan []byte)}
	}
	bots, err := bot.NewManager(factory, sessions, &bot.DirectDialer{Ingest: sessions.ProcessAudio},
		bot.Config{PollInterval: time.Hour}, logger, m)
	if err != nil {
		t.Fatalf("Failed to create bot manager: %v", err)
	}
	sessions.SetBusyCheck(bots.Active)

	srv := NewHTTPServer(&appConfig, logger, Dependencies{
		Sessions:       sessions,
		Bots:           bots,
		Hub:            hub,
		Store:          store,
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	ts := &testServer{
		http:     httptest.NewServer(srv.Handler()),
		sessions: sessions,
		bots:     bots,
		hub:      hub,
		store:    store,
	}

	t.Cleanup(func() {
		ts.http.Close()
		bots.Shutdown(context.Background())
		sessions.Stop(context.Background())
	})

	return ts
}

func createTestAppConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{
			Address:          "127.0.0.1",
			Port:             8000,
			ReadTimeout:      10,
			WriteTimeout:     30,
			LiveWriteTimeout: 5,
		},
		Audio: config.AudioConfig{
			SampleRate:    16000,
			ChunkFrames:   10,
			WindowSeconds: 3,
			Language:      "en",
			DrainTimeout:  30,
		},
		Transcription: config.TranscriptionConfig{
			Endpoint: "http://stt.invalid/v1/audio/transcriptions",
			Model:    "whisper-large-v3-turbo",
			APIKey:   "secret",
		},
		Storage: config.StorageConfig{Driver: config.DriverMemory},
		Logging: config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"},
	}
}

func (ts *testServer) post(t *testing.T, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(ts.http.URL+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(ts.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	body := make(map[string]interface{})
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return body
}

func (ts *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + path
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestParticipantJoinPayloadDefaults(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name       string
		body       string
		expectedID string
		expectName string
		expectRole string
	}{
		{
			name:       "participant id and name",
			body:       `{"participant_id":"p1","name":"Alice","meeting_role":"moderator"}`,
			expectedID: "p1",
			expectName: "Alice",
			expectRole: "moderator",
		},
		{
			name:       "id and display name fallbacks",
			body:       `{"id":" p2 ","display_name":"Bob"}`,
			expectedID: "p2",
			expectName: "Bob",
		},
		{
			name:       "name defaults to id",
			body:       `{"participant_id":"p3"}`,
			expectedID: "p3",
			expectName: "p3",
		},
		{
			name:       "empty body records unknown",
			body:       ``,
			expectedID: "unknown",
			expectName: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meetingID := "join-" + strings.ReplaceAll(tt.name, " ", "-")

			resp, body := ts.post(t, "/api/v1/meetings/"+meetingID+"/participants/join", tt.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("Expected 200, got %d", resp.StatusCode)
			}
			if body["participant_id"] != tt.expectedID {
				t.Errorf("Expected participant_id %s, got %v", tt.expectedID, body["participant_id"])
			}

			records, _ := ts.store.Attendance(context.Background(), meetingID)
			if len(records) != 1 {
				t.Fatalf("Expected 1 record, got %d", len(records))
			}
			rec := records[0]
			if rec.ParticipantID != tt.expectedID || rec.ParticipantName != tt.expectName || rec.Role != tt.expectRole {
				t.Errorf("Unexpected record: %+v", rec)
			}
		})
	}
}

func TestParticipantJoinRejectsInvalidJSON(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.post(t, "/api/v1/meetings/m1/participants/join", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestParticipantLeaveAndAttendanceSummary(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.post(t, "/api/v1/meetings/m1/participants/join", `{"participant_id":"p1","name":"Alice"}`)
	ts.post(t, "/api/v1/meetings/m1/participants/join", `{"participant_id":"p1","name":"Alice"}`)
	ts.post(t, "/api/v1/meetings/m1/participants/join", `{"participant_id":"p2","name":"Bob"}`)

	resp, body := ts.post(t, "/api/v1/meetings/m1/participants/leave", `{"participant_id":"p1"}`)
	if resp.StatusCode != http.StatusOK || body["recorded"] != true {
		t.Fatalf("Expected recorded leave, got %d %v", resp.StatusCode, body)
	}

	// Leave without an open record is a no-op
	_, body = ts.post(t, "/api/v1/meetings/m1/participants/leave", `{"participant_id":"ghost"}`)
	if body["recorded"] != false {
		t.Errorf("Expected no-op leave, got %v", body)
	}

	resp, body = ts.get(t, "/api/v1/meetings/m1/attendance")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	records := body["records"].([]interface{})
	if len(records) != 2 {
		t.Fatalf("Expected 2 records after duplicate join, got %d", len(records))
	}

	summary := body["summary"].(map[string]interface{})
	if summary["unique_participants"] != float64(2) || summary["open_records"] != float64(1) {
		t.Errorf("Unexpected summary: %v", summary)
	}
}

func TestStartBotRequiresMeetingURL(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.post(t, "/api/v1/meetings/m1/start", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", resp.StatusCode)
	}
	if !strings.Contains(body["error"].(string), "meeting_url") {
		t.Errorf("Unexpected error body: %v", body)
	}
	if ts.bots.Active("m1") {
		t.Error("Bot must not start without a meeting url")
	}
}

func TestStartAndStopBot(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.post(t, "/api/v1/meetings/m1/start", `{"meeting_url":"https://meet.example/room"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%v)", resp.StatusCode, body)
	}
	if !ts.bots.Active("m1") {
		t.Fatal("Expected active bot")
	}

	resp, body = ts.get(t, "/sessions/m1")
	if resp.StatusCode != http.StatusOK || body["bot"] == nil || body["session"] == nil {
		t.Errorf("Expected bot and session detail, got %d %v", resp.StatusCode, body)
	}

	resp, _ = ts.post(t, "/api/v1/meetings/m1/stop", ``)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ts.bots.Active("m1") {
		t.Error("Bot should be stopped")
	}

	resp, _ = ts.get(t, "/sessions/m1")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after stop, got %d", resp.StatusCode)
	}

	// Stop is idempotent
	resp, _ = ts.post(t, "/api/v1/meetings/m1/stop", ``)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for repeated stop, got %d", resp.StatusCode)
	}
}

func TestStartBotJoinFailure(t *testing.T) {
	ts := newTestServer(t, errors.New("meeting not found"))

	resp, body := ts.post(t, "/api/v1/meetings/m1/start", `{"meeting_url":"https://meet.example/missing"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", resp.StatusCode)
	}
	if !strings.Contains(body["error"].(string), "meeting not found") {
		t.Errorf("Expected join error in body, got %v", body)
	}
}

func TestAudioToLiveTranscript(t *testing.T) {
	ts := newTestServer(t, nil)

	live, _, err := websocket.DefaultDialer.Dial(ts.wsURL("/ws/meeting/m1/live"), nil)
	if err != nil {
		t.Fatalf("Failed to connect live socket: %v", err)
	}
	defer live.Close()

	waitFor(t, time.Second, func() bool { return ts.hub.Count("m1") == 1 })

	audioConn, _, err := websocket.DefaultDialer.Dial(ts.wsURL("/ws/audio/m1"), nil)
	if err != nil {
		t.Fatalf("Failed to connect audio socket: %v", err)
	}
	defer audioConn.Close()

	// Heartbeat first, then one 3 s window in 100 ms frames
	if err := audioConn.WriteMessage(websocket.BinaryMessage, []byte{}); err != nil {
		t.Fatalf("Failed to send heartbeat: %v", err)
	}
	frame := make([]byte, 3200)
	for i := 0; i < 30; i++ {
		if err := audioConn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("Failed to send frame: %v", err)
		}
	}

	live.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event broadcast.Event
	if err := live.ReadJSON(&event); err != nil {
		t.Fatalf("Failed to read live event: %v", err)
	}
	if event.Type != "transcript" || event.Text != "hello team" {
		t.Errorf("Unexpected event: %+v", event)
	}

	resp, body := ts.get(t, "/api/v1/meetings/m1/transcripts")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body["count"] != float64(1) || body["full_text"] != "hello team" {
		t.Errorf("Unexpected transcripts: %v", body)
	}
}

func TestLiveSocketUnsubscribesOnDisconnect(t *testing.T) {
	ts := newTestServer(t, nil)

	live, _, err := websocket.DefaultDialer.Dial(ts.wsURL("/ws/meeting/m1/live"), nil)
	if err != nil {
		t.Fatalf("Failed to connect live socket: %v", err)
	}

	waitFor(t, time.Second, func() bool { return ts.hub.Count("m1") == 1 })

	live.WriteMessage(websocket.TextMessage, []byte("ping"))
	live.Close()

	waitFor(t, 2*time.Second, func() bool { return ts.hub.Count("m1") == 0 })
}

func TestMonitoringEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		path   string
		status int
		key    string
	}{
		{name: "root", path: "/", status: http.StatusOK, key: "endpoints"},
		{name: "health", path: "/health", status: http.StatusOK, key: "components"},
		{name: "sessions", path: "/sessions", status: http.StatusOK, key: "sessions"},
		{name: "stats", path: "/stats", status: http.StatusOK, key: "sessions"},
		{name: "config", path: "/config", status: http.StatusOK, key: "transcription"},
		{name: "unknown session", path: "/sessions/nope", status: http.StatusNotFound, key: "error"},
		{name: "empty transcripts", path: "/api/v1/meetings/none/transcripts", status: http.StatusOK, key: "segments"},
		{name: "unknown path", path: "/nope", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.get(t, tt.path)
			if resp.StatusCode != tt.status {
				t.Fatalf("Expected %d, got %d", tt.status, resp.StatusCode)
			}
			if tt.key != "" {
				if _, ok := body[tt.key]; !ok {
					t.Errorf("Expected key %q in response %v", tt.key, body)
				}
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.get(t, "/health")

	resp, err := http.Get(ts.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "meeting_http_requests_total") {
		t.Error("Expected HTTP request metrics to be exported")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.http.URL + "/api/v1/meetings/m1/start")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}
