package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/meeting-live-service/internal/bot"
	"github.com/skypro1111/meeting-live-service/internal/broadcast"
	"github.com/skypro1111/meeting-live-service/internal/config"
	"github.com/skypro1111/meeting-live-service/internal/meeting"
	"github.com/skypro1111/meeting-live-service/internal/metrics"
	"github.com/skypro1111/meeting-live-service/internal/storage"
	"github.com/skypro1111/meeting-live-service/internal/stream"
	"github.com/skypro1111/meeting-live-service/internal/transcription"
)

const (
	serviceName    = "meeting-live-service"
	serviceVersion = "1.0.0"

	// maxAudioMessage bounds a single inbound audio frame
	maxAudioMessage = 1 << 20
	// maxControlBody bounds a control request body
	maxControlBody = 64 << 10
)

// HTTPServer serves the websocket endpoints, the meeting control API and the
// monitoring endpoints
type HTTPServer struct {
	server      *http.Server
	logger      *slog.Logger
	config      *config.Config
	sessions    *stream.Manager
	bots        *bot.Manager
	hub         *broadcast.Hub
	store       storage.Store
	transcriber *transcription.Client // may be nil
	metrics     *metrics.Metrics
	metricsHTTP http.Handler
	upgrader    websocket.Upgrader

	startTime time.Time
}

// Dependencies groups the components the HTTP server exposes
type Dependencies struct {
	Sessions    *stream.Manager
	Bots        *bot.Manager
	Hub         *broadcast.Hub
	Store       storage.Store
	Transcriber *transcription.Client
	Metrics     *metrics.Metrics
	// MetricsHandler serves /metrics; nil uses the default Prometheus registry
	MetricsHandler http.Handler
}

// NewHTTPServer creates the HTTP API server
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, deps Dependencies) *HTTPServer {
	h := &HTTPServer{
		logger:      logger,
		config:      appConfig,
		sessions:    deps.Sessions,
		bots:        deps.Bots,
		hub:         deps.Hub,
		store:       deps.Store,
		transcriber: deps.Transcriber,
		metrics:     deps.Metrics,
		metricsHTTP: deps.MetricsHandler,
		startTime:   time.Now(),
	}

	if h.metricsHTTP == nil {
		h.metricsHTTP = promhttp.Handler()
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         appConfig.Server.GetAddress(),
		Handler:      mux,
		ReadTimeout:  appConfig.Server.GetReadTimeout(),
		WriteTimeout: appConfig.Server.GetWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Websocket endpoints (not wrapped: the connection outlives the request)
	mux.HandleFunc("GET /ws/audio/{meeting_id}", h.handleAudioSocket)
	mux.HandleFunc("GET /ws/meeting/{meeting_id}/live", h.handleLiveSocket)

	// Meeting control API
	h.handle(mux, "POST", "/api/v1/meetings/{meeting_id}/start", h.handleStartBot)
	h.handle(mux, "POST", "/api/v1/meetings/{meeting_id}/stop", h.handleStopBot)
	h.handle(mux, "POST", "/api/v1/meetings/{meeting_id}/participants/join", h.handleParticipantJoin)
	h.handle(mux, "POST", "/api/v1/meetings/{meeting_id}/participants/leave", h.handleParticipantLeave)
	h.handle(mux, "GET", "/api/v1/meetings/{meeting_id}/transcripts", h.handleTranscripts)
	h.handle(mux, "GET", "/api/v1/meetings/{meeting_id}/attendance", h.handleAttendance)

	// Monitoring endpoints
	h.handle(mux, "GET", "/health", h.handleHealth)
	h.handle(mux, "GET", "/sessions", h.handleSessions)
	h.handle(mux, "GET", "/sessions/{meeting_id}", h.handleSessionDetail)
	h.handle(mux, "GET", "/stats", h.handleStats)
	h.handle(mux, "GET", "/config", h.handleConfig)

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("GET /metrics", h.metricsHTTP)

	// Root endpoint with API documentation
	h.handle(mux, "GET", "/{$}", h.handleRoot)
}

func (h *HTTPServer) handle(mux *http.ServeMux, method, path string, handler http.HandlerFunc) {
	mux.HandleFunc(method+" "+path, h.withMetrics(path, handler))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the root handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// checkOrigin accepts requests without an Origin header (bots, servers) and
// browser requests from allowed origins. No allowed origins accepts all.
func (h *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.Server.AllowedOrigins) == 0 {
		return true
	}

	for _, allowed := range h.config.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// handleAudioSocket receives raw PCM frames for a meeting. Empty messages are
// relay heartbeats and are ignored.
func (h *HTTPServer) handleAudioSocket(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("meeting_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Audio websocket upgrade failed",
			slog.String("meeting_id", meetingID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxAudioMessage)

	h.logger.Info("Audio websocket connected",
		slog.String("meeting_id", meetingID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("Audio websocket error",
					slog.String("meeting_id", meetingID),
					slog.String("error", err.Error()),
				)
			} else {
				h.logger.Debug("Audio websocket disconnected",
					slog.String("meeting_id", meetingID),
				)
			}
			return
		}

		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		if err := h.sessions.ProcessAudio(r.Context(), meetingID, data); err != nil {
			h.logger.Warn("Failed to process audio frame",
				slog.String("meeting_id", meetingID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// handleLiveSocket subscribes a client to a meeting's live transcript events.
// Inbound messages are read and discarded until the client disconnects.
func (h *HTTPServer) handleLiveSocket(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("meeting_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Live websocket upgrade failed",
			slog.String("meeting_id", meetingID),
			slog.String("error", err.Error()),
		)
		return
	}

	sub := broadcast.NewWebsocketSubscriber(conn, h.config.Server.GetLiveWriteTimeout())
	h.hub.Subscribe(meetingID, sub)
	defer func() {
		h.hub.Unsubscribe(meetingID, sub)
		sub.Close()
	}()

	h.logger.Info("Live subscriber connected",
		slog.String("meeting_id", meetingID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	conn.SetReadLimit(maxControlBody)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.logger.Debug("Live subscriber disconnected",
				slog.String("meeting_id", meetingID),
			)
			return
		}
	}
}

// handleStartBot implements POST /api/v1/meetings/{meeting_id}/start
func (h *HTTPServer) handleStartBot(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("meeting_id")

	payload, err := decodePayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	meetingURL := stringField(payload, "meeting_url")
	if meetingURL == "" {
		writeError(w, http.StatusBadRequest, "meeting_url required to start bot")
		return
	}

	if err := h.bots.Start(r.Context(), meetingID, meetingURL); err != nil {
		if errors.Is(err, bot.ErrBotStopping) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "Meeting started",
		"meeting_id": meetingID,
	})
}

// handleStopBot implements POST /api/v1/meetings/{meeting_id}/stop
func (h *HTTPServer) handleStopBot(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("meeting_id")
	ctx := context.WithoutCancel(r.Context())

	if err := h.bots.Stop(ctx, meetingID); err != nil {
		h.logger.Warn("Bot stop reported an error",
			slog.String("meeting_id", meetingID),
			slog.String("error", err.Error()),
		)
	}

	// Tear down meeting state even when no bot was attached
	h.sessions.RemoveSession(ctx, meetingID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "Meeting stopped",
		"meeting_id": meetingID,
	})
}

// handleParticipantJoin implements POST /api/v1/meetings/{meeting_id}/participants/join
func (h *HTTPServer) handleParticipantJoin(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("meeting_id")

	payload, err := decodePayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	participantID := participantIDFrom(payload)
	name := stringField(payload, "name", "display_name")
	if name == "" {
		name = participantID
	}
	role := stringField(payload, "meeting_role")

	recorded, err := h.sessions.Tracker(meetingID).RecordJoin(r.Context(), participantID, name, role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record join")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":        "ok",
		"participant_id": participantID,
		"recorded":       recorded,
	})
}

// handleParticipantLeave implements POST /api/v1/meetings/{meeting_id}/participants/leave
func (h *HTTPServer) handleParticipantLeave(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("meeting_id")

	payload, err := decodePayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	participantID := participantIDFrom(payload)

	closed, err := h.sessions.Tracker(meetingID).RecordLeave(r.Context(), participantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record leave")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":        "ok",
		"participant_id": participantID,
		"recorded":       closed,
	})
}

// handleTranscripts implements GET /api/v1/meetings/{meeting_id}/transcripts
func (h *HTTPServer) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("meeting_id")

	segments, err := h.store.Segments(r.Context(), meetingID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load transcripts")
		return
	}
	if segments == nil {
		segments = []meeting.TranscriptSegment{}
	}

	texts := make([]string, 0, len(segments))
	for _, s := range segments {
		texts = append(texts, s.Text)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"meeting_id": meetingID,
		"count":      len(segments),
		"segments":   segments,
		"full_text":  strings.Join(texts, " "),
	})
}

// handleAttendance implements GET /api/v1/meetings/{meeting_id}/attendance
func (h *HTTPServer) handleAttendance(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("meeting_id")

	records, err := h.store.Attendance(r.Context(), meetingID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load attendance")
		return
	}
	if records == nil {
		records = []meeting.AttendanceRecord{}
	}

	participants := make(map[string]struct{})
	var totalDuration float64
	open := 0
	for _, rec := range records {
		participants[rec.ParticipantID] = struct{}{}
		if rec.DurationSeconds != nil {
			totalDuration += *rec.DurationSeconds
		}
		if rec.Open() {
			open++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"meeting_id": meetingID,
		"records":    records,
		"summary": map[string]interface{}{
			"unique_participants":    len(participants),
			"total_records":          len(records),
			"open_records":           open,
			"total_duration_seconds": totalDuration,
		},
	})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"sessions": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.sessions.GetActiveSessionCount(),
			},
			"bots": map[string]interface{}{
				"status":      "running",
				"active_bots": len(h.bots.List()),
			},
			"transcription": h.transcriptionStatus(),
			"storage": map[string]interface{}{
				"driver": h.config.Storage.Driver,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

func (h *HTTPServer) transcriptionStatus() map[string]interface{} {
	if h.transcriber == nil {
		return map[string]interface{}{"status": "unavailable"}
	}

	stats := h.transcriber.GetStats()
	status := "running"
	if !stats.Configured {
		status = "missing_api_key"
	}

	return map[string]interface{}{
		"status":          status,
		"total_requests":  stats.TotalRequests,
		"success_rate":    stats.SuccessRate,
		"active_requests": stats.ActiveRequests,
	}
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.GetAllSessions()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
		"bots":           h.bots.List(),
	})
}

// handleSessionDetail implements the /sessions/{meeting_id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("meeting_id")

	info, hasSession := h.sessions.GetSessionInfo(meetingID)
	status, hasBot := h.bots.Status(meetingID)
	if !hasSession && !hasBot {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	response := map[string]interface{}{
		"meeting_id": meetingID,
	}
	if hasSession {
		response["session"] = info
	}
	if hasBot {
		response["bot"] = status
	}

	writeJSON(w, http.StatusOK, response)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"active_count": h.sessions.GetActiveSessionCount(),
		},
		"bots": map[string]interface{}{
			"active_count": len(h.bots.List()),
		},
	}

	if h.transcriber != nil {
		stats["transcription"] = h.transcriber.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config.Redacted()

	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"address":         c.Server.Address,
			"port":            c.Server.Port,
			"allowed_origins": c.Server.AllowedOrigins,
		},
		"audio": map[string]interface{}{
			"sample_rate":    c.Audio.SampleRate,
			"chunk_frames":   c.Audio.ChunkFrames,
			"window_seconds": c.Audio.WindowSeconds,
			"language":       c.Audio.Language,
			"flush_on_stop":  c.Audio.FlushOnStop,
		},
		"vad": map[string]interface{}{
			"enabled":   c.VAD.Enabled,
			"threshold": c.VAD.Threshold,
		},
		"transcription": map[string]interface{}{
			"endpoint":       c.Transcription.Endpoint,
			"model":          c.Transcription.Model,
			"timeout":        c.Transcription.Timeout,
			"max_retries":    c.Transcription.MaxRetries,
			"max_concurrent": c.Transcription.MaxConcurrent,
			"api_key_set":    c.Transcription.APIKey != "",
		},
		"bot": map[string]interface{}{
			"command":         c.Bot.Command,
			"relay_mode":      c.Bot.RelayMode,
			"backend_url":     c.Bot.BackendURL,
			"reconnect_delay": c.Bot.ReconnectDelay,
			"read_timeout":    c.Bot.ReadTimeout,
			"poll_interval":   c.Bot.PollInterval,
		},
		"session": map[string]interface{}{
			"idle_timeout": c.Session.IdleTimeout,
			"dedup_window": c.Session.DedupWindow,
		},
		"storage": map[string]interface{}{
			"driver":    c.Storage.Driver,
			"mongo_uri": c.Storage.MongoURI,
			"database":  c.Storage.Database,
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": "Meeting Live Service",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                                                 "API documentation",
			"GET /health":                                           "Service health check",
			"GET /sessions":                                         "List active meeting sessions and bots",
			"GET /sessions/{meeting_id}":                            "Get detailed session information",
			"GET /config":                                           "Get service configuration",
			"GET /stats":                                            "Get service statistics",
			"GET /metrics":                                          "Prometheus metrics",
			"GET /ws/audio/{meeting_id}":                            "Websocket: raw PCM-16 mono audio ingestion",
			"GET /ws/meeting/{meeting_id}/live":                     "Websocket: live transcript events",
			"POST /api/v1/meetings/{meeting_id}/start":              "Start the meeting bot",
			"POST /api/v1/meetings/{meeting_id}/stop":               "Stop the meeting bot",
			"POST /api/v1/meetings/{meeting_id}/participants/join":  "Record a participant join",
			"POST /api/v1/meetings/{meeting_id}/participants/leave": "Record a participant leave",
			"GET /api/v1/meetings/{meeting_id}/transcripts":         "Get transcript segments",
			"GET /api/v1/meetings/{meeting_id}/attendance":          "Get attendance records and summary",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

// decodePayload reads an optional JSON object body
func decodePayload(r *http.Request) (map[string]interface{}, error) {
	payload := make(map[string]interface{})

	dec := json.NewDecoder(io.LimitReader(r.Body, maxControlBody))
	if err := dec.Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}

	return payload, nil
}

// stringField returns the first non-empty trimmed value among keys
func stringField(payload map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		var s string
		switch v := payload[key].(type) {
		case string:
			s = v
		case float64:
			s = strconv.FormatFloat(v, 'f', -1, 64)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// participantIDFrom reads participant_id, falling back to id and then to the
// unknown participant
func participantIDFrom(payload map[string]interface{}) string {
	if id := stringField(payload, "participant_id", "id"); id != "" {
		return id
	}
	return meeting.UnknownParticipant
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}
