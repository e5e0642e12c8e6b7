package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the meeting live service.
// All recording methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Audio ingestion metrics
	FramesReceived prometheus.Counter
	ChunksEmitted  prometheus.Counter
	IngestErrors   prometheus.Counter

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter
	SegmentsProduced       prometheus.Counter

	// Live fan-out metrics
	Subscribers        prometheus.Gauge
	EventsDelivered    prometheus.Counter
	SubscribersDropped prometheus.Counter

	// Attendance metrics
	AttendanceEvents *prometheus.CounterVec

	// Bot metrics
	ActiveBots      prometheus.Gauge
	BotStarts       prometheus.Counter
	BotStartErrors  prometheus.Counter
	RelayReconnects prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Audio ingestion metrics
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_audio_frames_received_total",
			Help: "Total number of raw audio frames received",
		}),
		ChunksEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_audio_chunks_emitted_total",
			Help: "Total number of combined audio chunks appended to window buffers",
		}),
		IngestErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_audio_ingest_errors_total",
			Help: "Total number of audio ingestion errors",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meeting_active_sessions",
			Help: "Current number of meeting sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_sessions_destroyed_total",
			Help: "Total number of sessions destroyed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meeting_session_duration_seconds",
			Help:    "Duration of meeting sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10s to ~11 hours
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_transcription_requests_total",
			Help: "Total number of windows submitted for transcription",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meeting_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1 minute
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),
		SegmentsProduced: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_transcript_segments_total",
			Help: "Total number of transcript segments stored and pushed",
		}),

		// Live fan-out metrics
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meeting_live_subscribers",
			Help: "Current number of live transcript subscribers",
		}),
		EventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_live_events_delivered_total",
			Help: "Total number of live events delivered to subscribers",
		}),
		SubscribersDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_live_subscribers_dropped_total",
			Help: "Total number of subscribers removed after a failed send",
		}),

		// Attendance metrics
		AttendanceEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_attendance_events_total",
			Help: "Total number of attendance events by kind and outcome",
		}, []string{"event", "outcome"}),

		// Bot metrics
		ActiveBots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meeting_active_bots",
			Help: "Current number of bots attached to meetings",
		}),
		BotStarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_bot_starts_total",
			Help: "Total number of bots started",
		}),
		BotStartErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_bot_start_errors_total",
			Help: "Total number of bots that failed to join",
		}),
		RelayReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_bot_relay_reconnects_total",
			Help: "Total number of audio relay reconnect attempts",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meeting_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordFrame increments the received frames counter
func (m *Metrics) RecordFrame() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

// RecordChunkEmitted increments the emitted chunks counter
func (m *Metrics) RecordChunkEmitted() {
	if m == nil {
		return
	}
	m.ChunksEmitted.Inc()
}

// RecordIngestError increments the ingestion errors counter
func (m *Metrics) RecordIngestError() {
	if m == nil {
		return
	}
	m.IngestErrors.Inc()
}

// SetActiveSessions sets the current number of sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter and records duration
func (m *Metrics) RecordSessionDestroyed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsDestroyed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

// RecordSegment increments the transcript segments counter
func (m *Metrics) RecordSegment() {
	if m == nil {
		return
	}
	m.SegmentsProduced.Inc()
}

// AddSubscribers adjusts the live subscribers gauge
func (m *Metrics) AddSubscribers(delta int) {
	if m == nil {
		return
	}
	m.Subscribers.Add(float64(delta))
}

// RecordBroadcast records the outcome of one fan-out pass
func (m *Metrics) RecordBroadcast(delivered, dropped int) {
	if m == nil {
		return
	}
	m.EventsDelivered.Add(float64(delivered))
	if dropped > 0 {
		m.SubscribersDropped.Add(float64(dropped))
		m.Subscribers.Sub(float64(dropped))
	}
}

// RecordAttendance records a join or leave event and its outcome
func (m *Metrics) RecordAttendance(event, outcome string) {
	if m == nil {
		return
	}
	m.AttendanceEvents.WithLabelValues(event, outcome).Inc()
}

// SetActiveBots sets the current number of bots
func (m *Metrics) SetActiveBots(count int) {
	if m == nil {
		return
	}
	m.ActiveBots.Set(float64(count))
}

// RecordBotStart records a bot start attempt
func (m *Metrics) RecordBotStart(success bool) {
	if m == nil {
		return
	}
	if success {
		m.BotStarts.Inc()
	} else {
		m.BotStartErrors.Inc()
	}
}

// RecordRelayReconnect increments the relay reconnect counter
func (m *Metrics) RecordRelayReconnect() {
	if m == nil {
		return
	}
	m.RelayReconnects.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
