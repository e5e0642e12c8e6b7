package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Bot           BotConfig           `yaml:"bot"`
	Session       SessionConfig       `yaml:"session"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains HTTP and websocket server configuration
type ServerConfig struct {
	Address          string   `yaml:"address"`
	Port             int      `yaml:"port"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	ReadTimeout      int      `yaml:"read_timeout"`       // seconds
	WriteTimeout     int      `yaml:"write_timeout"`      // seconds
	LiveWriteTimeout int      `yaml:"live_write_timeout"` // seconds
}

// AudioConfig contains audio pipeline parameters
type AudioConfig struct {
	SampleRate    int     `yaml:"sample_rate"`
	ChunkFrames   int     `yaml:"chunk_frames"`
	WindowSeconds float64 `yaml:"window_seconds"`
	Language      string  `yaml:"language"`
	FlushOnStop   bool    `yaml:"flush_on_stop"`
	DrainTimeout  int     `yaml:"drain_timeout"` // seconds
}

// VADConfig contains Voice Activity Detection configuration
type VADConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float32 `yaml:"threshold"`
}

// TranscriptionConfig contains speech-to-text API configuration
type TranscriptionConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	Timeout        int     `yaml:"timeout"` // seconds
	MaxRetries     int     `yaml:"max_retries"`
	MaxConcurrent  int     `yaml:"max_concurrent"`
	ResponseFormat string  `yaml:"response_format"`
	Temperature    float64 `yaml:"temperature"`
}

// BotConfig contains meeting bot configuration
type BotConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	WorkDir        string   `yaml:"work_dir"`
	Name           string   `yaml:"name"`
	ParticipantID  string   `yaml:"participant_id"`
	BackendURL     string   `yaml:"backend_url"`
	RelayMode      string   `yaml:"relay_mode"` // websocket or direct
	ChunkBytes     int      `yaml:"chunk_bytes"`
	ReconnectDelay float64  `yaml:"reconnect_delay"` // seconds
	ReadTimeout    float64  `yaml:"read_timeout"`    // seconds
	PollInterval   float64  `yaml:"poll_interval"`   // seconds
	JoinTimeout    int      `yaml:"join_timeout"`    // seconds
	StopGrace      int      `yaml:"stop_grace"`      // seconds
}

// SessionConfig contains session registry configuration
type SessionConfig struct {
	IdleTimeout     int `yaml:"idle_timeout"`     // seconds, 0 disables idle session cleanup
	CleanupInterval int `yaml:"cleanup_interval"` // seconds
	DedupWindow     int `yaml:"dedup_window"`     // seconds
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	Driver         string `yaml:"driver"` // memory or mongo
	MongoURI       string `yaml:"mongo_uri"`
	Database       string `yaml:"database"`
	ConnectTimeout int    `yaml:"connect_timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Relay modes
const (
	RelayWebsocket = "websocket"
	RelayDirect    = "direct"
)

// Storage drivers
const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
)

// Load reads the configuration file, applies defaults and environment
// overrides, and validates the result. An empty path skips the file. A .env
// file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	// Booleans that default to true are seeded before decoding
	config := Config{VAD: VADConfig{Enabled: true}}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.applyDefaults()
	config.applyEnv(os.LookupEnv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills every optional field left unset
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 90
	}
	if c.Server.LiveWriteTimeout == 0 {
		c.Server.LiveWriteTimeout = 5
	}

	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.ChunkFrames == 0 {
		c.Audio.ChunkFrames = 10
	}
	if c.Audio.WindowSeconds == 0 {
		c.Audio.WindowSeconds = 6
	}
	if c.Audio.Language == "" {
		c.Audio.Language = "en"
	}
	if c.Audio.DrainTimeout == 0 {
		c.Audio.DrainTimeout = 30
	}

	if c.VAD.Threshold == 0 {
		c.VAD.Threshold = 0.05
	}

	if c.Transcription.Endpoint == "" {
		c.Transcription.Endpoint = "https://api.groq.com/openai/v1/audio/transcriptions"
	}
	if c.Transcription.Model == "" {
		c.Transcription.Model = "whisper-large-v3-turbo"
	}
	if c.Transcription.Timeout == 0 {
		c.Transcription.Timeout = 30
	}
	if c.Transcription.MaxConcurrent == 0 {
		c.Transcription.MaxConcurrent = 10
	}
	if c.Transcription.ResponseFormat == "" {
		c.Transcription.ResponseFormat = "json"
	}

	if c.Bot.Name == "" {
		c.Bot.Name = "Meeting Assistant"
	}
	if c.Bot.ParticipantID == "" {
		c.Bot.ParticipantID = "bot"
	}
	if c.Bot.RelayMode == "" {
		c.Bot.RelayMode = RelayWebsocket
	}
	if c.Bot.BackendURL == "" {
		c.Bot.BackendURL = fmt.Sprintf("http://127.0.0.1:%d", c.Server.Port)
	}
	if c.Bot.ChunkBytes == 0 {
		c.Bot.ChunkBytes = 3200
	}
	if c.Bot.ReconnectDelay == 0 {
		c.Bot.ReconnectDelay = 2
	}
	if c.Bot.ReadTimeout == 0 {
		c.Bot.ReadTimeout = 5
	}
	if c.Bot.PollInterval == 0 {
		c.Bot.PollInterval = 10
	}
	if c.Bot.JoinTimeout == 0 {
		c.Bot.JoinTimeout = 60
	}
	if c.Bot.StopGrace == 0 {
		c.Bot.StopGrace = 5
	}

	if c.Session.CleanupInterval == 0 {
		c.Session.CleanupInterval = 30
	}
	if c.Session.DedupWindow == 0 {
		c.Session.DedupWindow = 300
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.Database == "" {
		c.Storage.Database = "meeting_assistant"
	}
	if c.Storage.ConnectTimeout == 0 {
		c.Storage.ConnectTimeout = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// applyEnv overrides secrets and deployment URLs from the environment
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("STT_API_KEY"); ok && v != "" {
		c.Transcription.APIKey = v
	} else if v, ok := lookup("GROQ_API_KEY"); ok && v != "" {
		c.Transcription.APIKey = v
	}

	if v, ok := lookup("STT_ENDPOINT"); ok && v != "" {
		c.Transcription.Endpoint = v
	}

	if v, ok := lookup("MONGODB_URL"); ok && v != "" {
		c.Storage.MongoURI = v
		c.Storage.Driver = DriverMongo
	}

	if v, ok := lookup("MONGODB_DB_NAME"); ok && v != "" {
		c.Storage.Database = v
	}

	if v, ok := lookup("BACKEND_URL"); ok && v != "" {
		c.Bot.BackendURL = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Bot.Validate(); err != nil {
		return fmt.Errorf("bot config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.ReadTimeout < 1 || s.WriteTimeout < 1 || s.LiveWriteTimeout < 1 {
		return fmt.Errorf("timeouts must be at least 1 second")
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.ChunkFrames < 1 {
		return fmt.Errorf("chunk_frames must be at least 1, got %d", a.ChunkFrames)
	}

	if a.WindowSeconds <= 0 {
		return fmt.Errorf("window_seconds must be positive, got %f", a.WindowSeconds)
	}

	if a.Language == "" {
		return fmt.Errorf("language cannot be empty")
	}

	if a.DrainTimeout < 1 {
		return fmt.Errorf("drain_timeout must be at least 1 second, got %d", a.DrainTimeout)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	return nil
}

// Validate validates transcription configuration. The API key may be empty;
// each transcription call then fails explicitly.
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	validFormats := map[string]bool{"json": true, "verbose_json": true}
	if !validFormats[t.ResponseFormat] {
		return fmt.Errorf("response_format must be 'json' or 'verbose_json', got '%s'", t.ResponseFormat)
	}

	if t.Temperature < 0 || t.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", t.Temperature)
	}

	return nil
}

// Validate validates bot configuration
func (b *BotConfig) Validate() error {
	switch b.RelayMode {
	case RelayWebsocket:
		u, err := url.Parse(b.BackendURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("backend_url must be an absolute URL in websocket relay mode, got '%s'", b.BackendURL)
		}
	case RelayDirect:
	default:
		return fmt.Errorf("relay_mode must be 'websocket' or 'direct', got '%s'", b.RelayMode)
	}

	if b.ChunkBytes < 2 || b.ChunkBytes%2 != 0 {
		return fmt.Errorf("chunk_bytes must be a positive even number, got %d", b.ChunkBytes)
	}

	if b.ReconnectDelay <= 0 || b.ReadTimeout <= 0 || b.PollInterval <= 0 {
		return fmt.Errorf("reconnect_delay, read_timeout and poll_interval must be positive")
	}

	if b.JoinTimeout < 1 || b.StopGrace < 1 {
		return fmt.Errorf("join_timeout and stop_grace must be at least 1 second")
	}

	if b.ParticipantID == "" {
		return fmt.Errorf("participant_id cannot be empty")
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	if s.DedupWindow < 0 {
		return fmt.Errorf("dedup_window cannot be negative, got %d", s.DedupWindow)
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	switch s.Driver {
	case DriverMemory:
	case DriverMongo:
		if s.MongoURI == "" {
			return fmt.Errorf("mongo_uri cannot be empty for the mongo driver")
		}
		if s.Database == "" {
			return fmt.Errorf("database cannot be empty for the mongo driver")
		}
	default:
		return fmt.Errorf("driver must be 'memory' or 'mongo', got '%s'", s.Driver)
	}

	if s.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second, got %d", s.ConnectTimeout)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// Redacted returns a copy safe to log or expose over the API
func (c Config) Redacted() Config {
	if c.Transcription.APIKey != "" {
		c.Transcription.APIKey = "***"
	}

	if c.Storage.MongoURI != "" {
		if u, err := url.Parse(c.Storage.MongoURI); err == nil && u.User != nil {
			u.User = url.UserPassword("***", "***")
			c.Storage.MongoURI = u.String()
		}
	}

	c.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	c.Bot.Args = append([]string(nil), c.Bot.Args...)

	return c
}

// GetAddress returns the listen address
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// GetReadTimeout returns the HTTP read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetWriteTimeout returns the HTTP write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetLiveWriteTimeout returns the per-event live push timeout
func (s *ServerConfig) GetLiveWriteTimeout() time.Duration {
	return time.Duration(s.LiveWriteTimeout) * time.Second
}

// GetDrainTimeout returns the final flush timeout as a time.Duration
func (a *AudioConfig) GetDrainTimeout() time.Duration {
	return time.Duration(a.DrainTimeout) * time.Second
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetReconnectDelay returns the relay reconnect delay as a time.Duration
func (b *BotConfig) GetReconnectDelay() time.Duration {
	return seconds(b.ReconnectDelay)
}

// GetReadTimeout returns the relay read timeout as a time.Duration
func (b *BotConfig) GetReadTimeout() time.Duration {
	return seconds(b.ReadTimeout)
}

// GetPollInterval returns the participant poll interval as a time.Duration
func (b *BotConfig) GetPollInterval() time.Duration {
	return seconds(b.PollInterval)
}

// GetJoinTimeout returns the runner join timeout as a time.Duration
func (b *BotConfig) GetJoinTimeout() time.Duration {
	return time.Duration(b.JoinTimeout) * time.Second
}

// GetStopGrace returns the runner stop grace period as a time.Duration
func (b *BotConfig) GetStopGrace() time.Duration {
	return time.Duration(b.StopGrace) * time.Second
}

// GetIdleTimeout returns the idle session timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetCleanupInterval returns the idle cleanup interval as a time.Duration
func (s *SessionConfig) GetCleanupInterval() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetDedupWindow returns the attendance de-duplication window as a time.Duration
func (s *SessionConfig) GetDedupWindow() time.Duration {
	return time.Duration(s.DedupWindow) * time.Second
}

// GetConnectTimeout returns the storage connect timeout as a time.Duration
func (s *StorageConfig) GetConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeout) * time.Second
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
