package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validConfig returns a configuration with every default applied
func validConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "defaults are valid",
			modify: func(c *Config) {},
		},
		{
			name:        "invalid server port",
			modify:      func(c *Config) { c.Server.Port = 70000 },
			expectError: true,
			errorMsg:    "port must be between 1 and 65535",
		},
		{
			name:        "invalid sample rate",
			modify:      func(c *Config) { c.Audio.SampleRate = 4000 },
			expectError: true,
			errorMsg:    "sample_rate must be between 8000 and 48000",
		},
		{
			name:        "non-positive window",
			modify:      func(c *Config) { c.Audio.WindowSeconds = -1 },
			expectError: true,
			errorMsg:    "window_seconds must be positive",
		},
		{
			name:        "vad threshold out of range",
			modify:      func(c *Config) { c.VAD.Threshold = 1.5 },
			expectError: true,
			errorMsg:    "threshold must be between 0 and 1",
		},
		{
			name:   "missing api key is allowed",
			modify: func(c *Config) { c.Transcription.APIKey = "" },
		},
		{
			name:        "unsupported response format",
			modify:      func(c *Config) { c.Transcription.ResponseFormat = "srt" },
			expectError: true,
			errorMsg:    "response_format must be",
		},
		{
			name:        "negative retries",
			modify:      func(c *Config) { c.Transcription.MaxRetries = -1 },
			expectError: true,
			errorMsg:    "max_retries cannot be negative",
		},
		{
			name:        "unknown relay mode",
			modify:      func(c *Config) { c.Bot.RelayMode = "udp" },
			expectError: true,
			errorMsg:    "relay_mode must be",
		},
		{
			name: "websocket relay needs an absolute backend url",
			modify: func(c *Config) {
				c.Bot.RelayMode = RelayWebsocket
				c.Bot.BackendURL = "backend"
			},
			expectError: true,
			errorMsg:    "backend_url must be an absolute URL",
		},
		{
			name: "direct relay ignores backend url",
			modify: func(c *Config) {
				c.Bot.RelayMode = RelayDirect
				c.Bot.BackendURL = ""
			},
		},
		{
			name:        "odd chunk bytes",
			modify:      func(c *Config) { c.Bot.ChunkBytes = 3201 },
			expectError: true,
			errorMsg:    "chunk_bytes must be a positive even number",
		},
		{
			name:        "negative idle timeout",
			modify:      func(c *Config) { c.Session.IdleTimeout = -5 },
			expectError: true,
			errorMsg:    "idle_timeout cannot be negative",
		},
		{
			name:        "mongo without uri",
			modify:      func(c *Config) { c.Storage.Driver = DriverMongo },
			expectError: true,
			errorMsg:    "mongo_uri cannot be empty",
		},
		{
			name:        "unknown storage driver",
			modify:      func(c *Config) { c.Storage.Driver = "redis" },
			expectError: true,
			errorMsg:    "driver must be 'memory' or 'mongo'",
		},
		{
			name:        "invalid log level",
			modify:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.modify(&config)

			err := config.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
					return
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	// Keep the environment from leaking into the loaded values
	for _, key := range []string{"STT_API_KEY", "GROQ_API_KEY", "STT_ENDPOINT", "MONGODB_URL", "MONGODB_DB_NAME", "BACKEND_URL"} {
		t.Setenv(key, "")
	}

	configContent := `
server:
  address: "127.0.0.1"
  port: 9000
  allowed_origins: ["https://app.example.com"]

audio:
  sample_rate: 16000
  window_seconds: 3
  language: "uk"
  flush_on_stop: true

vad:
  enabled: true
  threshold: 0.6

transcription:
  api_key: "file-key"
  max_retries: 2

bot:
  command: "node"
  args: ["runner.js"]
  relay_mode: "direct"
  poll_interval: 2.5

session:
  idle_timeout: 600

logging:
  level: "debug"
  format: "text"
`

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Server.GetAddress() != "127.0.0.1:9000" {
		t.Errorf("Expected address 127.0.0.1:9000, got %s", config.Server.GetAddress())
	}
	if len(config.Server.AllowedOrigins) != 1 {
		t.Errorf("Expected 1 allowed origin, got %d", len(config.Server.AllowedOrigins))
	}
	if config.Audio.WindowSeconds != 3 || config.Audio.Language != "uk" || !config.Audio.FlushOnStop {
		t.Errorf("Unexpected audio config: %+v", config.Audio)
	}
	if config.Audio.ChunkFrames != 10 {
		t.Errorf("Expected default chunk_frames 10, got %d", config.Audio.ChunkFrames)
	}
	if !config.VAD.Enabled || config.VAD.Threshold != 0.6 {
		t.Errorf("Unexpected vad config: %+v", config.VAD)
	}
	if config.Transcription.APIKey != "file-key" || config.Transcription.MaxRetries != 2 {
		t.Errorf("Unexpected transcription config: %+v", config.Transcription)
	}
	if config.Transcription.Model != "whisper-large-v3-turbo" {
		t.Errorf("Expected default model, got %s", config.Transcription.Model)
	}
	if config.Bot.RelayMode != RelayDirect || config.Bot.GetPollInterval() != 2500*time.Millisecond {
		t.Errorf("Unexpected bot config: %+v", config.Bot)
	}
	if config.Bot.BackendURL != "http://127.0.0.1:9000" {
		t.Errorf("Expected backend url derived from port, got %s", config.Bot.BackendURL)
	}
	if config.Session.GetIdleTimeout() != 10*time.Minute {
		t.Errorf("Expected idle timeout 10m, got %v", config.Session.GetIdleTimeout())
	}
	if config.Storage.Driver != DriverMemory {
		t.Errorf("Expected memory storage, got %s", config.Storage.Driver)
	}
	if config.Logging.Output != "stdout" {
		t.Errorf("Expected default output stdout, got %s", config.Logging.Output)
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error when loading nonexistent file")
	}
}

func TestConfigLoadWithoutFile(t *testing.T) {
	config, err := Load("")
	if err != nil {
		t.Fatalf("Expected defaults to load, got %v", err)
	}
	if config.Audio.SampleRate != 16000 || config.Audio.WindowSeconds != 6 {
		t.Errorf("Unexpected defaults: %+v", config.Audio)
	}
	if !config.VAD.Enabled || config.VAD.Threshold != 0.05 {
		t.Errorf("Expected voice activity gating on by default, got %+v", config.VAD)
	}
}

func TestConfigLoadVADEnabled(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{name: "section omitted", content: "audio:\n  language: \"en\"\n", want: true},
		{name: "threshold only", content: "vad:\n  threshold: 0.4\n", want: true},
		{name: "explicitly disabled", content: "vad:\n  enabled: false\n", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write test config: %v", err)
			}

			config, err := Load(configPath)
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}
			if config.VAD.Enabled != tt.want {
				t.Errorf("Expected vad.enabled=%v, got %v", tt.want, config.VAD.Enabled)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, c Config)
	}{
		{
			name: "stt key wins over groq key",
			env:  map[string]string{"STT_API_KEY": "stt", "GROQ_API_KEY": "groq"},
			check: func(t *testing.T, c Config) {
				if c.Transcription.APIKey != "stt" {
					t.Errorf("Expected stt key, got %s", c.Transcription.APIKey)
				}
			},
		},
		{
			name: "groq key fallback",
			env:  map[string]string{"GROQ_API_KEY": "groq"},
			check: func(t *testing.T, c Config) {
				if c.Transcription.APIKey != "groq" {
					t.Errorf("Expected groq key, got %s", c.Transcription.APIKey)
				}
			},
		},
		{
			name: "mongodb url selects mongo driver",
			env:  map[string]string{"MONGODB_URL": "mongodb://db:27017", "MONGODB_DB_NAME": "meetings"},
			check: func(t *testing.T, c Config) {
				if c.Storage.Driver != DriverMongo || c.Storage.MongoURI != "mongodb://db:27017" || c.Storage.Database != "meetings" {
					t.Errorf("Unexpected storage config: %+v", c.Storage)
				}
			},
		},
		{
			name: "endpoint and backend overrides",
			env:  map[string]string{"STT_ENDPOINT": "http://stt.local/v1", "BACKEND_URL": "http://api:8000"},
			check: func(t *testing.T, c Config) {
				if c.Transcription.Endpoint != "http://stt.local/v1" || c.Bot.BackendURL != "http://api:8000" {
					t.Errorf("Unexpected overrides: %s %s", c.Transcription.Endpoint, c.Bot.BackendURL)
				}
			},
		},
		{
			name: "empty values are ignored",
			env:  map[string]string{"STT_API_KEY": ""},
			check: func(t *testing.T, c Config) {
				if c.Transcription.APIKey != "" {
					t.Errorf("Expected no api key, got %s", c.Transcription.APIKey)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			config.applyEnv(func(key string) (string, bool) {
				v, ok := tt.env[key]
				return v, ok
			})
			tt.check(t, config)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	config := validConfig()

	tests := []struct {
		name     string
		got      time.Duration
		expected time.Duration
	}{
		{"transcription timeout", config.Transcription.GetTimeoutDuration(), 30 * time.Second},
		{"reconnect delay", config.Bot.GetReconnectDelay(), 2 * time.Second},
		{"relay read timeout", config.Bot.GetReadTimeout(), 5 * time.Second},
		{"poll interval", config.Bot.GetPollInterval(), 10 * time.Second},
		{"dedup window", config.Session.GetDedupWindow(), 300 * time.Second},
		{"idle timeout disabled", config.Session.GetIdleTimeout(), 0},
		{"drain timeout", config.Audio.GetDrainTimeout(), 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, tt.got)
			}
		})
	}
}

func TestRedacted(t *testing.T) {
	config := validConfig()
	config.Transcription.APIKey = "secret"
	config.Storage.MongoURI = "mongodb://user:pass@db:27017"

	redacted := config.Redacted()

	if redacted.Transcription.APIKey == "secret" {
		t.Error("API key should be masked")
	}
	if strings.Contains(redacted.Storage.MongoURI, "pass") {
		t.Errorf("Mongo credentials should be masked, got %s", redacted.Storage.MongoURI)
	}
	if config.Transcription.APIKey != "secret" {
		t.Error("Redacted must not modify the original")
	}
}
