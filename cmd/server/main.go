package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/skypro1111/meeting-live-service/internal/bot"
	"github.com/skypro1111/meeting-live-service/internal/broadcast"
	"github.com/skypro1111/meeting-live-service/internal/config"
	"github.com/skypro1111/meeting-live-service/internal/metrics"
	"github.com/skypro1111/meeting-live-service/internal/server"
	"github.com/skypro1111/meeting-live-service/internal/storage"
	"github.com/skypro1111/meeting-live-service/internal/stream"
	"github.com/skypro1111/meeting-live-service/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "meeting-live-service"
	serviceVersion    = "1.0.0"
	shutdownTimeout   = 30 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "meeting-live",
		Short:        "Live meeting transcription and attendance service",
		Long:         "Runs meeting bots, streams their audio into rolling transcription windows, broadcasts transcripts to live subscribers and tracks attendance.",
		Version:      serviceVersion,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file (empty for defaults and environment only)")
	rootCmd.AddCommand(newCheckConfigCmd(&configPath))

	return rootCmd
}

func newCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print it with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}

			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return err
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.GetAddress()),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("chunk_frames", cfg.Audio.ChunkFrames),
		slog.Float64("window_seconds", cfg.Audio.WindowSeconds),
		slog.Bool("vad_enabled", cfg.VAD.Enabled),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("transcription_model", cfg.Transcription.Model),
		slog.String("relay_mode", cfg.Bot.RelayMode),
		slog.String("storage_driver", cfg.Storage.Driver),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("Failed to open storage", slog.String("error", err.Error()))
		return err
	}

	transcriber, err := transcription.NewClient(transcription.Config{
		Endpoint:       cfg.Transcription.Endpoint,
		APIKey:         cfg.Transcription.APIKey,
		Model:          cfg.Transcription.Model,
		Timeout:        cfg.Transcription.GetTimeoutDuration(),
		MaxRetries:     cfg.Transcription.MaxRetries,
		MaxConcurrent:  cfg.Transcription.MaxConcurrent,
		ResponseFormat: cfg.Transcription.ResponseFormat,
		Temperature:    cfg.Transcription.Temperature,
	}, appMetrics)
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		return err
	}
	if !transcriber.Configured() {
		logger.Warn("No transcription API key configured, windows will be skipped")
	}

	hub := broadcast.NewHub(logger, appMetrics)

	sessions, err := stream.NewManager(logger, stream.Config{
		SampleRate:      cfg.Audio.SampleRate,
		ChunkFrames:     cfg.Audio.ChunkFrames,
		WindowSeconds:   cfg.Audio.WindowSeconds,
		Language:        cfg.Audio.Language,
		FlushOnStop:     cfg.Audio.FlushOnStop,
		DrainTimeout:    cfg.Audio.GetDrainTimeout(),
		VADEnabled:      cfg.VAD.Enabled,
		VADThreshold:    cfg.VAD.Threshold,
		DedupWindow:     cfg.Session.GetDedupWindow(),
		IdleTimeout:     cfg.Session.GetIdleTimeout(),
		CleanupInterval: cfg.Session.GetCleanupInterval(),
	}, transcriber, store, hub, appMetrics)
	if err != nil {
		logger.Error("Failed to create session manager", slog.String("error", err.Error()))
		return err
	}
	logger.Info("Session manager initialized",
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeout()),
		slog.Duration("dedup_window", cfg.Session.GetDedupWindow()),
	)

	var dialer bot.SinkDialer
	switch cfg.Bot.RelayMode {
	case config.RelayDirect:
		dialer = &bot.DirectDialer{Ingest: sessions.ProcessAudio}
	default:
		dialer = &bot.WebsocketDialer{BaseURL: cfg.Bot.BackendURL}
	}

	factory := bot.NewRunnerFactory(bot.RunnerConfig{
		Command:     cfg.Bot.Command,
		Args:        cfg.Bot.Args,
		Dir:         cfg.Bot.WorkDir,
		BotName:     cfg.Bot.Name,
		BackendURL:  cfg.Bot.BackendURL,
		ChunkBytes:  cfg.Bot.ChunkBytes,
		JoinTimeout: cfg.Bot.GetJoinTimeout(),
		StopGrace:   cfg.Bot.GetStopGrace(),
	}, logger)

	bots, err := bot.NewManager(factory, sessions, dialer, bot.Config{
		ReconnectDelay:   cfg.Bot.GetReconnectDelay(),
		ReadTimeout:      cfg.Bot.GetReadTimeout(),
		PollInterval:     cfg.Bot.GetPollInterval(),
		BotParticipantID: cfg.Bot.ParticipantID,
		BotName:          cfg.Bot.Name,
	}, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create bot manager", slog.String("error", err.Error()))
		return err
	}
	sessions.SetBusyCheck(bots.Active)
	logger.Info("Bot manager initialized",
		slog.String("command", cfg.Bot.Command),
		slog.String("relay_mode", cfg.Bot.RelayMode),
		slog.String("backend_url", cfg.Bot.BackendURL),
	)

	httpServer := server.NewHTTPServer(cfg, logger, server.Dependencies{
		Sessions:    sessions,
		Bots:        bots,
		Hub:         hub,
		Store:       store,
		Transcriber: transcriber,
		Metrics:     appMetrics,
	})

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", cfg.Server.GetAddress()),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop HTTP first so no new bots or audio streams arrive
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	bots.Shutdown(shutdownCtx)
	sessions.Stop(shutdownCtx)

	if err := store.Close(shutdownCtx); err != nil {
		logger.Error("Error closing storage", slog.String("error", err.Error()))
	}

	if err := transcriber.Close(); err != nil {
		logger.Error("Error closing transcription client", slog.String("error", err.Error()))
	}

	stats := transcriber.GetStats()
	logger.Info("Final transcription statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Float64("success_rate", stats.SuccessRate),
	)

	logger.Info("Service stopped")
	return nil
}

// openStore connects the configured storage backend
func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverMongo:
		store, err := storage.NewMongoStore(ctx, storage.MongoConfig{
			URI:            cfg.MongoURI,
			Database:       cfg.Database,
			ConnectTimeout: cfg.GetConnectTimeout(),
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStore(), nil
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
