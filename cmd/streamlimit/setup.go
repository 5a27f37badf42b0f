package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goodtune/streamlimit/internal/config"
	"github.com/goodtune/streamlimit/internal/media/tautulli"
	"github.com/goodtune/streamlimit/internal/policy"
	"github.com/goodtune/streamlimit/internal/storage"
	"github.com/goodtune/streamlimit/internal/storage/bolt"
	"github.com/goodtune/streamlimit/internal/storage/redis"
	"github.com/goodtune/streamlimit/internal/storage/sqlite"
	"github.com/goodtune/streamlimit/internal/usage"
	"github.com/rs/zerolog"
)

// app bundles everything a command needs to poll or inspect state
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   storage.Store
	gates   *policy.Engine
	tracker *usage.Tracker
	logFile io.Closer
}

// newRuntime loads configuration and wires storage, gates and tracker
func newRuntime(quiet bool) (*app, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, logFile, err := setupLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if quiet {
		logger = logger.Level(zerolog.ErrorLevel)
	}

	rt := &app{cfg: cfg, logger: logger, logFile: logFile}

	rt.store, err = openStorage(cfg.Storage)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	logger.Debug().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	rt.gates, err = policy.NewEngineFromConfig(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to initialize gate engine: %w", err)
	}

	threshold, err := cfg.Limits.PauseThresholdDuration()
	if err != nil {
		rt.Close()
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		rt.Close()
		return nil, err
	}

	remoteTimeout := parseDuration(cfg.Tautulli.Timeout, 10*time.Second)

	server := tautulli.New(tautulli.Config{
		URL:     cfg.Tautulli.URL,
		APIKey:  cfg.Tautulli.APIKey,
		Timeout: remoteTimeout,
		Logger:  logger,
	})

	rt.tracker, err = usage.NewTracker(rt.store.Segments(), server, rt.gates, usage.Config{
		Limits: usage.Limits{
			MaxSessionMinutes: cfg.Limits.MaxSessionMinutes,
			MaxDailyMinutes:   cfg.Limits.MaxDailyMinutes,
			KillMessage:       cfg.Limits.KillMessage,
		},
		PausePolicy:   usage.GapPolicy{Threshold: threshold},
		ResetTime:     cfg.Reset.Time,
		Location:      loc,
		RemoteTimeout: remoteTimeout,
	}, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to initialize tracker: %w", err)
	}

	return rt, nil
}

// Close releases storage and the log file
func (rt *app) Close() {
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Error().Err(err).Msg("Failed to close storage")
		}
	}
	if rt.logFile != nil {
		_ = rt.logFile.Close()
	}
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "sqlite"
	}

	switch storageType {
	case "sqlite":
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "bolt":
		store, err := bolt.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		store, err := redis.Open(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// setupLogger configures the logger based on configuration. When a log file
// is configured every event is also appended to it as JSON.
func setupLogger(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	var out io.Writer = os.Stdout
	if cfg.Format == "text" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	var closer io.Closer
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		closer = f
	}

	return zerolog.New(out).With().Timestamp().Logger(), closer, nil
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
