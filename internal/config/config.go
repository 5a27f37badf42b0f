package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable override
const EnvPrefix = "STREAMLIMIT"

// Config holds the complete application configuration
type Config struct {
	Tautulli TautulliConfig `mapstructure:"tautulli"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Gates    GatesConfig    `mapstructure:"gates"`
	Reset    ResetConfig    `mapstructure:"reset"`
	Poll     PollConfig     `mapstructure:"poll"`
	Timezone string         `mapstructure:"timezone"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Admin    AdminConfig    `mapstructure:"admin"`
}

// TautulliConfig defines how the activity API is reached
type TautulliConfig struct {
	URL     string `mapstructure:"url" validate:"required,url"`
	APIKey  string `mapstructure:"api_key"`
	Timeout string `mapstructure:"timeout"`
}

// LimitsConfig defines the enforcement thresholds
type LimitsConfig struct {
	MaxSessionMinutes int    `mapstructure:"max_session_minutes" validate:"gt=0"`
	MaxDailyMinutes   int    `mapstructure:"max_daily_minutes" validate:"gt=0"`
	PauseThreshold    string `mapstructure:"pause_threshold" validate:"required"`
	KillMessage       string `mapstructure:"kill_message"`
}

// GatesConfig defines the policy gates evaluated before enforcement
type GatesConfig struct {
	OptOutDays   []string           `mapstructure:"opt_out_days" validate:"dive,oneof=sunday monday tuesday wednesday thursday friday saturday"`
	BlockedHours BlockedHoursConfig `mapstructure:"blocked_hours"`
	PolicyDir    string             `mapstructure:"policy_dir"`
}

// BlockedHoursConfig defines the bedtime window (local time, HH:MM)
type BlockedHoursConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Start   string `mapstructure:"start" validate:"required"`
	End     string `mapstructure:"end" validate:"required"`
}

// ResetConfig defines when segment history is wiped
type ResetConfig struct {
	Time string `mapstructure:"time" validate:"required"`
}

// PollConfig defines the daemon polling cadence
type PollConfig struct {
	Interval string `mapstructure:"interval"`
	Timeout  string `mapstructure:"timeout"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type" validate:"oneof=sqlite redis bolt"`
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
	File   string `mapstructure:"file"`
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// AdminConfig defines the operator HTTP API
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_if=Enabled true"`
	Token   string `mapstructure:"token"`
}

// legacyEnv maps configuration keys to the bare environment variable names
// accepted in addition to the prefixed ones.
var legacyEnv = map[string]string{
	"tautulli.url":                "TAUTULLI_URL",
	"tautulli.api_key":            "TAUTULLI_API_KEY",
	"limits.kill_message":         "KILL_MESSAGE",
	"limits.max_session_minutes":  "MAX_SESSION_DURATION_MINUTES",
	"limits.max_daily_minutes":    "MAX_TOTAL_MINUTES",
	"limits.pause_threshold":      "PAUSE_THRESHOLD",
	"gates.blocked_hours.enabled": "ENABLE_BEDTIME",
}

// Load loads configuration from an optional .env file, the config file and
// environment variables
func Load(configPath, envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", legacy, err)
		}
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads an explicit env file, or ./.env when present
func loadEnvFile(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
		return nil
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	}

	return nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Tautulli defaults
	v.SetDefault("tautulli.url", "http://127.0.0.1:8181")
	v.SetDefault("tautulli.api_key", "")
	v.SetDefault("tautulli.timeout", "10s")

	// Limit defaults
	v.SetDefault("limits.max_session_minutes", 30)
	v.SetDefault("limits.max_daily_minutes", 60)
	v.SetDefault("limits.pause_threshold", "120s")
	v.SetDefault("limits.kill_message", "Time's up for today.")

	// Gate defaults
	v.SetDefault("gates.opt_out_days", []string{"sunday"})
	v.SetDefault("gates.blocked_hours.enabled", false)
	v.SetDefault("gates.blocked_hours.start", "22:30")
	v.SetDefault("gates.blocked_hours.end", "13:00")
	v.SetDefault("gates.policy_dir", "")

	// Reset defaults
	v.SetDefault("reset.time", "23:59")

	// Poll defaults
	v.SetDefault("poll.interval", "30s")
	v.SetDefault("poll.timeout", "20s")

	v.SetDefault("timezone", "Local")

	// Storage defaults
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.path", "/var/lib/streamlimit/streamlimit.db")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "streamlimit")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "127.0.0.1:9464")

	// Admin API defaults
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.listen", "127.0.0.1:9465")
	v.SetDefault("admin.token", "")
}

// Validate normalises and validates the configuration
func Validate(cfg *Config) error {
	for i, day := range cfg.Gates.OptOutDays {
		cfg.Gates.OptOutDays[i] = strings.ToLower(strings.TrimSpace(day))
	}

	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	if _, err := cfg.Limits.PauseThresholdDuration(); err != nil {
		return err
	}

	for name, value := range map[string]string{
		"gates.blocked_hours.start": cfg.Gates.BlockedHours.Start,
		"gates.blocked_hours.end":   cfg.Gates.BlockedHours.End,
		"reset.time":                cfg.Reset.Time,
	} {
		if _, err := ParseClock(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	for name, value := range map[string]string{
		"tautulli.timeout": cfg.Tautulli.Timeout,
		"poll.interval":    cfg.Poll.Interval,
		"poll.timeout":     cfg.Poll.Timeout,
	} {
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("%s: invalid duration %q", name, value)
		}
	}

	if _, err := cfg.Location(); err != nil {
		return err
	}

	if cfg.Storage.Type != "redis" && cfg.Storage.Path == "" {
		return fmt.Errorf("storage path is required for %s", cfg.Storage.Type)
	}

	return nil
}

// PauseThresholdDuration parses the pause threshold. A bare number is read
// as seconds.
func (l LimitsConfig) PauseThresholdDuration() (time.Duration, error) {
	if d, err := time.ParseDuration(l.PauseThreshold); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("pause threshold must be positive: %s", l.PauseThreshold)
		}
		return d, nil
	}

	seconds, err := strconv.ParseFloat(l.PauseThreshold, 64)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("invalid pause threshold: %q", l.PauseThreshold)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

// Location returns the timezone used for wall-clock decisions
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ParseClock parses an HH:MM time of day into minutes after midnight
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("time must be in HH:MM format: %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
