package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8181", cfg.Tautulli.URL)
	assert.Equal(t, 30, cfg.Limits.MaxSessionMinutes)
	assert.Equal(t, 60, cfg.Limits.MaxDailyMinutes)
	assert.Equal(t, "Time's up for today.", cfg.Limits.KillMessage)
	assert.Equal(t, []string{"sunday"}, cfg.Gates.OptOutDays)
	assert.False(t, cfg.Gates.BlockedHours.Enabled)
	assert.Equal(t, "22:30", cfg.Gates.BlockedHours.Start)
	assert.Equal(t, "13:00", cfg.Gates.BlockedHours.End)
	assert.Equal(t, "23:59", cfg.Reset.Time)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.False(t, cfg.Admin.Enabled)
	assert.Equal(t, "127.0.0.1:9465", cfg.Admin.Listen)

	threshold, err := cfg.Limits.PauseThresholdDuration()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, threshold)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "streamlimit.yaml", `
tautulli:
  url: http://tautulli.lan:8181
  api_key: abc123
limits:
  max_daily_minutes: 90
  pause_threshold: 3m
gates:
  opt_out_days: [Saturday, Sunday]
  blocked_hours:
    enabled: true
    start: "21:00"
    end: "07:00"
storage:
  type: redis
  redis:
    host: redis.lan
timezone: UTC
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "abc123", cfg.Tautulli.APIKey)
	assert.Equal(t, 90, cfg.Limits.MaxDailyMinutes)
	assert.Equal(t, 30, cfg.Limits.MaxSessionMinutes)
	assert.Equal(t, []string{"saturday", "sunday"}, cfg.Gates.OptOutDays)
	assert.True(t, cfg.Gates.BlockedHours.Enabled)
	assert.Equal(t, "redis", cfg.Storage.Type)
	assert.Equal(t, "redis.lan", cfg.Storage.Redis.Host)
	assert.Equal(t, 6379, cfg.Storage.Redis.Port)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STREAMLIMIT_LIMITS_MAX_SESSION_MINUTES", "45")
	t.Setenv("STREAMLIMIT_STORAGE_PATH", "/tmp/override.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.NoError(t, err)

	assert.Equal(t, 45, cfg.Limits.MaxSessionMinutes)
	assert.Equal(t, "/tmp/override.db", cfg.Storage.Path)
}

func TestLoad_LegacyEnv(t *testing.T) {
	t.Setenv("TAUTULLI_URL", "http://legacy:8181")
	t.Setenv("TAUTULLI_API_KEY", "legacy-key")
	t.Setenv("KILL_MESSAGE", "Time for bed.")
	t.Setenv("MAX_SESSION_DURATION_MINUTES", "20")
	t.Setenv("MAX_TOTAL_MINUTES", "40")
	t.Setenv("ENABLE_BEDTIME", "1")
	t.Setenv("PAUSE_THRESHOLD", "90")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.NoError(t, err)

	assert.Equal(t, "http://legacy:8181", cfg.Tautulli.URL)
	assert.Equal(t, "legacy-key", cfg.Tautulli.APIKey)
	assert.Equal(t, "Time for bed.", cfg.Limits.KillMessage)
	assert.Equal(t, 20, cfg.Limits.MaxSessionMinutes)
	assert.Equal(t, 40, cfg.Limits.MaxDailyMinutes)
	assert.True(t, cfg.Gates.BlockedHours.Enabled)

	threshold, err := cfg.Limits.PauseThresholdDuration()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, threshold)
}

func TestLoad_PrefixedEnvWinsOverLegacy(t *testing.T) {
	t.Setenv("MAX_TOTAL_MINUTES", "40")
	t.Setenv("STREAMLIMIT_LIMITS_MAX_DAILY_MINUTES", "75")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.NoError(t, err)

	assert.Equal(t, 75, cfg.Limits.MaxDailyMinutes)
}

func TestLoad_EnvFile(t *testing.T) {
	// godotenv does not override variables that are already set, so make
	// sure these start out empty and are cleaned up afterwards.
	t.Setenv("TAUTULLI_API_KEY", "")
	require.NoError(t, os.Unsetenv("TAUTULLI_API_KEY"))
	t.Setenv("STREAMLIMIT_TAUTULLI_API_KEY", "")
	require.NoError(t, os.Unsetenv("STREAMLIMIT_TAUTULLI_API_KEY"))

	envFile := writeFile(t, "streamlimit.env", "TAUTULLI_API_KEY=from-env-file\n")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), envFile)
	require.NoError(t, err)

	assert.Equal(t, "from-env-file", cfg.Tautulli.APIKey)
}

func TestLoad_MissingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), filepath.Join(t.TempDir(), "nope.env"))
	assert.Error(t, err)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeFile(t, "broken.yaml", "limits: [unterminated\n")

	_, err := Load(path, "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Tautulli: TautulliConfig{URL: "http://127.0.0.1:8181", Timeout: "10s"},
			Limits:   LimitsConfig{MaxSessionMinutes: 30, MaxDailyMinutes: 60, PauseThreshold: "120s"},
			Gates: GatesConfig{
				OptOutDays:   []string{"Sunday"},
				BlockedHours: BlockedHoursConfig{Start: "22:30", End: "13:00"},
			},
			Reset:    ResetConfig{Time: "23:59"},
			Poll:     PollConfig{Interval: "30s", Timeout: "20s"},
			Timezone: "Local",
			Storage:  StorageConfig{Type: "sqlite", Path: "/tmp/streamlimit.db"},
			Logging:  LoggingConfig{Level: "info", Format: "json"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad url", func(c *Config) { c.Tautulli.URL = "not a url" }, true},
		{"zero daily limit", func(c *Config) { c.Limits.MaxDailyMinutes = 0 }, true},
		{"negative session limit", func(c *Config) { c.Limits.MaxSessionMinutes = -1 }, true},
		{"bad weekday", func(c *Config) { c.Gates.OptOutDays = []string{"funday"} }, true},
		{"bad blocked start", func(c *Config) { c.Gates.BlockedHours.Start = "10pm" }, true},
		{"bad reset time", func(c *Config) { c.Reset.Time = "24:00" }, true},
		{"bad pause threshold", func(c *Config) { c.Limits.PauseThreshold = "soon" }, true},
		{"pause threshold seconds", func(c *Config) { c.Limits.PauseThreshold = "120" }, false},
		{"bad poll interval", func(c *Config) { c.Poll.Interval = "0s" }, true},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, true},
		{"unknown storage", func(c *Config) { c.Storage.Type = "etcd" }, true},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, true},
		{"bolt without path", func(c *Config) { c.Storage.Type = "bolt"; c.Storage.Path = "" }, true},
		{"redis without path", func(c *Config) { c.Storage.Type = "redis"; c.Storage.Path = "" }, false},
		{"bad log level", func(c *Config) { c.Logging.Level = "chatty" }, true},
		{"admin without listen", func(c *Config) { c.Admin.Enabled = true }, true},
		{"admin with listen", func(c *Config) { c.Admin = AdminConfig{Enabled: true, Listen: "127.0.0.1:9465"} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	got, err := ParseClock("22:30")
	require.NoError(t, err)
	assert.Equal(t, 22*60+30, got)

	_, err = ParseClock("7")
	assert.Error(t, err)
}
