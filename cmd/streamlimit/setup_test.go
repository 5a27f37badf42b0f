package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/streamlimit/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 45*time.Second, parseDuration("45s", time.Minute))
	assert.Equal(t, time.Minute, parseDuration("soon", time.Minute))
	assert.Equal(t, time.Minute, parseDuration("", time.Minute))
}

func TestOpenStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  config.StorageConfig
	}{
		{"sqlite", config.StorageConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "streamlimit.db")}},
		{"default is sqlite", config.StorageConfig{Path: filepath.Join(t.TempDir(), "streamlimit.db")}},
		{"bolt", config.StorageConfig{Type: "bolt", Path: filepath.Join(t.TempDir(), "streamlimit.bolt")}},
		{"redis", config.StorageConfig{Type: "redis", Redis: config.RedisConfig{
			Host:         mr.Host(),
			Port:         port,
			DialTimeout:  "1s",
			ReadTimeout:  "1s",
			WriteTimeout: "1s",
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := openStorage(tt.cfg)
			require.NoError(t, err)
			require.NotNil(t, store.Segments())
			assert.NoError(t, store.Close())
		})
	}
}

func TestOpenStorage_Unsupported(t *testing.T) {
	store, err := openStorage(config.StorageConfig{Type: "etcd"})
	assert.Error(t, err)
	assert.Nil(t, store)
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamlimit.log")

	logger, closer, err := setupLogger(config.LoggingConfig{Level: "info", Format: "json", File: path})
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Info().Str("user", "kid").Msg("stream terminated")
	logger.Debug().Msg("hidden")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"stream terminated"`)
	assert.Contains(t, string(data), `"user":"kid"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestSetupLogger_NoFile(t *testing.T) {
	_, closer, err := setupLogger(config.LoggingConfig{Level: "warn", Format: "text"})
	require.NoError(t, err)
	assert.Nil(t, closer)
}
