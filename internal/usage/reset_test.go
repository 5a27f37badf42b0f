package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/streamlimit/internal/storage/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDailyReset_ScheduledDate(t *testing.T) {
	reset, err := NewDailyReset(nil, "23:59", time.UTC, zerolog.Nop())
	require.NoError(t, err)

	tests := []struct {
		now  time.Time
		want string
	}{
		{time.Date(2025, 3, 14, 23, 58, 59, 0, time.UTC), "2025-03-13"},
		{time.Date(2025, 3, 14, 23, 59, 0, 0, time.UTC), "2025-03-14"},
		{time.Date(2025, 3, 15, 0, 0, 30, 0, time.UTC), "2025-03-14"},
		{time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC), "2024-12-31"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, reset.scheduledDate(tt.now), "scheduledDate(%s)", tt.now)
	}
}

func TestDailyReset_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	reset, err := NewDailyReset(nil, "23:59", loc, zerolog.Nop())
	require.NoError(t, err)

	// 14:00 UTC is 00:00 the next day at UTC+10, just after the reset.
	now := time.Date(2025, 3, 14, 14, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-03-14", reset.scheduledDate(now))
}

func TestDailyReset_DueOncePerDay(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "reset.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	reset, err := NewDailyReset(store.Segments(), "", time.UTC, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Date(2025, 3, 14, 23, 59, 10, 0, time.UTC)

	due, err := reset.Due(ctx, now)
	require.NoError(t, err)
	require.True(t, due, "reset is due on a fresh store")

	_, err = reset.Reset(ctx, now)
	require.NoError(t, err)

	for _, later := range []time.Time{now.Add(30 * time.Second), now.Add(12 * time.Hour)} {
		due, err := reset.Due(ctx, later)
		require.NoError(t, err)
		assert.False(t, due, "no reset due at %s", later)
	}

	due, err = reset.Due(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, due, "next day's reset is due")
}

func TestNewDailyReset_InvalidTime(t *testing.T) {
	_, err := NewDailyReset(nil, "25:00", time.UTC, zerolog.Nop())
	assert.Error(t, err)
}
