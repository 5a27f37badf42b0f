package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/streamlimit/internal/metrics"
	"github.com/goodtune/streamlimit/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultResetTime is the local time of day at which history is wiped
const DefaultResetTime = "23:59"

// DailyReset wipes all segment history once per day.
//
// The store remembers the date of the last scheduled reset it performed, so
// a reset missed while the process was down runs on the next poll.
type DailyReset struct {
	store     storage.SegmentStore
	resetTime time.Time // Time of day to reset (only hour and minute are used)
	location  *time.Location
	logger    zerolog.Logger
}

// NewDailyReset creates a daily reset for the given HH:MM time of day
func NewDailyReset(store storage.SegmentStore, resetTime string, location *time.Location, logger zerolog.Logger) (*DailyReset, error) {
	if resetTime == "" {
		resetTime = DefaultResetTime
	}

	// Parse reset time (HH:MM format)
	parsedTime, err := time.Parse("15:04", resetTime)
	if err != nil {
		return nil, fmt.Errorf("invalid reset time %q: %w", resetTime, err)
	}

	if location == nil {
		location = time.Local
	}

	return &DailyReset{
		store:     store,
		resetTime: parsedTime,
		location:  location,
		logger:    logger.With().Str("component", "daily-reset").Logger(),
	}, nil
}

// scheduledDate returns the local date of the most recent reset time at or
// before now
func (r *DailyReset) scheduledDate(now time.Time) string {
	local := now.In(r.location)

	todayReset := time.Date(
		local.Year(), local.Month(), local.Day(),
		r.resetTime.Hour(), r.resetTime.Minute(), 0, 0,
		r.location,
	)

	// Before today's reset time the most recent one was yesterday's
	if local.Before(todayReset) {
		return todayReset.AddDate(0, 0, -1).Format(storage.DateLayout)
	}

	return todayReset.Format(storage.DateLayout)
}

// Due reports whether a scheduled reset has not yet been performed
func (r *DailyReset) Due(ctx context.Context, now time.Time) (bool, error) {
	last, err := r.store.LastReset(ctx)
	if err != nil {
		return false, err
	}

	// Dates are YYYY-MM-DD so string order is date order
	return last < r.scheduledDate(now), nil
}

// Reset deletes every segment and records the reset
func (r *DailyReset) Reset(ctx context.Context, now time.Time) (int, error) {
	date := r.scheduledDate(now)

	deleted, err := r.store.ResetAll(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("failed to reset segments: %w", err)
	}

	metrics.DailyResets.Inc()
	metrics.TodayMinutes.Reset()

	r.logger.Info().
		Int("segments_deleted", deleted).
		Str("reset_date", date).
		Str("reset_time", r.resetTime.Format("15:04")).
		Msg("Daily reset complete")

	return deleted, nil
}
