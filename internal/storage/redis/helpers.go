package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/streamlimit/internal/storage"
)

// parseSegment converts a Redis hash to Segment
func parseSegment(data map[string]string) (*storage.Segment, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	id, err := strconv.ParseInt(data["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse id: %w", err)
	}

	startTime, err := time.Parse(time.RFC3339Nano, data["start_time"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}

	duration, err := strconv.ParseFloat(data["duration_minutes"], 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse duration_minutes: %w", err)
	}

	return &storage.Segment{
		ID:              id,
		SessionID:       data["session_id"],
		UserID:          data["user_id"],
		Username:        data["username"],
		RatingKey:       data["rating_key"],
		StartTime:       startTime,
		DurationMinutes: duration,
		Saturated:       data["is_saturated"] == "1",
		Terminated:      data["is_terminated"] == "1",
	}, nil
}

// segmentFields converts a Segment to Redis hash fields
func segmentFields(seg storage.Segment) map[string]interface{} {
	return map[string]interface{}{
		"id":               seg.ID,
		"session_id":       seg.SessionID,
		"user_id":          seg.UserID,
		"username":         seg.Username,
		"rating_key":       seg.RatingKey,
		"start_time":       seg.StartTime.UTC().Format(time.RFC3339Nano),
		"duration_minutes": formatMinutes(seg.DurationMinutes),
		"is_saturated":     formatBool(seg.Saturated),
		"is_terminated":    formatBool(seg.Terminated),
	}
}

func formatMinutes(m float64) string {
	return strconv.FormatFloat(m, 'f', -1, 64)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
