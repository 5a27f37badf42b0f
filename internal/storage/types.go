package storage

import (
	"time"
)

// DateLayout is the layout of calendar dates passed to and from stores.
const DateLayout = "2006-01-02"

// SegmentKey carries the correlation keys of an observed stream.
type SegmentKey struct {
	SessionID string
	UserID    string
	Username  string
	RatingKey string
}

// Segment represents a contiguous, store-tracked chunk of one viewing session.
type Segment struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Username        string    `json:"username"`
	RatingKey       string    `json:"rating_key"`
	StartTime       time.Time `json:"start_time"`
	DurationMinutes float64   `json:"duration_minutes"`
	Saturated       bool      `json:"is_saturated"`
	Terminated      bool      `json:"is_terminated"`
}

// Active reports whether the segment still accumulates time.
func (s *Segment) Active() bool {
	return !s.Saturated && !s.Terminated
}

// Day returns the UTC calendar date of the segment start.
func (s *Segment) Day() string {
	return s.StartTime.UTC().Format(DateLayout)
}

// Resolution is the outcome of ResolveActive.
type Resolution struct {
	// Segment is the active segment after resolution.
	Segment Segment
	// Created is true when Segment was inserted by this call.
	Created bool
	// Saturated holds the previously active segment when it was closed off.
	Saturated *Segment
}
