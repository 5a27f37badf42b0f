package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Segments() SegmentStore
}

// ExpireFunc reports whether the active segment should be saturated
// instead of being reused at the given time.
type ExpireFunc func(active Segment, now time.Time) bool

// SegmentStore manages viewing segments.
//
// ResolveActive must be atomic per (session_id, user_id): the lookup of the
// active segment, the optional saturation and the insert happen in a single
// transaction so that concurrent callers never produce two active segments
// for the same key.
type SegmentStore interface {
	ResolveActive(ctx context.Context, key SegmentKey, now time.Time, expired ExpireFunc) (*Resolution, error)
	GetSegment(ctx context.Context, id int64) (*Segment, error)
	ListSegments(ctx context.Context) ([]Segment, error)
	UpdateDuration(ctx context.Context, id int64, minutes float64) error
	TerminateChain(ctx context.Context, sessionID, userID, ratingKey string) (int, error)
	SumFinalized(ctx context.Context, userID string, day string) (float64, error)
	SumCarriedOver(ctx context.Context, userID string) (float64, error)
	ResetAll(ctx context.Context, date string) (int, error)
	LastReset(ctx context.Context) (string, error)
}
