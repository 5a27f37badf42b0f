package usage

import (
	"context"
	"fmt"
	"sort"

	"github.com/goodtune/streamlimit/internal/storage"
)

// UserStatus is a read-only snapshot of one user's day
type UserStatus struct {
	UserID         string  `json:"user_id"`
	Username       string  `json:"username"`
	Totals         Totals  `json:"totals"`
	TotalToday     float64 `json:"total_today"`
	Segments       int     `json:"segments"`
	ActiveSegments int     `json:"active_segments"`
	Terminated     int     `json:"terminated_segments"`
}

// Status reports today's aggregates for every user with segments.
// If userID is not empty only that user is reported.
func (t *Tracker) Status(ctx context.Context, userID string) ([]UserStatus, string, error) {
	now := t.clock.Now()

	segments, err := t.store.ListSegments(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list segments: %w", err)
	}

	lastReset, err := t.store.LastReset(ctx)
	if err != nil {
		return nil, "", err
	}

	byUser := make(map[string]*UserStatus)
	live := make(map[string]float64)

	for _, seg := range segments {
		if userID != "" && seg.UserID != userID {
			continue
		}

		st, ok := byUser[seg.UserID]
		if !ok {
			st = &UserStatus{UserID: seg.UserID, Username: seg.Username}
			byUser[seg.UserID] = st
		}

		st.Segments++
		if seg.Terminated {
			st.Terminated++
		}
		if seg.Active() {
			st.ActiveSegments++
			live[seg.UserID] += LiveElapsed(seg, now)
		}
	}

	result := make([]UserStatus, 0, len(byUser))
	for id, st := range byUser {
		totals, err := t.aggregator.Totals(ctx, id, nil, now)
		if err != nil {
			return nil, "", err
		}
		totals.LiveElapsed = live[id]

		st.Totals = totals
		st.TotalToday = totals.Today()
		result = append(result, *st)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Username < result[j].Username
	})

	return result, lastReset, nil
}

// Segments returns every stored segment, optionally for one user
func (t *Tracker) Segments(ctx context.Context, userID string) ([]storage.Segment, error) {
	segments, err := t.store.ListSegments(ctx)
	if err != nil {
		return nil, err
	}

	if userID == "" {
		return segments, nil
	}

	filtered := segments[:0]
	for _, seg := range segments {
		if seg.UserID == userID {
			filtered = append(filtered, seg)
		}
	}
	return filtered, nil
}

// Limits returns the configured limits
func (t *Tracker) Limits() Limits {
	return t.limits
}
