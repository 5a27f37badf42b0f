package usage

import (
	"time"

	"github.com/goodtune/streamlimit/internal/storage"
)

// DefaultPauseThreshold is the gap after which an active segment is
// considered disconnected
const DefaultPauseThreshold = 2 * time.Minute

// PausePolicy decides whether the active segment should be closed off and a
// new one started
type PausePolicy interface {
	Expired(active storage.Segment, now time.Time) bool
}

// GapPolicy expires a segment once the time since its start exceeds
// Threshold
type GapPolicy struct {
	Threshold time.Duration
}

// Expired implements PausePolicy
func (p GapPolicy) Expired(active storage.Segment, now time.Time) bool {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultPauseThreshold
	}
	return now.Sub(active.StartTime) > threshold
}
