package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/streamlimit/internal/metrics"
	"github.com/goodtune/streamlimit/internal/storage"
	"github.com/rs/zerolog"
)

// Resolver maps an observed stream to its active segment
type Resolver struct {
	store  storage.SegmentStore
	policy PausePolicy
	logger zerolog.Logger
}

// NewResolver creates a resolver using policy to detect disconnects
func NewResolver(store storage.SegmentStore, policy PausePolicy, logger zerolog.Logger) *Resolver {
	if policy == nil {
		policy = GapPolicy{Threshold: DefaultPauseThreshold}
	}

	return &Resolver{
		store:  store,
		policy: policy,
		logger: logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve returns the active segment for key, creating one when none exists
// or when the pause policy expires the current one
func (r *Resolver) Resolve(ctx context.Context, key storage.SegmentKey, now time.Time) (*storage.Resolution, error) {
	res, err := r.store.ResolveActive(ctx, key, now, r.policy.Expired)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve segment for session %s: %w", key.SessionID, err)
	}

	if res.Saturated != nil {
		metrics.SegmentsSaturated.Inc()
		r.logger.Info().
			Int64("segment_id", res.Saturated.ID).
			Str("session_id", key.SessionID).
			Str("user", key.Username).
			Dur("gap", now.Sub(res.Saturated.StartTime)).
			Float64("duration_minutes", res.Saturated.DurationMinutes).
			Msg("Segment saturated after gap")
	}

	if res.Created {
		metrics.SegmentsCreated.Inc()
		r.logger.Info().
			Int64("segment_id", res.Segment.ID).
			Str("session_id", key.SessionID).
			Str("user", key.Username).
			Str("rating_key", key.RatingKey).
			Msg("Started new segment")
	}

	return res, nil
}
