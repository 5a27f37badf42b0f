package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/streamlimit/internal/storage"
)

// Aggregator computes per-user watched time from the segment store
type Aggregator struct {
	store storage.SegmentStore
}

// NewAggregator creates an aggregator over store
func NewAggregator(store storage.SegmentStore) *Aggregator {
	return &Aggregator{store: store}
}

// Totals returns the aggregates for userID at now. active is the segment
// currently being watched, or nil.
func (a *Aggregator) Totals(ctx context.Context, userID string, active *storage.Segment, now time.Time) (Totals, error) {
	var totals Totals

	finalized, err := a.store.SumFinalized(ctx, userID, now.UTC().Format(storage.DateLayout))
	if err != nil {
		return totals, fmt.Errorf("failed to sum finalized minutes for %s: %w", userID, err)
	}

	carried, err := a.store.SumCarriedOver(ctx, userID)
	if err != nil {
		return totals, fmt.Errorf("failed to sum carried-over minutes for %s: %w", userID, err)
	}

	totals.FinalizedToday = finalized
	totals.CarriedOver = carried
	if active != nil {
		totals.LiveElapsed = LiveElapsed(*active, now)
	}

	return totals, nil
}

// LiveElapsed returns the minutes since the segment started
func LiveElapsed(seg storage.Segment, now time.Time) float64 {
	elapsed := now.Sub(seg.StartTime).Minutes()
	if elapsed < 0 {
		return 0
	}
	return elapsed
}
