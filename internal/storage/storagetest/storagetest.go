// Package storagetest holds behaviour tests shared by every SegmentStore
// backend.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/streamlimit/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// OpenFunc returns a fresh, empty store. The store is closed by the caller.
type OpenFunc func(t *testing.T) storage.Store

var base = time.Date(2025, 3, 14, 18, 0, 0, 0, time.UTC)

func gapOver(threshold time.Duration) storage.ExpireFunc {
	return func(active storage.Segment, now time.Time) bool {
		return now.Sub(active.StartTime) > threshold
	}
}

func never(storage.Segment, time.Time) bool { return false }

func key(session, user, rating string) storage.SegmentKey {
	return storage.SegmentKey{SessionID: session, UserID: user, Username: "user-" + user, RatingKey: rating}
}

// Run executes the full suite against the backend returned by open.
func Run(t *testing.T, open OpenFunc) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.SegmentStore)
	}{
		{"ResolveCreates", testResolveCreates},
		{"ResolveReuses", testResolveReuses},
		{"ResolveSaturates", testResolveSaturates},
		{"ResolveSeparatesUsers", testResolveSeparatesUsers},
		{"ResolveSeparatesDelimitedIDs", testResolveSeparatesDelimitedIDs},
		{"UpdateDuration", testUpdateDuration},
		{"UpdateDurationNotFound", testUpdateDurationNotFound},
		{"TerminateChain", testTerminateChain},
		{"TerminateChainScopedToRatingKey", testTerminateChainScoped},
		{"SumFinalized", testSumFinalized},
		{"SumCarriedOver", testSumCarriedOver},
		{"ResetAll", testResetAll},
		{"GetSegmentNotFound", testGetSegmentNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := open(t)
			defer func() { _ = store.Close() }()
			tt.fn(t, store.Segments())
		})
	}
}

func testResolveCreates(t *testing.T, s storage.SegmentStore) {
	ctx := context.Background()

	res, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), base, never)
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Nil(t, res.Saturated)
	assert.Equal(t, "s1", res.Segment.SessionID)
	assert.Equal(t, "user-u1", res.Segment.Username)
	assert.Equal(t, 0.0, res.Segment.DurationMinutes)
	assert.True(t, res.Segment.StartTime.Equal(base))
	assert.True(t, res.Segment.Active())

	all, err := s.ListSegments(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testResolveReuses(t *testing.T, s storage.SegmentStore) {
	ctx := context.Background()
	expired := gapOver(2 * time.Minute)

	first, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), base, expired)
	require.NoError(t, err)

	second, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), base.Add(90*time.Second), expired)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Segment.ID, second.Segment.ID)
	assert.True(t, second.Segment.StartTime.Equal(base))

	all, err := s.ListSegments(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testResolveSaturates(t *testing.T, s storage.SegmentStore) {
	ctx := context.Background()
	expired := gapOver(2 * time.Minute)

	first, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), base, expired)
	require.NoError(t, err)
	require.NoError(t, s.UpdateDuration(ctx, first.Segment.ID, 2))

	later := base.Add(5 * time.Minute)
	second, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), later, expired)
	require.NoError(t, err)

	assert.True(t, second.Created)
	require.NotNil(t, second.Saturated)
	assert.Equal(t, first.Segment.ID, second.Saturated.ID)
	assert.Greater(t, second.Segment.ID, first.Segment.ID)
	assert.True(t, second.Segment.StartTime.Equal(later))

	old, err := s.GetSegment(ctx, first.Segment.ID)
	require.NoError(t, err)
	assert.True(t, old.Saturated)
	assert.Equal(t, 2.0, old.DurationMinutes)

	// Frozen once saturated.
	require.NoError(t, s.UpdateDuration(ctx, first.Segment.ID, 10))
	old, err = s.GetSegment(ctx, first.Segment.ID)
	require.NoError(t, err)
	assert.Equal(t, 2.0, old.DurationMinutes)

	all, err := s.ListSegments(ctx)
	require.NoError(t, err)
	active := 0
	for _, seg := range all {
		if seg.Active() {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func testResolveSeparatesUsers(t *testing.T, s storage.SegmentStore) {
	ctx := context.Background()

	a, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), base, never)
	require.NoError(t, err)
	b, err := s.ResolveActive(ctx, key("s1", "u2", "r1"), base, never)
	require.NoError(t, err)

	assert.True(t, a.Created)
	assert.True(t, b.Created)
	assert.NotEqual(t, a.Segment.ID, b.Segment.ID)
}

func testResolveSeparatesDelimitedIDs(t *testing.T, s storage.SegmentStore) {
	ctx := context.Background()

	first, err := s.ResolveActive(ctx, key("a:b", "c", "r"), base, never)
	require.NoError(t, err)

	second, err := s.ResolveActive(ctx, key("a", "b:c", "r"), base.Add(time.Minute), never)
	require.NoError(t, err)

	assert.True(t, second.Created)
	assert.NotEqual(t, first.Segment.ID, second.Segment.ID)
	assert.Equal(t, "a", second.Segment.SessionID)
	assert.Equal(t, "b:c", second.Segment.UserID)

	require.NoError(t, s.UpdateDuration(ctx, first.Segment.ID, 4))
	require.NoError(t, s.UpdateDuration(ctx, second.Segment.ID, 3))

	count, err := s.TerminateChain(ctx, "a:b", "c", "r")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	other, err := s.GetSegment(ctx, second.Segment.ID)
	require.NoError(t, err)
	assert.True(t, other.Active())

	finalized, err := s.SumFinalized(ctx, "c", base.Format(storage.DateLayout))
	require.NoError(t, err)
	assert.Equal(t, 4.0, finalized)

	finalized, err = s.SumFinalized(ctx, "b:c", base.Format(storage.DateLayout))
	require.NoError(t, err)
	assert.Equal(t, 0.0, finalized)
}

func testUpdateDuration(t *testing.T, s storage.SegmentStore) {
	ctx := context.Background()

	res, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), base, never)
	require.NoError(t, err)

	require.NoError(t, s.UpdateDuration(ctx, res.Segment.ID, 1.5))
	require.NoError(t, s.UpdateDuration(ctx, res.Segment.ID, 1.0))

	seg, err := s.GetSegment(ctx, res.Segment.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.5, seg.DurationMinutes)

	require.NoError(t, s.UpdateDuration(ctx, res.Segment.ID, 3.25))
	seg, err = s.GetSegment(ctx, res.Segment.ID)
	require.NoError(t, err)
	assert.Equal(t, 3.25, seg.DurationMinutes)
}

func testUpdateDurationNotFound(t *testing.T, s storage.SegmentStore) {
	err := s.UpdateDuration(context.Background(), 4242, 1)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func testTerminateChain(t *testing.T, s storage.SegmentStore) {
	ctx := context.Background()
	expired := gapOver(2 * time.Minute)

	first, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), base, expired)
	require.NoError(t, err)
	second, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), base.Add(10*time.Minute), expired)
	require.NoError(t, err)

	n, err := s.TerminateChain(ctx, "s1", "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []int64{first.Segment.ID, second.Segment.ID} {
		seg, err := s.GetSegment(ctx, id)
		require.NoError(t, err)
		assert.True(t, seg.Terminated, "segment %d", id)
	}

	// Terminated segments are frozen and the next observation starts fresh.
	require.NoError(t, s.UpdateDuration(ctx, second.Segment.ID, 50))
	seg, err := s.GetSegment(ctx, second.Segment.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, seg.DurationMinutes)

	third, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), base.Add(11*time.Minute), expired)
	require.NoError(t, err)
	assert.True(t, third.Created)
	assert.Nil(t, third.Saturated)
}

func testTerminateChainScoped(t *testing.T, s storage.SegmentStore) {
	ctx := context.Background()

	_, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), base, never)
	require.NoError(t, err)
	other, err := s.ResolveActive(ctx, key("s2", "u1", "r2"), base, never)
	require.NoError(t, err)

	n, err := s.TerminateChain(ctx, "s1", "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	seg, err := s.GetSegment(ctx, other.Segment.ID)
	require.NoError(t, err)
	assert.False(t, seg.Terminated)
}

func testSumFinalized(t *testing.T, s storage.SegmentStore) {
	ctx := context.Background()
	today := base.Format(storage.DateLayout)

	res, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), base, never)
	require.NoError(t, err)
	require.NoError(t, s.UpdateDuration(ctx, res.Segment.ID, 20))
	_, err = s.TerminateChain(ctx, "s1", "u1", "r1")
	require.NoError(t, err)

	// Yesterday's finalized time does not count.
	old, err := s.ResolveActive(ctx, key("s0", "u1", "r0"), base.Add(-24*time.Hour), never)
	require.NoError(t, err)
	require.NoError(t, s.UpdateDuration(ctx, old.Segment.ID, 15))
	_, err = s.TerminateChain(ctx, "s0", "u1", "r0")
	require.NoError(t, err)

	// Active time does not count either.
	live, err := s.ResolveActive(ctx, key("s2", "u1", "r2"), base, never)
	require.NoError(t, err)
	require.NoError(t, s.UpdateDuration(ctx, live.Segment.ID, 7))

	total, err := s.SumFinalized(ctx, "u1", today)
	require.NoError(t, err)
	assert.Equal(t, 20.0, total)

	total, err = s.SumFinalized(ctx, "nobody", today)
	require.NoError(t, err)
	assert.Equal(t, 0.0, total)
}

func testSumCarriedOver(t *testing.T, s storage.SegmentStore) {
	ctx := context.Background()
	expired := gapOver(2 * time.Minute)

	first, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), base, expired)
	require.NoError(t, err)
	require.NoError(t, s.UpdateDuration(ctx, first.Segment.ID, 12))

	second, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), base.Add(20*time.Minute), expired)
	require.NoError(t, err)
	require.NoError(t, s.UpdateDuration(ctx, second.Segment.ID, 4))

	_, err = s.ResolveActive(ctx, key("s1", "u1", "r1"), base.Add(40*time.Minute), expired)
	require.NoError(t, err)

	carried, err := s.SumCarriedOver(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 16.0, carried)

	// Terminated segments leave the carried-over sum.
	_, err = s.TerminateChain(ctx, "s1", "u1", "r1")
	require.NoError(t, err)
	carried, err = s.SumCarriedOver(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, carried)
}

func testResetAll(t *testing.T, s storage.SegmentStore) {
	ctx := context.Background()

	last, err := s.LastReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", last)

	first, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), base, never)
	require.NoError(t, err)
	_, err = s.ResolveActive(ctx, key("s2", "u2", "r2"), base, never)
	require.NoError(t, err)

	n, err := s.ResetAll(ctx, "2025-03-14")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := s.ListSegments(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	last, err = s.LastReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-14", last)

	carried, err := s.SumCarriedOver(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, carried)

	// The next observation starts a new chain with a fresh id.
	res, err := s.ResolveActive(ctx, key("s1", "u1", "r1"), base.Add(time.Minute), never)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Nil(t, res.Saturated)
	assert.Greater(t, res.Segment.ID, first.Segment.ID)
}

func testGetSegmentNotFound(t *testing.T, s storage.SegmentStore) {
	_, err := s.GetSegment(context.Background(), 99)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}
