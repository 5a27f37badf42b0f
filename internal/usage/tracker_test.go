package usage

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/streamlimit/internal/media"
	"github.com/goodtune/streamlimit/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTick_FirstObservationCreatesSegment(t *testing.T) {
	h := newHarness(t, defaultLimits, 2*time.Minute)
	h.server.sessions = []media.Session{playing("s1", "u1", "r1")}

	report := h.tick(t)

	require.Len(t, report.Sessions, 1)
	assert.True(t, report.Sessions[0].Created)
	assert.Equal(t, ActionAllow, report.Sessions[0].Decision.Action)

	all := h.segments(t)
	require.Len(t, all, 1)
	assert.Equal(t, 0.0, all[0].DurationMinutes)
	assert.True(t, all[0].Active())
	assert.Empty(t, h.server.terminated)
}

func TestTick_ShortGapExtendsSegment(t *testing.T) {
	h := newHarness(t, defaultLimits, 2*time.Minute)
	h.server.sessions = []media.Session{playing("s1", "u1", "r1")}

	h.tick(t)
	h.clock.Advance(60 * time.Second)
	report := h.tick(t)

	assert.False(t, report.Sessions[0].Created)

	all := h.segments(t)
	require.Len(t, all, 1)
	assert.InDelta(t, 1.0, all[0].DurationMinutes, 1e-9)
	assert.InDelta(t, 1.0, report.Sessions[0].Totals.LiveElapsed, 1e-9)
}

func TestTick_LongGapSaturates(t *testing.T) {
	h := newHarness(t, defaultLimits, 2*time.Minute)
	h.server.sessions = []media.Session{playing("s1", "u1", "r1")}

	h.tick(t)
	h.clock.Advance(60 * time.Second)
	h.tick(t)
	h.clock.Advance(90 * time.Second) // 150s since segment start
	report := h.tick(t)

	out := report.Sessions[0]
	assert.True(t, out.Created)
	assert.True(t, out.Saturated)
	assert.InDelta(t, 1.0, out.Totals.CarriedOver, 1e-9)
	assert.Equal(t, 0.0, out.Totals.LiveElapsed)

	all := h.segments(t)
	require.Len(t, all, 2)
	assert.True(t, all[0].Saturated)
	assert.InDelta(t, 1.0, all[0].DurationMinutes, 1e-9)
	assert.True(t, all[1].Active())
	assert.Equal(t, 0.0, all[1].DurationMinutes)
}

func TestTick_AggregatesNonDecreasing(t *testing.T) {
	h := newHarness(t, Limits{MaxSessionMinutes: 999, MaxDailyMinutes: 999}, 2*time.Minute)
	h.server.sessions = []media.Session{playing("s1", "u1", "r1")}

	var previous float64
	for i := 0; i < 12; i++ {
		report := h.tick(t)
		totals := report.Sessions[0].Totals
		stored := totals.FinalizedToday + totals.CarriedOver
		assert.GreaterOrEqual(t, stored, previous, "poll %d", i)
		previous = stored
		h.clock.Advance(45 * time.Second)
	}
	assert.Greater(t, previous, 0.0)

	_, err := h.tracker.ResetNow(context.Background())
	require.NoError(t, err)

	totals, err := h.tracker.aggregator.Totals(context.Background(), "u1", nil, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.0, totals.FinalizedToday+totals.CarriedOver)
}

func TestTick_DailyLimitTerminatesChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultLimits, 10*time.Minute)
	now := h.clock.Now()

	always := func(storage.Segment, time.Time) bool { return true }
	never := func(storage.Segment, time.Time) bool { return false }

	// 50 finalized minutes earlier today
	old, err := h.store.ResolveActive(ctx, storage.SegmentKey{SessionID: "s0", UserID: "u1", RatingKey: "r0"}, now.Add(-3*time.Hour), never)
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateDuration(ctx, old.Segment.ID, 50))
	_, err = h.store.TerminateChain(ctx, "s0", "u1", "r0")
	require.NoError(t, err)

	// 5 carried-over minutes, then a segment that started 6 minutes ago
	key := storage.SegmentKey{SessionID: "s1", UserID: "u1", Username: "user-u1", RatingKey: "r1"}
	first, err := h.store.ResolveActive(ctx, key, now.Add(-11*time.Minute), never)
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateDuration(ctx, first.Segment.ID, 5))
	_, err = h.store.ResolveActive(ctx, key, now.Add(-6*time.Minute), always)
	require.NoError(t, err)

	h.server.sessions = []media.Session{playing("s1", "u1", "r1")}
	report := h.tick(t)

	out := report.Sessions[0]
	assert.Equal(t, ActionTerminateDaily, out.Decision.Action)
	assert.InDelta(t, 50, out.Totals.FinalizedToday, 1e-9)
	assert.InDelta(t, 5, out.Totals.CarriedOver, 1e-9)
	assert.InDelta(t, 6, out.Totals.LiveElapsed, 1e-9)

	require.Len(t, h.server.terminated, 1)
	assert.Equal(t, terminateCall{SessionID: "s1", Message: "You've hit your daily limit of 60 minutes. Bye"}, h.server.terminated[0])

	for _, seg := range h.segments(t) {
		if seg.SessionID == "s1" {
			assert.True(t, seg.Terminated, "segment %d", seg.ID)
		}
	}
}

func TestTick_SessionLimitTerminates(t *testing.T) {
	h := newHarness(t, Limits{MaxSessionMinutes: 2, MaxDailyMinutes: 999, KillMessage: "Bye"}, 2*time.Minute)
	h.server.sessions = []media.Session{playing("s1", "u1", "r1")}

	var report *TickReport
	for i := 0; i < 20 && len(h.server.terminated) == 0; i++ {
		report = h.tick(t)
		h.clock.Advance(100 * time.Second)
	}

	require.Len(t, h.server.terminated, 1)
	assert.Equal(t, "Session exceeded 2 minutes. Bye", h.server.terminated[0].Message)
	assert.Equal(t, ActionTerminateSession, report.Sessions[0].Decision.Action)
	assert.Greater(t, report.Sessions[0].Totals.CarriedOver, 2.0)
}

func TestTick_ResetWindowSkipsEnforcement(t *testing.T) {
	h := newHarness(t, Limits{MaxSessionMinutes: 1, MaxDailyMinutes: 1, KillMessage: "Bye"}, 2*time.Minute)
	h.server.sessions = []media.Session{playing("s1", "u1", "r1")}

	h.tick(t)
	h.clock.Advance(time.Minute)
	h.tick(t)
	require.NotEmpty(t, h.segments(t))
	h.server.terminated = nil

	h.clock.CurrentTime = time.Date(2025, 3, 14, 23, 59, 20, 0, time.UTC)
	report := h.tick(t)

	assert.True(t, report.Reset)
	assert.Positive(t, report.ResetDeleted)
	assert.Empty(t, report.Sessions)
	assert.Empty(t, h.segments(t))
	assert.Empty(t, h.server.terminated)

	last, err := h.store.LastReset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2025-03-14", last)

	// The next poll in the same window enforces again.
	h.clock.Advance(30 * time.Second)
	report = h.tick(t)
	assert.False(t, report.Reset)
	assert.Len(t, report.Sessions, 1)
}

func TestTick_MissedResetRunsOnNextPoll(t *testing.T) {
	h := newHarness(t, defaultLimits, 2*time.Minute)
	h.server.sessions = []media.Session{playing("s1", "u1", "r1")}
	h.tick(t)

	// Process was down over the 23:59 reset.
	h.clock.CurrentTime = time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)
	report := h.tick(t)

	assert.True(t, report.Reset)
	assert.Empty(t, h.segments(t))
}

func TestTick_BlockedHoursTerminatesEverySession(t *testing.T) {
	h := newHarness(t, defaultLimits, 2*time.Minute)
	h.gates.decision.Blocked = true

	paused := playing("s2", "u2", "r2")
	paused.State = "paused"
	h.server.sessions = []media.Session{playing("s1", "u1", "r1"), paused}

	report := h.tick(t)

	assert.True(t, report.Blocked)
	assert.Equal(t, 2, report.Terminated())

	want := "Blocked hours (10:30 PM - 1:00 PM). Bye"
	require.Len(t, h.server.terminated, 2)
	for _, call := range h.server.terminated {
		assert.Equal(t, want, call.Message)
	}

	assert.Empty(t, h.segments(t))
}

func TestTick_OptOutDaySkipsEverything(t *testing.T) {
	h := newHarness(t, Limits{MaxSessionMinutes: 1, MaxDailyMinutes: 1}, 2*time.Minute)
	h.gates.decision.Skip = true
	h.server.sessions = []media.Session{playing("s1", "u1", "r1")}

	report := h.tick(t)

	assert.True(t, report.Skipped)
	assert.Equal(t, 0, h.server.fetches)
	assert.Empty(t, h.segments(t))
}

func TestTick_GateErrorAbortsTick(t *testing.T) {
	h := newHarness(t, defaultLimits, 2*time.Minute)
	h.gates.err = errBoom
	h.server.sessions = []media.Session{playing("s1", "u1", "r1")}

	_, err := h.tracker.Tick(context.Background())

	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, h.segments(t))
}

func TestTick_ActivityErrorIsNoSessions(t *testing.T) {
	h := newHarness(t, defaultLimits, 2*time.Minute)
	h.server.fetchErr = errBoom

	report := h.tick(t)

	assert.Empty(t, report.Sessions)
	assert.Empty(t, h.segments(t))
}

func TestTick_TerminateErrorKeepsLocalFlag(t *testing.T) {
	h := newHarness(t, Limits{MaxSessionMinutes: 30, MaxDailyMinutes: 1, KillMessage: "Bye"}, 5*time.Minute)
	h.server.sessions = []media.Session{playing("s1", "u1", "r1")}
	h.server.terminateErr = errBoom

	h.tick(t)
	h.clock.Advance(2 * time.Minute)
	report := h.tick(t)

	assert.Equal(t, ActionTerminateDaily, report.Sessions[0].Decision.Action)
	require.Len(t, h.server.terminated, 1)

	all := h.segments(t)
	require.Len(t, all, 1)
	assert.True(t, all[0].Terminated)
}

func TestTick_IgnoresNonPlayingStates(t *testing.T) {
	h := newHarness(t, defaultLimits, 2*time.Minute)

	paused := playing("s1", "u1", "r1")
	paused.State = "paused"
	unknown := playing("s2", "u2", "r2")
	unknown.State = ""
	h.server.sessions = []media.Session{paused, unknown}

	report := h.tick(t)

	require.Len(t, report.Sessions, 2)
	assert.True(t, report.Sessions[0].Ignored)
	assert.False(t, report.Sessions[1].Ignored)

	all := h.segments(t)
	require.Len(t, all, 1)
	assert.Equal(t, "s2", all[0].SessionID)
}

func TestTick_UsersAreIndependent(t *testing.T) {
	h := newHarness(t, Limits{MaxSessionMinutes: 30, MaxDailyMinutes: 1, KillMessage: "Bye"}, 5*time.Minute)
	h.server.sessions = []media.Session{playing("s1", "u1", "r1")}

	h.tick(t)
	h.clock.Advance(2 * time.Minute)
	h.server.sessions = append(h.server.sessions, playing("s2", "u2", "r2"))
	report := h.tick(t)

	assert.Equal(t, ActionTerminateDaily, report.Sessions[0].Decision.Action)
	assert.Equal(t, ActionAllow, report.Sessions[1].Decision.Action)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, defaultLimits, 2*time.Minute)
	h.server.sessions = []media.Session{playing("s1", "u1", "r1"), playing("s2", "u2", "r2")}

	h.tick(t)
	h.clock.Advance(90 * time.Second)
	h.tick(t)

	statuses, lastReset, err := h.tracker.Status(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-13", lastReset)
	require.Len(t, statuses, 2)
	assert.Equal(t, "user-u1", statuses[0].Username)
	assert.Equal(t, 1, statuses[0].ActiveSegments)
	assert.InDelta(t, 1.5, statuses[0].TotalToday, 1e-9)

	statuses, _, err = h.tracker.Status(context.Background(), "u2")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "u2", statuses[0].UserID)
}
