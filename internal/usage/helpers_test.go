package usage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/streamlimit/internal/media"
	"github.com/goodtune/streamlimit/internal/policy"
	"github.com/goodtune/streamlimit/internal/storage"
	"github.com/goodtune/streamlimit/internal/storage/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type terminateCall struct {
	SessionID string
	Message   string
}

type fakeServer struct {
	mu           sync.Mutex
	sessions     []media.Session
	fetchErr     error
	terminateErr error
	fetches      int
	terminated   []terminateCall
}

func (f *fakeServer) Name() string { return "fake" }

func (f *fakeServer) ActiveSessions(ctx context.Context) ([]media.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]media.Session(nil), f.sessions...), nil
}

func (f *fakeServer) Terminate(ctx context.Context, sessionID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.terminated = append(f.terminated, terminateCall{SessionID: sessionID, Message: message})
	return f.terminateErr
}

type fakeGates struct {
	decision policy.Decision
	err      error
}

func (g *fakeGates) Evaluate(ctx context.Context, now time.Time) (*policy.Decision, error) {
	if g.err != nil {
		return nil, g.err
	}
	d := g.decision
	return &d, nil
}

func (g *fakeGates) BlockedHours() policy.BlockedHours {
	return policy.BlockedHours{Enabled: true, Start: 22*60 + 30, End: 13 * 60}
}

type harness struct {
	tracker *Tracker
	store   storage.SegmentStore
	server  *fakeServer
	gates   *fakeGates
	clock   *TestClock
}

// base is a Friday afternoon; the most recent scheduled reset was the
// previous evening.
var base = time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, limits Limits, threshold time.Duration) *harness {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "segments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// Mark yesterday's reset as done so the first tick enforces.
	_, err = store.Segments().ResetAll(context.Background(), "2025-03-13")
	require.NoError(t, err)

	h := &harness{
		store:  store.Segments(),
		server: &fakeServer{},
		gates:  &fakeGates{},
		clock:  &TestClock{CurrentTime: base},
	}

	h.tracker, err = NewTracker(h.store, h.server, h.gates, Config{
		Limits:        limits,
		PausePolicy:   GapPolicy{Threshold: threshold},
		ResetTime:     "23:59",
		Location:      time.UTC,
		RemoteTimeout: time.Second,
		Clock:         h.clock,
	}, zerolog.Nop())
	require.NoError(t, err)

	return h
}

func (h *harness) tick(t *testing.T) *TickReport {
	t.Helper()

	report, err := h.tracker.Tick(context.Background())
	require.NoError(t, err)
	return report
}

func (h *harness) segments(t *testing.T) []storage.Segment {
	t.Helper()

	all, err := h.store.ListSegments(context.Background())
	require.NoError(t, err)
	return all
}

func playing(session, user, rating string) media.Session {
	return media.Session{
		SessionID: session,
		UserID:    user,
		Username:  "user-" + user,
		RatingKey: rating,
		State:     media.StatePlaying,
	}
}

var errBoom = errors.New("boom")

var defaultLimits = Limits{MaxSessionMinutes: 30, MaxDailyMinutes: 60, KillMessage: "Bye"}
