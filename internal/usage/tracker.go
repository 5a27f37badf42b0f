package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/streamlimit/internal/media"
	"github.com/goodtune/streamlimit/internal/metrics"
	"github.com/goodtune/streamlimit/internal/policy"
	"github.com/goodtune/streamlimit/internal/storage"
	"github.com/rs/zerolog"
)

// Gates decides whether a tick is skipped or every stream is blocked
type Gates interface {
	Evaluate(ctx context.Context, now time.Time) (*policy.Decision, error)
	BlockedHours() policy.BlockedHours
}

// Config holds tracker configuration
type Config struct {
	Limits        Limits
	PausePolicy   PausePolicy
	ResetTime     string
	Location      *time.Location
	RemoteTimeout time.Duration
	Clock         Clock
}

// Tracker runs one poll at a time: reset, gates, then resolve, aggregate
// and enforce for every reported stream
type Tracker struct {
	store         storage.SegmentStore
	server        media.Server
	gates         Gates
	resolver      *Resolver
	aggregator    *Aggregator
	enforcer      *Enforcer
	reset         *DailyReset
	limits        Limits
	clock         Clock
	remoteTimeout time.Duration
	logger        zerolog.Logger
	mu            sync.Mutex
}

// NewTracker creates a new tracker
func NewTracker(store storage.SegmentStore, server media.Server, gates Gates, config Config, logger zerolog.Logger) (*Tracker, error) {
	if config.Clock == nil {
		config.Clock = RealClock{}
	}
	if config.RemoteTimeout <= 0 {
		config.RemoteTimeout = 10 * time.Second
	}

	reset, err := NewDailyReset(store, config.ResetTime, config.Location, logger)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		store:         store,
		server:        server,
		gates:         gates,
		resolver:      NewResolver(store, config.PausePolicy, logger),
		aggregator:    NewAggregator(store),
		enforcer:      NewEnforcer(store, server, config.RemoteTimeout, logger),
		reset:         reset,
		limits:        config.Limits,
		clock:         config.Clock,
		remoteTimeout: config.RemoteTimeout,
		logger:        logger.With().Str("component", "usage-tracker").Logger(),
	}

	return t, nil
}

// Tick performs one poll. Media server failures are logged and never fail
// the tick; storage and gate failures abort it.
func (t *Tracker) Tick(ctx context.Context) (*TickReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	report, err := t.tick(ctx, t.clock.Now())
	metrics.TickDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.TicksTotal.WithLabelValues("error").Inc()
	case report.Reset:
		metrics.TicksTotal.WithLabelValues("reset").Inc()
	case report.Skipped:
		metrics.TicksTotal.WithLabelValues("skipped").Inc()
	case report.Blocked:
		metrics.TicksTotal.WithLabelValues("blocked").Inc()
	default:
		metrics.TicksTotal.WithLabelValues("ok").Inc()
	}

	return report, err
}

func (t *Tracker) tick(ctx context.Context, now time.Time) (*TickReport, error) {
	report := &TickReport{}

	due, err := t.reset.Due(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check daily reset: %w", err)
	}

	if due {
		deleted, err := t.reset.Reset(ctx, now)
		if err != nil {
			return nil, err
		}
		report.Reset = true
		report.ResetDeleted = deleted
		return report, nil
	}

	gate, err := t.gates.Evaluate(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate gates: %w", err)
	}

	if gate.Skip {
		t.logger.Debug().Str("weekday", gate.Weekday).Msg("Opt-out day, skipping poll")
		report.Skipped = true
		return report, nil
	}

	sessions := t.fetchSessions(ctx)

	if gate.Blocked {
		report.Blocked = true
		decision := BlockedDecision(t.gates.BlockedHours().Label(), t.limits.KillMessage)

		for _, session := range sessions {
			if err := t.enforcer.Enforce(ctx, session, decision); err != nil {
				return report, err
			}
			report.Sessions = append(report.Sessions, SessionOutcome{Session: session, Decision: decision})
		}

		return report, nil
	}

	for _, session := range sessions {
		outcome, err := t.processSession(ctx, session, now)
		if err != nil {
			return report, err
		}
		report.Sessions = append(report.Sessions, *outcome)
	}

	return report, nil
}

// fetchSessions queries the media server. A failure counts as no sessions.
func (t *Tracker) fetchSessions(ctx context.Context) []media.Session {
	ctx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
	defer cancel()

	sessions, err := t.server.ActiveSessions(ctx)
	if err != nil {
		metrics.RemoteErrors.WithLabelValues("activity").Inc()
		t.logger.Error().Err(err).Str("server", t.server.Name()).Msg("Failed to fetch activity")
		return nil
	}

	for _, s := range sessions {
		state := s.State
		if state == "" {
			state = "unknown"
		}
		metrics.SessionsObserved.WithLabelValues(state).Inc()
	}

	return sessions
}

// processSession resolves, aggregates and enforces one playing stream
func (t *Tracker) processSession(ctx context.Context, session media.Session, now time.Time) (*SessionOutcome, error) {
	outcome := &SessionOutcome{Session: session, Decision: Decision{Action: ActionAllow}}

	if !session.Playing() {
		outcome.Ignored = true
		t.logger.Debug().
			Str("session_id", session.SessionID).
			Str("user", session.Username).
			Str("state", session.State).
			Msg("Ignoring stream that is not playing")
		return outcome, nil
	}

	key := storage.SegmentKey{
		SessionID: session.SessionID,
		UserID:    session.UserID,
		Username:  session.Username,
		RatingKey: session.RatingKey,
	}

	res, err := t.resolver.Resolve(ctx, key, now)
	if err != nil {
		return nil, err
	}

	outcome.SegmentID = res.Segment.ID
	outcome.Created = res.Created
	outcome.Saturated = res.Saturated != nil

	if err := t.store.UpdateDuration(ctx, res.Segment.ID, LiveElapsed(res.Segment, now)); err != nil {
		return nil, fmt.Errorf("failed to update segment %d: %w", res.Segment.ID, err)
	}

	totals, err := t.aggregator.Totals(ctx, session.UserID, &res.Segment, now)
	if err != nil {
		return nil, err
	}
	outcome.Totals = totals

	decision := Decide(t.limits, totals)
	outcome.Decision = decision

	label := session.Username
	if label == "" {
		label = session.UserID
	}
	metrics.TodayMinutes.WithLabelValues(label).Set(totals.Today())

	event := t.logger.Debug()
	if decision.Action.Terminates() {
		event = t.logger.Info()
	}
	event.
		Str("session_id", session.SessionID).
		Str("user", session.Username).
		Int64("segment_id", res.Segment.ID).
		Float64("finalized_today", totals.FinalizedToday).
		Float64("carried_over", totals.CarriedOver).
		Float64("live_elapsed", totals.LiveElapsed).
		Float64("total_today", totals.Today()).
		Str("decision", decision.Action.String()).
		Msg("Enforcement decision")

	if err := t.enforcer.Enforce(ctx, session, decision); err != nil {
		return nil, err
	}

	return outcome, nil
}

// ResetNow forces the daily reset regardless of schedule
func (t *Tracker) ResetNow(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.reset.Reset(ctx, t.clock.Now())
}
