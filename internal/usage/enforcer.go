package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/streamlimit/internal/media"
	"github.com/goodtune/streamlimit/internal/metrics"
	"github.com/goodtune/streamlimit/internal/storage"
	"github.com/rs/zerolog"
)

// Decide applies the limits to a user's totals. The daily limit is checked
// first; the session limit only looks at carried-over time.
func Decide(limits Limits, totals Totals) Decision {
	if totals.Today() > float64(limits.MaxDailyMinutes) {
		return Decision{
			Action:  ActionTerminateDaily,
			Message: killMessage(fmt.Sprintf("You've hit your daily limit of %d minutes.", limits.MaxDailyMinutes), limits.KillMessage),
		}
	}

	if totals.CarriedOver > float64(limits.MaxSessionMinutes) {
		return Decision{
			Action:  ActionTerminateSession,
			Message: killMessage(fmt.Sprintf("Session exceeded %d minutes.", limits.MaxSessionMinutes), limits.KillMessage),
		}
	}

	return Decision{Action: ActionAllow}
}

// BlockedDecision is the decision applied to every stream during blocked hours
func BlockedDecision(window, kill string) Decision {
	return Decision{
		Action:  ActionTerminateBlocked,
		Message: killMessage(fmt.Sprintf("Blocked hours (%s).", window), kill),
	}
}

// Enforcer carries out terminate decisions
type Enforcer struct {
	store         storage.SegmentStore
	server        media.Server
	remoteTimeout time.Duration
	logger        zerolog.Logger
}

// NewEnforcer creates an enforcer
func NewEnforcer(store storage.SegmentStore, server media.Server, remoteTimeout time.Duration, logger zerolog.Logger) *Enforcer {
	if remoteTimeout <= 0 {
		remoteTimeout = 10 * time.Second
	}

	return &Enforcer{
		store:         store,
		server:        server,
		remoteTimeout: remoteTimeout,
		logger:        logger.With().Str("component", "enforcer").Logger(),
	}
}

// Enforce marks the session chain terminated and asks the media server to
// stop the stream. Only a storage failure is returned; a failed remote call
// is logged and the local flag stays set.
func (e *Enforcer) Enforce(ctx context.Context, session media.Session, decision Decision) error {
	if !decision.Action.Terminates() {
		return nil
	}

	if decision.Action != ActionTerminateBlocked {
		n, err := e.store.TerminateChain(ctx, session.SessionID, session.UserID, session.RatingKey)
		if err != nil {
			return fmt.Errorf("failed to terminate segments of session %s: %w", session.SessionID, err)
		}

		e.logger.Debug().
			Str("session_id", session.SessionID).
			Int("segments", n).
			Msg("Segments marked terminated")
	}

	metrics.Terminations.WithLabelValues(decision.Action.String()).Inc()

	e.terminateRemote(ctx, session, decision)

	return nil
}

// terminateRemote sends the terminate command, bounded by the remote timeout
func (e *Enforcer) terminateRemote(ctx context.Context, session media.Session, decision Decision) {
	ctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()

	if err := e.server.Terminate(ctx, session.SessionID, decision.Message); err != nil {
		metrics.RemoteErrors.WithLabelValues("terminate").Inc()
		e.logger.Error().
			Err(err).
			Str("session_id", session.SessionID).
			Str("user", session.Username).
			Str("reason", decision.Action.String()).
			Msg("Failed to terminate stream")
		return
	}

	e.logger.Info().
		Str("session_id", session.SessionID).
		Str("user", session.Username).
		Str("reason", decision.Action.String()).
		Str("message", decision.Message).
		Msg("Stream terminated")
}
