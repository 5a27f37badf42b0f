// Package media defines the boundary to the media server being policed.
package media

import (
	"context"
)

// StatePlaying is the only state that accumulates watched time.
const StatePlaying = "playing"

// Session is one stream reported by the activity API.
type Session struct {
	SessionID string
	UserID    string
	Username  string
	RatingKey string
	State     string // "playing", "paused", "buffering", or empty
}

// Playing reports whether the session counts towards limits. Sessions that
// report no state at all are treated as playing.
func (s Session) Playing() bool {
	return s.State == "" || s.State == StatePlaying
}

// Server is implemented by media server adapters.
type Server interface {
	Name() string
	ActiveSessions(ctx context.Context) ([]Session, error)
	Terminate(ctx context.Context, sessionID, message string) error
}
