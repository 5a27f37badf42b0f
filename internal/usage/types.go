package usage

import (
	"fmt"
	"strings"

	"github.com/goodtune/streamlimit/internal/media"
)

// Limits holds the enforcement thresholds
type Limits struct {
	MaxSessionMinutes int
	MaxDailyMinutes   int
	KillMessage       string
}

// Action is the outcome of an enforcement decision
type Action int

const (
	ActionAllow Action = iota
	ActionTerminateDaily
	ActionTerminateSession
	ActionTerminateBlocked
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionTerminateDaily:
		return "daily"
	case ActionTerminateSession:
		return "session"
	case ActionTerminateBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Terminates reports whether the action stops the stream
func (a Action) Terminates() bool {
	return a != ActionAllow
}

// Decision is an action plus the message shown to the viewer
type Decision struct {
	Action  Action
	Message string
}

// Totals are the per-user aggregates in minutes
type Totals struct {
	FinalizedToday float64 `json:"finalized_today"`
	CarriedOver    float64 `json:"carried_over"`
	LiveElapsed    float64 `json:"live_elapsed"`
}

// Today returns the total watched today
func (t Totals) Today() float64 {
	return t.FinalizedToday + t.CarriedOver + t.LiveElapsed
}

// SessionOutcome records what a tick did with one reported session
type SessionOutcome struct {
	Session   media.Session
	SegmentID int64
	Created   bool
	Saturated bool
	Ignored   bool // not playing
	Totals    Totals
	Decision  Decision
}

// TickReport summarises one poll
type TickReport struct {
	Reset        bool
	ResetDeleted int
	Skipped      bool
	Blocked      bool
	Sessions     []SessionOutcome
}

// Terminated returns the number of sessions the tick decided to stop
func (r *TickReport) Terminated() int {
	n := 0
	for _, s := range r.Sessions {
		if s.Decision.Action.Terminates() {
			n++
		}
	}
	return n
}

func killMessage(prefix, kill string) string {
	return strings.TrimSpace(prefix + " " + kill)
}
