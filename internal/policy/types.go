package policy

import (
	"fmt"
	"time"
)

// Weekdays lists valid opt-out day names, indexed by time.Weekday
var Weekdays = []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

// Config holds the gate settings
type Config struct {
	OptOutDays   []string
	BlockedHours BlockedHours
	Location     *time.Location
}

// BlockedHours is a local time-of-day window, start inclusive, end
// exclusive. A window whose start is after its end wraps midnight.
type BlockedHours struct {
	Enabled bool
	Start   int // minutes after midnight
	End     int
}

// Label renders the window for viewers, e.g. "10:30 PM - 1:00 PM".
func (b BlockedHours) Label() string {
	return fmt.Sprintf("%s - %s", clockLabel(b.Start), clockLabel(b.End))
}

func clockLabel(minutes int) string {
	t := time.Date(2000, 1, 1, minutes/60, minutes%60, 0, 0, time.UTC)
	return t.Format("3:04 PM")
}

// Decision is the outcome of the gates for one tick
type Decision struct {
	// Skip means no enforcement at all this tick (opt-out day).
	Skip bool
	// Blocked means every reported session must be terminated.
	Blocked bool
	Weekday string
}
