package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/streamlimit/internal/storage"
	"github.com/goodtune/streamlimit/internal/usage"
	"github.com/spf13/cobra"
)

var (
	statusJSON     bool
	statusSegments bool
)

var statusCmd = &cobra.Command{
	Use:   "status [user-id]",
	Short: "Show today's viewing time per user",
	Long: `Show the minutes watched today for every user with recorded segments, or
for a single user when a Plex user id is given. Nothing is modified.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print status as JSON")
	statusCmd.Flags().BoolVar(&statusSegments, "segments", false, "List individual segments")
	rootCmd.AddCommand(statusCmd)
}

type statusOutput struct {
	LastReset string             `json:"last_reset"`
	Limits    statusLimits       `json:"limits"`
	Users     []usage.UserStatus `json:"users"`
	Segments  []storage.Segment  `json:"segments,omitempty"`
}

type statusLimits struct {
	MaxSessionMinutes int `json:"max_session_minutes"`
	MaxDailyMinutes   int `json:"max_daily_minutes"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	var userID string
	if len(args) == 1 {
		userID = args[0]
	}

	rt, err := newRuntime(true)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()

	users, lastReset, err := rt.tracker.Status(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}

	limits := rt.tracker.Limits()
	result := statusOutput{
		LastReset: lastReset,
		Limits: statusLimits{
			MaxSessionMinutes: limits.MaxSessionMinutes,
			MaxDailyMinutes:   limits.MaxDailyMinutes,
		},
		Users: users,
	}

	if statusSegments {
		result.Segments, err = rt.tracker.Segments(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to list segments: %w", err)
		}
	}

	out := cmd.OutOrStdout()

	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	printStatus(out, result)
	return nil
}

// printStatus renders the status as a coloured table. Users at or over the
// daily limit are shown in red, those past 80% in yellow.
func printStatus(out io.Writer, status statusOutput) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed, color.Bold)

	lastReset := status.LastReset
	if lastReset == "" {
		lastReset = "never"
	}

	_, _ = fmt.Fprintf(out, "Last reset: %s\n", lastReset)
	_, _ = fmt.Fprintf(out, "Limits: %d min per session, %d min per day\n\n",
		status.Limits.MaxSessionMinutes, status.Limits.MaxDailyMinutes)

	if len(status.Users) == 0 {
		_, _ = fmt.Fprintln(out, "No viewing recorded since the last reset")
		return
	}

	_, _ = cyan.Fprintf(out, "%-16s %-10s %10s %10s %8s %8s %8s\n",
		"USER", "ID", "FINALIZED", "CARRIED", "LIVE", "TODAY", "ACTIVE")

	daily := float64(status.Limits.MaxDailyMinutes)
	for _, u := range status.Users {
		c := green
		switch {
		case u.TotalToday >= daily:
			c = red
		case u.TotalToday >= 0.8*daily:
			c = yellow
		}

		_, _ = c.Fprintf(out, "%-16s %-10s %10.1f %10.1f %8.1f %8.1f %8d\n",
			u.Username, u.UserID,
			u.Totals.FinalizedToday, u.Totals.CarriedOver, u.Totals.LiveElapsed,
			u.TotalToday, u.ActiveSegments)
	}

	if len(status.Segments) == 0 {
		return
	}

	_, _ = cyan.Fprintf(out, "\n%-6s %-16s %-10s %-10s %-20s %8s %s\n",
		"ID", "USER", "SESSION", "RATING", "STARTED", "MINUTES", "STATE")

	for _, seg := range status.Segments {
		_, _ = fmt.Fprintf(out, "%-6d %-16s %-10s %-10s %-20s %8.1f %s\n",
			seg.ID, seg.Username, seg.SessionID, seg.RatingKey,
			seg.StartTime.Local().Format(time.DateTime), seg.DurationMinutes, segmentState(seg))
	}
}

func segmentState(seg storage.Segment) string {
	switch {
	case seg.Terminated:
		return "terminated"
	case seg.Saturated:
		return "saturated"
	default:
		return "active"
	}
}
