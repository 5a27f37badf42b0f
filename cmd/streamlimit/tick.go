package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/streamlimit/internal/usage"
	"github.com/spf13/cobra"
)

var tickQuiet bool

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single poll and exit",
	Long: `Run exactly one poll: reset if due, evaluate the gates, fetch the active
streams and enforce limits. Useful from cron or a systemd timer instead of
the long running daemon.`,
	RunE: runTick,
}

func init() {
	tickCmd.Flags().BoolVarP(&tickQuiet, "quiet", "q", false, "Only log errors and do not print a summary")
	rootCmd.AddCommand(tickCmd)
}

func runTick(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(tickQuiet)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), parseDuration(rt.cfg.Poll.Timeout, 20*time.Second))
	defer cancel()

	report, err := rt.tracker.Tick(ctx)
	if err != nil {
		return fmt.Errorf("poll failed: %w", err)
	}

	if !tickQuiet {
		printTickReport(cmd.OutOrStdout(), report)
	}

	return nil
}

// printTickReport prints a human readable summary of one poll
func printTickReport(out io.Writer, report *usage.TickReport) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed, color.Bold)

	switch {
	case report.Reset:
		_, _ = yellow.Fprintf(out, "Daily reset: %d segment(s) deleted\n", report.ResetDeleted)
		return
	case report.Skipped:
		_, _ = green.Fprintln(out, "Opt-out day: enforcement skipped")
		return
	case len(report.Sessions) == 0:
		_, _ = fmt.Fprintln(out, "No active sessions")
		return
	}

	if report.Blocked {
		_, _ = red.Fprintln(out, "Blocked hours: every stream is being stopped")
	}

	for _, s := range report.Sessions {
		name := s.Session.Username
		if name == "" {
			name = s.Session.UserID
		}

		switch {
		case s.Ignored:
			_, _ = fmt.Fprintf(out, "  %-16s %-10s ignored (%s)\n", name, s.Session.SessionID, s.Session.State)
		case s.Decision.Action.Terminates():
			_, _ = red.Fprintf(out, "  %-16s %-10s %6.1f min  terminated (%s)\n",
				name, s.Session.SessionID, s.Totals.Today(), s.Decision.Action)
		default:
			_, _ = green.Fprintf(out, "  %-16s %-10s %6.1f min  allowed\n",
				name, s.Session.SessionID, s.Totals.Today())
		}
	}
}
