package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all segments now",
	Long: `Delete every recorded segment immediately, as the daily reset would, and
record today's reset so the scheduled one does not run again until the
next reset time.`,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(true)
	if err != nil {
		return err
	}
	defer rt.Close()

	deleted, err := rt.tracker.ResetNow(context.Background())
	if err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✅ Reset complete: %d segment(s) deleted\n", deleted)

	return nil
}
