package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
	envFile    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "streamlimit",
	Short: "streamlimit - playback time limits for Plex via Tautulli",
	Long: `streamlimit polls Tautulli for active Plex streams, tracks how long each
user has been watching across pauses and reconnects, and terminates streams
once the per-session or daily limit is reached. Opt-out days and blocked
hours are evaluated by an Open Policy Agent (OPA) policy.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to the daemon when no subcommand is provided
		return runDaemon(cmd, args)
	},
	SilenceUsage: true,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/streamlimit/config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file loaded before the configuration (default ./.env if present)")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
