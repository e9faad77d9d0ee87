package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "regulator",
	Short: "Multi-account trade regulation engine",
	Long: `Regulator reconciles each account's live venue state against its
local signals and ledgers, removes duplicated pending orders, and
trails stop-losses through risk-reward milestones.

It runs as a long-lived loop: every cycle it connects each account's
terminal session, reconciles, deduplicates, trails, persists, then
sleeps until the next check interval.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
