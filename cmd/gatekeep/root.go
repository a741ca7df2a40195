package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gatekeep",
	Short: "Admission gate with rate windows, quota alerts, and prepaid credits",
	Long: `Gatekeep sits in front of an API and decides, per tenant, whether a
request may proceed.

It enforces hourly, daily, and monthly request windows, raises
deduplicated quota alerts as tenants approach their limits, charges
prepaid credits per operation with graceful degradation, and records
every request outcome for later aggregation.

Quick start:
  gatekeep serve      # Start the gate
  gatekeep validate   # Validate configuration`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "gatekeep.yaml", "config file path")
}
