package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/schedtest/schedtest/sched"
)

var (
	logLevel string // Log verbosity level
	procRoot string // Root of the scheduler's proc control tree
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "schedtest",
	Short: "Regression tests for the cpu scheduler",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up the persistent CLI flags
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warning", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&procRoot, "proc", sched.DefaultProcRoot, "Root of the scheduler proc tree")
}
