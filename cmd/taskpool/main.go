// Package main is the entry point for the taskpool CLI.
//
// taskpool can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	taskpool serve -c config.yaml                     # Run the task manager
//	taskpool validate -c config.yaml                  # Validate configuration
//	taskpool schedule -c config.yaml --type report    # Add a task to a SQL store
//	taskpool version                                  # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "taskpool",
	Short: "A capacity-bounded task manager",
	Long: `taskpool runs scheduled tasks on a bounded pool of workers.

Tasks are claimed from a shared store in batches no larger than the number
of free workers, so several instances can share one database.

Quick start:
  1. Create a config file (taskpool.yaml)
  2. Run: taskpool serve -c taskpool.yaml
  3. Open http://localhost:8080/api/tasks

Example config:
  port: 8080
  task_types:
    - name: heartbeat
      handler: log
  tasks:
    - type: heartbeat
      interval: 1m`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	// a missing .env file is fine
	_ = godotenv.Load()
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this taskpool binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taskpool %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
