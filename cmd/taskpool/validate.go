package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/taskpool/config"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a taskpool configuration file without starting the server.

This command parses the YAML, applies TASKPOOL_* overrides, expands
environment variables, and validates all fields. It's useful for CI/CD
pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  taskpool validate -c config.yaml
  taskpool validate --config /etc/taskpool/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	recurring := 0
	for _, task := range cfg.Tasks {
		if task.Interval != 0 {
			recurring++
		}
	}

	fmt.Printf("Config is valid!\n")
	fmt.Printf("  Port:          %d\n", cfg.Port)
	fmt.Printf("  Poll interval: %s\n", cfg.PollInterval.Duration())
	fmt.Printf("  Max workers:   %d\n", cfg.MaxWorkers)
	fmt.Printf("  Store:         %s\n", cfg.Store.Driver)
	fmt.Printf("  Task types:    %d\n", len(cfg.TaskTypes))
	fmt.Printf("  Tasks:         %d (%d recurring)\n", len(cfg.Tasks), recurring)

	return nil
}
