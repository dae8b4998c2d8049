package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/taskpool"
	"github.com/jpalmerr/taskpool/config"
	"github.com/jpalmerr/taskpool/internal/handlers"
)

// scheduleCmd adds a task to the configured SQL store.
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Schedule a task",
	Long: `Schedule a task in the store named by a config file.

The store must be sqlite or postgres; running instances sharing it pick the
task up on their next poll. To schedule on an instance using the memory
store, POST to its /api/tasks endpoint instead.

Example:
  taskpool schedule -c config.yaml --type report
  taskpool schedule -c config.yaml --type report --id nightly \
      --interval 24h --params '{"format":"pdf"}'`,
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	scheduleCmd.Flags().String("type", "", "task type (required)")
	scheduleCmd.Flags().String("id", "", "task id (default: generated)")
	scheduleCmd.Flags().String("params", "", "task params as a JSON object")
	scheduleCmd.Flags().Duration("interval", 0, "run interval for recurring tasks")
	scheduleCmd.Flags().String("run-at", "", "first run time, RFC 3339 (default: now)")
	_ = scheduleCmd.MarkFlagRequired("config")
	_ = scheduleCmd.MarkFlagRequired("type")
}

func runSchedule(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Store.Driver == config.DriverMemory {
		return errors.New("schedule requires a sqlite or postgres store")
	}

	ti, err := taskFromFlags(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	db, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	m, err := newManager(cfg, db, handlers.NewWebhookClient(), logger)
	if err != nil {
		return err
	}
	if err := m.Migrate(ctx); err != nil {
		return err
	}

	task, err := m.Schedule(ctx, ti)
	if err != nil {
		return fmt.Errorf("failed to schedule task: %w", err)
	}

	fmt.Printf("Scheduled task %s\n", task.ID)
	fmt.Printf("  Type:   %s\n", task.Type)
	fmt.Printf("  Run at: %s\n", task.RunAt.Format(time.RFC3339))
	if task.Recurring() {
		fmt.Printf("  Every:  %s\n", task.Interval)
	}
	return nil
}

// taskFromFlags builds the task instance described by the schedule flags.
func taskFromFlags(cmd *cobra.Command) (taskpool.TaskInstance, error) {
	taskType, _ := cmd.Flags().GetString("type")
	id, _ := cmd.Flags().GetString("id")
	params, _ := cmd.Flags().GetString("params")
	interval, _ := cmd.Flags().GetDuration("interval")
	runAt, _ := cmd.Flags().GetString("run-at")

	ti := taskpool.TaskInstance{
		ID:       id,
		Type:     taskType,
		Interval: interval,
	}

	if params != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(params), &obj); err != nil {
			return taskpool.TaskInstance{}, fmt.Errorf("--params must be a JSON object: %w", err)
		}
		ti.Params = json.RawMessage(params)
	}

	if runAt != "" {
		t, err := time.Parse(time.RFC3339, runAt)
		if err != nil {
			return taskpool.TaskInstance{}, fmt.Errorf("--run-at: %w", err)
		}
		ti.RunAt = t
	}

	return ti, nil
}
