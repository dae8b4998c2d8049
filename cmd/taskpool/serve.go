package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/taskpool"
	"github.com/jpalmerr/taskpool/config"
	"github.com/jpalmerr/taskpool/internal/handlers"
)

const (
	shutdownTimeout = 10 * time.Second
)

// newLogger creates a JSON logger for CLI use.
func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// serveCmd starts the task manager.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task manager",
	Long: `Run the taskpool task manager.

The server will:
  - Load configuration from the specified YAML file
  - Connect to the configured store (retrying while it comes up)
  - Schedule the configured tasks that do not exist yet
  - Claim and run due tasks on a bounded worker pool
  - Serve the task API and metrics on the configured port

The server runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  taskpool serve -c config.yaml
  taskpool serve --config /etc/taskpool/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = serveCmd.MarkFlagRequired("config")
}

// newManager builds a manager from cfg. db may be nil for the memory store.
func newManager(cfg *config.Config, db *sql.DB, client *handlers.WebhookClient, logger *slog.Logger) (*taskpool.Manager, error) {
	defs, err := config.BuildDefinitions(cfg, client, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build task types: %w", err)
	}

	opts := append(config.BuildOptions(cfg),
		taskpool.WithDefinitions(defs...),
		taskpool.WithLogger(logger),
	)
	if db != nil {
		opts = append(opts, taskpool.WithSQLStore(cfg.Store.Driver, db))
	}

	m, err := taskpool.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create task manager: %w", err)
	}
	return m, nil
}

// seedTasks schedules the configured tasks, skipping those already stored.
func seedTasks(ctx context.Context, m *taskpool.Manager, cfg *config.Config, logger *slog.Logger) error {
	tasks, err := config.BuildTasks(cfg)
	if err != nil {
		return err
	}
	for _, ti := range tasks {
		_, err := m.Schedule(ctx, ti)
		if errors.Is(err, taskpool.ErrDuplicateTask) {
			logger.Debug("task already scheduled", "task_id", ti.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", ti.ID, err)
		}
		logger.Info("task scheduled", "task_id", ti.ID, "task_type", ti.Type)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("config loaded",
		"task_types", len(cfg.TaskTypes),
		"tasks", len(cfg.Tasks),
		"store", cfg.Store.Driver,
	)

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	client := handlers.NewWebhookClient()
	defer client.Close()

	m, err := newManager(cfg, db, client, logger)
	if err != nil {
		return err
	}

	if err := m.Migrate(ctx); err != nil {
		return err
	}
	if err := seedTasks(ctx, m, cfg, logger); err != nil {
		return err
	}

	logger.Info("starting task manager",
		"port", cfg.Port,
		"poll_interval", cfg.PollInterval.Duration().String(),
		"max_workers", cfg.MaxWorkers,
	)

	// start manager - blocks until context cancelled
	errChan := make(chan error, 1)
	go func() {
		errChan <- m.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		// signal received, wait for running tasks with timeout
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
