package handlers

import (
	"context"
	"log/slog"

	"github.com/jpalmerr/taskpool"
)

// Log returns a run function that only logs the task. It is useful for
// smoke-testing a deployment and as a heartbeat task.
func Log(logger *slog.Logger, level slog.Level) taskpool.RunFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, task taskpool.Task) (taskpool.Outcome, error) {
		logger.Log(ctx, level, "task run",
			"task_id", task.ID,
			"task_type", task.Type,
			"attempts", task.Attempts,
			"params", string(task.Params),
		)
		return taskpool.Outcome{}, nil
	}
}
