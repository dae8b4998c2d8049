package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/taskpool"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// a recurring task that counts its runs in its state
	counter, err := taskpool.NewDefinition("counter", func(ctx context.Context, t taskpool.Task) (taskpool.Outcome, error) {
		var state struct {
			Runs int `json:"runs"`
		}
		_ = json.Unmarshal(t.State, &state)
		state.Runs++
		next, _ := json.Marshal(state)
		return taskpool.Outcome{State: next}, nil
	}, taskpool.WithTitle("Run counter"))
	if err != nil {
		slog.Error("failed to create definition", "error", err)
		os.Exit(1)
	}

	// a slow task that fails half the time and is retried after a short delay
	flaky, err := taskpool.NewDefinition("flaky", func(ctx context.Context, t taskpool.Task) (taskpool.Outcome, error) {
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return taskpool.Outcome{}, ctx.Err()
		}
		if rand.IntN(2) == 0 {
			return taskpool.Outcome{}, errors.New("upstream unavailable")
		}
		return taskpool.Outcome{}, nil
	},
		taskpool.WithTimeout(10*time.Second),
		taskpool.WithMaxAttempts(3),
		taskpool.WithRetryDelay(func(attempts int) time.Duration {
			return time.Duration(attempts) * 5 * time.Second
		}),
	)
	if err != nil {
		slog.Error("failed to create definition", "error", err)
		os.Exit(1)
	}

	m, err := taskpool.New(
		taskpool.WithDefinitions(counter, flaky),
		taskpool.WithMaxWorkers(3),
		taskpool.WithPollInterval(time.Second),
		taskpool.WithHTTPPort(8080),
		taskpool.WithLogger(logger),
		taskpool.WithResultCallback(func(r taskpool.TaskResult) {
			logger.Info("task finished",
				"task_id", r.Task.ID,
				"outcome", r.Kind,
				"duration", r.Duration.String(),
			)
		}),
	)
	if err != nil {
		slog.Error("failed to create task manager", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if _, err := m.Schedule(ctx, taskpool.TaskInstance{ID: "counter", Type: "counter", Interval: 10 * time.Second}); err != nil {
		slog.Error("failed to schedule task", "error", err)
		os.Exit(1)
	}
	// more flaky tasks than workers: the pool fills and the rest wait
	for i := 0; i < 6; i++ {
		if _, err := m.Schedule(ctx, taskpool.TaskInstance{ID: fmt.Sprintf("flaky-%d", i), Type: "flaky"}); err != nil {
			slog.Error("failed to schedule task", "error", err)
			os.Exit(1)
		}
	}

	fmt.Println()
	fmt.Println("  taskpool demo")
	fmt.Println()
	fmt.Println("  Tasks:   http://localhost:8080/api/tasks")
	fmt.Println("  Pool:    http://localhost:8080/api/pool")
	fmt.Println("  Events:  http://localhost:8080/api/sse")
	fmt.Println("  Metrics: http://localhost:8080/metrics")
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	// set up context with signal handling for graceful shutdown
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Start(runCtx); err != nil {
		slog.Error("taskpool error", "error", err)
		os.Exit(1)
	}
}
