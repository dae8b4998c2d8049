package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpalmerr/taskpool"
	"github.com/jpalmerr/taskpool/internal/handlers"
)

// BuildDefinitions converts the configured task types into SDK definitions.
//
// Webhook handlers share client so connections are pooled across task
// types. Log handlers write to logger at info level.
func BuildDefinitions(cfg *Config, client *handlers.WebhookClient, logger *slog.Logger) ([]taskpool.Definition, error) {
	defs := make([]taskpool.Definition, 0, len(cfg.TaskTypes))
	for _, tt := range cfg.TaskTypes {
		def, err := buildDefinition(tt, client, logger)
		if err != nil {
			return nil, fmt.Errorf("task type %s: %w", tt.Name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// buildDefinition converts a single TaskTypeConfig to an SDK Definition.
func buildDefinition(tt TaskTypeConfig, client *handlers.WebhookClient, logger *slog.Logger) (taskpool.Definition, error) {
	var run taskpool.RunFunc
	switch tt.Handler {
	case HandlerWebhook:
		run = client.Handler(tt.Method, tt.URL, tt.Headers)
	case HandlerLog:
		run = handlers.Log(logger, slog.LevelInfo)
	default:
		// validation should catch this
		return taskpool.Definition{}, fmt.Errorf("unknown handler %q", tt.Handler)
	}

	var opts []taskpool.DefinitionOption

	if tt.Title != "" {
		opts = append(opts, taskpool.WithTitle(tt.Title))
	}

	if tt.Timeout != 0 {
		opts = append(opts, taskpool.WithTimeout(tt.Timeout.Duration()))
	}

	if tt.MaxAttempts != 0 {
		opts = append(opts, taskpool.WithMaxAttempts(tt.MaxAttempts))
	}

	if tt.RetryDelay != 0 {
		step := tt.RetryDelay.Duration()
		opts = append(opts, taskpool.WithRetryDelay(func(attempts int) time.Duration {
			return time.Duration(attempts) * step
		}))
	}

	return taskpool.NewDefinition(tt.Name, run, opts...)
}

// BuildTasks converts the configured seed tasks into task instances.
func BuildTasks(cfg *Config) ([]taskpool.TaskInstance, error) {
	tasks := make([]taskpool.TaskInstance, 0, len(cfg.Tasks))
	for _, tc := range cfg.Tasks {
		ti := taskpool.TaskInstance{
			ID:       tc.ID,
			Type:     tc.Type,
			Interval: tc.Interval.Duration(),
		}
		if len(tc.Params) > 0 {
			params, err := json.Marshal(tc.Params)
			if err != nil {
				return nil, fmt.Errorf("task %s: params: %w", tc.ID, err)
			}
			ti.Params = params
		}
		tasks = append(tasks, ti)
	}
	return tasks, nil
}

// BuildOptions converts the top-level settings into manager options.
//
// The store is not included: opening a database is left to the caller.
func BuildOptions(cfg *Config) []taskpool.Option {
	opts := []taskpool.Option{
		taskpool.WithHTTPPort(cfg.Port),
		taskpool.WithPollInterval(cfg.PollInterval.Duration()),
		taskpool.WithMaxWorkers(cfg.MaxWorkers),
		taskpool.WithClaimTimeout(cfg.ClaimTimeout.Duration()),
	}
	if cfg.OwnerID != "" {
		opts = append(opts, taskpool.WithOwnerID(cfg.OwnerID))
	}
	if cfg.NATS.URL != "" {
		opts = append(opts, taskpool.WithNATS(cfg.NATS.URL, cfg.NATS.Subject))
	}
	return opts
}
