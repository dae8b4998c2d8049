package taskpool

import (
	"context"
	"errors"
	"time"

	"github.com/jpalmerr/taskpool/internal/runner"
	"github.com/jpalmerr/taskpool/internal/store"
)

// RunFunc performs the work of one task.
//
// The context carries the definition's timeout and is cancelled when the
// manager shuts down. Returning an error schedules a retry (or gives up once
// the attempts are used up).
//
// # Panic Safety
//
// RunFunc is called within a panic recovery boundary. A panic is treated as
// a failed run whose error carries a correlation ID; the full stack trace is
// logged server-side.
type RunFunc func(ctx context.Context, task Task) (Outcome, error)

// Definition describes how tasks of one type are run.
//
// Definition is immutable after creation via [NewDefinition] and is
// configured with [DefinitionOption] functions such as [WithTitle],
// [WithTimeout], [WithMaxAttempts] and [WithRetryDelay].
type Definition struct {
	taskType    string
	title       string
	timeout     time.Duration
	maxAttempts int
	retryDelay  func(attempts int) time.Duration
	run         RunFunc
}

// Type returns the task type the definition handles.
func (d Definition) Type() string {
	return d.taskType
}

// Title returns the human-readable name. Defaults to the type.
func (d Definition) Title() string {
	return d.title
}

// Timeout returns the limit for a single run. Defaults to 5 minutes.
func (d Definition) Timeout() time.Duration {
	return d.timeout
}

// MaxAttempts returns how often a task is tried before giving up.
// Defaults to 3.
func (d Definition) MaxAttempts() int {
	return d.maxAttempts
}

// RetryDelay returns the wait before retrying after the given number of
// attempts. Defaults to five minutes per attempt.
func (d Definition) RetryDelay(attempts int) time.Duration {
	return d.retryDelay(attempts)
}

// NewDefinition creates a [Definition] for taskType.
//
// Options are applied in order using the functional options pattern.
//
// Returns an error if taskType is empty or run is nil.
//
// Example:
//
//	def, err := taskpool.NewDefinition("report", sendReport,
//	    taskpool.WithTimeout(time.Minute),
//	    taskpool.WithMaxAttempts(5),
//	)
func NewDefinition(taskType string, run RunFunc, opts ...DefinitionOption) (Definition, error) {
	if taskType == "" {
		return Definition{}, errors.New("task type cannot be empty")
	}
	if run == nil {
		return Definition{}, errors.New("run function cannot be nil")
	}

	cfg := &definitionConfig{
		title:       taskType,
		timeout:     runner.DefaultTimeout,
		maxAttempts: runner.DefaultMaxAttempts,
		retryDelay:  runner.DefaultRetryDelay,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return Definition{}, err
		}
	}

	return Definition{
		taskType:    taskType,
		title:       cfg.title,
		timeout:     cfg.timeout,
		maxAttempts: cfg.maxAttempts,
		retryDelay:  cfg.retryDelay,
		run:         run,
	}, nil
}

// runnerDefinition adapts d to the internal runner, converting between the
// storage and public task representations.
func (d Definition) runnerDefinition() runner.Definition {
	run := d.run
	return runner.Definition{
		Type:        d.taskType,
		Title:       d.title,
		Timeout:     d.timeout,
		MaxAttempts: d.maxAttempts,
		RetryDelay:  d.retryDelay,
		Run: func(ctx context.Context, t store.Task) (runner.Outcome, error) {
			out, err := run(ctx, taskFromStore(t))
			if err != nil {
				return runner.Outcome{}, err
			}
			return runner.Outcome{State: copyRaw(out.State), RunAt: out.RunAt}, nil
		},
	}
}
