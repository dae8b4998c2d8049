package taskpool

import (
	"errors"
	"time"
)

// definitionConfig holds mutable state during definition construction.
type definitionConfig struct {
	title       string
	timeout     time.Duration
	maxAttempts int
	retryDelay  func(attempts int) time.Duration
}

// DefinitionOption is a function that configures a [Definition] during construction.
//
// Options return an error if validation fails.
//
// Built-in options: [WithTitle], [WithTimeout], [WithMaxAttempts], [WithRetryDelay].
type DefinitionOption func(*definitionConfig) error

// WithTitle sets a human-readable name used in logs.
//
// Returns an error if the title is empty.
func WithTitle(title string) DefinitionOption {
	return func(cfg *definitionConfig) error {
		if title == "" {
			return errors.New("title cannot be empty")
		}
		cfg.title = title
		return nil
	}
}

// WithTimeout sets the limit for a single run.
//
// The run's context is cancelled when the timeout elapses. The timeout also
// bounds the lease taken when the run starts: if the instance dies, another
// instance may pick the task up once the timeout has passed.
// Defaults to 5 minutes if not specified.
//
// Example:
//
//	def, err := taskpool.NewDefinition("report", run,
//	    taskpool.WithTimeout(30 * time.Second),
//	)
//
// Returns an error if the duration is zero or negative.
func WithTimeout(d time.Duration) DefinitionOption {
	return func(cfg *definitionConfig) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		cfg.timeout = d
		return nil
	}
}

// WithMaxAttempts sets how many times a task is tried before giving up.
//
// One-shot tasks that use up their attempts are marked failed; recurring
// tasks move on to their next interval. Defaults to 3.
//
// Returns an error if n is zero or negative.
func WithMaxAttempts(n int) DefinitionOption {
	return func(cfg *definitionConfig) error {
		if n <= 0 {
			return errors.New("max attempts must be positive")
		}
		cfg.maxAttempts = n
		return nil
	}
}

// WithRetryDelay sets the wait before retrying a failed run.
//
// The function receives the number of attempts made so far. Defaults to
// five minutes per attempt.
//
// Example:
//
//	def, err := taskpool.NewDefinition("report", run,
//	    taskpool.WithRetryDelay(func(attempts int) time.Duration {
//	        return time.Duration(attempts) * 10 * time.Second
//	    }),
//	)
//
// Returns an error if fn is nil.
func WithRetryDelay(fn func(attempts int) time.Duration) DefinitionOption {
	return func(cfg *definitionConfig) error {
		if fn == nil {
			return errors.New("retry delay function cannot be nil")
		}
		cfg.retryDelay = fn
		return nil
	}
}
