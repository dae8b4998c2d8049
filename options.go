package taskpool

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpalmerr/taskpool/internal/store"
)

// managerConfig holds mutable state during Manager construction.
type managerConfig struct {
	definitions     []Definition
	pollInterval    time.Duration
	maxWorkers      int
	claimTimeout    time.Duration
	port            int
	ownerID         string
	logger          *slog.Logger
	resultCallbacks []func(TaskResult)
	sqlDialect      store.Dialect
	sqlDB           *sql.DB
	natsURL         string
	natsSubject     string
}

// Option is a function that configures a [Manager] instance during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
type Option func(*managerConfig) error

// WithDefinition registers a single [Definition].
//
// Can be called multiple times. At least one definition must be registered
// for [New] to succeed, and task types must be unique.
func WithDefinition(d Definition) Option {
	return func(cfg *managerConfig) error {
		cfg.definitions = append(cfg.definitions, d)
		return nil
	}
}

// WithDefinitions registers several [Definition] values at once.
//
// Equivalent to calling [WithDefinition] multiple times.
func WithDefinitions(defs ...Definition) Option {
	return func(cfg *managerConfig) error {
		cfg.definitions = append(cfg.definitions, defs...)
		return nil
	}
}

// WithPollInterval sets how often the store is checked for due tasks.
//
// Scheduling a task that is due now, [Manager.RunSoon] and peer
// notifications wake the claim loop early, so the interval only bounds how
// late a task scheduled for the future is picked up.
// Defaults to 3 seconds if not specified.
//
// Returns an error if the duration is zero or negative.
func WithPollInterval(d time.Duration) Option {
	return func(cfg *managerConfig) error {
		if d <= 0 {
			return errors.New("poll interval must be positive")
		}
		cfg.pollInterval = d
		return nil
	}
}

// WithMaxWorkers sets how many tasks may run at once.
//
// The claim loop never claims more tasks than there are free workers.
// Defaults to 10 if not specified.
//
// Returns an error if the value is zero or negative.
func WithMaxWorkers(n int) Option {
	return func(cfg *managerConfig) error {
		if n <= 0 {
			return errors.New("max workers must be positive")
		}
		cfg.maxWorkers = n
		return nil
	}
}

// WithClaimTimeout sets how long a claimed task may wait to be started
// before another instance may claim it again.
//
// Defaults to 5 minutes if not specified.
//
// Returns an error if the duration is zero or negative.
func WithClaimTimeout(d time.Duration) Option {
	return func(cfg *managerConfig) error {
		if d <= 0 {
			return errors.New("claim timeout must be positive")
		}
		cfg.claimTimeout = d
		return nil
	}
}

// WithHTTPPort serves the task API, SSE stream and metrics on port.
//
// Port 0 (the default) disables the HTTP server.
//
// Returns an error if the port is outside the valid range (0-65535).
func WithHTTPPort(port int) Option {
	return func(cfg *managerConfig) error {
		if port < 0 || port > 65535 {
			return errors.New("port must be between 0 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithOwnerID sets the identity this instance claims tasks under.
//
// Instances sharing a store must use distinct IDs. Defaults to a random UUID.
//
// Returns an error if the ID is empty.
func WithOwnerID(id string) Option {
	return func(cfg *managerConfig) error {
		if id == "" {
			return errors.New("owner id cannot be empty")
		}
		cfg.ownerID = id
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the Manager instance.
//
// If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *managerConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithResultCallback registers a function to be called after every run.
//
// Multiple callbacks may be registered; they execute in registration order.
// Callbacks are invoked one at a time and must not block: a slow callback
// holds up the reporting of every other run. Panics within callbacks are
// recovered and logged.
//
// Example:
//
//	m, err := taskpool.New(
//	    taskpool.WithDefinition(def),
//	    taskpool.WithResultCallback(func(r taskpool.TaskResult) {
//	        if r.Kind == taskpool.ResultFailed {
//	            log.Printf("task %s gave up: %v", r.Task.ID, r.Err)
//	        }
//	    }),
//	)
//
// Nil callbacks are silently ignored.
func WithResultCallback(cb func(TaskResult)) Option {
	return func(cfg *managerConfig) error {
		if cb == nil {
			return nil
		}
		cfg.resultCallbacks = append(cfg.resultCallbacks, cb)
		return nil
	}
}

// WithSQLStore keeps tasks in a SQL database instead of memory.
//
// dialect is "sqlite" or "postgres". The tasks table is created by
// [Manager.Start] if missing. The caller owns db and closes it after Start
// returns. Several instances may share one database; each claims tasks
// atomically.
//
// Returns an error if db is nil or the dialect is not supported.
func WithSQLStore(dialect string, db *sql.DB) Option {
	return func(cfg *managerConfig) error {
		if db == nil {
			return errors.New("sql db cannot be nil")
		}
		d, err := store.DialectByName(dialect)
		if err != nil {
			return fmt.Errorf("sql store: %w", err)
		}
		cfg.sqlDialect = d
		cfg.sqlDB = db
		return nil
	}
}

// WithNATS announces newly runnable tasks to peer instances over NATS.
//
// Instances sharing a store and a subject wake each other's claim loop
// instead of waiting for the next poll tick. An empty subject uses
// "taskpool.work".
//
// Returns an error if the URL is empty.
func WithNATS(url, subject string) Option {
	return func(cfg *managerConfig) error {
		if url == "" {
			return errors.New("nats url cannot be empty")
		}
		cfg.natsURL = url
		cfg.natsSubject = subject
		return nil
	}
}
