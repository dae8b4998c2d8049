// Package taskpool provides an embeddable task manager that runs scheduled
// tasks on a bounded pool of workers.
//
// Tasks are stored (in memory or in a SQL database shared by several
// instances) and claimed in batches no larger than the number of free
// workers. The claim loop keeps claiming while every claimed task found a
// worker, and stops as soon as the store has nothing due or every worker is
// busy.
//
// # Quick Start
//
// Define a task type, schedule a task and start the manager with graceful
// shutdown:
//
//	def, _ := taskpool.NewDefinition("report", func(ctx context.Context, t taskpool.Task) (taskpool.Outcome, error) {
//	    return taskpool.Outcome{}, sendReport(ctx, t.Params)
//	})
//	m, _ := taskpool.New(taskpool.WithDefinition(def))
//
//	_, _ = m.Schedule(context.Background(), taskpool.TaskInstance{
//	    Type:     "report",
//	    Interval: time.Hour,
//	})
//
//	// Set up graceful shutdown on SIGINT/SIGTERM
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	m.Start(ctx) // blocks until context is cancelled
//
// # Configuration
//
// The manager uses the functional options pattern for configuration:
//
//	m, err := taskpool.New(
//	    taskpool.WithDefinitions(reportDef, cleanupDef),
//	    taskpool.WithMaxWorkers(20),
//	    taskpool.WithPollInterval(time.Second),
//	    taskpool.WithSQLStore("postgres", db),
//	    taskpool.WithNATS("nats://localhost:4222", ""),
//	    taskpool.WithHTTPPort(8080),
//	)
//
// Definitions are configured the same way:
//
//	def, err := taskpool.NewDefinition("report", run,
//	    taskpool.WithTimeout(30 * time.Second),
//	    taskpool.WithMaxAttempts(5),
//	)
//
// # Task Lifecycle
//
// A task is idle until its run time, claiming once an instance has leased
// it, and running while a worker executes it. After a successful run a
// one-shot task is removed and a recurring task becomes idle again at its
// next interval. A failed run is retried after a delay; once the attempts
// are used up a one-shot task is marked failed and a recurring task skips to
// its next interval. Leases expire, so tasks held by a crashed instance are
// picked up again by its peers.
//
// # Architecture
//
// The manager consists of several internal packages (under internal/):
//
//   - internal/fillpool: The claim loop
//   - internal/store: Memory and SQL task stores with pub/sub events
//   - internal/runner: Runs one claimed task and records its outcome
//   - internal/pool: Bounded worker pool
//   - internal/poller: Runs the claim loop on a ticker or on demand
//   - internal/notify: NATS wake-ups between instances
//   - internal/metrics: Prometheus collectors
//   - internal/server: HTTP API with Server-Sent Events
//   - internal/handlers: Ready-made run functions (webhook, log)
//
// The internal packages are not part of the public API and may change
// without notice.
package taskpool
