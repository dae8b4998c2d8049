package taskpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/taskpool/internal/fillpool"
	"github.com/jpalmerr/taskpool/internal/metrics"
	"github.com/jpalmerr/taskpool/internal/notify"
	"github.com/jpalmerr/taskpool/internal/poller"
	"github.com/jpalmerr/taskpool/internal/pool"
	"github.com/jpalmerr/taskpool/internal/runner"
	"github.com/jpalmerr/taskpool/internal/server"
	"github.com/jpalmerr/taskpool/internal/store"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultMaxWorkers   = 10
	defaultClaimTimeout = 5 * time.Minute
)

var (
	// ErrInvalidTask is returned when a task cannot be scheduled as given.
	ErrInvalidTask = errors.New("invalid task")

	// ErrUnknownTaskType is returned when no [Definition] handles a task type.
	ErrUnknownTaskType = fmt.Errorf("%w: unknown task type", ErrInvalidTask)

	// ErrTaskNotFound is returned when a task does not exist.
	ErrTaskNotFound = store.ErrNotFound

	// ErrDuplicateTask is returned when scheduling a task whose ID is taken.
	ErrDuplicateTask = store.ErrDuplicate

	// ErrTaskConflict is returned when a task changed concurrently.
	ErrTaskConflict = store.ErrConflict

	// ErrTaskNotIdle is returned by [Manager.RunSoon] for a task that is
	// claimed, running or failed.
	ErrTaskNotIdle = fmt.Errorf("%w: task is not idle", ErrTaskConflict)
)

// Manager schedules tasks and runs them on a bounded pool of workers.
//
// Manager repeatedly claims due tasks from its store, never more than there
// are free workers, and runs them until either the store has nothing left
// to claim or every worker is busy. It is created using [New] with
// functional options and started with [Manager.Start].
//
// The typical lifecycle is:
//
//	def, _ := taskpool.NewDefinition("report", sendReport)
//	m, err := taskpool.New(taskpool.WithDefinition(def))
//	if err != nil {
//	    slog.Error("failed to create manager", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	m.Start(ctx) // blocks until context cancelled
//
// Tasks may be scheduled before or after Start. The caller controls the
// lifecycle via the context. Cancel the context to trigger graceful shutdown.
type Manager struct {
	definitions     map[string]Definition
	runnerDefs      map[string]runner.Definition
	types           []string
	pollInterval    time.Duration
	claimTimeout    time.Duration
	port            int
	ownerID         string
	logger          *slog.Logger
	resultCallbacks []func(TaskResult)
	natsURL         string
	natsSubject     string

	store    store.Store
	sqlStore *store.SQLStore
	pool     *pool.Pool
	metrics  *metrics.Metrics

	mu       sync.Mutex
	poller   *poller.Poller
	notifier notify.Notifier

	callbackMu sync.Mutex
}

// New creates a new [Manager] with the given options.
//
// At least one definition must be registered via [WithDefinition] or
// [WithDefinitions]. Other options have sensible defaults:
//   - Poll interval: 3 seconds
//   - Max workers: 10
//   - Claim timeout: 5 minutes
//   - Store: in memory
//   - HTTP server: disabled
//
// Returns an error if no definitions are registered, a task type is
// registered twice, or any option is invalid.
func New(opts ...Option) (*Manager, error) {
	cfg := &managerConfig{
		pollInterval: defaultPollInterval,
		maxWorkers:   defaultMaxWorkers,
		claimTimeout: defaultClaimTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if len(cfg.definitions) == 0 {
		return nil, errors.New("at least one task definition is required")
	}

	definitions := make(map[string]Definition, len(cfg.definitions))
	runnerDefs := make(map[string]runner.Definition, len(cfg.definitions))
	types := make([]string, 0, len(cfg.definitions))
	for _, d := range cfg.definitions {
		if d.run == nil {
			return nil, errors.New("task definitions must be created with NewDefinition")
		}
		if _, dup := definitions[d.taskType]; dup {
			return nil, fmt.Errorf("duplicate task type: %q", d.taskType)
		}
		definitions[d.taskType] = d
		runnerDefs[d.taskType] = d.runnerDefinition()
		types = append(types, d.taskType)
	}
	sort.Strings(types)

	// default to slog.Default() if no logger provided
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	ownerID := cfg.ownerID
	if ownerID == "" {
		ownerID = uuid.NewString()
	}

	m := &Manager{
		definitions:     definitions,
		runnerDefs:      runnerDefs,
		types:           types,
		pollInterval:    cfg.pollInterval,
		claimTimeout:    cfg.claimTimeout,
		port:            cfg.port,
		ownerID:         ownerID,
		logger:          logger,
		resultCallbacks: cfg.resultCallbacks,
		natsURL:         cfg.natsURL,
		natsSubject:     cfg.natsSubject,
		pool:            pool.New(cfg.maxWorkers, logger),
		notifier:        notify.Nop{},
	}
	m.metrics = metrics.New(m.pool)

	if cfg.sqlDB != nil {
		m.sqlStore = store.NewSQLStore(cfg.sqlDB, cfg.sqlDialect)
		m.store = m.sqlStore
	} else {
		m.store = store.NewMemoryStore()
	}

	return m, nil
}

// Start claims and runs tasks until ctx is cancelled.
//
// Start is a blocking call. During execution:
//
//   - The SQL store (if configured) is migrated
//   - The NATS notifier (if configured) is connected
//   - The claim loop runs immediately, then on every poll interval and
//     whenever a task becomes due now
//   - The HTTP API starts on the configured port (if any)
//
// On cancellation Start stops claiming, waits for running tasks to return
// (their contexts are cancelled) and returns nil. Returns an error if the
// store, notifier or HTTP server fail to start.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("taskpool starting",
		"owner_id", m.ownerID,
		"task_types", m.types,
		"max_workers", m.pool.MaxWorkers(),
	)
	m.logger.Info("polling configured", "interval", m.pollInterval.String())

	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	if err := m.Migrate(ctx); err != nil {
		return err
	}

	notifier, err := m.connectNotifier()
	if err != nil {
		return err
	}
	defer notifier.Close()

	p := poller.New(m.pollInterval, m.fillPass, m.logger)
	m.setRuntime(p, notifier)
	defer m.setRuntime(nil, notify.Nop{})

	if err := notifier.Subscribe(m.handleNotification); err != nil {
		return fmt.Errorf("failed to subscribe to work notifications: %w", err)
	}

	p.Start(ctx)

	// track the results consumer goroutine to ensure clean shutdown
	var g errgroup.Group
	g.Go(func() error {
		for res := range p.Results() {
			m.logger.Debug("fill pass completed",
				"stop_reason", res.StopReason,
				"duration_ms", res.Duration.Milliseconds(),
				"triggered", res.Triggered,
			)
		}
		return nil
	})

	// cleanup stops claiming, then cancels and waits for in-flight runs
	cleanup := func() {
		p.Stop() // closes results channel
		_ = g.Wait()
		m.pool.CancelRunning()
		m.pool.Wait()
	}

	if m.port > 0 {
		httpServer := server.NewServer(m.store, apiController{m: m}, m.metrics.Handler(), m.port, m.logger)
		if err := httpServer.Start(ctx); err != nil {
			cleanup()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		m.logger.Info("api available", "url", fmt.Sprintf("http://localhost:%d/api/tasks", m.port))
	}

	<-ctx.Done()
	cleanup()
	m.logger.Info("taskpool stopped")
	return nil
}

// Migrate creates the SQL tables if missing. It is a no-op for the memory
// store. Start calls Migrate; call it yourself before scheduling tasks on a
// fresh database ahead of Start.
func (m *Manager) Migrate(ctx context.Context) error {
	if m.sqlStore == nil {
		return nil
	}
	if err := m.sqlStore.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to prepare task store: %w", err)
	}
	return nil
}

// FillPool runs the claim loop once.
//
// It claims up to the number of free workers, hands the claimed tasks to
// the pool, and repeats while every claimed task found a worker. It stops
// when nothing is claimable, every worker is busy, ctx is cancelled or an
// error occurs; errors from the store or pool are returned unchanged.
//
// ctx bounds claiming only. Started tasks keep running after FillPool
// returns and are cancelled when a running [Manager.Start] shuts down.
//
// Start calls FillPool on every poll; calling it directly is useful when
// the manager is driven by an external scheduler.
func (m *Manager) FillPool(ctx context.Context) (FillResult, error) {
	start := time.Now()

	if m.pool.AvailableWorkers() == 0 {
		res := FillResult{StopReason: StopRanOutOfCapacity, Duration: time.Since(start)}
		m.metrics.ObservePass(string(res.StopReason), res.Duration)
		return res, nil
	}

	claimed := 0
	fetch := func(ctx context.Context) ([]store.Task, error) {
		now := time.Now()
		tasks, err := m.store.Claim(ctx, store.ClaimOptions{
			OwnerID: m.ownerID,
			Size:    m.pool.AvailableWorkers(),
			Types:   m.types,
			Now:     now,
			RetryAt: now.Add(m.claimTimeout),
		})
		claimed += len(tasks)
		return tasks, err
	}

	reason, err := fillpool.FillPool[store.Task, pool.Runner](ctx, fetch, m.newRunner, m.pool.Run)

	res := FillResult{
		StopReason: StopReason(reason),
		Claimed:    claimed,
		Duration:   time.Since(start),
	}
	m.metrics.ObservePass(string(reason), res.Duration)
	m.metrics.AddClaimed(claimed)
	return res, err
}

// Schedule stores a new task.
//
// A task that is due now wakes the claim loop (and, with NATS configured,
// the claim loops of peer instances).
//
// Returns [ErrUnknownTaskType] if no definition handles ti.Type and
// [ErrDuplicateTask] if ti.ID is taken.
func (m *Manager) Schedule(ctx context.Context, ti TaskInstance) (Task, error) {
	t, err := m.schedule(ctx, ti.storeTask())
	if err != nil {
		return Task{}, err
	}
	return taskFromStore(t), nil
}

// RunSoon makes an idle task due now and wakes the claim loop.
//
// Returns [ErrTaskNotFound] if the task does not exist and [ErrTaskNotIdle]
// if it is claimed, running or failed.
func (m *Manager) RunSoon(ctx context.Context, id string) (Task, error) {
	t, err := m.runSoon(ctx, id)
	if err != nil {
		return Task{}, err
	}
	return taskFromStore(t), nil
}

// Get returns a task by ID or [ErrTaskNotFound].
func (m *Manager) Get(ctx context.Context, id string) (Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	return taskFromStore(t), nil
}

// List returns every task ordered by next run time.
func (m *Manager) List(ctx context.Context) ([]Task, error) {
	ts, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return tasksFromStore(ts), nil
}

// Remove deletes a task. A run already in progress is not interrupted.
func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.store.Remove(ctx, id)
}

// Definitions returns the registered definitions ordered by type.
func (m *Manager) Definitions() []Definition {
	out := make([]Definition, 0, len(m.types))
	for _, typ := range m.types {
		out = append(out, m.definitions[typ])
	}
	return out
}

// OwnerID returns the identity this instance claims tasks under.
func (m *Manager) OwnerID() string {
	return m.ownerID
}

// PollInterval returns the configured interval between claim loop runs.
func (m *Manager) PollInterval() time.Duration {
	return m.pollInterval
}

// MaxWorkers returns the configured pool capacity.
func (m *Manager) MaxWorkers() int {
	return m.pool.MaxWorkers()
}

// AvailableWorkers returns the number of idle workers.
func (m *Manager) AvailableWorkers() int {
	return m.pool.AvailableWorkers()
}

func (m *Manager) schedule(ctx context.Context, t store.Task) (store.Task, error) {
	if _, ok := m.definitions[t.TaskType]; !ok {
		return store.Task{}, fmt.Errorf("%w %q", ErrUnknownTaskType, t.TaskType)
	}
	if t.Interval < 0 {
		return store.Task{}, fmt.Errorf("%w: interval must not be negative", ErrInvalidTask)
	}

	scheduled, err := m.store.Schedule(ctx, t)
	if err != nil {
		return store.Task{}, fmt.Errorf("schedule task: %w", err)
	}

	m.logger.Debug("task scheduled",
		"task_id", scheduled.ID,
		"task_type", scheduled.TaskType,
		"run_at", scheduled.RunAt,
	)
	if !scheduled.RunAt.After(time.Now()) {
		m.wake(ctx, scheduled)
	}
	return scheduled, nil
}

func (m *Manager) runSoon(ctx context.Context, id string) (store.Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return store.Task{}, err
	}
	if t.Status != store.StatusIdle {
		return store.Task{}, ErrTaskNotIdle
	}

	t.RunAt = time.Now()
	updated, err := m.store.Update(ctx, t)
	if err != nil {
		return store.Task{}, fmt.Errorf("run task %s soon: %w", id, err)
	}
	m.wake(ctx, updated)
	return updated, nil
}

// newRunner converts a claimed task into a pool runner.
func (m *Manager) newRunner(t store.Task) (pool.Runner, error) {
	def, ok := m.runnerDefs[t.TaskType]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTaskType, t.TaskType)
	}
	return runner.New(t, def, runner.Config{
		Store:    m.store,
		OwnerID:  m.ownerID,
		Logger:   m.logger,
		OnResult: m.handleResult,
	}), nil
}

// fillPass adapts FillPool to the poller.
func (m *Manager) fillPass(ctx context.Context) (fillpool.StopReason, error) {
	res, err := m.FillPool(ctx)
	return fillpool.StopReason(res.StopReason), err
}

// handleResult records a finished run and invokes result callbacks.
func (m *Manager) handleResult(r runner.Result) {
	m.metrics.ObserveRun(r.Task.TaskType, string(r.Kind), r.Duration)

	// log run results (DEBUG level for success to reduce noise)
	m.logger.Debug("task run completed",
		"task_id", r.Task.ID,
		"task_type", r.Task.TaskType,
		"outcome", r.Kind,
		"duration_ms", r.Duration.Milliseconds(),
	)

	if len(m.resultCallbacks) == 0 {
		return
	}

	result := TaskResult{
		Task:       taskFromStore(r.Task),
		Kind:       ResultKind(r.Kind),
		Err:        r.Err,
		Duration:   r.Duration,
		FinishedAt: r.FinishedAt,
	}

	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	for _, cb := range m.resultCallbacks {
		invokeCallbackSafe(cb, result, m.logger)
	}
}

func (m *Manager) connectNotifier() (notify.Notifier, error) {
	if m.natsURL == "" {
		return notify.Nop{}, nil
	}
	client, err := notify.Connect(m.natsURL, m.natsSubject, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect work notifier: %w", err)
	}
	m.logger.Info("work notifications enabled", "url", m.natsURL)
	return client, nil
}

// handleNotification wakes the claim loop when a peer announces work this
// instance can run.
func (m *Manager) handleNotification(msg notify.WorkAvailable) {
	if msg.OwnerID == m.ownerID {
		return
	}
	if _, ok := m.definitions[msg.TaskType]; !ok {
		return
	}
	m.metrics.IncNotifications()
	m.trigger()
}

// wake triggers the local claim loop and announces t to peers.
func (m *Manager) wake(ctx context.Context, t store.Task) {
	m.trigger()

	m.mu.Lock()
	notifier := m.notifier
	m.mu.Unlock()

	err := notifier.Publish(ctx, notify.WorkAvailable{
		OwnerID:  m.ownerID,
		TaskID:   t.ID,
		TaskType: t.TaskType,
		RunAt:    t.RunAt,
	})
	if err != nil {
		m.logger.Warn("failed to announce task", "task_id", t.ID, "error", err)
	}
}

func (m *Manager) trigger() {
	m.mu.Lock()
	p := m.poller
	m.mu.Unlock()

	if p != nil {
		p.Trigger()
	}
}

func (m *Manager) setRuntime(p *poller.Poller, n notify.Notifier) {
	m.mu.Lock()
	m.poller = p
	m.notifier = n
	m.mu.Unlock()
}

// invokeCallbackSafe calls a result callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(TaskResult), result TaskResult, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("result callback panicked",
				"panic", r,
				"task_id", result.Task.ID,
			)
		}
	}()
	cb(result)
}

// apiController exposes the manager to the HTTP server.
type apiController struct {
	m *Manager
}

func (c apiController) Schedule(ctx context.Context, t store.Task) (store.Task, error) {
	scheduled, err := c.m.schedule(ctx, t)
	if errors.Is(err, ErrInvalidTask) {
		return store.Task{}, fmt.Errorf("%w: %w", server.ErrInvalidTask, err)
	}
	return scheduled, err
}

func (c apiController) RunSoon(ctx context.Context, id string) (store.Task, error) {
	return c.m.runSoon(ctx, id)
}

func (c apiController) PoolStats() pool.Stats {
	return c.m.pool.Stats()
}
