package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/taskpool/internal/store"
)

const (
	// DefaultTimeout bounds a single run when the definition sets none.
	DefaultTimeout = 5 * time.Minute

	// DefaultMaxAttempts is the number of tries before a task gives up.
	DefaultMaxAttempts = 3

	retryStep = 5 * time.Minute
)

var (
	// ErrNotClaimed is returned by MarkAsRunning when the task is not held
	// by this runner's owner.
	ErrNotClaimed = errors.New("task is not claimed by this owner")

	// ErrMaxAttempts is reported when a task is abandoned without running
	// because its attempts are used up.
	ErrMaxAttempts = errors.New("max attempts reached")
)

// RunFunc is the work performed for one task.
type RunFunc func(ctx context.Context, task store.Task) (Outcome, error)

// Outcome is what a successful run hands back.
type Outcome struct {
	// State replaces the task state when non-nil.
	State json.RawMessage

	// RunAt overrides the next run time. For one-shot tasks a non-zero
	// RunAt reschedules instead of removing the task.
	RunAt time.Time
}

// Definition describes how tasks of one type are executed.
type Definition struct {
	Type        string
	Title       string
	Timeout     time.Duration
	MaxAttempts int

	// RetryDelay returns how long to wait before the next try after a
	// failure. attempts counts the failed run.
	RetryDelay func(attempts int) time.Duration

	Run RunFunc
}

// WithDefaults returns d with zero fields replaced by their defaults.
func (d Definition) WithDefaults() Definition {
	if d.Title == "" {
		d.Title = d.Type
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	if d.RetryDelay == nil {
		d.RetryDelay = DefaultRetryDelay
	}
	return d
}

// DefaultRetryDelay waits five minutes per attempt made.
func DefaultRetryDelay(attempts int) time.Duration {
	return time.Duration(attempts) * retryStep
}

// Kind classifies a finished run.
type Kind string

const (
	// KindSuccess means the run succeeded.
	KindSuccess Kind = "success"

	// KindRetry means the run failed and the task will be tried again.
	KindRetry Kind = "retry"

	// KindFailed means a one-shot task used up its attempts.
	KindFailed Kind = "failed"

	// KindRescheduled means a recurring task used up its attempts and was
	// moved to its next interval.
	KindRescheduled Kind = "rescheduled"
)

// Result is reported once per finished run.
type Result struct {
	Task       store.Task
	Kind       Kind
	Err        error
	Duration   time.Duration
	FinishedAt time.Time
}

// Config carries the collaborators shared by every runner of a manager.
type Config struct {
	Store   store.Store
	OwnerID string
	Logger  *slog.Logger

	// OnResult is called after every run. Optional.
	OnResult func(Result)

	// Now defaults to time.Now.
	Now func() time.Time
}

// TaskRunner runs one claimed task.
type TaskRunner struct {
	task store.Task
	def  Definition
	cfg  Config
}

// New creates a [TaskRunner] for a claimed task.
func New(task store.Task, def Definition, cfg Config) *TaskRunner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TaskRunner{
		task: task,
		def:  def.WithDefaults(),
		cfg:  cfg,
	}
}

// ID returns the task ID.
func (r *TaskRunner) ID() string {
	return r.task.ID
}

// TaskType returns the task type.
func (r *TaskRunner) TaskType() string {
	return r.task.TaskType
}

// Task returns the runner's current view of the task.
func (r *TaskRunner) Task() store.Task {
	return r.task
}

// MarkAsRunning moves the claimed task to running.
//
// It returns false without error when the task should not run: another
// owner updated it first, or its attempts are used up (in which case the
// task is given up on and reported).
func (r *TaskRunner) MarkAsRunning(ctx context.Context) (bool, error) {
	if r.task.Status != store.StatusClaiming || r.task.OwnerID != r.cfg.OwnerID {
		return false, fmt.Errorf("mark task %s as running: %w", r.task.ID, ErrNotClaimed)
	}

	if r.task.Attempts >= r.def.MaxAttempts {
		res := r.giveUp(ctx, ErrMaxAttempts)
		r.report(res)
		return false, nil
	}

	now := r.cfg.Now()
	next := r.task
	next.Status = store.StatusRunning
	next.StartedAt = now
	next.Attempts++
	next.RetryAt = now.Add(r.def.Timeout)

	updated, err := r.cfg.Store.Update(ctx, next)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		r.cfg.Logger.Debug("task taken by another owner",
			"task_id", r.task.ID,
			"task_type", r.task.TaskType,
		)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark task %s as running: %w", r.task.ID, err)
	}

	r.task = updated
	return true, nil
}

// Run executes the task and persists the outcome.
//
// The run is bounded by the definition's timeout. Persistence is not
// cancelled with ctx so a shutdown still records the outcome of work that
// already happened.
func (r *TaskRunner) Run(ctx context.Context) {
	start := r.cfg.Now()

	runCtx, cancel := context.WithTimeout(ctx, r.def.Timeout)
	outcome, err := r.safeRun(runCtx)
	cancel()

	res := r.processResult(context.WithoutCancel(ctx), outcome, err)
	res.Duration = r.cfg.Now().Sub(start)
	r.report(res)
}

// safeRun calls the definition with panic recovery.
func (r *TaskRunner) safeRun(ctx context.Context) (outcome Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			correlationID := uuid.NewString()
			r.cfg.Logger.Error("task panic",
				"correlation_id", correlationID,
				"task_id", r.task.ID,
				"task_type", r.task.TaskType,
				"panic", fmt.Sprintf("%v", rec),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("task panic (correlation_id: %s)", correlationID)
		}
	}()
	return r.def.Run(ctx, r.task)
}

// processResult stores the task's next state.
func (r *TaskRunner) processResult(ctx context.Context, outcome Outcome, runErr error) Result {
	if runErr != nil {
		if r.task.Attempts < r.def.MaxAttempts {
			return r.retry(ctx, runErr)
		}
		return r.giveUp(ctx, runErr)
	}

	now := r.cfg.Now()
	if !r.task.Recurring() && outcome.RunAt.IsZero() {
		if err := r.cfg.Store.Remove(ctx, r.task.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			r.cfg.Logger.Warn("failed to remove finished task", "task_id", r.task.ID, "error", err)
		}
		return Result{Task: r.task, Kind: KindSuccess, FinishedAt: now}
	}

	next := r.idle()
	next.LastError = ""
	next.Attempts = 0
	if outcome.State != nil {
		next.State = outcome.State
	}
	next.RunAt = outcome.RunAt
	if next.RunAt.IsZero() {
		next.RunAt = now.Add(r.task.Interval)
	}
	return Result{Task: r.save(ctx, next), Kind: KindSuccess, FinishedAt: now}
}

func (r *TaskRunner) retry(ctx context.Context, runErr error) Result {
	now := r.cfg.Now()
	next := r.idle()
	next.LastError = runErr.Error()
	next.RunAt = now.Add(r.def.RetryDelay(r.task.Attempts))

	r.cfg.Logger.Warn("task failed, will retry",
		"task_id", r.task.ID,
		"task_type", r.task.TaskType,
		"attempts", r.task.Attempts,
		"run_at", next.RunAt,
		"error", runErr,
	)
	return Result{Task: r.save(ctx, next), Kind: KindRetry, Err: runErr, FinishedAt: now}
}

// giveUp handles a task whose attempts are used up. One-shot tasks are
// marked failed; recurring tasks move to their next interval.
func (r *TaskRunner) giveUp(ctx context.Context, runErr error) Result {
	now := r.cfg.Now()
	next := r.idle()
	next.LastError = runErr.Error()

	kind := KindFailed
	if r.task.Recurring() {
		kind = KindRescheduled
		next.Attempts = 0
		next.RunAt = now.Add(r.task.Interval)
	} else {
		next.Status = store.StatusFailed
	}

	r.cfg.Logger.Warn("task gave up",
		"task_id", r.task.ID,
		"task_type", r.task.TaskType,
		"attempts", r.task.Attempts,
		"outcome", kind,
		"error", runErr,
	)
	return Result{Task: r.save(ctx, next), Kind: kind, Err: runErr, FinishedAt: now}
}

// idle returns the task released from its claim.
func (r *TaskRunner) idle() store.Task {
	next := r.task
	next.Status = store.StatusIdle
	next.OwnerID = ""
	next.RetryAt = time.Time{}
	next.StartedAt = time.Time{}
	return next
}

// save persists next and returns the stored task. On failure the unsaved
// task is returned and the claim is left to expire.
func (r *TaskRunner) save(ctx context.Context, next store.Task) store.Task {
	updated, err := r.cfg.Store.Update(ctx, next)
	if err != nil {
		r.cfg.Logger.Warn("failed to persist task result",
			"task_id", r.task.ID,
			"task_type", r.task.TaskType,
			"error", err,
		)
		return next
	}
	r.task = updated
	return updated
}

func (r *TaskRunner) report(res Result) {
	if r.cfg.OnResult != nil {
		r.cfg.OnResult(res)
	}
}
