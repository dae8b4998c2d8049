package taskpool

import (
	"encoding/json"
	"time"

	"github.com/jpalmerr/taskpool/internal/store"
)

// TaskStatus is the lifecycle state of a task.
//
// A task is idle until it is due, claiming while an instance holds its
// lease, running while a worker executes it, and failed once a one-shot task
// has used up its attempts.
type TaskStatus string

const (
	// StatusIdle indicates the task is waiting for its run time.
	StatusIdle TaskStatus = "idle"

	// StatusClaiming indicates an instance has claimed the task but not yet
	// started it.
	StatusClaiming TaskStatus = "claiming"

	// StatusRunning indicates a worker is executing the task.
	StatusRunning TaskStatus = "running"

	// StatusFailed indicates a one-shot task that will not be retried.
	StatusFailed TaskStatus = "failed"
)

// String returns the string representation of the status.
// This implements the fmt.Stringer interface.
func (s TaskStatus) String() string {
	return string(s)
}

// TaskInstance describes a task to schedule.
type TaskInstance struct {
	// ID identifies the task. Empty means a UUID is generated.
	ID string

	// Type names the [Definition] that runs the task.
	Type string

	// Params are handed to the task's run function unchanged.
	Params json.RawMessage

	// State is the initial task state.
	State json.RawMessage

	// RunAt is the first run time. Zero means now.
	RunAt time.Time

	// Interval makes the task recurring. Zero means it runs once.
	Interval time.Duration
}

// Task is a snapshot of a scheduled task.
//
// Task values are copies; changing one does not affect the stored task.
type Task struct {
	ID       string
	Type     string
	Params   json.RawMessage
	State    json.RawMessage
	Status   TaskStatus
	Attempts int
	Interval time.Duration

	// RunAt is when the task is next due.
	RunAt time.Time

	// RetryAt is when the current claim or run is considered abandoned.
	RetryAt time.Time

	ScheduledAt time.Time
	StartedAt   time.Time

	// OwnerID identifies the instance holding the task, if any.
	OwnerID string

	// LastError is the message of the most recent failed run.
	LastError string
}

// Recurring reports whether the task is rescheduled after every run.
func (t Task) Recurring() bool {
	return t.Interval > 0
}

// Outcome is returned by a successful [RunFunc].
type Outcome struct {
	// State replaces the task state when non-nil.
	State json.RawMessage

	// RunAt overrides when the task runs next. For a one-shot task a
	// non-zero RunAt reschedules it instead of removing it.
	RunAt time.Time
}

// ResultKind classifies a finished run.
type ResultKind string

const (
	// ResultSuccess indicates the run succeeded.
	ResultSuccess ResultKind = "success"

	// ResultRetry indicates the run failed and will be retried.
	ResultRetry ResultKind = "retry"

	// ResultFailed indicates a one-shot task used up its attempts.
	ResultFailed ResultKind = "failed"

	// ResultRescheduled indicates a recurring task used up its attempts and
	// moved on to its next interval.
	ResultRescheduled ResultKind = "rescheduled"
)

// TaskResult holds the outcome of running a single task.
type TaskResult struct {
	// Task is the task as stored after the run.
	Task Task

	// Kind classifies the outcome.
	Kind ResultKind

	// Err is the run error, nil on success.
	Err error

	// Duration is how long the run and its bookkeeping took.
	Duration time.Duration

	// FinishedAt is when the run ended.
	FinishedAt time.Time
}

// StopReason explains why a claim loop invocation ended.
type StopReason string

const (
	// StopNoTasksClaimed indicates the store had nothing claimable.
	StopNoTasksClaimed StopReason = "no_tasks_claimed"

	// StopRanOutOfCapacity indicates every worker is busy.
	StopRanOutOfCapacity StopReason = "ran_out_of_capacity"

	// StopCancelled indicates the context was cancelled.
	StopCancelled StopReason = "cancelled"

	// StopFailed indicates claiming, converting or running returned an error.
	StopFailed StopReason = "failed"
)

// FillResult summarises one [Manager.FillPool] call.
type FillResult struct {
	StopReason StopReason
	Claimed    int
	Duration   time.Duration
}

// taskFromStore converts the storage representation to the public snapshot.
// Mutable fields are copied to prevent callers from sharing store memory.
func taskFromStore(t store.Task) Task {
	return Task{
		ID:          t.ID,
		Type:        t.TaskType,
		Params:      copyRaw(t.Params),
		State:       copyRaw(t.State),
		Status:      TaskStatus(t.Status),
		Attempts:    t.Attempts,
		Interval:    t.Interval,
		RunAt:       t.RunAt,
		RetryAt:     t.RetryAt,
		ScheduledAt: t.ScheduledAt,
		StartedAt:   t.StartedAt,
		OwnerID:     t.OwnerID,
		LastError:   t.LastError,
	}
}

func tasksFromStore(ts []store.Task) []Task {
	out := make([]Task, len(ts))
	for i, t := range ts {
		out[i] = taskFromStore(t)
	}
	return out
}

// storeTask converts a schedule request to the storage representation.
func (ti TaskInstance) storeTask() store.Task {
	return store.Task{
		ID:       ti.ID,
		TaskType: ti.Type,
		Params:   copyRaw(ti.Params),
		State:    copyRaw(ti.State),
		RunAt:    ti.RunAt,
		Interval: ti.Interval,
	}
}

// copyRaw returns a copy of the JSON, or nil if input is nil.
func copyRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
