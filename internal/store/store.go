package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrConflict is returned when an update carries a stale version.
	ErrConflict = errors.New("task version conflict")

	// ErrDuplicate is returned when scheduling a task whose ID is taken.
	ErrDuplicate = errors.New("task already exists")
)

// Status is the lifecycle state of a stored task.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusClaiming Status = "claiming"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// Task is the storage representation of a scheduled task.
//
// Task is optimized for JSON serialization (used by the REST API and SSE).
// Version is an optimistic concurrency token: every write bumps it and
// [Store.Update] rejects writes carrying an outdated value.
type Task struct {
	ID       string          `json:"id"`
	TaskType string          `json:"task_type"`
	Params   json.RawMessage `json:"params,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
	Status   Status          `json:"status"`
	Attempts int             `json:"attempts"`

	// Interval is the recurrence period; zero means the task runs once.
	Interval time.Duration `json:"interval"`

	RunAt       time.Time `json:"run_at"`
	RetryAt     time.Time `json:"retry_at"`
	ScheduledAt time.Time `json:"scheduled_at"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	OwnerID   string `json:"owner_id,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Version   int64  `json:"version"`
}

// Recurring reports whether the task is rescheduled after each run.
func (t Task) Recurring() bool {
	return t.Interval > 0
}

// ClaimOptions controls a single [Store.Claim] call.
type ClaimOptions struct {
	// OwnerID identifies the claiming task manager instance.
	OwnerID string

	// Size is the maximum number of tasks to claim.
	Size int

	// Types restricts the claim to these task types. Empty means any type.
	Types []string

	// Now is the reference time for due and expired-lease checks.
	Now time.Time

	// RetryAt is when the claim lease expires if the task is never started.
	RetryAt time.Time
}

// EventType identifies what happened to a task.
type EventType string

const (
	EventScheduled EventType = "scheduled"
	EventClaimed   EventType = "claimed"
	EventUpdated   EventType = "updated"
	EventRemoved   EventType = "removed"
)

// Event is published to subscribers whenever a task changes.
type Event struct {
	Type EventType `json:"type"`
	Task Task      `json:"task"`
}

// Store defines the interface for storing, claiming and watching tasks.
//
// Store implementations must be safe for concurrent access.
type Store interface {
	// Schedule inserts a new task. An empty ID is replaced with a UUID and
	// zero RunAt/ScheduledAt default to now. Returns ErrDuplicate if the ID
	// is already taken.
	Schedule(ctx context.Context, task Task) (Task, error)

	// Get returns a task by ID or ErrNotFound.
	Get(ctx context.Context, id string) (Task, error)

	// List returns all tasks ordered by RunAt, then ID.
	List(ctx context.Context) ([]Task, error)

	// Claim atomically takes ownership of up to opts.Size claimable tasks.
	// A task is claimable when it is idle and due, or when it is claiming or
	// running with an expired lease. Claimed tasks are returned ordered by
	// RunAt, then ID.
	Claim(ctx context.Context, opts ClaimOptions) ([]Task, error)

	// Update replaces a task if its Version matches the stored one.
	// Returns the stored task with the bumped Version.
	Update(ctx context.Context, task Task) (Task, error)

	// Remove deletes a task or returns ErrNotFound.
	Remove(ctx context.Context, id string) error

	// Subscribe returns a channel that receives task events.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan Event

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan Event)

	// Close releases resources held by the store.
	Close() error
}

// claimable reports whether t can be claimed at now.
func claimable(t Task, now time.Time) bool {
	switch t.Status {
	case StatusIdle:
		return !t.RunAt.After(now)
	case StatusClaiming, StatusRunning:
		return !t.RetryAt.IsZero() && !t.RetryAt.After(now)
	default:
		return false
	}
}

// sortTasks orders tasks by RunAt, then ID.
func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].RunAt.Equal(tasks[j].RunAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].RunAt.Before(tasks[j].RunAt)
	})
}

// typeSet builds a lookup for ClaimOptions.Types; nil means any type.
func typeSet(types []string) map[string]struct{} {
	if len(types) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}
