package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of [Store].
//
// MemoryStore provides thread-safe storage keyed by task ID. A single mutex
// guards all task records, which makes [MemoryStore.Claim] atomic with
// respect to every other write. Tasks do not survive a restart.
type MemoryStore struct {
	*broadcaster

	mu    sync.Mutex
	tasks map[string]Task
	now   func() time.Time
}

// NewMemoryStore creates a new in-memory [Store] implementation.
//
// The store is immediately ready for use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		broadcaster: newBroadcaster(),
		tasks:       make(map[string]Task),
		now:         time.Now,
	}
}

// Schedule inserts a new task.
func (m *MemoryStore) Schedule(ctx context.Context, task Task) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}

	now := m.now()
	task = withScheduleDefaults(task, now)

	m.mu.Lock()
	if _, exists := m.tasks[task.ID]; exists {
		m.mu.Unlock()
		return Task{}, ErrDuplicate
	}
	m.tasks[task.ID] = task
	m.mu.Unlock()

	m.publish(EventScheduled, task)
	return task, nil
}

// Get returns a task by ID.
func (m *MemoryStore) Get(ctx context.Context, id string) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return task, nil
}

// List returns a snapshot of all tasks ordered by RunAt, then ID.
//
// The returned slice is a copy; modifications do not affect the store.
func (m *MemoryStore) List(ctx context.Context) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	tasks := make([]Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task)
	}
	m.mu.Unlock()

	sortTasks(tasks)
	return tasks, nil
}

// Claim takes ownership of up to opts.Size claimable tasks.
func (m *MemoryStore) Claim(ctx context.Context, opts ClaimOptions) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Size <= 0 {
		return nil, nil
	}

	types := typeSet(opts.Types)

	m.mu.Lock()
	candidates := make([]Task, 0)
	for _, task := range m.tasks {
		if types != nil {
			if _, ok := types[task.TaskType]; !ok {
				continue
			}
		}
		if claimable(task, opts.Now) {
			candidates = append(candidates, task)
		}
	}
	sortTasks(candidates)
	if len(candidates) > opts.Size {
		candidates = candidates[:opts.Size]
	}

	updatedAt := m.now()
	for i := range candidates {
		candidates[i].Status = StatusClaiming
		candidates[i].OwnerID = opts.OwnerID
		candidates[i].RetryAt = opts.RetryAt
		candidates[i].UpdatedAt = updatedAt
		candidates[i].Version++
		m.tasks[candidates[i].ID] = candidates[i]
	}
	m.mu.Unlock()

	for _, task := range candidates {
		m.publish(EventClaimed, task)
	}
	return candidates, nil
}

// Update replaces a task if its Version matches the stored one.
func (m *MemoryStore) Update(ctx context.Context, task Task) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}

	m.mu.Lock()
	current, ok := m.tasks[task.ID]
	if !ok {
		m.mu.Unlock()
		return Task{}, ErrNotFound
	}
	if current.Version != task.Version {
		m.mu.Unlock()
		return Task{}, ErrConflict
	}
	task.Version++
	task.UpdatedAt = m.now()
	m.tasks[task.ID] = task
	m.mu.Unlock()

	m.publish(EventUpdated, task)
	return task, nil
}

// Remove deletes a task.
func (m *MemoryStore) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.tasks, id)
	m.mu.Unlock()

	m.publish(EventRemoved, task)
	return nil
}

// Close closes all subscriber channels. The store remains readable.
func (m *MemoryStore) Close() error {
	m.closeAll()
	return nil
}

// withScheduleDefaults fills in the fields every newly scheduled task needs.
func withScheduleDefaults(task Task, now time.Time) Task {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.RunAt.IsZero() {
		task.RunAt = now
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	task.Status = StatusIdle
	task.Attempts = 0
	task.OwnerID = ""
	task.RetryAt = time.Time{}
	task.StartedAt = time.Time{}
	task.UpdatedAt = now
	task.Version = 1
	return task
}
