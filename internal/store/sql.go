package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	// database/sql drivers for the supported dialects
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect describes the SQL flavour spoken by the database behind a [SQLStore].
type Dialect struct {
	// Name is the dialect name used in configuration ("sqlite", "postgres").
	Name string

	// Driver is the database/sql driver name registered for the dialect.
	Driver string

	// lockClause is appended to the claim subquery to skip rows locked by
	// concurrent claimers.
	lockClause string

	// numbered reports whether placeholders are written as $1, $2, ...
	numbered bool
}

var (
	// SQLite is the dialect for modernc.org/sqlite. SQLite serializes writers,
	// so the claim UPDATE is atomic without row locks.
	SQLite = Dialect{Name: "sqlite", Driver: "sqlite"}

	// Postgres is the dialect for the pgx stdlib driver.
	Postgres = Dialect{Name: "postgres", Driver: "pgx", lockClause: "FOR UPDATE SKIP LOCKED", numbered: true}
)

// DialectByName looks up a supported dialect.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case SQLite.Name, "sqlite3":
		return SQLite, nil
	case Postgres.Name, "postgresql", "pgx":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported sql dialect %q", name)
	}
}

// rebind rewrites ? placeholders into the dialect's native form.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const taskColumns = `id, task_type, params, state, status, attempts, interval_ms,
run_at, retry_at, scheduled_at, started_at, updated_at, owner_id, last_error, version`

// SQL statements kept as constants for clarity and reuse
const (
	createTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    task_type    TEXT NOT NULL,
    params       TEXT NOT NULL DEFAULT '',
    state        TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    attempts     INTEGER NOT NULL DEFAULT 0,
    interval_ms  BIGINT NOT NULL DEFAULT 0,
    run_at       BIGINT NOT NULL,
    retry_at     BIGINT NOT NULL DEFAULT 0,
    scheduled_at BIGINT NOT NULL,
    started_at   BIGINT NOT NULL DEFAULT 0,
    updated_at   BIGINT NOT NULL,
    owner_id     TEXT NOT NULL DEFAULT '',
    last_error   TEXT NOT NULL DEFAULT '',
    version      BIGINT NOT NULL DEFAULT 1
)`

	createIndexSQL = `CREATE INDEX IF NOT EXISTS tasks_claim_idx ON tasks (status, run_at)`

	insertTaskSQL = `INSERT INTO tasks (` + taskColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

	selectTaskSQL = `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	listTasksSQL = `SELECT ` + taskColumns + ` FROM tasks ORDER BY run_at ASC, id ASC`

	updateTaskSQL = `
UPDATE tasks
SET task_type = ?, params = ?, state = ?, status = ?, attempts = ?, interval_ms = ?,
    run_at = ?, retry_at = ?, scheduled_at = ?, started_at = ?, updated_at = ?,
    owner_id = ?, last_error = ?, version = version + 1
WHERE id = ? AND version = ?`

	deleteTaskSQL = `DELETE FROM tasks WHERE id = ?`

	// claimTasksSQL is completed by buildClaimQuery with the type filter and
	// the dialect's lock clause.
	claimTasksSQL = `
UPDATE tasks
SET status = 'claiming', owner_id = ?, retry_at = ?, updated_at = ?, version = version + 1
WHERE id IN (
    SELECT id FROM tasks
    WHERE ((status = 'idle' AND run_at <= ?)
        OR (status IN ('claiming', 'running') AND retry_at > 0 AND retry_at <= ?))%s
    ORDER BY run_at ASC, id ASC
    LIMIT ?
    %s
)
RETURNING ` + taskColumns
)

// SQLStore is a database/sql implementation of [Store].
//
// Claims are a single UPDATE ... RETURNING statement, so concurrent owners
// sharing one database never receive the same task. Events are published to
// subscribers of this SQLStore instance only; writes made by other processes
// are not observed.
type SQLStore struct {
	*broadcaster

	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore wraps an open database. Call [SQLStore.Migrate] before use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		broadcaster: newBroadcaster(),
		db:          db,
		dialect:     dialect,
		now:         time.Now,
	}
}

// Open opens a database for the named dialect and verifies the connection.
func Open(ctx context.Context, dialectName, dsn string) (*sql.DB, Dialect, error) {
	dialect, err := DialectByName(dialectName)
	if err != nil {
		return nil, Dialect{}, err
	}

	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if dialect == SQLite {
		// a single connection keeps :memory: databases shared and avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Dialect{}, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}
	return db, dialect, nil
}

// Migrate creates the tasks table and its claim index. Safe to call repeatedly.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range []string{createTableSQL, createIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate tasks table: %w", err)
		}
	}
	return nil
}

// Schedule inserts a new task. The insert is a no-op on an existing ID,
// which is reported as [ErrDuplicate].
func (s *SQLStore) Schedule(ctx context.Context, task Task) (Task, error) {
	task = withScheduleDefaults(task, s.now())
	task = truncateTimes(task)

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(insertTaskSQL),
		task.ID, task.TaskType, string(task.Params), string(task.State), string(task.Status),
		task.Attempts, task.Interval.Milliseconds(),
		toMillis(task.RunAt), toMillis(task.RetryAt), toMillis(task.ScheduledAt),
		toMillis(task.StartedAt), toMillis(task.UpdatedAt),
		task.OwnerID, task.LastError, task.Version,
	)
	if err != nil {
		return Task{}, fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Task{}, fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	if n == 0 {
		return Task{}, ErrDuplicate
	}

	s.publish(EventScheduled, task)
	return task, nil
}

// Get returns a task by ID.
func (s *SQLStore) Get(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(selectTaskSQL), id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// List returns all tasks ordered by RunAt, then ID.
func (s *SQLStore) List(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, listTasksSQL)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Claim takes ownership of up to opts.Size claimable tasks.
func (s *SQLStore) Claim(ctx context.Context, opts ClaimOptions) ([]Task, error) {
	if opts.Size <= 0 {
		return nil, nil
	}

	query, args := s.buildClaimQuery(opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}

	// RETURNING order is unspecified
	sortTasks(tasks)
	for _, task := range tasks {
		s.publish(EventClaimed, task)
	}
	return tasks, nil
}

// buildClaimQuery renders the claim statement and its arguments.
func (s *SQLStore) buildClaimQuery(opts ClaimOptions) (string, []any) {
	now := toMillis(opts.Now)
	args := []any{opts.OwnerID, toMillis(opts.RetryAt), toMillis(s.now()), now, now}

	typeFilter := ""
	if len(opts.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(opts.Types)), ", ")
		typeFilter = "\n      AND task_type IN (" + placeholders + ")"
		for _, t := range opts.Types {
			args = append(args, t)
		}
	}
	args = append(args, opts.Size)

	query := fmt.Sprintf(claimTasksSQL, typeFilter, s.dialect.lockClause)
	return s.dialect.rebind(query), args
}

// Update replaces a task if its Version matches the stored one.
func (s *SQLStore) Update(ctx context.Context, task Task) (Task, error) {
	task = truncateTimes(task)
	task.UpdatedAt = truncate(s.now())

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(updateTaskSQL),
		task.TaskType, string(task.Params), string(task.State), string(task.Status),
		task.Attempts, task.Interval.Milliseconds(),
		toMillis(task.RunAt), toMillis(task.RetryAt), toMillis(task.ScheduledAt),
		toMillis(task.StartedAt), toMillis(task.UpdatedAt),
		task.OwnerID, task.LastError,
		task.ID, task.Version,
	)
	if err != nil {
		return Task{}, fmt.Errorf("update task %s: %w", task.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Task{}, fmt.Errorf("update task %s: %w", task.ID, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, task.ID); err != nil {
			return Task{}, err
		}
		return Task{}, ErrConflict
	}

	task.Version++
	s.publish(EventUpdated, task)
	return task, nil
}

// Remove deletes a task.
func (s *SQLStore) Remove(ctx context.Context, id string) error {
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(deleteTaskSQL), id)
	if err != nil {
		return fmt.Errorf("remove task %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	s.publish(EventRemoved, task)
	return nil
}

// Close closes subscriber channels and the underlying database.
func (s *SQLStore) Close() error {
	s.closeAll()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t             Task
		params, state string
		status        string
		intervalMs    int64
		runAt         int64
		retryAt       int64
		scheduledAt   int64
		startedAt     int64
		updatedAt     int64
	)
	err := row.Scan(&t.ID, &t.TaskType, &params, &state, &status, &t.Attempts, &intervalMs,
		&runAt, &retryAt, &scheduledAt, &startedAt, &updatedAt,
		&t.OwnerID, &t.LastError, &t.Version)
	if err != nil {
		return Task{}, err
	}

	if params != "" {
		t.Params = json.RawMessage(params)
	}
	if state != "" {
		t.State = json.RawMessage(state)
	}
	t.Status = Status(status)
	t.Interval = time.Duration(intervalMs) * time.Millisecond
	t.RunAt = fromMillis(runAt)
	t.RetryAt = fromMillis(retryAt)
	t.ScheduledAt = fromMillis(scheduledAt)
	t.StartedAt = fromMillis(startedAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// toMillis stores the zero time as 0 so unset columns stay comparable.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func truncate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli())
}

// truncateTimes drops sub-millisecond precision so returned tasks match what
// a later read yields.
func truncateTimes(t Task) Task {
	t.RunAt = truncate(t.RunAt)
	t.RetryAt = truncate(t.RetryAt)
	t.ScheduledAt = truncate(t.ScheduledAt)
	t.StartedAt = truncate(t.StartedAt)
	t.UpdatedAt = truncate(t.UpdatedAt)
	return t
}
