package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/throw-if-null/deepresearch/internal/task"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict is returned by Transition when the stored status no longer
// matches the caller's expected status.
var ErrConflict = errors.New("status conflict")

// ErrTerminal is returned when cancellation is requested on a finished task.
var ErrTerminal = errors.New("task already terminal")

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (creating if needed) the SQLite database at path and runs
// migrations. All access goes through a single connection.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	s := New(db)
	if err := s.Init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	quoted := make([]string, len(task.Statuses))
	for i, st := range task.Statuses {
		quoted[i] = "'" + string(st) + "'"
	}

	// v1 schema
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  query TEXT NOT NULL,
  status TEXT NOT NULL CHECK (status IN (` + strings.Join(quoted, ", ") + `)),
  plan TEXT,
  raw_search_results TEXT NOT NULL,
  current_report TEXT,
  feedback_history TEXT NOT NULL,
  revision_count INTEGER NOT NULL DEFAULT 0,
  max_revisions INTEGER NOT NULL CHECK (max_revisions >= 0),
  cancel_requested INTEGER NOT NULL DEFAULT 0,
  reason TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  completed_at TEXT,
  CHECK (revision_count >= 0 AND revision_count <= max_revisions)
);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`
CREATE TABLE IF NOT EXISTS task_logs (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  agent_type TEXT NOT NULL,
  message TEXT NOT NULL,
  metadata TEXT NOT NULL DEFAULT '{}',
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_task_created ON task_logs(task_id, created_at DESC);`,
		`PRAGMA user_version = 1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Create inserts a new pending task. Invalid queries return a
// *task.ValidationError and create nothing.
func (s *Store) Create(ctx context.Context, q task.Query, maxRevisions int) (*task.Task, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	if maxRevisions < 0 {
		return nil, &task.ValidationError{Field: "max_revisions", Message: "must not be negative"}
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:           uuid.NewString(),
		Query:        q,
		Status:       task.StatusPending,
		Sources:      task.Sources{},
		Feedback:     task.FeedbackHistory{},
		MaxRevisions: maxRevisions,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	row, err := encodeTask(t)
	if err != nil {
		return nil, err
	}

	err = withBusyRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO tasks (id, query, status, plan, raw_search_results, current_report, feedback_history, revision_count, max_revisions, cancel_requested, reason, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 0, '', ?, ?)`,
			t.ID, row.query, string(t.Status), row.plan, row.sources, row.report, row.feedback, maxRevisions, now.Format(timeLayout), now.Format(timeLayout),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

const taskColumns = `id, query, status, plan, raw_search_results, current_report, feedback_history, revision_count, max_revisions, cancel_requested, reason, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	return getTask(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTask(ctx context.Context, q querier, id string) (*task.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListOptions filters List. A zero Limit returns everything.
type ListOptions struct {
	Limit  int
	Status task.Status
}

// List returns tasks ordered newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*task.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if opts.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	q += ` ORDER BY created_at DESC, rowid DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	return s.queryTasks(ctx, q, args...)
}

// ListActive returns every non-terminal task, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]*task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status NOT IN (?, ?) ORDER BY created_at ASC, rowid ASC`,
		string(task.StatusCompleted), string(task.StatusFailed))
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Transition is the sole mutator of lifecycle fields. It applies m only if
// the stored status still equals expected, returning ErrConflict otherwise.
func (s *Store) Transition(ctx context.Context, id string, expected task.Status, m task.Mutation) (*task.Task, error) {
	var out *task.Task
	err := withBusyRetry(func() error {
		t, err := s.transitionOnce(ctx, id, expected, m)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Store) transitionOnce(ctx context.Context, id string, expected task.Status, m task.Mutation) (*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != expected {
		return nil, fmt.Errorf("%w: task %s is %s, expected %s", ErrConflict, id, cur.Status, expected)
	}
	next, err := cur.Apply(m, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%s -> %s: %w", expected, m.To, err)
	}
	row, err := encodeTask(&next)
	if err != nil {
		return nil, err
	}

	var completedAt any
	if next.CompletedAt != nil {
		completedAt = next.CompletedAt.Format(timeLayout)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, plan = ?, raw_search_results = ?, current_report = ?, feedback_history = ?, revision_count = ?, reason = ?, updated_at = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(next.Status), row.plan, row.sources, row.report, row.feedback, next.RevisionCount, next.Reason, next.UpdatedAt.Format(timeLayout), completedAt, id, string(expected),
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: task %s changed concurrently", ErrConflict, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &next, nil
}

// RequestCancel records a durable cancellation request. It reports whether
// the flag was newly set.
func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	var changed bool
	err := withBusyRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var status string
		var requested bool
		if err := tx.QueryRowContext(ctx, `SELECT status, cancel_requested FROM tasks WHERE id = ?`, id).Scan(&status, &requested); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if task.Status(status).Terminal() {
			return ErrTerminal
		}
		if requested {
			changed = false
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?`, time.Now().UTC().Format(timeLayout), id); err != nil {
			return err
		}
		changed = true
		return tx.Commit()
	})
	return changed, err
}

// Delete removes a task and, by cascade, its log entries.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) String() string {
	return fmt.Sprintf("store(%p)", s)
}

type encodedTask struct {
	query    string
	plan     any
	sources  string
	report   any
	feedback string
}

func encodeTask(t *task.Task) (encodedTask, error) {
	var row encodedTask
	b, err := task.Encode(task.KindQuery, t.Query)
	if err != nil {
		return row, err
	}
	row.query = string(b)
	if t.Plan != nil {
		b, err := task.Encode(task.KindPlan, t.Plan)
		if err != nil {
			return row, err
		}
		row.plan = string(b)
	}
	sources := t.Sources
	if sources == nil {
		sources = task.Sources{}
	}
	if b, err = task.Encode(task.KindSources, sources); err != nil {
		return row, err
	}
	row.sources = string(b)
	if t.Report != nil {
		b, err := task.Encode(task.KindReport, t.Report)
		if err != nil {
			return row, err
		}
		row.report = string(b)
	}
	feedback := t.Feedback
	if feedback == nil {
		feedback = task.FeedbackHistory{}
	}
	if b, err = task.Encode(task.KindFeedback, feedback); err != nil {
		return row, err
	}
	row.feedback = string(b)
	return row, nil
}

func scanTask(r rowScanner) (*task.Task, error) {
	var (
		t                                task.Task
		query, status, sources, feedback string
		plan, report, completedAt        sql.NullString
		createdAt, updatedAt             string
	)
	if err := r.Scan(&t.ID, &query, &status, &plan, &sources, &report, &feedback, &t.RevisionCount, &t.MaxRevisions, &t.CancelRequested, &t.Reason, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	if err := task.Decode([]byte(query), task.KindQuery, &t.Query); err != nil {
		return nil, err
	}
	if plan.Valid {
		t.Plan = &task.Plan{}
		if err := task.Decode([]byte(plan.String), task.KindPlan, t.Plan); err != nil {
			return nil, err
		}
	}
	if err := task.Decode([]byte(sources), task.KindSources, &t.Sources); err != nil {
		return nil, err
	}
	if report.Valid {
		t.Report = &task.Report{}
		if err := task.Decode([]byte(report.String), task.KindReport, t.Report); err != nil {
			return nil, err
		}
	}
	if err := task.Decode([]byte(feedback), task.KindFeedback, &t.Feedback); err != nil {
		return nil, err
	}
	var err error
	if t.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		c, err := time.Parse(timeLayout, completedAt.String)
		if err != nil {
			return nil, err
		}
		t.CompletedAt = &c
	}
	return &t, nil
}

// withBusyRetry retries fn on SQLITE_BUSY with exponential backoff.
func withBusyRetry(fn func() error) error {
	const maxRetries = 5
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if isSqliteBusy(err) {
			time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
			continue
		}
		return err
	}
	return lastErr
}

// isSqliteBusy reports whether err represents a busy/locked sqlite condition.
func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy") || strings.Contains(msg, "SQLITE_BUSY")
}
