package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/throw-if-null/deepresearch/internal/task"
)

// AppendLog durably writes e and returns it with ID, Seq and CreatedAt
// populated. Entries are never updated afterwards.
func (s *Store) AppendLog(ctx context.Context, e task.LogEntry) (task.LogEntry, error) {
	if e.TaskID == "" {
		return e, errors.New("log entry without task id")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	md := []byte("{}")
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return e, fmt.Errorf("encode log metadata: %w", err)
		}
		md = b
	}

	err := withBusyRetry(func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO task_logs (id, task_id, agent_type, message, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.TaskID, e.AgentType, e.Message, string(md), e.CreatedAt.Format(timeLayout),
		)
		if err != nil {
			return err
		}
		e.Seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if isForeignKeyError(err) {
			return e, ErrNotFound
		}
		return e, fmt.Errorf("append log: %w", err)
	}
	return e, nil
}

// ListLogs returns a task's log entries with seq > after in write order.
// A zero limit returns everything.
func (s *Store) ListLogs(ctx context.Context, taskID string, after int64, limit int) ([]task.LogEntry, error) {
	q := `SELECT seq, id, task_id, agent_type, message, metadata, created_at FROM task_logs WHERE task_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{taskID, after}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.LogEntry
	for rows.Next() {
		var (
			e             task.LogEntry
			md, createdAt string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.TaskID, &e.AgentType, &e.Message, &md, &createdAt); err != nil {
			return nil, err
		}
		if md != "" && md != "{}" {
			if err := json.Unmarshal([]byte(md), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode log metadata: %w", err)
			}
		}
		if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountLogs returns the number of log entries written for a task.
func (s *Store) CountLogs(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_logs WHERE task_id = ?`, taskID).Scan(&n)
	return n, err
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
