package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/depthkit/internal/task"
)

// RecordTask stores a finished task. It implements task.History.
func (db *DB) RecordTask(ctx context.Context, s task.Snapshot) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO task_history (id, name, state, progress, cancelled, error,
			created_unix_nanos, started_unix_nanos, finished_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			progress = excluded.progress,
			cancelled = excluded.cancelled,
			error = excluded.error,
			started_unix_nanos = excluded.started_unix_nanos,
			finished_unix_nanos = excluded.finished_unix_nanos`,
		s.ID, s.Name, string(s.State), s.Progress, s.Cancelled, s.Error,
		s.CreatedAt.UnixNano(), nanosOrNull(s.StartedAt), nanosOrNull(s.FinishedAt))
	if err != nil {
		return fmt.Errorf("record task %s: %w", s.ID, err)
	}
	return nil
}

// TaskHistory returns up to limit finished tasks, newest first. A limit of
// zero or less returns all of them.
func (db *DB) TaskHistory(ctx context.Context, limit int) ([]task.Snapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, state, progress, cancelled, error,
			created_unix_nanos, started_unix_nanos, finished_unix_nanos
		FROM task_history
		ORDER BY created_unix_nanos DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Snapshot
	for rows.Next() {
		var (
			s                 task.Snapshot
			state             string
			created           int64
			started, finished sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.Name, &state, &s.Progress, &s.Cancelled, &s.Error,
			&created, &started, &finished); err != nil {
			return nil, err
		}
		s.State = task.State(state)
		s.CreatedAt = time.Unix(0, created).UTC()
		s.StartedAt = timeOrNil(started)
		s.FinishedAt = timeOrNil(finished)
		out = append(out, s)
	}
	return out, rows.Err()
}

func nanosOrNull(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeOrNil(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
