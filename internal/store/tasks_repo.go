package store

import (
	"context"
	"fmt"
	"time"

	"taskflow/internal/core"
)

// LoadTasks reads every stored task in saved order. Rows that fail to decode
// are skipped and logged.
func (s *SQLiteStore) LoadTasks(ctx context.Context) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, data FROM tasks ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		var (
			id   string
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task, err := decodeTask([]byte(data), s.location)
		if err != nil {
			s.logger.Warn().Err(err).Str("task_id", id).Msg("skipping malformed task row")
			continue
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// SaveTasks replaces the stored task set in one transaction.
func (s *SQLiteStore) SaveTasks(ctx context.Context, tasks []*core.Task) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tasks (id, position, data, updated_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert task: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, task := range tasks {
		data, err := encodeTask(task)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", task.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, task.ID, i, string(data), now); err != nil {
			return fmt.Errorf("insert task %s: %w", task.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}
