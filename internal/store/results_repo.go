package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskflow/internal/core"
)

// RecordResult inserts a finalized result and prunes the task's history to
// the retention limit.
func (s *SQLiteStore) RecordResult(ctx context.Context, result *core.TaskResult) error {
	var payload any
	if result.Result != nil {
		data, err := json.Marshal(result.Result)
		if err != nil {
			return fmt.Errorf("encode result value: %w", err)
		}
		payload = string(data)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO results (task_id, status, start_time, end_time, duration, attempts, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, result.TaskID, result.Status, result.StartTime.UTC().Format(time.RFC3339Nano),
		nullableTime(result.EndTime), result.Duration, result.Attempts, payload, nullableString(result.Error))
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return s.pruneResults(ctx, result.TaskID)
}

func (s *SQLiteStore) pruneResults(ctx context.Context, taskID string) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM results
		WHERE task_id = ? AND seq IN (
			SELECT seq FROM results
			WHERE task_id = ?
			ORDER BY seq DESC
			LIMIT -1 OFFSET ?
		)
	`, taskID, taskID, s.ResultRetention)
	if err != nil {
		return fmt.Errorf("prune results: %w", err)
	}
	return nil
}

// RecentResults returns up to limit of the newest results, oldest first.
func (s *SQLiteStore) RecentResults(ctx context.Context, limit int) ([]*core.TaskResult, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT task_id, status, start_time, end_time, duration, attempts, result, error
		FROM (
			SELECT * FROM results ORDER BY seq DESC LIMIT ?
		)
		ORDER BY seq ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()
	var results []*core.TaskResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func scanResult(scanner interface {
	Scan(dest ...any) error
}) (*core.TaskResult, error) {
	var (
		taskID    string
		status    string
		startTime string
		endTime   sql.NullString
		duration  float64
		attempts  int
		payload   sql.NullString
		errMsg    sql.NullString
	)
	if err := scanner.Scan(&taskID, &status, &startTime, &endTime, &duration, &attempts, &payload, &errMsg); err != nil {
		return nil, fmt.Errorf("scan result: %w", err)
	}
	result := &core.TaskResult{
		TaskID:   taskID,
		Status:   core.TaskStatus(status),
		Duration: duration,
		Attempts: attempts,
		Error:    errMsg.String,
	}
	if t, err := time.Parse(time.RFC3339Nano, startTime); err == nil {
		result.StartTime = t
	}
	if endTime.Valid {
		if t, err := time.Parse(time.RFC3339Nano, endTime.String); err == nil {
			result.EndTime = &t
		}
	}
	if payload.Valid {
		var value any
		if err := json.Unmarshal([]byte(payload.String), &value); err == nil {
			result.Result = value
		} else {
			result.Result = payload.String
		}
	}
	return result, nil
}
