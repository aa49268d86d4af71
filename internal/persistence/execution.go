package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ExecutionLog is one append-only record of a task execution attempt.
type ExecutionLog struct {
	ID              int64
	TaskID          string
	ActorName       string
	StartedAt       time.Time
	CompletedAt     *time.Time
	Success         bool
	ErrorMessage    *string
	SkillsSucceeded int
	SkillsFailed    int
	SkillsSkipped   int
	Metadata        string
}

// StartExecution inserts a new execution_log row with no completion yet and
// returns its id, to be passed to CompleteExecution or FailExecution once
// the run finishes.
func (s *Store) StartExecution(ctx context.Context, taskID, actorName string) (int64, error) {
	var id int64
	err := s.pool.run(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO execution_log (task_id, actor_name, started_at) VALUES (?, ?, ?)`,
			taskID, actorName, time.Now().UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("persistence: start execution for %s: %w", taskID, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("persistence: start execution id for %s: %w", taskID, err)
		}
		return nil
	})
	return id, err
}

// CompleteExecution records the outcome of a previously started execution.
func (s *Store) CompleteExecution(ctx context.Context, executionID int64, success bool, errMessage *string, succeeded, failed, skipped int, metadata string) error {
	if metadata == "" {
		metadata = "{}"
	}
	return s.pool.run(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE execution_log SET completed_at = ?, success = ?, error_message = ?, skills_succeeded = ?, skills_failed = ?, skills_skipped = ?, metadata = ? WHERE id = ?`,
			time.Now().UTC().Format(timeLayout), success, errMessage, succeeded, failed, skipped, metadata, executionID)
		if err != nil {
			return fmt.Errorf("persistence: complete execution %d: %w", executionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("persistence: complete execution %d rows affected: %w", executionID, err)
		}
		if n == 0 {
			return fmt.Errorf("persistence: no execution log row with id %d", executionID)
		}
		return nil
	})
}

// FailExecution is CompleteExecution with success=false and a required
// error message; a convenience wrapper for the common failure path.
func (s *Store) FailExecution(ctx context.Context, executionID int64, errMessage string) error {
	return s.CompleteExecution(ctx, executionID, false, &errMessage, 0, 0, 0, "")
}

// GetExecutionHistory returns the n most recent execution_log rows for
// taskID, newest first.
func (s *Store) GetExecutionHistory(ctx context.Context, taskID string, n int) ([]ExecutionLog, error) {
	var logs []ExecutionLog
	err := s.pool.run(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, task_id, actor_name, started_at, completed_at, success, error_message, skills_succeeded, skills_failed, skills_skipped, metadata
			 FROM execution_log WHERE task_id = ? ORDER BY id DESC LIMIT ?`, taskID, n)
		if err != nil {
			return fmt.Errorf("persistence: execution history for %s: %w", taskID, err)
		}
		defer rows.Close()

		for rows.Next() {
			var l ExecutionLog
			var startedAt string
			var completedAt sql.NullString
			if err := rows.Scan(&l.ID, &l.TaskID, &l.ActorName, &startedAt, &completedAt, &l.Success, &l.ErrorMessage,
				&l.SkillsSucceeded, &l.SkillsFailed, &l.SkillsSkipped, &l.Metadata); err != nil {
				return fmt.Errorf("persistence: scan execution log row: %w", err)
			}
			t, err := time.Parse(timeLayout, startedAt)
			if err != nil {
				return fmt.Errorf("persistence: parse started_at: %w", err)
			}
			l.StartedAt = t
			if completedAt.Valid && completedAt.String != "" {
				ct, err := time.Parse(timeLayout, completedAt.String)
				if err != nil {
					return fmt.Errorf("persistence: parse completed_at: %w", err)
				}
				l.CompletedAt = &ct
			}
			logs = append(logs, l)
		}
		return rows.Err()
	})
	return logs, err
}
