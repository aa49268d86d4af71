package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TaskState is one row per actor-task: spec.md §4.I names it as carrying
// the circuit-breaker counter alongside scheduling bookkeeping.
type TaskState struct {
	TaskID              string
	ActorName           string
	LastRun             *time.Time
	NextRun             *time.Time
	ConsecutiveFailures int
	IsPaused            bool
	Metadata            string // opaque JSON, caller-defined shape
	UpdatedAt           time.Time
}

const timeLayout = time.RFC3339Nano

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("persistence: parse timestamp %q: %w", v.String, err)
	}
	return &t, nil
}

// UpsertTaskState inserts or fully replaces the row for state.TaskID.
func (s *Store) UpsertTaskState(ctx context.Context, state TaskState) error {
	return s.pool.run(ctx, func() error {
		const q = `
INSERT INTO task_state (task_id, actor_name, last_run, next_run, consecutive_failures, is_paused, metadata, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	actor_name = excluded.actor_name,
	last_run = excluded.last_run,
	next_run = excluded.next_run,
	consecutive_failures = excluded.consecutive_failures,
	is_paused = excluded.is_paused,
	metadata = excluded.metadata,
	updated_at = excluded.updated_at`
		metadata := state.Metadata
		if metadata == "" {
			metadata = "{}"
		}
		_, err := s.db.ExecContext(ctx, q,
			state.TaskID, state.ActorName, formatTime(state.LastRun), formatTime(state.NextRun),
			state.ConsecutiveFailures, state.IsPaused, metadata, time.Now().UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("persistence: upsert task state %s: %w", state.TaskID, err)
		}
		return nil
	})
}

// LoadTaskState returns the row for taskID, or a *TaskNotFoundError.
func (s *Store) LoadTaskState(ctx context.Context, taskID string) (*TaskState, error) {
	var state *TaskState
	err := s.pool.run(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT task_id, actor_name, last_run, next_run, consecutive_failures, is_paused, metadata, updated_at FROM task_state WHERE task_id = ?`, taskID)
		st, scanErr := scanTaskState(row, taskID)
		if scanErr != nil {
			return scanErr
		}
		state = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// DeleteTaskState removes taskID's row, if any. Deleting a task with no row
// is not an error.
func (s *Store) DeleteTaskState(ctx context.Context, taskID string) error {
	return s.pool.run(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM task_state WHERE task_id = ?`, taskID)
		if err != nil {
			return fmt.Errorf("persistence: delete task state %s: %w", taskID, err)
		}
		return nil
	})
}

// ListAllTasks returns every task_state row, ordered by task id.
func (s *Store) ListAllTasks(ctx context.Context) ([]TaskState, error) {
	return s.listTasks(ctx, "SELECT task_id, actor_name, last_run, next_run, consecutive_failures, is_paused, metadata, updated_at FROM task_state ORDER BY task_id")
}

// ListActiveTasks returns every task_state row with is_paused = false.
func (s *Store) ListActiveTasks(ctx context.Context) ([]TaskState, error) {
	return s.listTasks(ctx, "SELECT task_id, actor_name, last_run, next_run, consecutive_failures, is_paused, metadata, updated_at FROM task_state WHERE is_paused = 0 ORDER BY task_id")
}

// ListPausedTasks returns every task_state row with is_paused = true.
func (s *Store) ListPausedTasks(ctx context.Context) ([]TaskState, error) {
	return s.listTasks(ctx, "SELECT task_id, actor_name, last_run, next_run, consecutive_failures, is_paused, metadata, updated_at FROM task_state WHERE is_paused = 1 ORDER BY task_id")
}

// ListTasksByActor returns every task_state row for actorName.
func (s *Store) ListTasksByActor(ctx context.Context, actorName string) ([]TaskState, error) {
	var states []TaskState
	err := s.pool.run(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, "SELECT task_id, actor_name, last_run, next_run, consecutive_failures, is_paused, metadata, updated_at FROM task_state WHERE actor_name = ? ORDER BY task_id", actorName)
		if err != nil {
			return fmt.Errorf("persistence: list tasks for actor %s: %w", actorName, err)
		}
		defer rows.Close()
		states, err = scanTaskStates(rows)
		return err
	})
	return states, err
}

func (s *Store) listTasks(ctx context.Context, query string) ([]TaskState, error) {
	var states []TaskState
	err := s.pool.run(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("persistence: list tasks: %w", err)
		}
		defer rows.Close()
		states, err = scanTaskStates(rows)
		return err
	})
	return states, err
}

// UpdateNextRun sets next_run for taskID without touching any other field.
func (s *Store) UpdateNextRun(ctx context.Context, taskID string, next time.Time) error {
	return s.pool.run(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE task_state SET next_run = ?, updated_at = ? WHERE task_id = ?`,
			formatTime(&next), time.Now().UTC().Format(timeLayout), taskID)
		if err != nil {
			return fmt.Errorf("persistence: update next_run for %s: %w", taskID, err)
		}
		return requireRowAffected(res, taskID)
	})
}

// PauseTask sets is_paused = true.
func (s *Store) PauseTask(ctx context.Context, taskID string) error {
	return s.setPaused(ctx, taskID, true)
}

// ResumeTask sets is_paused = false.
func (s *Store) ResumeTask(ctx context.Context, taskID string) error {
	return s.setPaused(ctx, taskID, false)
}

func (s *Store) setPaused(ctx context.Context, taskID string, paused bool) error {
	return s.pool.run(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE task_state SET is_paused = ?, updated_at = ? WHERE task_id = ?`,
			paused, time.Now().UTC().Format(timeLayout), taskID)
		if err != nil {
			return fmt.Errorf("persistence: set is_paused=%t for %s: %w", paused, taskID, err)
		}
		return requireRowAffected(res, taskID)
	})
}

// RecordFailure atomically increments task_state.consecutive_failures for
// taskID and reports whether the new count exceeds threshold, all within
// one worker-pool job so no other call can observe or modify the counter
// in between the read and the write (spec.md invariant: "record_failure
// reads-modifies-writes consecutive_failures in one transaction").
func (s *Store) RecordFailure(ctx context.Context, taskID string, threshold int) (exceeded bool, err error) {
	err = s.pool.run(ctx, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("persistence: begin record_failure tx: %w", txErr)
		}
		defer tx.Rollback() //nolint:errcheck // no-op once committed

		var current int
		row := tx.QueryRowContext(ctx, `SELECT consecutive_failures FROM task_state WHERE task_id = ?`, taskID)
		if scanErr := row.Scan(&current); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				return &TaskNotFoundError{TaskID: taskID}
			}
			return fmt.Errorf("persistence: read consecutive_failures for %s: %w", taskID, scanErr)
		}

		current++
		if _, execErr := tx.ExecContext(ctx, `UPDATE task_state SET consecutive_failures = ?, updated_at = ? WHERE task_id = ?`,
			current, time.Now().UTC().Format(timeLayout), taskID); execErr != nil {
			return fmt.Errorf("persistence: increment consecutive_failures for %s: %w", taskID, execErr)
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("persistence: commit record_failure for %s: %w", taskID, commitErr)
		}
		exceeded = current > threshold
		return nil
	})
	return exceeded, err
}

// RecordAttempt stamps last_run without touching consecutive_failures, for
// callers that track success/failure counting separately (the schedule
// runtime calls this on every attempt, win or lose, since a schedule's next
// check needs to know when the task was last tried).
func (s *Store) RecordAttempt(ctx context.Context, taskID string, at time.Time) error {
	return s.pool.run(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE task_state SET last_run = ?, updated_at = ? WHERE task_id = ?`,
			formatTime(&at), time.Now().UTC().Format(timeLayout), taskID)
		if err != nil {
			return fmt.Errorf("persistence: record attempt for %s: %w", taskID, err)
		}
		return requireRowAffected(res, taskID)
	})
}

// RecordSuccess resets consecutive_failures to 0 and stamps last_run to now.
func (s *Store) RecordSuccess(ctx context.Context, taskID string) error {
	return s.pool.run(ctx, func() error {
		now := time.Now().UTC().Format(timeLayout)
		res, err := s.db.ExecContext(ctx, `UPDATE task_state SET consecutive_failures = 0, last_run = ?, updated_at = ? WHERE task_id = ?`,
			now, now, taskID)
		if err != nil {
			return fmt.Errorf("persistence: record success for %s: %w", taskID, err)
		}
		return requireRowAffected(res, taskID)
	})
}

func requireRowAffected(res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("persistence: rows affected for %s: %w", taskID, err)
	}
	if n == 0 {
		return &TaskNotFoundError{TaskID: taskID}
	}
	return nil
}

func scanTaskState(row *sql.Row, taskID string) (*TaskState, error) {
	var st TaskState
	var lastRun, nextRun sql.NullString
	var updatedAt string
	if err := row.Scan(&st.TaskID, &st.ActorName, &lastRun, &nextRun, &st.ConsecutiveFailures, &st.IsPaused, &st.Metadata, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("persistence: scan task state: %w", err)
	}
	var err error
	if st.LastRun, err = parseTime(lastRun); err != nil {
		return nil, err
	}
	if st.NextRun, err = parseTime(nextRun); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeLayout, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("persistence: parse updated_at: %w", err)
	}
	st.UpdatedAt = t
	return &st, nil
}

func scanTaskStates(rows *sql.Rows) ([]TaskState, error) {
	var out []TaskState
	for rows.Next() {
		var st TaskState
		var lastRun, nextRun sql.NullString
		var updatedAt string
		if err := rows.Scan(&st.TaskID, &st.ActorName, &lastRun, &nextRun, &st.ConsecutiveFailures, &st.IsPaused, &st.Metadata, &updatedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan task state row: %w", err)
		}
		var err error
		if st.LastRun, err = parseTime(lastRun); err != nil {
			return nil, err
		}
		if st.NextRun, err = parseTime(nextRun); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("persistence: parse updated_at: %w", err)
		}
		st.UpdatedAt = t
		out = append(out, st)
	}
	return out, rows.Err()
}
