// Package persistence implements the State Persistence capability: durable
// per-task state with an atomic circuit-breaker counter, an append-only
// execution log, and bounded-TTL pending-approval records, all backed by
// SQLite through internal/sqlitedb. Every call runs on a dedicated worker
// pool; the caller waits for the result but can stop waiting when its
// context is canceled.
package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"botticelli/internal/logx"
)

var log = logx.New("persistence")

// Store is the SQLite-backed State Persistence implementation.
type Store struct {
	db   *sql.DB
	pool *workerPool
}

// New bootstraps the persistence schema on db and starts its worker pool.
// db should come from internal/sqlitedb.Open/OpenMemory, which already
// applies the WAL/single-writer settings this package's worker pool
// assumes.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, pool: newWorkerPool(1)}
	if err := s.bootstrap(context.Background()); err != nil {
		s.pool.stop()
		return nil, err
	}
	return s, nil
}

// Close stops the worker pool. It does not close db; the caller owns that
// connection's lifecycle (it may be shared with internal/storage).
func (s *Store) Close() {
	s.pool.stop()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS task_state (
	task_id              TEXT PRIMARY KEY,
	actor_name           TEXT NOT NULL,
	last_run             TEXT,
	next_run             TEXT,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	is_paused            INTEGER NOT NULL DEFAULT 0,
	metadata             TEXT NOT NULL DEFAULT '{}',
	updated_at           TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS execution_log (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id          TEXT NOT NULL,
	actor_name       TEXT NOT NULL,
	started_at       TEXT NOT NULL,
	completed_at     TEXT,
	success          INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT,
	skills_succeeded INTEGER NOT NULL DEFAULT 0,
	skills_failed    INTEGER NOT NULL DEFAULT 0,
	skills_skipped   INTEGER NOT NULL DEFAULT 0,
	metadata         TEXT NOT NULL DEFAULT '{}'
)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_log_task_id ON execution_log(task_id)`,
	`CREATE TABLE IF NOT EXISTS pending_actions (
	id              TEXT PRIMARY KEY,
	narrative_id    TEXT NOT NULL,
	command         TEXT NOT NULL,
	args            TEXT NOT NULL DEFAULT '{}',
	reason          TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	expires_at      TEXT NOT NULL,
	decision        TEXT NOT NULL DEFAULT 'pending',
	decider         TEXT NOT NULL DEFAULT '',
	decision_reason TEXT NOT NULL DEFAULT ''
)`,
}

func (s *Store) bootstrap(ctx context.Context) error {
	return s.pool.run(ctx, func() error {
		for _, stmt := range schemaStatements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("persistence: bootstrap schema: %w", err)
			}
		}
		return nil
	})
}
