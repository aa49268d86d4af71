// Package storage implements the Storage capability: dynamic content
// tables created from either a named template or an inferred JSON schema,
// row insertion with provenance columns, read queries the narrative
// executor's Table inputs resolve against, and generation-tracking records
// for the Act-Processor Pipeline.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"botticelli/internal/logx"
	"botticelli/internal/telemetry"
)

var log = logx.New("storage")
var tracer = telemetry.NewTracer("storage")

// Store is the SQLite-backed Storage implementation. It satisfies
// executor.TableQuerier directly and exposes the additional operations the
// Act-Processor Pipeline needs for table creation and generation tracking.
type Store struct {
	db        *sql.DB
	templates *TemplateRegistry

	mu     sync.RWMutex
	schema map[string]Schema // cached per-table schema, keyed by table name
}

// New wraps an already-open database handle. Callers typically obtain db
// via sqlitedb.Open so every component sharing a database file agrees on
// its connection settings.
func New(db *sql.DB, templates *TemplateRegistry) (*Store, error) {
	if templates == nil {
		templates = NewTemplateRegistry()
	}
	s := &Store{db: db, templates: templates, schema: make(map[string]Schema)}
	if err := s.bootstrap(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) bootstrap(ctx context.Context) error {
	const createGenerations = `
CREATE TABLE IF NOT EXISTS content_generations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  table_name TEXT NOT NULL,
  narrative_file TEXT,
  narrative_name TEXT,
  status TEXT NOT NULL,
  row_count INTEGER,
  generation_duration_ms INTEGER,
  error_message TEXT,
  started_at TEXT NOT NULL,
  completed_at TEXT
)`
	if _, err := s.db.ExecContext(ctx, createGenerations); err != nil {
		return fmt.Errorf("storage: bootstrap content_generations: %w", err)
	}
	return nil
}

// CreateTableFromTemplate materializes a named template into a concrete
// table, caching its schema. Idempotent: an existing table is left as-is.
func (s *Store) CreateTableFromTemplate(ctx context.Context, tableName, template string, narrativeName, description string) error {
	if err := validIdentifier(tableName); err != nil {
		return err
	}
	schema, err := s.templates.Resolve(template, tableName)
	if err != nil {
		return err
	}
	return s.createTable(ctx, schema)
}

// CreateTableFromInference infers a schema from a JSON sample row and
// materializes it, caching the inferred schema for subsequent inserts.
func (s *Store) CreateTableFromInference(ctx context.Context, tableName string, sample map[string]any) error {
	if err := validIdentifier(tableName); err != nil {
		return err
	}
	schema := inferSchema(tableName, sample)
	return s.createTable(ctx, schema)
}

func (s *Store) createTable(ctx context.Context, schema Schema) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL(schema)); err != nil {
		return fmt.Errorf("storage: create table %q: %w", schema.Table, err)
	}
	s.mu.Lock()
	s.schema[schema.Table] = schema
	s.mu.Unlock()
	log.Info("table %q ready (%d columns)", schema.Table, len(schema.Columns))
	return nil
}

// CachedSchema returns the schema storage has cached (or reflected from
// the database) for table, without creating it. Used by schema-drift
// checks that compare a narrative's declared table columns against what
// actually exists.
func (s *Store) CachedSchema(ctx context.Context, table string) (Schema, error) {
	return s.cachedSchema(ctx, table)
}

func (s *Store) cachedSchema(ctx context.Context, table string) (Schema, error) {
	s.mu.RLock()
	schema, ok := s.schema[table]
	s.mu.RUnlock()
	if ok {
		return schema, nil
	}
	schema, err := s.reflectSchema(ctx, table)
	if err != nil {
		return Schema{}, err
	}
	s.mu.Lock()
	s.schema[table] = schema
	s.mu.Unlock()
	return schema, nil
}

// reflectSchema reads column names and declared types directly from
// SQLite's table_info pragma, for tables that were created outside this
// process (or before the schema cache was warm).
func (s *Store) reflectSchema(ctx context.Context, table string) (Schema, error) {
	if err := validIdentifier(table); err != nil {
		return Schema{}, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return Schema{}, fmt.Errorf("storage: reflect schema for %q: %w", table, err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			dfltValue  sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return Schema{}, fmt.Errorf("storage: scan table_info row: %w", err)
		}
		if name == "id" {
			continue
		}
		columns = append(columns, Column{Name: name, Type: ColumnType(colType)})
	}
	if err := rows.Err(); err != nil {
		return Schema{}, err
	}
	if len(columns) == 0 {
		return Schema{}, fmt.Errorf("storage: table %q has no columns (does it exist?)", table)
	}
	return Schema{Table: table, Columns: columns}, nil
}

// InsertContent inserts one generated row, tagging it with the provenance
// columns every content table carries.
func (s *Store) InsertContent(ctx context.Context, tableName string, data map[string]any, narrativeName, actName, model string) (err error) {
	ctx, span := tracer.StorageIO(ctx, "insert", tableName)
	defer func() { tracer.RecordError(span, err); span.End() }()

	if err := validIdentifier(tableName); err != nil {
		return err
	}
	schema, err := s.cachedSchema(ctx, tableName)
	if err != nil {
		return err
	}

	columns := make([]string, 0, len(data)+4)
	placeholders := make([]string, 0, len(data)+4)
	args := make([]any, 0, len(data)+4)

	for key, value := range data {
		if validIdentifier(key) != nil {
			log.Warn("dropping field %q from insert into %q: not a valid column name", key, tableName)
			continue
		}
		columns = append(columns, key)
		if sqlFn, ok := sqlFunctionLiteral(value); ok {
			placeholders = append(placeholders, sqlFn)
			continue
		}
		placeholders = append(placeholders, "?")
		args = append(args, coerceForColumn(value, schema.ColumnType(key)))
	}

	columns = append(columns, "source_narrative", "source_act", "generation_model", "created_at")
	placeholders = append(placeholders, "?", "?", "?", "?")
	args = append(args, narrativeName, actName, model, time.Now().UTC().Format(time.RFC3339))

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", tableName, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("storage: insert into %q: %w", tableName, err)
	}
	return nil
}

// sqlFunctionLiteral recognizes the spec's "NOW()" magic string (spec.md
// §4.E step 6): a field value that is exactly the literal string "NOW()" is
// emitted as a raw, unparameterized SQL function call instead of being
// bound as ordinary parameter text, so content tables can ask the database
// for its own insert-time clock. No other magic strings are recognized.
func sqlFunctionLiteral(value any) (string, bool) {
	s, ok := value.(string)
	if !ok || s != "NOW()" {
		return "", false
	}
	return "NOW()", true
}

// coerceForColumn marshals composite JSON values to a string for storage
// under a JSON-affinity column; every other value passes through to the
// driver's own type mapping.
func coerceForColumn(value any, colType ColumnType) any {
	if colType != ColumnJSON {
		return value
	}
	switch value.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(b)
	default:
		return value
	}
}

// Query resolves a narrative Table input (read-only).
func (s *Store) Query(ctx context.Context, table string, columns []string, where string, limit, offset *int, orderBy string) ([]map[string]any, error) {
	return s.query(ctx, table, columns, where, limit, offset, orderBy, false)
}

// QueryAndDelete resolves a narrative Table input declared query_and_delete:
// atomically selects then deletes the matching rows within one transaction,
// for queue-style tables an act drains exactly once. Rows are deleted by
// their id column: when columns is non-empty and does not include id, the
// matching rows are returned but none are deleted.
func (s *Store) QueryAndDelete(ctx context.Context, table string, columns []string, where string, limit, offset *int, orderBy string) ([]map[string]any, error) {
	return s.query(ctx, table, columns, where, limit, offset, orderBy, true)
}

func (s *Store) query(ctx context.Context, table string, columns []string, where string, limit, offset *int, orderBy string, andDelete bool) (rows []map[string]any, err error) {
	op := "query"
	if andDelete {
		op = "query_and_delete"
	}
	ctx, span := tracer.StorageIO(ctx, op, table)
	defer func() { tracer.RecordError(span, err); span.End() }()

	if err := validIdentifier(table); err != nil {
		return nil, err
	}
	selectCols := "*"
	if len(columns) > 0 {
		for _, c := range columns {
			if err := validIdentifier(c); err != nil {
				return nil, err
			}
		}
		selectCols = strings.Join(columns, ", ")
	}

	query := fmt.Sprintf("SELECT %s FROM %s", selectCols, table)
	query += whereClause(where)
	if orderBy != "" {
		if err := validIdentifier(strings.TrimSuffix(strings.TrimSuffix(orderBy, " DESC"), " ASC")); err == nil {
			query += " ORDER BY " + orderBy
		}
	}
	if limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *limit)
	}
	if offset != nil {
		query += fmt.Sprintf(" OFFSET %d", *offset)
	}

	if !andDelete {
		return s.runSelect(ctx, s.db, query)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin query_and_delete tx: %w", err)
	}
	defer tx.Rollback()

	rows, err = s.runSelect(ctx, tx, query)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		ids := make([]any, 0, len(rows))
		placeholders := make([]string, 0, len(rows))
		for _, row := range rows {
			if id, ok := row["id"]; ok {
				ids = append(ids, id)
				placeholders = append(placeholders, "?")
			}
		}
		if len(ids) > 0 {
			del := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", table, strings.Join(placeholders, ", "))
			if _, err := tx.ExecContext(ctx, del, ids...); err != nil {
				return nil, fmt.Errorf("storage: query_and_delete delete phase on %q: %w", table, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit query_and_delete tx: %w", err)
	}
	return rows, nil
}

// whereClause wraps a caller-supplied filter expression. The executor's
// TableInput.Where is configuration-time data declared by whoever authors a
// narrative, not runtime LLM output, so it is trusted the same way a
// hand-written SQL fragment in application config would be.
func whereClause(where string) string {
	where = strings.TrimSpace(where)
	if where == "" {
		return ""
	}
	return " WHERE " + where
}

type rowScanner interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) runSelect(ctx context.Context, q rowScanner, query string) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("storage: scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// normalizeValue converts driver-returned []byte (SQLite's usual
// representation for TEXT columns) into a plain string so downstream JSON
// marshaling in the executor's table-formatting code doesn't base64-encode
// text as if it were binary.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// StartGeneration records a new content-generation run in the running
// state. Failures here are logged but deliberately non-fatal to the
// narrative act: tracking is best-effort observability, not a correctness
// requirement of content generation itself.
func (s *Store) StartGeneration(ctx context.Context, tableName, narrativeFile, narrativeName string) {
	const q = `INSERT INTO content_generations (table_name, narrative_file, narrative_name, status, started_at) VALUES (?, ?, ?, 'running', ?)`
	if _, err := s.db.ExecContext(ctx, q, tableName, narrativeFile, narrativeName, time.Now().UTC().Format(time.RFC3339)); err != nil {
		log.Warn("could not start generation tracking for %q: %v", tableName, err)
	}
}

// CompleteGeneration updates the most recent running generation record for
// tableName with its final outcome.
func (s *Store) CompleteGeneration(ctx context.Context, tableName string, rowCount *int, durationMs int, status string, errMessage *string) {
	const q = `
UPDATE content_generations SET status = ?, row_count = ?, generation_duration_ms = ?, error_message = ?, completed_at = ?
WHERE id = (SELECT id FROM content_generations WHERE table_name = ? AND status = 'running' ORDER BY id DESC LIMIT 1)`
	if _, err := s.db.ExecContext(ctx, q, status, rowCount, durationMs, errMessage, time.Now().UTC().Format(time.RFC3339), tableName); err != nil {
		log.Warn("could not complete generation tracking for %q: %v", tableName, err)
	}
}

// DB exposes the underlying connection so other components that must share
// the same SQLite file (persistence, security) can open their own tables
// against it without this package knowing about them.
func (s *Store) DB() *sql.DB { return s.db }

// TableStats returns table's current row count, for the database platform's
// "get_stats" bot command.
func (s *Store) TableStats(ctx context.Context, table string) (int, error) {
	if err := validIdentifier(table); err != nil {
		return 0, err
	}
	var count int
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("table stats for %s: %w", table, err)
	}
	return count, nil
}
