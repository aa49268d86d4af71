package storage

import (
	"fmt"
	"sort"
)

// ColumnType is the small set of SQL column affinities content tables use.
// JSON columns store a marshaled JSON string (SQLite has no native JSON
// type; Postgres callers may prefer jsonb, but this implementation targets
// the SQLite default backend).
type ColumnType string

const (
	ColumnText    ColumnType = "TEXT"
	ColumnInteger ColumnType = "INTEGER"
	ColumnReal    ColumnType = "REAL"
	ColumnBoolean ColumnType = "BOOLEAN"
	ColumnJSON    ColumnType = "TEXT" // marshaled JSON
)

// Column describes one content-table column.
type Column struct {
	Name string
	Type ColumnType
}

// Schema is a content table's column list, used both for CREATE TABLE
// statements and to type-check values before INSERT.
type Schema struct {
	Table   string
	Columns []Column
}

// ColumnType looks up a column's declared type, defaulting to TEXT for an
// unknown column (matches SQLite's permissive type affinity).
func (s Schema) ColumnType(name string) ColumnType {
	for _, c := range s.Columns {
		if c.Name == name {
			return c.Type
		}
	}
	return ColumnText
}

// MissingColumns reports which of names aren't present in the schema, in
// the order given. Used by schema-drift checks against a narrative's
// declared table-input columns.
func (s Schema) MissingColumns(names []string) []string {
	var missing []string
	for _, name := range names {
		found := false
		for _, c := range s.Columns {
			if c.Name == name {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, name)
		}
	}
	return missing
}

// provenanceColumns are appended to every content table regardless of
// template or inferred schema, so every generated row can be traced back to
// the narrative run that produced it.
var provenanceColumns = []Column{
	{Name: "source_narrative", Type: ColumnText},
	{Name: "source_act", Type: ColumnText},
	{Name: "generation_model", Type: ColumnText},
	{Name: "created_at", Type: ColumnText},
}

// inferSchema derives a Schema from a sample JSON object: each key becomes a
// column typed from the sample value's JSON type. Nested objects/arrays are
// stored as marshaled JSON text. Keys that aren't valid SQL identifiers
// (e.g. an LLM emitting a key with spaces or punctuation) are skipped rather
// than rejected outright — partial extraction beats aborting the whole act.
func inferSchema(table string, sample map[string]any) Schema {
	keys := make([]string, 0, len(sample))
	for k := range sample {
		if validIdentifier(k) != nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic column order for tests and CREATE TABLE text

	columns := make([]Column, 0, len(keys))
	for _, k := range keys {
		columns = append(columns, Column{Name: k, Type: inferColumnType(sample[k])})
	}
	return Schema{Table: table, Columns: append(columns, provenanceColumns...)}
}

func inferColumnType(v any) ColumnType {
	switch val := v.(type) {
	case bool:
		return ColumnBoolean
	case float64:
		if val == float64(int64(val)) {
			return ColumnInteger
		}
		return ColumnReal
	case string:
		return ColumnText
	case nil:
		return ColumnText
	case map[string]any, []any:
		return ColumnJSON
	default:
		return ColumnText
	}
}

// createTableSQL renders a CREATE TABLE IF NOT EXISTS statement for schema.
// Table names are validated by validIdentifier before this is ever called, so
// no user-controlled value reaches this string beyond an already-validated
// identifier and a fixed column-type vocabulary.
func createTableSQL(schema Schema) string {
	sql := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  id INTEGER PRIMARY KEY AUTOINCREMENT", schema.Table)
	for _, c := range schema.Columns {
		sql += fmt.Sprintf(",\n  %s %s", c.Name, c.Type)
	}
	sql += "\n)"
	return sql
}
