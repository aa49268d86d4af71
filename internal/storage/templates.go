package storage

import (
	"fmt"
	"regexp"
)

// identifierPattern allows only what this package ever builds unescaped SQL
// identifiers from: ASCII letters, digits, and underscore, not starting with
// a digit. Table and column names ultimately originate from narrative
// config (trusted) or from JSON keys an LLM produced (untrusted) — both
// paths are validated against this before touching any CREATE TABLE or
// INSERT statement.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("storage: %q is not a valid SQL identifier", name)
	}
	return nil
}

// TemplateRegistry maps a named schema template to its Schema, independent
// of any table that happens to use it. Narratives reference a template by
// name via Narrative.Template; new templates can be registered before a
// Store is built.
type TemplateRegistry struct {
	templates map[string][]Column
}

// NewTemplateRegistry builds a registry seeded with a small set of built-in,
// domain-agnostic templates. Callers register additional templates for
// their own narrative's target schema.
func NewTemplateRegistry() *TemplateRegistry {
	r := &TemplateRegistry{templates: make(map[string][]Column)}
	r.Register("note", []Column{
		{Name: "title", Type: ColumnText},
		{Name: "body", Type: ColumnText},
	})
	r.Register("task", []Column{
		{Name: "title", Type: ColumnText},
		{Name: "status", Type: ColumnText},
		{Name: "due_date", Type: ColumnText},
	})
	r.Register("summary", []Column{
		{Name: "subject", Type: ColumnText},
		{Name: "summary_text", Type: ColumnText},
		{Name: "confidence", Type: ColumnReal},
	})
	return r
}

// Register adds or replaces a named template's column list (provenance
// columns are appended automatically when the template is materialized
// into a table, so templates only declare their own content columns).
func (r *TemplateRegistry) Register(name string, columns []Column) {
	r.templates[name] = columns
}

// Resolve looks up a template's schema for a concrete table name.
func (r *TemplateRegistry) Resolve(templateName, tableName string) (Schema, error) {
	columns, ok := r.templates[templateName]
	if !ok {
		return Schema{}, fmt.Errorf("storage: unknown template %q", templateName)
	}
	copied := make([]Column, len(columns))
	copy(copied, columns)
	return Schema{Table: tableName, Columns: append(copied, provenanceColumns...)}, nil
}
