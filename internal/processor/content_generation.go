package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"botticelli/internal/executor"
)

// ContentStore is the slice of internal/storage.Store this processor needs.
// Kept narrow and local so this package can be tested against a fake without
// depending on storage's SQLite internals.
type ContentStore interface {
	CreateTableFromTemplate(ctx context.Context, tableName, template, narrativeName, description string) error
	CreateTableFromInference(ctx context.Context, tableName string, sample map[string]any) error
	InsertContent(ctx context.Context, tableName string, data map[string]any, narrativeName, actName, model string) error
	StartGeneration(ctx context.Context, tableName, narrativeFile, narrativeName string)
	CompleteGeneration(ctx context.Context, tableName string, rowCount *int, durationMs int, status string, errMessage *string)
}

// templateRequiredFields lists, for each of internal/storage's built-in
// templates, the columns a row must carry, so a row claiming to be generated
// against a named template can be rejected before it ever reaches SQL if it
// is missing one. Each list is a subset of the template's columns: task's
// due_date and summary's confidence are not required. New templates registered only with the
// storage layer's TemplateRegistry won't have an entry here and simply skip
// this extra check; the storage layer's own CREATE TABLE still enforces the
// real column set.
var templateRequiredFields = map[string][]string{
	"note":    {"title", "body"},
	"task":    {"title", "status"},
	"summary": {"subject", "summary_text"},
}

// ContentGenerationProcessor turns a completed act's extracted JSON into one
// or more rows in a dynamic content table, creating the table from a named
// template or by inferring a schema from the first extracted row.
type ContentGenerationProcessor struct {
	store          ContentStore
	narrativeFile  string
	rowSchemaCache map[string]*jsonschema.Schema
}

// NewContentGenerationProcessor builds a processor backed by store.
// narrativeFile is recorded on generation-tracking rows for traceability
// back to the TOML file a narrative was loaded from.
func NewContentGenerationProcessor(store ContentStore, narrativeFile string) *ContentGenerationProcessor {
	return &ContentGenerationProcessor{
		store:          store,
		narrativeFile:  narrativeFile,
		rowSchemaCache: make(map[string]*jsonschema.Schema),
	}
}

func (p *ContentGenerationProcessor) Name() string { return "content_generation" }

// ShouldProcess accepts every act except one whose owning narrative opted
// out via skip_content_generation, or one with output extraction turned off
// (ExtractOutputs false).
func (p *ContentGenerationProcessor) ShouldProcess(_ context.Context, pctx executor.ProcessorContext) bool {
	if pctx.SkipContentGeneration {
		return false
	}
	if !pctx.ExtractOutputs {
		return false
	}
	return true
}

// Process extracts JSON from the act's response, validates each row's
// shape, creates the destination table if needed, and inserts every row,
// recording a generation-tracking record around the whole operation.
func (p *ContentGenerationProcessor) Process(ctx context.Context, pctx executor.ProcessorContext) error {
	tableName := resolveTableName(pctx)
	template := pctx.NarrativeTemplate

	start := time.Now()
	p.store.StartGeneration(ctx, tableName, p.narrativeFile, pctx.NarrativeName)

	rows, err := p.extractRows(pctx.ResponseText)
	if err != nil {
		p.finish(ctx, tableName, start, nil, err)
		return err
	}

	if err := p.validateRows(tableName, template, rows); err != nil {
		p.finish(ctx, tableName, start, nil, err)
		return err
	}

	if err := p.ensureTable(ctx, tableName, template, pctx, rows[0]); err != nil {
		p.finish(ctx, tableName, start, nil, err)
		return err
	}

	for i, row := range rows {
		if err := p.store.InsertContent(ctx, tableName, row, pctx.NarrativeName, pctx.ActName, pctx.Model); err != nil {
			err = fmt.Errorf("insert row %d of %d: %w", i+1, len(rows), err)
			p.finish(ctx, tableName, start, nil, err)
			return err
		}
	}

	count := len(rows)
	p.finish(ctx, tableName, start, &count, nil)
	return nil
}

// resolveTableName picks the destination table: an explicit narrative
// target wins, then the template name, then the narrative's own name as a
// last resort (spec.md §4.E table-name precedence).
func resolveTableName(pctx executor.ProcessorContext) string {
	if pctx.NarrativeTarget != "" {
		return pctx.NarrativeTarget
	}
	if pctx.NarrativeTemplate != "" {
		return pctx.NarrativeTemplate
	}
	return pctx.NarrativeName
}

func (p *ContentGenerationProcessor) extractRows(responseText string) ([]map[string]any, error) {
	raw, err := extractJSON(responseText)
	if err != nil {
		return nil, err
	}
	rows, err := parseJSON(raw)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("processor: extracted JSON produced no rows")
	}
	return rows, nil
}

func (p *ContentGenerationProcessor) ensureTable(ctx context.Context, tableName, template string, pctx executor.ProcessorContext, sample map[string]any) error {
	if template != "" {
		return p.store.CreateTableFromTemplate(ctx, tableName, template, pctx.NarrativeName, pctx.NarrativeDescription)
	}
	return p.store.CreateTableFromInference(ctx, tableName, sample)
}

func (p *ContentGenerationProcessor) finish(ctx context.Context, tableName string, start time.Time, rowCount *int, procErr error) {
	duration := time.Since(start).Milliseconds()
	status := "success"
	var errMsg *string
	if procErr != nil {
		status = "failed"
		msg := procErr.Error()
		errMsg = &msg
	}
	p.store.CompleteGeneration(ctx, tableName, rowCount, int(duration), status, errMsg)
}

// validateRows rejects malformed rows before they reach SQL: every row must
// be a non-empty JSON object, and (when generating against a named template
// this package recognizes) must carry that template's required fields.
func (p *ContentGenerationProcessor) validateRows(tableName, template string, rows []map[string]any) error {
	schema, err := p.rowSchema(tableName, template)
	if err != nil {
		return err
	}
	for i, row := range rows {
		if err := schema.Validate(row); err != nil {
			return fmt.Errorf("row %d of %d failed shape validation: %w", i+1, len(rows), err)
		}
	}
	return nil
}

// rowSchema compiles (and caches) the jsonschema.Schema used to validate
// rows destined for tableName, keyed by table since two narratives
// targeting the same table must agree on its required shape.
func (p *ContentGenerationProcessor) rowSchema(tableName, template string) (*jsonschema.Schema, error) {
	if cached, ok := p.rowSchemaCache[tableName]; ok {
		return cached, nil
	}

	doc := map[string]any{
		"type":          "object",
		"minProperties": 1,
	}
	if fields, ok := templateRequiredFields[template]; ok && len(fields) > 0 {
		required := make([]any, len(fields))
		for i, f := range fields {
			required[i] = f
		}
		doc["required"] = required
	}

	compiler := jsonschema.NewCompiler()
	resourceName := "row-schema-" + tableName
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("processor: register row schema for %q: %w", tableName, err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("processor: compile row schema for %q: %w", tableName, err)
	}
	p.rowSchemaCache[tableName] = schema
	return schema, nil
}
