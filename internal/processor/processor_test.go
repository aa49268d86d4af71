package processor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"botticelli/internal/executor"
)

type fakeStore struct {
	tables      map[string]bool
	inferred    map[string]map[string]any
	rows        map[string][]map[string]any
	started     []string
	completions []string
	failNext    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tables:   make(map[string]bool),
		inferred: make(map[string]map[string]any),
		rows:     make(map[string][]map[string]any),
	}
}

func (f *fakeStore) CreateTableFromTemplate(_ context.Context, tableName, template, narrativeName, description string) error {
	if f.failNext {
		return errors.New("boom")
	}
	f.tables[tableName] = true
	return nil
}

func (f *fakeStore) CreateTableFromInference(_ context.Context, tableName string, sample map[string]any) error {
	f.tables[tableName] = true
	f.inferred[tableName] = sample
	return nil
}

func (f *fakeStore) InsertContent(_ context.Context, tableName string, data map[string]any, narrativeName, actName, model string) error {
	if !f.tables[tableName] {
		return errors.New("table does not exist")
	}
	f.rows[tableName] = append(f.rows[tableName], data)
	return nil
}

func (f *fakeStore) StartGeneration(_ context.Context, tableName, narrativeFile, narrativeName string) {
	f.started = append(f.started, tableName)
}

func (f *fakeStore) CompleteGeneration(_ context.Context, tableName string, rowCount *int, durationMs int, status string, errMessage *string) {
	f.completions = append(f.completions, status)
}

func TestContentGenerationProcessorTemplateMode(t *testing.T) {
	store := newFakeStore()
	p := NewContentGenerationProcessor(store, "narratives/notes.toml")

	pctx := executor.ProcessorContext{
		NarrativeName:     "reminder-bot",
		NarrativeTemplate: "note",
		ActName:           "capture",
		Model:             "claude-3",
		ExtractOutputs:    true,
		ResponseText:      "Sure thing! ```json\n{\"title\": \"buy milk\", \"body\": \"2%\"}\n```",
	}

	if !p.ShouldProcess(context.Background(), pctx) {
		t.Fatal("expected ShouldProcess to accept")
	}
	if err := p.Process(context.Background(), pctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	if !store.tables["note"] {
		t.Fatal("expected table 'note' (the template name, no target set) to be created")
	}
	rows := store.rows["note"]
	if len(rows) != 1 || rows[0]["title"] != "buy milk" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if store.completions[len(store.completions)-1] != "success" {
		t.Errorf("expected final completion status success, got %v", store.completions)
	}
}

func TestContentGenerationProcessorInferenceMode(t *testing.T) {
	store := newFakeStore()
	p := NewContentGenerationProcessor(store, "")

	pctx := executor.ProcessorContext{
		NarrativeName:   "census",
		NarrativeTarget: "people",
		ActName:         "a1",
		ExtractOutputs:  true,
		ResponseText:    `{"name": "Ada", "age": 32}`,
	}

	if err := p.Process(context.Background(), pctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !store.tables["people"] {
		t.Fatal("expected table 'people' (explicit target) to be created")
	}
	if store.inferred["people"]["name"] != "Ada" {
		t.Fatalf("expected inference sample to be recorded: %+v", store.inferred["people"])
	}
}

func TestContentGenerationProcessorHandlesArrayOfRows(t *testing.T) {
	store := newFakeStore()
	p := NewContentGenerationProcessor(store, "")

	pctx := executor.ProcessorContext{
		NarrativeName:  "batch",
		ActName:        "a1",
		ExtractOutputs: true,
		ResponseText:   `[{"name": "Ada"}, {"name": "Grace"}]`,
	}
	if err := p.Process(context.Background(), pctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(store.rows["batch"]) != 2 {
		t.Fatalf("expected 2 rows inserted, got %d", len(store.rows["batch"]))
	}
}

func TestContentGenerationProcessorSkipsWhenNarrativeOptsOut(t *testing.T) {
	store := newFakeStore()
	p := NewContentGenerationProcessor(store, "")

	pctx := executor.ProcessorContext{SkipContentGeneration: true, ExtractOutputs: true}
	if p.ShouldProcess(context.Background(), pctx) {
		t.Fatal("expected ShouldProcess to reject a skip_content_generation narrative")
	}
}

func TestContentGenerationProcessorRejectsMissingTemplateField(t *testing.T) {
	store := newFakeStore()
	p := NewContentGenerationProcessor(store, "")

	pctx := executor.ProcessorContext{
		NarrativeName:     "reminder-bot",
		NarrativeTemplate: "note",
		ExtractOutputs:    true,
		ResponseText:      `{"title": "buy milk"}`, // missing required "body"
	}
	err := p.Process(context.Background(), pctx)
	if err == nil {
		t.Fatal("expected validation error for a row missing the template's required field")
	}
	if !strings.Contains(err.Error(), "shape validation") {
		t.Errorf("expected a shape validation error, got: %v", err)
	}
	if store.tables["note"] {
		t.Error("table should not be created when row validation fails first")
	}
}

func TestContentGenerationProcessorSurfacesMalformedJSON(t *testing.T) {
	store := newFakeStore()
	p := NewContentGenerationProcessor(store, "")

	pctx := executor.ProcessorContext{
		NarrativeName:  "n",
		ExtractOutputs: true,
		ResponseText:   "no json here at all",
	}
	if err := p.Process(context.Background(), pctx); err == nil {
		t.Fatal("expected an error when no JSON can be extracted")
	}
	if store.completions[len(store.completions)-1] != "failed" {
		t.Errorf("expected generation tracking to record failure, got %v", store.completions)
	}
}

func TestRegistryAggregatesErrorsAcrossProcessors(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubProcessor{name: "ok"})
	r.Register(&stubProcessor{name: "boom", err: errors.New("failed hard")})
	r.Register(&stubProcessor{name: "also-boom", err: errors.New("failed too")})

	err := r.Process(context.Background(), executor.ProcessorContext{ActName: "a1"})
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "failed hard") || !strings.Contains(err.Error(), "failed too") {
		t.Errorf("expected both underlying errors in the aggregate, got: %v", err)
	}
}

func TestRegistrySkipsProcessorsThatDecline(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register(&stubProcessor{name: "declines", should: false, onProcess: func() { called = true }})

	if err := r.Process(context.Background(), executor.ProcessorContext{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("a processor that declines ShouldProcess must not have Process called")
	}
}

type stubProcessor struct {
	name      string
	should    bool
	err       error
	onProcess func()
}

func (s *stubProcessor) Name() string { return s.name }
func (s *stubProcessor) ShouldProcess(context.Context, executor.ProcessorContext) bool {
	return s.should || s.err != nil || s.name == "ok"
}
func (s *stubProcessor) Process(context.Context, executor.ProcessorContext) error {
	if s.onProcess != nil {
		s.onProcess()
	}
	return s.err
}
