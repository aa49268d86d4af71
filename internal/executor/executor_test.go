package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"botticelli/internal/backend"
	"botticelli/internal/narrative"
	"botticelli/internal/ratelimit"
)

// echoBackend returns a canned response per call, recording every request it
// was given so tests can inspect exactly what history/messages it saw.
type echoBackend struct {
	responses []string
	calls     []backend.Request
}

func (b *echoBackend) Name() string { return "echo" }

func (b *echoBackend) Generate(ctx context.Context, req backend.Request) (backend.Response, error) {
	b.calls = append(b.calls, req)
	i := len(b.calls) - 1
	text := "response"
	if i < len(b.responses) {
		text = b.responses[i]
	}
	return backend.Response{Outputs: []backend.Output{{Text: text}}}, nil
}

func textAct(name, content string) narrative.Act {
	return narrative.Act{
		Name:   name,
		Inputs: []narrative.Input{{Kind: narrative.InputText, Retention: narrative.RetentionFull, Text: &narrative.TextInput{Content: content}}},
	}
}

func simpleNarrative(name string, acts ...narrative.Act) *narrative.Narrative {
	n := &narrative.Narrative{Name: name, Model: "test-model", Acts: map[string]narrative.Act{}}
	for _, a := range acts {
		n.Acts[a.Name] = a
		n.TOC = append(n.TOC, a.Name)
	}
	return n
}

func newTestLimiter() *ratelimit.Limiter {
	limiter := ratelimit.NewLimiter()
	limiter.RegisterTier("test", ratelimit.NewTier(1000, 100000, 10, 1_000_000))
	return limiter
}

func TestExecuteRunsActsInTOCOrder(t *testing.T) {
	be := &echoBackend{responses: []string{"first", "second"}}
	n := simpleNarrative("greet", textAct("a1", "hello"), textAct("a2", "world"))

	ex := New(be, newTestLimiter(), nil, nil, nil, nil)
	result, err := ex.Execute(context.Background(), n, RunContext{Provider: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.ActExecutions) != 2 {
		t.Fatalf("expected 2 act executions, got %d", len(result.ActExecutions))
	}
	if result.ActExecutions[0].Response != "first" || result.ActExecutions[1].Response != "second" {
		t.Errorf("unexpected responses: %+v", result.ActExecutions)
	}
	if len(be.calls) != 2 {
		t.Fatalf("expected 2 backend calls, got %d", len(be.calls))
	}
	// Second call's history should include the first turn's user+assistant messages.
	secondCallMsgs := be.calls[1].Messages
	if len(secondCallMsgs) != 3 { // first user, first assistant, second user
		t.Fatalf("expected 3 messages in second call, got %d: %+v", len(secondCallMsgs), secondCallMsgs)
	}
}

func TestExecuteHonorsPerInputRetentionInHistory(t *testing.T) {
	be := &echoBackend{responses: []string{"ack", "done"}}
	dropAct := narrative.Act{
		Name: "secret",
		Inputs: []narrative.Input{
			{Kind: narrative.InputText, Retention: narrative.RetentionDrop, Text: &narrative.TextInput{Content: "classified payload"}},
		},
	}
	n := simpleNarrative("two-step", dropAct, textAct("followup", "what did you learn?"))

	ex := New(be, newTestLimiter(), nil, nil, nil, nil)
	_, err := ex.Execute(context.Background(), n, RunContext{Provider: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The first call saw the dropped input directly (drop only applies to
	// history replay on later acts, not to the act's own assembled message).
	if !strings.Contains(be.calls[0].Messages[0].Content[0].Text, "classified payload") {
		t.Fatalf("expected first call's own message to include its input verbatim")
	}

	// The second call's history must NOT carry the dropped input's text,
	// since that input was tagged Drop.
	for _, m := range be.calls[1].Messages {
		if strings.Contains(m.Content[0].Text, "classified payload") {
			t.Fatalf("dropped input leaked into rewritten history: %+v", be.calls[1].Messages)
		}
	}
}

func TestExecuteSummaryRetentionRewritesHistory(t *testing.T) {
	be := &echoBackend{responses: []string{"ack", "done"}}
	summaryAct := narrative.Act{
		Name: "query",
		Inputs: []narrative.Input{
			{Kind: narrative.InputText, Retention: narrative.RetentionSummary, Text: &narrative.TextInput{Content: strings.Repeat("x", 2000)}},
		},
	}
	n := simpleNarrative("two-step", summaryAct, textAct("followup", "continue"))

	ex := New(be, newTestLimiter(), nil, nil, nil, nil)
	if _, err := ex.Execute(context.Background(), n, RunContext{Provider: "test"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, m := range be.calls[1].Messages {
		if strings.Contains(m.Content[0].Text, "[Text:") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected summary-tagged input to appear as a descriptor in rewritten history, got: %+v", be.calls[1].Messages)
	}
}

type stubResolver struct {
	narratives map[string]*narrative.Narrative
}

func (r *stubResolver) Resolve(name string) (*narrative.Narrative, error) {
	n, ok := r.narratives[name]
	if !ok {
		return nil, errors.New("not found")
	}
	return n, nil
}

func TestCompositionDelegatesToTargetNarrative(t *testing.T) {
	be := &echoBackend{responses: []string{"nested-response"}}
	nested := simpleNarrative("nested", textAct("only", "go"))
	outer := &narrative.Narrative{
		Name: "outer",
		Acts: map[string]narrative.Act{
			"delegate": {Name: "delegate", NarrativeRef: "nested"},
		},
		TOC: []string{"delegate"},
	}

	resolver := &stubResolver{narratives: map[string]*narrative.Narrative{"nested": nested}}
	ex := New(be, newTestLimiter(), nil, nil, nil, resolver)

	result, err := ex.Execute(context.Background(), outer, RunContext{Provider: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.ActExecutions) != 1 || result.ActExecutions[0].Response != "nested-response" {
		t.Fatalf("expected composition act to surface nested narrative's last response, got %+v", result.ActExecutions)
	}
}

func TestCompositionDetectsCycle(t *testing.T) {
	be := &echoBackend{}
	a := &narrative.Narrative{
		Name: "a",
		Acts: map[string]narrative.Act{"hop": {Name: "hop", NarrativeRef: "b"}},
		TOC:  []string{"hop"},
	}
	bN := &narrative.Narrative{
		Name: "b",
		Acts: map[string]narrative.Act{"hop": {Name: "hop", NarrativeRef: "a"}},
		TOC:  []string{"hop"},
	}
	resolver := &stubResolver{narratives: map[string]*narrative.Narrative{"a": a, "b": bN}}
	ex := New(be, newTestLimiter(), nil, nil, nil, resolver)

	_, err := ex.Execute(context.Background(), a, RunContext{Provider: "test"})
	if err == nil {
		t.Fatal("expected a cycle detection error")
	}
	var cycleErr *CycleDetectedError
	if !errors.As(err, &cycleErr) {
		var actFailed *ActFailedError
		if !errors.As(err, &actFailed) {
			t.Fatalf("expected CycleDetectedError (possibly wrapped), got %v", err)
		}
	}
}

func TestCarouselStopsAtIterationCap(t *testing.T) {
	be := &echoBackend{responses: []string{"1", "2", "3", "4", "5"}}
	n := simpleNarrative("loop", textAct("spin", "go"))
	n.Carousel = &narrative.CarouselConfig{Iterations: 3, EstimatedTokensPerIteration: 10}

	ex := New(be, newTestLimiter(), nil, nil, nil, nil)
	result, err := ex.Execute(context.Background(), n, RunContext{Provider: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Carousel == nil {
		t.Fatal("expected a carousel result")
	}
	if result.Carousel.IterationsAttempted != 3 {
		t.Errorf("expected 3 iterations attempted, got %d", result.Carousel.IterationsAttempted)
	}
	if !result.Carousel.Completed {
		t.Errorf("expected carousel to report completed")
	}
}

type failingTables struct{}

func (failingTables) Query(ctx context.Context, table string, columns []string, where string, limit, offset *int, orderBy string) ([]map[string]any, error) {
	return nil, errors.New("boom")
}
func (failingTables) QueryAndDelete(ctx context.Context, table string, columns []string, where string, limit, offset *int, orderBy string) ([]map[string]any, error) {
	return nil, errors.New("boom")
}

type stubTables struct {
	rows []map[string]any
}

func (s stubTables) Query(ctx context.Context, table string, columns []string, where string, limit, offset *int, orderBy string) ([]map[string]any, error) {
	return s.rows, nil
}
func (s stubTables) QueryAndDelete(ctx context.Context, table string, columns []string, where string, limit, offset *int, orderBy string) ([]map[string]any, error) {
	return s.rows, nil
}

func TestTableAliasBecomesRenderHeadingMarkdown(t *testing.T) {
	be := &echoBackend{responses: []string{"ok"}}
	act := narrative.Act{
		Name: "fetch",
		Inputs: []narrative.Input{{
			Kind: narrative.InputTable,
			Table: &narrative.TableInput{
				Table: "leads", Alias: "Active Leads", Format: narrative.FormatMarkdown,
			},
		}},
	}
	n := simpleNarrative("reader", act)
	rows := []map[string]any{{"email": "a@example.com"}}

	ex := New(be, newTestLimiter(), stubTables{rows: rows}, nil, nil, nil)
	if _, err := ex.Execute(context.Background(), n, RunContext{Provider: "test"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	userMsg := be.calls[0].Messages[len(be.calls[0].Messages)-1]
	if !strings.Contains(userMsg.Content[0].Text, "## Active Leads") {
		t.Fatalf("expected the table's alias as a markdown heading, got %q", userMsg.Content[0].Text)
	}
}

func TestTableWithoutAliasDefaultsHeadingToTableName(t *testing.T) {
	be := &echoBackend{responses: []string{"ok"}}
	act := narrative.Act{
		Name: "fetch",
		Inputs: []narrative.Input{{
			Kind:  narrative.InputTable,
			Table: &narrative.TableInput{Table: "leads", Format: narrative.FormatCSV},
		}},
	}
	n := simpleNarrative("reader", act)
	rows := []map[string]any{{"email": "a@example.com"}}

	ex := New(be, newTestLimiter(), stubTables{rows: rows}, nil, nil, nil)
	if _, err := ex.Execute(context.Background(), n, RunContext{Provider: "test"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	userMsg := be.calls[0].Messages[len(be.calls[0].Messages)-1]
	if !strings.Contains(userMsg.Content[0].Text, "# leads") {
		t.Fatalf("expected the table name as the default CSV heading, got %q", userMsg.Content[0].Text)
	}
}

func TestRequiredTableFailureAbortsAct(t *testing.T) {
	be := &echoBackend{}
	act := narrative.Act{
		Name:   "fetch",
		Inputs: []narrative.Input{{Kind: narrative.InputTable, Table: &narrative.TableInput{Table: "events"}}},
	}
	n := simpleNarrative("reader", act)

	ex := New(be, newTestLimiter(), failingTables{}, nil, nil, nil)
	_, err := ex.Execute(context.Background(), n, RunContext{Provider: "test"})
	var resErr *ResolutionFailedError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionFailedError, got %v", err)
	}
}

type stubBots struct {
	result BotCommandResult
	err    error
}

func (s stubBots) ExecuteSecure(ctx context.Context, narrativeID, platform, command string, args map[string]any) (BotCommandResult, error) {
	return s.result, s.err
}

func TestOptionalBotCommandFailureYieldsEmptyPartNotError(t *testing.T) {
	be := &echoBackend{responses: []string{"ok"}}
	act := narrative.Act{
		Name: "maybe",
		Inputs: []narrative.Input{
			{Kind: narrative.InputBotCommand, Bot: &narrative.BotCommandInput{Platform: "discord", Command: "ping", Required: false}},
		},
	}
	n := simpleNarrative("bots", act)

	ex := New(be, newTestLimiter(), nil, stubBots{err: errors.New("denied")}, nil, nil)
	result, err := ex.Execute(context.Background(), n, RunContext{Provider: "test"})
	if err != nil {
		t.Fatalf("expected optional bot-command failure to not abort the act, got %v", err)
	}
	if len(result.ActExecutions) != 1 {
		t.Fatalf("expected the act to still execute, got %+v", result.ActExecutions)
	}
}

func TestMediaInputReachesBackendAsRealAttachmentPart(t *testing.T) {
	be := &echoBackend{responses: []string{"ok"}}
	act := narrative.Act{
		Name: "see",
		Inputs: []narrative.Input{
			{Kind: narrative.InputMedia, Media: &narrative.MediaInput{
				Kind: narrative.MediaImage, Source: narrative.MediaSourceBinary,
				Data: []byte{0xFF, 0xD8, 0xFF}, Mime: "image/jpeg",
			}},
		},
	}
	n := simpleNarrative("vision", act)

	ex := New(be, newTestLimiter(), nil, nil, nil, nil)
	if _, err := ex.Execute(context.Background(), n, RunContext{Provider: "test"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	userMsg := be.calls[0].Messages[len(be.calls[0].Messages)-1]
	if len(userMsg.Content) != 1 {
		t.Fatalf("expected exactly one content part, got %d", len(userMsg.Content))
	}
	part := userMsg.Content[0]
	if part.Kind != backend.PartMedia {
		t.Fatalf("expected a PartMedia part, got %q", part.Kind)
	}
	if part.Mime != "image/jpeg" || string(part.Bytes) != "\xFF\xD8\xFF" {
		t.Fatalf("expected the media's mime/bytes to be forwarded, got %+v", part)
	}
}

func TestCarouselDerivesBudgetFromRegisteredTierAndConsumesUsage(t *testing.T) {
	// Each iteration's response is exactly 15 estimated tokens (60 chars /
	// 4 chars-per-token); a 20 TPM tier-derived budget affords one such
	// iteration but not a second, proving Consume is actually recording
	// real usage rather than only the iteration cap gating the loop.
	be := &echoBackend{responses: []string{strings.Repeat("x", 60), "2", "3"}}
	n := simpleNarrative("loop", textAct("spin", "go"))
	n.Carousel = &narrative.CarouselConfig{Iterations: 3, EstimatedTokensPerIteration: 10}

	limiter := ratelimit.NewLimiter()
	limiter.RegisterTier("test", ratelimit.NewTier(1000, 100000, 10, 20))

	ex := New(be, limiter, nil, nil, nil, nil)
	result, err := ex.Execute(context.Background(), n, RunContext{Provider: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Carousel == nil {
		t.Fatal("expected a carousel result")
	}
	if result.Carousel.IterationsAttempted != 1 {
		t.Errorf("expected the tier-derived token budget to cut the carousel off after 1 iteration, attempted=%d", result.Carousel.IterationsAttempted)
	}
	if !result.Carousel.BudgetExhausted {
		t.Error("expected the carousel to report budget exhaustion")
	}
}

func TestRequiredBotCommandFailureAbortsAct(t *testing.T) {
	be := &echoBackend{}
	act := narrative.Act{
		Name: "must",
		Inputs: []narrative.Input{
			{Kind: narrative.InputBotCommand, Bot: &narrative.BotCommandInput{Platform: "discord", Command: "ban", Required: true}},
		},
	}
	n := simpleNarrative("bots", act)

	ex := New(be, newTestLimiter(), nil, stubBots{err: errors.New("denied")}, nil, nil)
	_, err := ex.Execute(context.Background(), n, RunContext{Provider: "test"})
	var resErr *ResolutionFailedError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionFailedError, got %v", err)
	}
}
