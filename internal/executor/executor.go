package executor

import (
	"context"
	"fmt"
	"strings"

	"botticelli/internal/backend"
	"botticelli/internal/logx"
	"botticelli/internal/narrative"
	"botticelli/internal/ratelimit"
	"botticelli/internal/retention"
	"botticelli/internal/telemetry"
)

var log = logx.New("executor")
var tracer = telemetry.NewTracer("executor")

// ResolutionFailedError reports that a required input (a table query or a
// required bot command) failed to resolve, aborting the act.
type ResolutionFailedError struct {
	Act   string
	Cause error
}

func (e *ResolutionFailedError) Error() string {
	return fmt.Sprintf("resolution failed for act %q: %v", e.Act, e.Cause)
}
func (e *ResolutionFailedError) Unwrap() error { return e.Cause }

// ActFailedError surfaces a backend failure for a single act.
type ActFailedError struct {
	Act   string
	Cause error
}

func (e *ActFailedError) Error() string { return fmt.Sprintf("act %q failed: %v", e.Act, e.Cause) }
func (e *ActFailedError) Unwrap() error { return e.Cause }

// CycleDetectedError reports structural re-entry into an already-active
// narrative name during composition.
type CycleDetectedError struct {
	Name string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("cycle detected: narrative %q is already active on this call stack", e.Name)
}

// ActExecution records one act's execution within a NarrativeExecution.
type ActExecution struct {
	ActName        string
	Response       string
	SequenceNumber int
}

// ExecutionResult is the outcome of running a whole narrative.
type ExecutionResult struct {
	NarrativeName string
	ActExecutions []ActExecution
	Carousel      *narrative.CarouselResult
}

// RunContext carries the per-execution identity and resources an executor
// invocation needs beyond the narrative itself.
type RunContext struct {
	NarrativeID string // stable id used for bot-command approval bookkeeping
	Provider    string // provider name this actor's backend is bound to, for rate-limit keying
}

// Executor runs narratives by calling a Backend in sequence, threading
// conversation history, applying retention, acquiring quota, and invoking
// act-processors per spec.md §4.D.
type Executor struct {
	backend    backend.Backend
	limiter    *ratelimit.Limiter
	tables     TableQuerier
	bots       BotCommandCaller
	processors Processors
	resolver   NarrativeResolver
}

// New builds an Executor bound to a single backend/provider pair. Tables,
// bots, processors, and resolver may be nil when a narrative never
// exercises the corresponding input kind; a nil dependency surfaces as a
// ResolutionFailedError only if an input actually needs it.
func New(be backend.Backend, limiter *ratelimit.Limiter, tables TableQuerier, bots BotCommandCaller, processors Processors, resolver NarrativeResolver) *Executor {
	return &Executor{backend: be, limiter: limiter, tables: tables, bots: bots, processors: processors, resolver: resolver}
}

// Execute runs a whole narrative: its plain TOC once, or its carousel's
// configured iteration count if one is declared.
func (e *Executor) Execute(ctx context.Context, n *narrative.Narrative, run RunContext) (*ExecutionResult, error) {
	active := map[string]bool{n.Name: true}
	return e.executeNarrative(ctx, n, run, active)
}

func (e *Executor) executeNarrative(ctx context.Context, n *narrative.Narrative, run RunContext, active map[string]bool) (*ExecutionResult, error) {
	if n.Carousel == nil {
		return e.executeTOCOnce(ctx, n, run, active)
	}
	return e.executeCarousel(ctx, n, run, active)
}

func (e *Executor) executeCarousel(ctx context.Context, n *narrative.Narrative, run RunContext, active map[string]bool) (*ExecutionResult, error) {
	state := narrative.NewCarouselState(*n.Carousel, e.carouselBudgetConfig(run, n.Model))

	var last *ExecutionResult
	for state.CanContinue() {
		if _, err := state.StartIteration(); err != nil {
			break
		}

		result, err := e.executeTOCOnce(ctx, n, run, active)
		if result != nil {
			if cerr := state.Budget().Consume(iterationTokens(result)); cerr != nil {
				log.Warn("narrative %q: carousel budget exhausted: %v", n.Name, cerr)
			}
		}
		if err != nil {
			state.RecordFailure()
			if !state.ContinueOnError() {
				state.Finish()
				return result, err
			}
			continue
		}
		state.RecordSuccess()
		last = result
	}
	state.Finish()

	carouselResult := narrative.ResultFromState(state)
	if last == nil {
		last = &ExecutionResult{NarrativeName: n.Name}
	}
	last.Carousel = &carouselResult
	return last, nil
}

// carouselBudgetConfig derives the carousel's BudgetConfig from the tier
// actually registered for the narrative's provider/model, falling back to a
// permissive default only when no limiter or tier is configured (e.g. a
// narrative executed without rate limiting at all).
func (e *Executor) carouselBudgetConfig(run RunContext, model string) ratelimit.BudgetConfig {
	if e.limiter != nil {
		if tier, ok := e.limiter.Tier(run.Provider); ok {
			return ratelimit.BudgetConfigFromTier(tier.ForModel(model))
		}
	}
	return ratelimit.BudgetConfig{
		TokensPerMinute: 1_000_000, TokensPerDay: 20_000_000,
		RequestsPerMinute: 1000, RequestsPerDay: 50000,
	}
}

// iterationTokens estimates a finished carousel iteration's actual token
// usage from its acts' responses, for Budget.Consume (spec.md §4.A:
// "budget.consume(actual_tokens) on completion").
func iterationTokens(result *ExecutionResult) uint64 {
	var total uint64
	for _, ae := range result.ActExecutions {
		total += estimateTokens(ae.Response)
	}
	return total
}

// turnRecord pairs one past act's retention-tagged inputs with the text
// they resolved to, so the next act's history rewrite can apply each
// input's own retention tag to its real (post-resolution) content instead
// of treating the whole assembled message as one opaque blob.
type turnRecord struct {
	inputTexts []inputText
	response   string
}

type inputText struct {
	input narrative.Input
	text  string
}

func (e *Executor) executeTOCOnce(ctx context.Context, n *narrative.Narrative, run RunContext, active map[string]bool) (*ExecutionResult, error) {
	history := narrative.NewConversationHistory()
	var turns []turnRecord
	result := &ExecutionResult{NarrativeName: n.Name}

	for i, actName := range n.TOC {
		isLast := i == len(n.TOC)-1
		responseText, err := e.executeAct(ctx, n, actName, history, &turns, run, active, isLast)
		if err != nil {
			log.Warn("narrative %q act %q failed: %v", n.Name, actName, err)
			return result, err
		}
		result.ActExecutions = append(result.ActExecutions, ActExecution{
			ActName: actName, Response: responseText, SequenceNumber: i,
		})
	}
	return result, nil
}

// ExecuteAct runs a single act against an existing history, for callers
// that manage their own history outside a narrative's own TOC loop. Since
// no per-input retention records exist for history built outside this
// executor, history already present is reshaped by the coarse Full-text
// fallback rather than by each original input's own retention tag; turns
// is nil, so no turn record is kept for this act's own resolved inputs.
func (e *Executor) ExecuteAct(ctx context.Context, n *narrative.Narrative, actName string, history *narrative.ConversationHistory, run RunContext) (string, error) {
	return e.executeAct(ctx, n, actName, history, nil, run, map[string]bool{n.Name: true}, false)
}

func (e *Executor) executeAct(ctx context.Context, n *narrative.Narrative, actName string, history *narrative.ConversationHistory, turns *[]turnRecord, run RunContext, active map[string]bool, isLast bool) (string, error) {
	act, err := n.ResolveAct(actName)
	if err != nil {
		return "", err
	}

	if act.IsComposition() {
		return e.executeComposition(ctx, act, run, active)
	}

	// 1. Resolve inputs.
	resolved, err := e.resolveInputs(ctx, act, run, active)
	if err != nil {
		return "", &ResolutionFailedError{Act: actName, Cause: err}
	}

	// 2. Rewrite the running history per each past input's own retention
	// tag, replayed against its real resolved size (spec.md §4.D step 2).
	if turns != nil {
		history.Replace(rewriteHistoryFromTurns(*turns))
	} else {
		history.Replace(rewriteHistoryRetentionFallback(history))
	}

	// 3. Assemble the user message from the resolved parts.
	userMessage := assembleUserMessage(resolved)

	// 4. Select model: act override > narrative default > backend default.
	model := act.ModelOverride
	if model == "" {
		model = n.Model
	}

	// 5. Acquire quota.
	estimated := estimateTokens(userMessage)
	if e.limiter != nil {
		guard, err := e.limiter.Acquire(ctx, run.Provider, model, estimated)
		if err != nil {
			return "", &ActFailedError{Act: actName, Cause: err}
		}
		defer guard.Release()
	}

	// 6. Call backend with history + new user message.
	req := buildRequest(history, resolved, userMessage, model, act.Sampling)
	spanCtx, span := tracer.ModelCall(ctx, run.Provider, model)
	resp, err := e.backend.Generate(spanCtx, req)
	tracer.RecordError(span, err)
	span.End()
	if err != nil {
		return "", &ActFailedError{Act: actName, Cause: err}
	}
	responseText := resp.Text()

	// 7. Append the user message and the assistant's response to history,
	// recording the turn's input records so the *next* act can replay each
	// input's own retention tag rather than treating this whole message as
	// one opaque Full-text blob.
	history.Append(narrative.RoleUser, userMessage)
	history.Append(narrative.RoleAssistant, responseText)
	if turns != nil {
		inputTexts := make([]inputText, len(resolved))
		for i, p := range resolved {
			inputTexts[i] = inputText{input: p.input, text: p.historyText()}
		}
		*turns = append(*turns, turnRecord{inputTexts: inputTexts, response: responseText})
	}

	// 8. Invoke act-processors.
	if e.processors != nil {
		extract := !n.SkipContentGeneration
		if act.ExtractOutputs != nil {
			extract = *act.ExtractOutputs
		}
		pctx := ProcessorContext{
			NarrativeName: n.Name, NarrativeDescription: n.Description,
			NarrativeTemplate: n.Template, NarrativeTarget: n.Target,
			SkipContentGeneration: n.SkipContentGeneration,
			ActName:               actName, ResponseText: responseText, Model: model,
			IsLastAct: isLast, ExtractOutputs: extract,
		}
		if err := e.processors.Process(ctx, pctx); err != nil {
			log.Warn("act-processor pipeline reported errors for act %q: %v", actName, err)
		}
	}

	return responseText, nil
}

// executeComposition resolves a narrative_ref act's target, recursively
// executes it with fresh history, and substitutes its last act's response
// as this act's "response" — composition acts produce no input parts of
// their own.
func (e *Executor) executeComposition(ctx context.Context, act narrative.Act, run RunContext, active map[string]bool) (string, error) {
	target, err := e.resolveNarrativeByName(act.NarrativeRef)
	if err != nil {
		return "", &ResolutionFailedError{Act: act.Name, Cause: err}
	}
	if active[target.Name] {
		return "", &CycleDetectedError{Name: target.Name}
	}

	nested := make(map[string]bool, len(active)+1)
	for k := range active {
		nested[k] = true
	}
	nested[target.Name] = true

	result, err := e.executeNarrative(ctx, target, run, nested)
	if err != nil {
		return "", &ActFailedError{Act: act.Name, Cause: err}
	}
	if len(result.ActExecutions) == 0 {
		return "", nil
	}
	return result.ActExecutions[len(result.ActExecutions)-1].Response, nil
}

func (e *Executor) resolveNarrativeByName(name string) (*narrative.Narrative, error) {
	if e.resolver == nil {
		return nil, fmt.Errorf("narrative %q: no resolver configured for composition", name)
	}
	return e.resolver.Resolve(name)
}

// buildRequest assembles the provider-agnostic request from history plus
// this act's resolved inputs. The final user message's content is built
// from each resolved part's own backendParts rather than the flattened
// userMessage string, so a Media input reaches the backend as a real
// attachment part instead of a text placeholder (spec.md §4.D step 1, §6).
func buildRequest(history *narrative.ConversationHistory, resolved []resolvedPart, userMessage, model string, sampling narrative.SamplingParams) backend.Request {
	req := backend.Request{Model: model, Temperature: sampling.Temperature, MaxTokens: sampling.MaxTokens}
	for _, m := range history.Messages() {
		req.Messages = append(req.Messages, backend.Message{Role: toBackendRole(m.Role), Content: []backend.Part{backend.TextPart(m.Text)}})
	}

	var content []backend.Part
	for _, p := range resolved {
		content = append(content, p.backendParts()...)
	}
	if len(content) == 0 {
		content = []backend.Part{backend.TextPart(userMessage)}
	}
	req.Messages = append(req.Messages, backend.Message{Role: backend.RoleUser, Content: content})
	return req
}

func toBackendRole(r narrative.Role) backend.Role {
	switch r {
	case narrative.RoleAssistant:
		return backend.RoleAssistant
	case narrative.RoleSystem:
		return backend.RoleSystem
	default:
		return backend.RoleUser
	}
}

// rewriteHistoryFromTurns rebuilds the running history from the turn
// records captured so far, replaying each original input's own retention
// tag against its actual resolved text (spec.md §4.D step 2). A turn whose
// inputs all drop out entirely (every input tagged Drop) contributes no
// user message for that turn, matching how the act itself would have
// assembled an empty message.
func rewriteHistoryFromTurns(turns []turnRecord) []narrative.Message {
	var out []narrative.Message
	for _, turn := range turns {
		var kept []string
		for _, it := range turn.inputTexts {
			text, keep := retention.ShapeResolved(it.input, it.text)
			if keep {
				kept = append(kept, text)
			}
		}
		if len(kept) > 0 {
			out = append(out, narrative.Message{Role: narrative.RoleUser, Text: strings.Join(kept, "\n\n")})
		}

		respIn := narrative.Input{Kind: narrative.InputText, Retention: narrative.RetentionFull, Text: &narrative.TextInput{Content: turn.response}}
		if text, keep := retention.ShapeResolved(respIn, turn.response); keep {
			out = append(out, narrative.Message{Role: narrative.RoleAssistant, Text: text})
		}
	}
	return out
}

// rewriteHistoryRetentionFallback is used only when no turn records are
// available (history built outside this executor's own TOC loop, via the
// public ExecuteAct). Every message is treated as Full-retention text, so
// only the auto-summary-over-10KB rule can reshape it here; per-input
// retention tags from a prior caller's own narrative are not recoverable
// once flattened into plain role/text pairs.
func rewriteHistoryRetentionFallback(history *narrative.ConversationHistory) []narrative.Message {
	msgs := history.Messages()
	out := make([]narrative.Message, 0, len(msgs))
	for _, m := range msgs {
		in := narrative.Input{Kind: narrative.InputText, Retention: narrative.RetentionFull, Text: &narrative.TextInput{Content: m.Text}}
		if text, keep := retention.ShapeResolved(in, m.Text); keep {
			out = append(out, narrative.Message{Role: m.Role, Text: text})
		}
	}
	return out
}
