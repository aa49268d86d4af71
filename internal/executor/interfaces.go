// Package executor runs a Narrative's acts in TOC order against a Backend,
// threading a single ConversationHistory across the whole execution and
// invoking the Retention Engine, Rate Limiter, and Act-Processor Pipeline
// at the points spec.md §4.D names.
package executor

import (
	"context"

	"botticelli/internal/narrative"
)

// TableQuerier is the read-only slice of the storage capability a Table
// input resolves against (spec.md §6, "Storage capability").
type TableQuerier interface {
	Query(ctx context.Context, table string, columns []string, where string, limit, offset *int, orderBy string) ([]map[string]any, error)
	QueryAndDelete(ctx context.Context, table string, columns []string, where string, limit, offset *int, orderBy string) ([]map[string]any, error)
}

// BotCommandCaller is the slice of the Secure Bot-Command Executor a
// BotCommand input resolves against.
type BotCommandCaller interface {
	ExecuteSecure(ctx context.Context, narrativeID, platform, command string, args map[string]any) (BotCommandResult, error)
}

// BotCommandResult is the outcome of a secure bot-command call as seen by
// the executor: either a JSON payload, a pending-approval id, or an error
// the caller must classify as required/optional.
type BotCommandResult struct {
	Success          bool
	JSON             any
	ApprovalRequired bool
	ApprovalID       string
}

// Processors runs the Act-Processor Pipeline against a completed act.
type Processors interface {
	Process(ctx context.Context, pctx ProcessorContext) error
}

// ProcessorContext carries what the Act-Processor Pipeline needs to decide
// whether and how to act on a completed act (spec.md §4.E).
type ProcessorContext struct {
	NarrativeName        string
	NarrativeDescription string
	NarrativeTemplate    string
	NarrativeTarget      string
	SkipContentGeneration bool

	ActName      string
	ResponseText string
	Model        string

	IsLastAct      bool
	ExtractOutputs bool

	SourceAct string
}

// NarrativeResolver resolves a narrative by name for composition and
// NarrativeRef inputs, honoring the active MultiNarrative context when one
// is present (spec.md §3, "Ownership & lifetime").
type NarrativeResolver interface {
	Resolve(name string) (*narrative.Narrative, error)
}
