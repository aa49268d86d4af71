package executor

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"botticelli/internal/backend"
	"botticelli/internal/narrative"
)

// resolvedPart is one message part produced by resolving a single input,
// carrying the originating input alongside its resolved text so the next
// act's history rewrite can replay that input's own retention tag against
// its real, post-resolution size (see retention.ShapeResolved).
type resolvedPart struct {
	input narrative.Input
	text  string
	media *narrative.MediaInput
}

// resolveInputs resolves every input of an act to one or more message
// parts (spec.md §4.D step 1). The act's own message always sees each
// input's full resolved text — retention tags are replayed against history
// on the *next* act's call, not against the inputs an act is assembling for
// itself right now (spec.md step 2's "retention applies to the rewritten
// history, not the just-resolved inputs for this act").
func (e *Executor) resolveInputs(ctx context.Context, act narrative.Act, run RunContext, active map[string]bool) ([]resolvedPart, error) {
	parts := make([]resolvedPart, 0, len(act.Inputs))
	for _, in := range act.Inputs {
		part, err := e.resolveInput(ctx, in, run, active)
		if err != nil {
			return nil, err
		}
		if part != nil {
			part.input = in
			parts = append(parts, *part)
		}
	}
	return parts, nil
}

func (e *Executor) resolveInput(ctx context.Context, in narrative.Input, run RunContext, active map[string]bool) (*resolvedPart, error) {
	switch in.Kind {
	case narrative.InputText:
		return &resolvedPart{text: in.Text.Content}, nil

	case narrative.InputTable:
		return e.resolveTable(ctx, in.Table)

	case narrative.InputBotCommand:
		return e.resolveBotCommand(ctx, in.Bot, run)

	case narrative.InputNarrativeRef:
		return e.resolveNarrativeRef(ctx, in.Narrative, run, active)

	case narrative.InputMedia:
		return &resolvedPart{media: in.Media}, nil

	default:
		return nil, fmt.Errorf("unknown input kind %q", in.Kind)
	}
}

func (e *Executor) resolveTable(ctx context.Context, t *narrative.TableInput) (*resolvedPart, error) {
	if e.tables == nil {
		return nil, fmt.Errorf("table %q: no storage bound to this executor", t.Table)
	}
	var (
		rows []map[string]any
		err  error
	)
	if t.QueryAndDelete {
		rows, err = e.tables.QueryAndDelete(ctx, t.Table, t.Columns, t.Where, t.Limit, t.Offset, t.OrderBy)
	} else {
		rows, err = e.tables.Query(ctx, t.Table, t.Columns, t.Where, t.Limit, t.Offset, t.OrderBy)
	}
	if err != nil {
		return nil, fmt.Errorf("table %q: query failed: %w", t.Table, err)
	}

	heading := t.Alias
	if heading == "" {
		heading = t.Table
	}

	text, err := formatRows(rows, t.Format, heading)
	if err != nil {
		return nil, err
	}
	return &resolvedPart{text: text}, nil
}

func formatRows(rows []map[string]any, format narrative.TableFormat, heading string) (string, error) {
	switch format {
	case narrative.FormatMarkdown:
		return formatRowsMarkdown(rows, heading), nil
	case narrative.FormatCSV:
		return formatRowsCSV(rows, heading)
	default:
		b, err := json.Marshal(map[string]any{"table": heading, "rows": rows})
		if err != nil {
			return "", fmt.Errorf("marshal rows as json: %w", err)
		}
		return string(b), nil
	}
}

// formatRowsMarkdown renders a table's rows as a markdown heading (the
// input's Alias, or the table name when no alias is declared) followed by a
// pipe table (SPEC_FULL.md §5 item 5).
func formatRowsMarkdown(rows []map[string]any, heading string) string {
	var sb strings.Builder
	sb.WriteString("## " + heading + "\n\n")
	if len(rows) == 0 {
		sb.WriteString("(no rows)")
		return sb.String()
	}
	columns := orderedColumns(rows)

	sb.WriteString("| " + strings.Join(columns, " | ") + " |\n")
	sb.WriteString("|" + strings.Repeat(" --- |", len(columns)) + "\n")
	for _, row := range rows {
		values := make([]string, len(columns))
		for i, col := range columns {
			values[i] = fmt.Sprintf("%v", row[col])
		}
		sb.WriteString("| " + strings.Join(values, " | ") + " |\n")
	}
	return sb.String()
}

// formatRowsCSV renders a table's rows as CSV prefixed by a "# heading"
// comment line naming the input's Alias (or table name).
func formatRowsCSV(rows []map[string]any, heading string) (string, error) {
	var sb strings.Builder
	sb.WriteString("# " + heading + "\n")
	w := csv.NewWriter(&sb)
	if len(rows) == 0 {
		w.Flush()
		return sb.String(), w.Error()
	}
	columns := orderedColumns(rows)
	if err := w.Write(columns); err != nil {
		return "", err
	}
	for _, row := range rows {
		values := make([]string, len(columns))
		for i, col := range columns {
			values[i] = fmt.Sprintf("%v", row[col])
		}
		if err := w.Write(values); err != nil {
			return "", err
		}
	}
	w.Flush()
	return sb.String(), w.Error()
}

// orderedColumns collects the union of keys across all rows, sorted, so
// CSV/markdown output has a stable column order even when rows vary.
func orderedColumns(rows []map[string]any) []string {
	seen := make(map[string]bool)
	var columns []string
	for _, row := range rows {
		for col := range row {
			if !seen[col] {
				seen[col] = true
				columns = append(columns, col)
			}
		}
	}
	sort.Strings(columns)
	return columns
}

func (e *Executor) resolveBotCommand(ctx context.Context, b *narrative.BotCommandInput, run RunContext) (*resolvedPart, error) {
	if e.bots == nil {
		if b.Required {
			return nil, fmt.Errorf("bot command %s.%s: no bot-command executor bound to this executor", b.Platform, b.Command)
		}
		return &resolvedPart{text: ""}, nil
	}

	result, err := e.bots.ExecuteSecure(ctx, run.NarrativeID, b.Platform, b.Command, b.Args)
	if err != nil || (!result.Success && !result.ApprovalRequired) {
		if b.Required {
			cause := err
			if cause == nil {
				cause = fmt.Errorf("bot command %s.%s denied", b.Platform, b.Command)
			}
			return nil, cause
		}
		// Optional commands that fail yield an empty text part rather than
		// being dropped, so retention-by-input-index bookkeeping stays intact.
		return &resolvedPart{text: ""}, nil
	}

	if result.ApprovalRequired {
		return &resolvedPart{text: fmt.Sprintf("[Approval required: %s]", result.ApprovalID)}, nil
	}

	payload, err := json.Marshal(result.JSON)
	if err != nil {
		return nil, fmt.Errorf("bot command %s.%s: marshal result: %w", b.Platform, b.Command, err)
	}
	return &resolvedPart{text: string(payload)}, nil
}

func (e *Executor) resolveNarrativeRef(ctx context.Context, ref *narrative.NarrativeRefInput, run RunContext, active map[string]bool) (*resolvedPart, error) {
	target, err := e.resolveNarrativeByName(ref.Name)
	if err != nil {
		return nil, fmt.Errorf("narrative ref %q: %w", ref.Name, err)
	}
	if active[target.Name] {
		return nil, &CycleDetectedError{Name: target.Name}
	}

	nested := make(map[string]bool, len(active)+1)
	for k := range active {
		nested[k] = true
	}
	nested[target.Name] = true

	result, err := e.executeNarrative(ctx, target, run, nested)
	if err != nil {
		return nil, fmt.Errorf("narrative ref %q: %w", ref.Name, err)
	}
	if len(result.ActExecutions) == 0 {
		return &resolvedPart{text: ""}, nil
	}
	return &resolvedPart{text: result.ActExecutions[len(result.ActExecutions)-1].Response}, nil
}

// backendParts converts a resolved part into the wire-level Part(s) the
// backend actually receives: a real media attachment (mime + payload) for
// InputMedia, a plain text part otherwise (spec.md §4.D step 1, §6).
func (p resolvedPart) backendParts() []backend.Part {
	if p.media == nil {
		return []backend.Part{backend.TextPart(p.text)}
	}
	part := backend.Part{Kind: backend.PartMedia, Mime: p.media.Mime}
	switch p.media.Source {
	case narrative.MediaSourceURL:
		part.URL = p.media.URL
	case narrative.MediaSourceBase64:
		part.B64 = string(p.media.Data)
	default:
		part.Bytes = p.media.Data
	}
	return []backend.Part{part}
}

// assembleUserMessage joins every resolved part into the single user
// message text used for history threading and token estimation. The live
// request sent to the backend carries each part's own backendParts (see
// buildRequest) so media attachments reach the provider as real payloads
// rather than as this flattened text trace.
func assembleUserMessage(parts []resolvedPart) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		texts = append(texts, p.historyText())
	}
	return strings.Join(texts, "\n\n")
}

// historyText is the textual trace a resolved part contributes toward the
// assembled message — also what gets recorded alongside its originating
// input for later retention replay against history (media attachments
// carry no byte payload through the narrative layer, so their trace is the
// same descriptor string the message itself uses).
func (p resolvedPart) historyText() string {
	if p.media != nil {
		mime := p.media.Mime
		if mime == "" {
			mime = "unknown"
		}
		return fmt.Sprintf("[attachment: %s, %s]", p.media.Kind, mime)
	}
	return p.text
}
