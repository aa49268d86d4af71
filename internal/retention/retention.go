// Package retention shapes resolved narrative inputs into the form that
// survives into conversation history, per each input's retention tag.
package retention

import (
	"fmt"

	"botticelli/internal/logx"
	"botticelli/internal/narrative"
)

var log = logx.New("retention")

// AutoSummaryThreshold is the size, in bytes, past which a Full-retention
// input is treated as Summary regardless of its declared tag.
const AutoSummaryThreshold = 10_000

// shortTextExemption is the byte length below which a text input is kept
// verbatim even under a Summary policy.
const shortTextExemption = 1000

// Apply produces the history-shaped representation of a resolved input
// sequence: Full inputs pass through (unless oversized), Summary inputs are
// replaced by a deterministic descriptor, and Drop inputs are omitted.
func Apply(inputs []narrative.Input) []narrative.Input {
	result := make([]narrative.Input, 0, len(inputs))

	for _, in := range inputs {
		switch in.EffectiveRetention() {
		case narrative.RetentionFull:
			if shouldAutoSummarize(in) {
				log.Debug("auto-summarizing oversized Full-retention input (kind=%s)", in.Kind)
				result = append(result, asTextInput(Summarize(in)))
				continue
			}
			result = append(result, in)
		case narrative.RetentionSummary:
			result = append(result, asTextInput(Summarize(in)))
		case narrative.RetentionDrop:
			log.Debug("dropping input per retention policy (kind=%s)", in.Kind)
			// omitted entirely
		default:
			result = append(result, in)
		}
	}

	log.Debug("applied retention: %d inputs -> %d", len(inputs), len(result))
	return result
}

// ShapeResolved applies an input's retention tag to its already-resolved
// text (the real query result, command output, or nested-narrative
// response — not just the input's static declaration). It returns the text
// to keep in history and whether the input survives at all; a false keep
// means the input's retention tag is Drop.
//
// Unlike Apply, which only sees an input's static fields and so can't
// estimate the true post-resolution size of a Table/BotCommand/
// NarrativeRef input, ShapeResolved uses the resolved text's actual byte
// length for the auto-summary-over-10KB check, per spec.md §4.C's note
// that "the executor may re-summarize after resolution."
func ShapeResolved(in narrative.Input, resolvedText string) (text string, keep bool) {
	switch in.EffectiveRetention() {
	case narrative.RetentionDrop:
		return "", false
	case narrative.RetentionSummary:
		return Summarize(in), true
	default: // Full
		if in.Kind == narrative.InputText && len(resolvedText) < shortTextExemption {
			return resolvedText, true
		}
		if len(resolvedText) > AutoSummaryThreshold {
			return Summarize(in), true
		}
		return resolvedText, true
	}
}

func asTextInput(content string) narrative.Input {
	return narrative.Input{
		Kind:      narrative.InputText,
		Retention: narrative.RetentionFull,
		Text:      &narrative.TextInput{Content: content},
	}
}

// shouldAutoSummarize reports whether a Full-retention input's estimated
// size exceeds AutoSummaryThreshold. Text inputs under shortTextExemption
// bytes are never auto-summarized regardless of estimated size.
func shouldAutoSummarize(in narrative.Input) bool {
	if in.Kind == narrative.InputText && in.Text != nil && len(in.Text.Content) < shortTextExemption {
		return false
	}
	return estimateInputSize(in) > AutoSummaryThreshold
}

// estimateInputSize estimates an input's byte size before resolution. Table
// and BotCommand/NarrativeRef sizes are unknown until resolution completes,
// so they estimate to 0 here (the executor may re-summarize the resolved
// form once its true size is known).
func estimateInputSize(in narrative.Input) int {
	switch in.Kind {
	case narrative.InputText:
		if in.Text == nil {
			return 0
		}
		return len(in.Text.Content)
	case narrative.InputMedia:
		if in.Media == nil {
			return 0
		}
		switch in.Media.Source {
		case narrative.MediaSourceBinary, narrative.MediaSourceBase64:
			return len(in.Media.Data)
		default: // URL: payload size unknown, URL itself is small
			return 0
		}
	default:
		return 0
	}
}

// Summarize produces the deterministic short descriptor for an input,
// regardless of its retention tag — used both for Summary-policy rewrites
// and for auto-summarization of oversized Full inputs.
func Summarize(in narrative.Input) string {
	switch in.Kind {
	case narrative.InputTable:
		return summarizeTable(in.Table)
	case narrative.InputText:
		return summarizeText(in.Text)
	case narrative.InputNarrativeRef:
		name := ""
		if in.Narrative != nil {
			name = in.Narrative.Name
		}
		return fmt.Sprintf("[Nested narrative: %s]", name)
	case narrative.InputBotCommand:
		platform, command := "", ""
		if in.Bot != nil {
			platform, command = in.Bot.Platform, in.Bot.Command
		}
		return fmt.Sprintf("[Bot command: %s.%s]", platform, command)
	case narrative.InputMedia:
		return summarizeMedia(in.Media)
	default:
		return "[Input]"
	}
}

func summarizeTable(t *narrative.TableInput) string {
	if t == nil {
		return "[Table: unknown]"
	}
	rowsInfo := "all rows"
	if t.Limit != nil {
		rowsInfo = fmt.Sprintf("%d rows queried", *t.Limit)
	}
	offsetInfo := ""
	if t.Offset != nil {
		offsetInfo = fmt.Sprintf(", offset %d", *t.Offset)
	}
	return fmt.Sprintf("[Table: %s, %s%s]", t.Table, rowsInfo, offsetInfo)
}

func summarizeText(t *narrative.TextInput) string {
	content := ""
	if t != nil {
		content = t.Content
	}
	if len(content) <= shortTextExemption {
		return content
	}
	sizeKB := len(content) / 1024
	return fmt.Sprintf("[Text: ~%dKB]", sizeKB)
}

func summarizeMedia(m *narrative.MediaInput) string {
	if m == nil {
		return "[Media: unknown]"
	}
	mime := m.Mime
	if mime == "" {
		mime = "unknown"
	}
	kind := string(m.Kind)
	if kind == "" {
		kind = "Media"
	} else {
		kind = capitalize(kind)
	}
	return fmt.Sprintf("[%s: %s]", kind, mime)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-('a'-'A')) + s[1:]
}
