// Package narrative holds the declarative data model driving one actor's
// execution: narratives, acts, their polymorphic inputs, and the
// conversation history threaded across a single run.
package narrative

import "fmt"

// RetentionTag controls how an input's resolved form survives into later
// acts' conversation history once the Retention Engine rewrites it.
type RetentionTag string

const (
	RetentionFull    RetentionTag = "full"
	RetentionSummary RetentionTag = "summary"
	RetentionDrop    RetentionTag = "drop"
)

// TableFormat selects how a Table input's query result is serialized into
// the assembled user message.
type TableFormat string

const (
	FormatJSON     TableFormat = "json"
	FormatMarkdown TableFormat = "markdown"
	FormatCSV      TableFormat = "csv"
)

// MediaKind enumerates the attachment kinds a Media input may declare.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaAudio    MediaKind = "audio"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// MediaSource enumerates where a Media input's bytes come from.
type MediaSource string

const (
	MediaSourceBinary MediaSource = "binary"
	MediaSourceBase64 MediaSource = "base64"
	MediaSourceURL    MediaSource = "url"
)

// InputKind discriminates the Input tagged union.
type InputKind string

const (
	InputText        InputKind = "text"
	InputTable       InputKind = "table"
	InputBotCommand  InputKind = "bot"
	InputNarrativeRef InputKind = "narrative"
	InputMedia       InputKind = "media"
)

// TextInput is a verbatim text part.
type TextInput struct {
	Content string
}

// TableInput resolves to a read-only query against the storage layer
// before the model call. QueryAndDelete selects the destructive,
// atomic-dequeue variant used for queue-style tables.
type TableInput struct {
	Table          string
	Columns        []string
	Where          string
	Limit          *int
	Offset         *int
	OrderBy        string
	Alias          string
	Format         TableFormat
	QueryAndDelete bool
}

// BotCommandInput resolves by calling the Bot-Command Executor. A failed
// required command aborts the act; an optional one yields an empty part.
type BotCommandInput struct {
	Platform      string
	Command       string
	Args          map[string]any
	Required      bool
	CacheDuration *int // seconds
}

// NarrativeRefInput resolves by recursively executing the referenced
// narrative and substituting its last act's text response.
type NarrativeRefInput struct {
	Name string
	Path string
}

// MediaInput is an attachment part of a declared mime type.
type MediaInput struct {
	Kind   MediaKind
	Source MediaSource
	Data   []byte // populated for Binary/Base64 sources
	URL    string // populated for URL sources
	Mime   string
}

// Input is the polymorphic element an act feeds to the model. Exactly one
// of the typed fields is populated, selected by Kind; Retention defaults to
// RetentionFull when the zero value is used.
type Input struct {
	Kind      InputKind
	Retention RetentionTag

	Text     *TextInput
	Table    *TableInput
	Bot      *BotCommandInput
	Narrative *NarrativeRefInput
	Media    *MediaInput
}

// EffectiveRetention returns the input's retention tag, defaulting to Full
// per spec.
func (in Input) EffectiveRetention() RetentionTag {
	if in.Retention == "" {
		return RetentionFull
	}
	return in.Retention
}

// SamplingParams carries the model-invocation knobs an act may override.
type SamplingParams struct {
	Temperature *float64
	MaxTokens   *int
}

// Act is a unit of model invocation: either a direct model call over an
// ordered sequence of inputs, or a reference to another narrative
// (composition) — never both.
type Act struct {
	Name string

	Inputs         []Input
	Prompt         string // the act's own prompt text, prepended as a Text input by the mapper
	ModelOverride  string
	Sampling       SamplingParams
	ExtractOutputs *bool // per-act override of output extraction; nil inherits narrative default

	NarrativeRef string // non-empty marks this act as composition-only
}

// IsComposition reports whether this act delegates to another narrative
// instead of calling a model directly.
func (a Act) IsComposition() bool {
	return a.NarrativeRef != ""
}

// Validate enforces the act invariant: composition XOR direct call.
func (a Act) Validate() error {
	if a.IsComposition() && len(a.Inputs) > 0 {
		return fmt.Errorf("act %q: narrative_ref acts must not declare inputs", a.Name)
	}
	return nil
}

// CarouselConfig requests up to Iterations repetitions of the whole
// narrative TOC, self-throttled by a Budget derived from the provider tier.
type CarouselConfig struct {
	Iterations               int
	EstimatedTokensPerIteration uint64
	ContinueOnError           bool
	BudgetMultiplier          *float64
}

// Narrative is an ordered, named sequence of acts plus the configuration
// shared by every act in it. It is loaded once at startup (or reload) and
// is immutable during execution.
type Narrative struct {
	Name        string
	Description string
	Model       string // optional default model
	Template    string // optional output template name
	Target      string // optional explicit content-generation target table

	TOC  []string
	Acts map[string]Act

	Carousel *CarouselConfig

	SkipContentGeneration bool
}

// ResolveAct looks up an act by name within this narrative. Narratives only
// resolve acts from their own map; the shared-acts pool (if any) is merged
// into Acts at load time by the TOML mapper.
func (n *Narrative) ResolveAct(name string) (Act, error) {
	act, ok := n.Acts[name]
	if !ok {
		return Act{}, fmt.Errorf("narrative %q: act %q not found", n.Name, name)
	}
	return act, nil
}

// Validate checks the narrative invariant: every TOC name resolves to an
// act, and every act satisfies its own invariant.
func (n *Narrative) Validate() error {
	for _, name := range n.TOC {
		if _, ok := n.Acts[name]; !ok {
			return fmt.Errorf("narrative %q: toc entry %q has no matching act", n.Name, name)
		}
	}
	for _, act := range n.Acts {
		if err := act.Validate(); err != nil {
			return err
		}
	}
	return nil
}
