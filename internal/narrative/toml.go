package narrative

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// The types below are the TOML decoding DTOs for narrative files: plain
// structs mirroring the wire format, decoded with go-toml/v2 and then
// mapped onto the Narrative/Act/Input domain types in model.go. Core
// packages never see a TOML document directly — only this adapter does.

type narrativeFileDTO struct {
	Narrative  *narrativeDTO            `toml:"narrative"`
	Narratives map[string]narrativeDTO  `toml:"narratives"`
	TOC        any                      `toml:"toc"` // top-level [toc] for a single [narrative] block
	Bots       map[string]bot0DTO       `toml:"bots"`
	Tables     map[string]table0DTO     `toml:"tables"`
	Media      map[string]media0DTO     `toml:"media"`
	Acts       map[string]actDTO        `toml:"acts"` // shared-acts pool
}

type narrativeDTO struct {
	Name                  string            `toml:"name"`
	Description           string            `toml:"description"`
	Model                 string            `toml:"model"`
	Template              string            `toml:"template"`
	Target                string            `toml:"target"`
	SkipContentGeneration bool              `toml:"skip_content_generation"`
	TOC                   any               `toml:"toc"`
	Acts                  map[string]actDTO `toml:"acts"`
	Carousel              *carouselDTO      `toml:"carousel"`
}

// resolveTOC accepts either TOC form spec.md §6 names: a flat array
// (`toc = ["a", "b"]`) or a table with an `order` key (`[toc]\norder =
// ["a", "b"]`). go-toml decodes an untyped field into []any or
// map[string]any depending on which form the document used.
func resolveTOC(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		return tocStringSlice(v)
	case map[string]any:
		order, ok := v["order"]
		if !ok {
			return nil, fmt.Errorf("[toc] table must declare order = [...]")
		}
		orderSlice, ok := order.([]any)
		if !ok {
			return nil, fmt.Errorf("toc.order must be an array of act names")
		}
		return tocStringSlice(orderSlice)
	default:
		return nil, fmt.Errorf("toc must be an array of act names or a table with order = [...]")
	}
}

func tocStringSlice(items []any) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("toc entries must be strings")
		}
		out = append(out, s)
	}
	return out, nil
}

type actDTO struct {
	// Acts decode only from TOML tables (`[acts.<name>]` with a `prompt`
	// key). A bare prompt string (`<name> = "..."`) is not accepted: it
	// fails to decode into this struct.
	Model        string       `toml:"model"`
	Temperature  *float64     `toml:"temperature"`
	MaxTokens    *int         `toml:"max_tokens"`
	Prompt       string       `toml:"prompt"`
	NarrativeRef string       `toml:"narrative_ref"`
	Extract      *bool        `toml:"extract"`
	Input        []inputDTO   `toml:"input"`
}

type inputDTO struct {
	Type             string         `toml:"type"`
	Content          string         `toml:"content"`
	Table            string         `toml:"table"`
	Columns          []string       `toml:"columns"`
	Where            string         `toml:"where"`
	Limit            *int           `toml:"limit"`
	Offset           *int           `toml:"offset"`
	OrderBy          string         `toml:"order_by"`
	Alias            string         `toml:"alias"`
	Format           string         `toml:"format"`
	QueryAndDelete   bool           `toml:"query_and_delete"`
	Platform         string         `toml:"platform"`
	Command          string         `toml:"command"`
	Args             map[string]any `toml:"args"`
	Required         *bool          `toml:"required"`
	CacheDurationSec *int           `toml:"cache_duration"`
	Name             string         `toml:"name"`
	Path             string         `toml:"path"`
	Mime             string         `toml:"mime"`
	Source           string         `toml:"source"`
	URL              string         `toml:"url"`
	HistoryRetention string         `toml:"history_retention"`
}

type bot0DTO struct {
	Platform string `toml:"platform"`
	Command  string `toml:"command"`
}

type table0DTO struct {
	Table   string   `toml:"table"`
	Columns []string `toml:"columns"`
}

type media0DTO struct {
	Kind   string `toml:"kind"`
	Mime   string `toml:"mime"`
	Source string `toml:"source"`
}

type carouselDTO struct {
	Iterations                  int      `toml:"iterations"`
	EstimatedTokensPerIteration *uint64  `toml:"estimated_tokens_per_iteration"`
	ContinueOnError             bool     `toml:"continue_on_error"`
	BudgetMultiplier            *float64 `toml:"budget"`
}

// LoadMultiNarrative reads a narrative TOML file from disk and maps it onto
// the domain model, returning a MultiNarrative keyed by every narrative
// name the file declares (a single top-level [narrative] block counts as
// one entry named by its `name` key).
func LoadMultiNarrative(path string) (*MultiNarrative, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("narrative: read %s: %w", path, err)
	}
	return ParseMultiNarrative(path, data)
}

// ParseMultiNarrative decodes a narrative TOML document already read into
// memory. Split out from LoadMultiNarrative so validators and tests can
// supply in-memory fixtures without touching the filesystem.
func ParseMultiNarrative(sourcePath string, data []byte) (*MultiNarrative, error) {
	var file narrativeFileDTO
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("narrative: parse %s: %w", sourcePath, err)
	}

	sharedActs := make(map[string]actDTO, len(file.Acts))
	for name, a := range file.Acts {
		sharedActs[name] = a
	}

	narratives := make(map[string]*Narrative)
	active := ""

	mapOne := func(dto narrativeDTO) (*Narrative, error) {
		return mapNarrativeDTO(dto, sharedActs)
	}

	if file.Narrative != nil {
		dto := *file.Narrative
		if dto.TOC == nil {
			dto.TOC = file.TOC
		}
		n, err := mapOne(dto)
		if err != nil {
			return nil, err
		}
		narratives[n.Name] = n
		active = n.Name
	}
	for name, dto := range file.Narratives {
		if dto.Name == "" {
			dto.Name = name
		}
		n, err := mapOne(dto)
		if err != nil {
			return nil, err
		}
		narratives[n.Name] = n
		if active == "" {
			active = n.Name
		}
	}

	if len(narratives) == 0 {
		return nil, fmt.Errorf("narrative: %s declares no [narrative] or [narratives.*] block", sourcePath)
	}

	return NewMultiNarrative(sourcePath, active, narratives)
}

func mapNarrativeDTO(dto narrativeDTO, sharedActs map[string]actDTO) (*Narrative, error) {
	n := &Narrative{
		Name:                  dto.Name,
		Description:           dto.Description,
		Model:                 dto.Model,
		Template:              dto.Template,
		Target:                dto.Target,
		SkipContentGeneration: dto.SkipContentGeneration,
		Acts:                  make(map[string]Act),
	}

	toc, err := resolveTOC(dto.TOC)
	if err != nil {
		return nil, fmt.Errorf("narrative %q: %w", dto.Name, err)
	}
	n.TOC = toc

	for name, a := range sharedActs {
		act, err := mapActDTO(name, a)
		if err != nil {
			return nil, err
		}
		n.Acts[name] = act
	}
	for name, a := range dto.Acts {
		act, err := mapActDTO(name, a)
		if err != nil {
			return nil, err
		}
		n.Acts[name] = act
	}

	if dto.Carousel != nil {
		c := &CarouselConfig{
			Iterations:      dto.Carousel.Iterations,
			ContinueOnError: dto.Carousel.ContinueOnError,
			BudgetMultiplier: dto.Carousel.BudgetMultiplier,
		}
		if dto.Carousel.EstimatedTokensPerIteration != nil {
			c.EstimatedTokensPerIteration = *dto.Carousel.EstimatedTokensPerIteration
		} else {
			c.EstimatedTokensPerIteration = 1000
		}
		n.Carousel = c
	}

	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

func mapActDTO(name string, a actDTO) (Act, error) {
	act := Act{
		Name:          name,
		Prompt:        a.Prompt,
		ModelOverride: a.Model,
		NarrativeRef:  a.NarrativeRef,
		Sampling: SamplingParams{
			Temperature: a.Temperature,
			MaxTokens:   a.MaxTokens,
		},
		ExtractOutputs: a.Extract,
	}

	if a.Prompt != "" {
		act.Inputs = append(act.Inputs, Input{Kind: InputText, Retention: RetentionFull, Text: &TextInput{Content: a.Prompt}})
	}

	for _, in := range a.Input {
		input, err := mapInputDTO(in)
		if err != nil {
			return Act{}, fmt.Errorf("act %q: %w", name, err)
		}
		act.Inputs = append(act.Inputs, input)
	}

	if err := act.Validate(); err != nil {
		return Act{}, err
	}
	return act, nil
}

func mapInputDTO(in inputDTO) (Input, error) {
	retention := RetentionTag(in.HistoryRetention)
	if retention == "" {
		retention = RetentionFull
	}

	switch in.Type {
	case "text", "":
		return Input{Kind: InputText, Retention: retention, Text: &TextInput{Content: in.Content}}, nil
	case "table":
		format := TableFormat(in.Format)
		if format == "" {
			format = FormatJSON
		}
		return Input{Kind: InputTable, Retention: retention, Table: &TableInput{
			Table: in.Table, Columns: in.Columns, Where: in.Where,
			Limit: in.Limit, Offset: in.Offset, OrderBy: in.OrderBy,
			Alias: in.Alias, Format: format, QueryAndDelete: in.QueryAndDelete,
		}}, nil
	case "bot":
		required := false
		if in.Required != nil {
			required = *in.Required
		}
		return Input{Kind: InputBotCommand, Retention: retention, Bot: &BotCommandInput{
			Platform: in.Platform, Command: in.Command, Args: in.Args,
			Required: required, CacheDuration: in.CacheDurationSec,
		}}, nil
	case "narrative":
		return Input{Kind: InputNarrativeRef, Retention: retention, Narrative: &NarrativeRefInput{
			Name: in.Name, Path: in.Path,
		}}, nil
	case "image", "audio", "video", "document":
		return Input{Kind: InputMedia, Retention: retention, Media: &MediaInput{
			Kind: MediaKind(in.Type), Source: MediaSource(in.Source), URL: in.URL, Mime: in.Mime,
		}}, nil
	default:
		return Input{}, fmt.Errorf("unrecognized input type %q", in.Type)
	}
}
