package narrative

import "fmt"

// ErrorKind enumerates the narrative validation error categories surfaced
// to the CLI's `validate` command.
type ErrorKind string

const (
	ErrInvalidSyntax       ErrorKind = "invalid_syntax"
	ErrMissingSection      ErrorKind = "missing_section"
	ErrUndefinedReference  ErrorKind = "undefined_reference"
	ErrEmptyTOC            ErrorKind = "empty_toc"
	ErrMissingAct          ErrorKind = "missing_act"
	ErrEmptyPrompt         ErrorKind = "empty_prompt"
	ErrFileNotFound        ErrorKind = "file_not_found"
	ErrCircularDependency  ErrorKind = "circular_dependency"
)

// WarningKind enumerates non-fatal validation observations.
type WarningKind string

const (
	WarnUnknownModel         WarningKind = "unknown_model"
	WarnUnusedResource       WarningKind = "unused_resource"
	WarnDirectTableReference WarningKind = "direct_table_reference"
	WarnSchemaDrift          WarningKind = "schema_drift"
)

// Location pinpoints a validation message within the narrative's source
// structure when a line/column isn't available (TOML decoding loses exact
// position information once mapped onto the domain model).
type Location struct {
	Section string `json:"section,omitempty"`
}

// ValidationError is a blocking finding: the narrative cannot execute as
// written.
type ValidationError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	Location   *Location `json:"location,omitempty"`
}

// ValidationWarning is a non-blocking finding that a --strict run still
// treats as a CLI failure per spec.md §6's exit-code 2 convention.
type ValidationWarning struct {
	Kind     WarningKind `json:"kind"`
	Message  string      `json:"message"`
	Location *Location   `json:"location,omitempty"`
}

// ValidationResult is the JSON-serializable report the CLI's `validate`
// command emits (spec.md §6, "Validation output (JSON form)").
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	File     string              `json:"file"`
	Errors   []ValidationError   `json:"errors"`
	Warnings []ValidationWarning `json:"warnings"`
}

// IsValid reports whether the narrative has no blocking errors. Warnings
// alone do not make a result invalid; --strict mode is a CLI-layer concern
// (spec.md §6, exit code 2).
func (r *ValidationResult) IsValid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) addError(kind ErrorKind, message, suggestion string) {
	r.Errors = append(r.Errors, ValidationError{Kind: kind, Message: message, Suggestion: suggestion})
}

func (r *ValidationResult) addWarning(kind WarningKind, message string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Kind: kind, Message: message})
}

// AddWarning appends an externally-discovered finding (e.g. the CLI's
// schema-drift check, which needs a live storage connection this package
// never opens itself) to the result.
func (r *ValidationResult) AddWarning(kind WarningKind, message string) {
	r.addWarning(kind, message)
}

// knownModels is the set of model names that don't trigger an
// unknown-model warning. It's advisory only — an unrecognized name never
// blocks validation, it only warns.
var knownModels = map[string]bool{
	"gemini-2.0-flash-exp": true, "gemini-1.5-flash": true, "gemini-1.5-pro": true,
	"gpt-4": true, "gpt-4-turbo": true, "gpt-4o": true, "gpt-4o-mini": true, "gpt-3.5-turbo": true,
	"claude-3-5-sonnet-20241022": true, "claude-3-opus-20240229": true,
	"claude-3-sonnet-20240229": true, "claude-3-haiku-20240307": true,
	"llama-3.3-70b-versatile": true, "llama-3.1-70b-versatile": true, "llama-3.1-8b-instant": true,
	"llama3.2": true, "llama3.1": true, "mistral": true, "phi3": true,
}

// ValidateNarrative runs every structural check against a decoded
// MultiNarrative and returns a report suitable for the `validate` CLI
// command. It never mutates the input.
func ValidateNarrative(file string, mn *MultiNarrative) *ValidationResult {
	result := &ValidationResult{File: file}

	active, err := mn.ActiveNarrative()
	if err != nil {
		result.addError(ErrMissingSection, err.Error(), "add a [narrative] or [narratives.<name>] block")
		return result
	}

	validateOne(result, active)

	seen := map[string]bool{active.Name: true}
	checkCycles(result, mn, active, map[string]bool{active.Name: true}, seen)

	return result
}

func validateOne(result *ValidationResult, n *Narrative) {
	if len(n.TOC) == 0 {
		result.addError(ErrEmptyTOC, fmt.Sprintf("narrative %q has an empty table of contents", n.Name),
			"add at least one act name to [toc] order")
		return
	}

	for _, name := range n.TOC {
		act, ok := n.Acts[name]
		if !ok {
			result.addError(ErrMissingAct,
				fmt.Sprintf("toc entry %q in narrative %q has no matching [acts.%s]", name, n.Name, name),
				fmt.Sprintf("define [acts.%s] or remove it from toc", name))
			continue
		}
		validateAct(result, n, act)
	}
}

func validateAct(result *ValidationResult, n *Narrative, act Act) {
	if act.IsComposition() {
		return
	}
	if len(act.Inputs) == 0 {
		result.addError(ErrEmptyPrompt,
			fmt.Sprintf("act %q in narrative %q has no prompt and no inputs", act.Name, n.Name),
			"add a prompt string or at least one [[acts.*.input]] entry")
	}

	model := act.ModelOverride
	if model == "" {
		model = n.Model
	}
	if model != "" && !knownModels[model] {
		result.addWarning(WarnUnknownModel,
			fmt.Sprintf("act %q references model %q, which is not in the known-models list (possible typo)", act.Name, model))
	}

	for _, in := range act.Inputs {
		if in.Kind == InputTable && in.Table != nil && in.Table.Alias == "" {
			result.addWarning(WarnDirectTableReference,
				fmt.Sprintf("act %q queries table %q directly without an alias", act.Name, in.Table.Table))
		}
	}
}

// checkCycles walks NarrativeRef acts and composition-act narrative_refs,
// failing with ErrCircularDependency on structural re-entry of an
// already-active name — the same cycle-detection rule the executor applies
// at runtime, run here ahead of time against the static graph.
func checkCycles(result *ValidationResult, mn *MultiNarrative, n *Narrative, active map[string]bool, visited map[string]bool) {
	for _, act := range n.Acts {
		var targetName string
		switch {
		case act.IsComposition():
			targetName = act.NarrativeRef
		default:
			for _, in := range act.Inputs {
				if in.Kind == InputNarrativeRef && in.Narrative != nil {
					targetName = in.Narrative.Name
					checkCycleTarget(result, mn, targetName, active, visited)
				}
			}
			continue
		}
		checkCycleTarget(result, mn, targetName, active, visited)
	}
}

func checkCycleTarget(result *ValidationResult, mn *MultiNarrative, name string, active, visited map[string]bool) {
	if name == "" {
		return
	}
	if active[name] {
		result.addError(ErrCircularDependency,
			fmt.Sprintf("narrative %q is reachable from itself through nested references", name),
			"break the cycle by removing one of the narrative_ref/narrative input edges")
		return
	}
	if visited[name] {
		return
	}
	visited[name] = true

	target, err := mn.Resolve(name)
	if err != nil {
		result.addError(ErrUndefinedReference,
			fmt.Sprintf("reference to narrative %q could not be resolved: %v", name, err),
			"check the name and path against the declared narratives")
		return
	}

	active[name] = true
	checkCycles(result, mn, target, active, visited)
	delete(active, name)
}
