package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"botticelli/internal/narrative"
	"botticelli/internal/storage"
)

// buildValidateCmd implements `validate <path> [--strict] [--format human|json]`
// (spec.md §6). It never contacts a backend, and opens a database only when
// --check-schema-drift is set; otherwise narrative loading and structural
// validation are pure, file-local operations (SPEC_FULL §5 item 1 keeps
// this callable standalone, not buried inside narrative execution).
func buildValidateCmd() *cobra.Command {
	var strict bool
	var format string
	var checkSchemaDrift bool
	var dbPath string

	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a narrative TOML file without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			mn, loadErr := narrative.LoadMultiNarrative(path)

			var result *narrative.ValidationResult
			if loadErr != nil {
				result = &narrative.ValidationResult{
					File: path,
					Errors: []narrative.ValidationError{{
						Kind:    narrative.ErrInvalidSyntax,
						Message: loadErr.Error(),
					}},
				}
			} else {
				result = narrative.ValidateNarrative(path, mn)
				if checkSchemaDrift {
					active, err := mn.ActiveNarrative()
					if err == nil {
						if err := checkTableSchemaDrift(cmd.Context(), dbPath, active, result); err != nil {
							return &exitStatusError{code: 1, err: err}
						}
					}
				}
			}

			if err := printValidationResult(cmd, result, format); err != nil {
				return err
			}

			switch {
			case !result.IsValid():
				return &exitStatusError{code: 1, err: fmt.Errorf("validation failed for %s", path)}
			case strict && len(result.Warnings) > 0:
				return &exitStatusError{code: 2, err: fmt.Errorf("validation passed with warnings for %s (--strict)", path)}
			default:
				return nil
			}
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as a failing (exit code 2) result")
	cmd.Flags().StringVar(&format, "format", "human", "output format: human|json")
	cmd.Flags().BoolVar(&checkSchemaDrift, "check-schema-drift", false, "compare declared table inputs against the live database schema")
	cmd.Flags().StringVar(&dbPath, "db", defaultDatabasePath, "SQLite database path to check schema drift against")
	return cmd
}

// checkTableSchemaDrift compares every table-kind input's declared columns
// against what the database actually has, reporting mismatches as
// WarnSchemaDrift findings rather than failing outright — a narrative
// referencing a table that content generation hasn't created yet is a
// deployment-ordering fact, not necessarily a broken narrative.
func checkTableSchemaDrift(ctx context.Context, dbPath string, n *narrative.Narrative, result *narrative.ValidationResult) error {
	db, err := openDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("botticelli: --check-schema-drift: %w", err)
	}
	defer func() { _ = db.Close() }()

	store, err := storage.New(db, nil)
	if err != nil {
		return fmt.Errorf("botticelli: --check-schema-drift: %w", err)
	}

	for _, act := range n.Acts {
		for _, in := range act.Inputs {
			if in.Kind != narrative.InputTable || in.Table == nil || len(in.Table.Columns) == 0 {
				continue
			}
			schema, err := store.CachedSchema(ctx, in.Table.Table)
			if err != nil {
				result.AddWarning(narrative.WarnSchemaDrift,
					fmt.Sprintf("act %q references table %q, which has no schema yet: %v", act.Name, in.Table.Table, err))
				continue
			}
			if missing := schema.MissingColumns(in.Table.Columns); len(missing) > 0 {
				result.AddWarning(narrative.WarnSchemaDrift,
					fmt.Sprintf("act %q expects columns %v on table %q, missing: %v", act.Name, in.Table.Columns, in.Table.Table, missing))
			}
		}
	}
	return nil
}

func printValidationResult(cmd *cobra.Command, result *narrative.ValidationResult, format string) error {
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "human", "":
		return printValidationResultHuman(out, result)
	default:
		return fmt.Errorf("botticelli: unknown --format %q (want human|json)", format)
	}
}

func printValidationResultHuman(out io.Writer, result *narrative.ValidationResult) error {
	status := "VALID"
	if !result.IsValid() {
		status = "INVALID"
	}
	if _, err := fmt.Fprintf(out, "%s: %s\n", status, result.File); err != nil {
		return err
	}
	for _, e := range result.Errors {
		if _, err := fmt.Fprintf(out, "  error[%s]: %s\n", e.Kind, e.Message); err != nil {
			return err
		}
		if e.Suggestion != "" {
			if _, err := fmt.Fprintf(out, "    suggestion: %s\n", e.Suggestion); err != nil {
				return err
			}
		}
	}
	for _, w := range result.Warnings {
		if _, err := fmt.Fprintf(out, "  warning[%s]: %s\n", w.Kind, w.Message); err != nil {
			return err
		}
	}
	return nil
}
