// Command botticelli drives agent-style actors through declarative
// multi-step narratives: run a single narrative once, validate a narrative
// file without executing it, run a persistent fleet of scheduled actors, or
// inspect/pause/resume a scheduled task's state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// buildRootCmd assembles the command tree. Kept separate from main so
// cmd_*_test.go files can exercise subcommands without calling os.Exit.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "botticelli",
		Short:        "Drive LLM-backed actors through declarative narratives",
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(
		buildRunCmd(),
		buildValidateCmd(),
		buildActorServerCmd(),
		buildStateCmd(),
	)
	return root
}

// exitStatusError carries an explicit CLI exit code (spec.md §6: 0 success,
// 1 validation/execution failure, 2 validation-passed-with-warnings under
// --strict) for errors that aren't plain failures.
type exitStatusError struct {
	code int
	err  error
}

func (e *exitStatusError) Error() string { return e.err.Error() }
func (e *exitStatusError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if e, ok := err.(*exitStatusError); ok {
		return e.code
	}
	return 1
}
