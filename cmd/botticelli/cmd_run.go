package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"botticelli/internal/executor"
	"botticelli/internal/narrative"
	"botticelli/internal/processor"
	"botticelli/internal/storage"
)

const gracefulShutdownTimeout = 30 * time.Second

// buildRunCmd implements `run --narrative <file> [--narrative-name <n>]`
// (spec.md §6): load one narrative file and execute its active (or named)
// narrative exactly once, end to end, then exit.
func buildRunCmd() *cobra.Command {
	var narrativeFile string
	var narrativeName string
	var dbPath string
	var provider string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a single narrative once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if narrativeFile == "" {
				return fmt.Errorf("botticelli: --narrative is required")
			}

			ctx := cmd.Context()

			mn, err := narrative.LoadMultiNarrative(narrativeFile)
			if err != nil {
				return &exitStatusError{code: 1, err: fmt.Errorf("botticelli: load %s: %w", narrativeFile, err)}
			}
			n, err := resolveRequestedNarrative(mn, narrativeName)
			if err != nil {
				return &exitStatusError{code: 1, err: err}
			}

			registry, err := buildBackendRegistry(ctx)
			if err != nil {
				return &exitStatusError{code: 1, err: err}
			}
			var store *storage.Store
			var tables executor.TableQuerier
			if dbPath != "" {
				db, err := openDatabase(dbPath)
				if err != nil {
					return &exitStatusError{code: 1, err: err}
				}
				defer func() { _ = db.Close() }()
				store, err = storage.New(db, nil)
				if err != nil {
					return &exitStatusError{code: 1, err: err}
				}
				tables = store
			}

			platforms := buildPlatforms(store)
			secureExecutor := buildSecureExecutor(platforms)

			be, err := registry.Resolve(provider)
			if err != nil {
				return &exitStatusError{code: 1, err: fmt.Errorf("botticelli: %w (set the matching API key env var)", err)}
			}
			limiter := buildLimiter(registry, knownProviders)

			processors := processor.NewRegistry()
			if store != nil {
				processors.Register(processor.NewContentGenerationProcessor(store, narrativeFile))
			}

			ex := executor.New(be, limiter, tables, secureExecutor, processors, mn)

			var result *executor.ExecutionResult
			runErr := withGracefulShutdown(ctx, func(runCtx context.Context) error {
				r, err := ex.Execute(runCtx, n, executor.RunContext{NarrativeID: narrativeFile, Provider: be.Name()})
				result = r
				return err
			})
			if runErr != nil {
				return &exitStatusError{code: 1, err: fmt.Errorf("botticelli: execution failed: %w", runErr)}
			}

			for _, act := range result.ActExecutions {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", act.ActName, act.Response)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&narrativeFile, "narrative", "", "path to the narrative TOML file (required)")
	cmd.Flags().StringVar(&narrativeName, "narrative-name", "", "which [narratives.<name>] to run if the file declares more than one")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path for dynamic content storage (omit to run without storage)")
	cmd.Flags().StringVar(&provider, "provider", "", "backend provider name (defaults to the registry's default backend)")
	return cmd
}

func resolveRequestedNarrative(mn *narrative.MultiNarrative, name string) (*narrative.Narrative, error) {
	if name == "" {
		return mn.ActiveNarrative()
	}
	return mn.Resolve(name)
}

// withGracefulShutdown races work against SIGINT/SIGTERM, giving an
// in-flight run up to gracefulShutdownTimeout to return after a signal
// before giving up on waiting for it, mirroring the teacher's cmd/maestro
// bootstrap-and-signal-handling shape.
func withGracefulShutdown(parent context.Context, work func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() { errChan <- work(sigCtx) }()

	select {
	case err := <-errChan:
		return err
	case <-sigCtx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer shutdownCancel()
		select {
		case err := <-errChan:
			return err
		case <-shutdownCtx.Done():
			return fmt.Errorf("botticelli: shutdown timed out after %s", gracefulShutdownTimeout)
		}
	}
}
