package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"botticelli/internal/persistence"
)

// buildStateCmd implements `state {list, pause <id>, resume <id>}`
// (spec.md §6), inspecting and mutating scheduled-task state directly
// against the persistence database the actor-server uses.
func buildStateCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or control scheduled task state",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", defaultDatabasePath, "SQLite database path")

	cmd.AddCommand(
		buildStateListCmd(&dbPath),
		buildStatePauseCmd(&dbPath),
		buildStateResumeCmd(&dbPath),
	)
	return cmd
}

func openPersistence(dbPath string) (*persistence.Store, func(), error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := persistence.New(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, func() { store.Close(); _ = db.Close() }, nil
}

func buildStateListCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every known task's state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeFn, err := openPersistence(*dbPath)
			if err != nil {
				return &exitStatusError{code: 1, err: err}
			}
			defer closeFn()

			tasks, err := store.ListAllTasks(cmd.Context())
			if err != nil {
				return &exitStatusError{code: 1, err: err}
			}
			out := cmd.OutOrStdout()
			for _, t := range tasks {
				status := "active"
				if t.IsPaused {
					status = "paused"
				}
				fmt.Fprintf(out, "%s\t%s\tactor=%s\tfailures=%d\n", t.TaskID, status, t.ActorName, t.ConsecutiveFailures)
			}
			return nil
		},
	}
}

func buildStatePauseCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openPersistence(*dbPath)
			if err != nil {
				return &exitStatusError{code: 1, err: err}
			}
			defer closeFn()

			if err := store.PauseTask(cmd.Context(), args[0]); err != nil {
				return &exitStatusError{code: 1, err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paused %s\n", args[0])
			return nil
		},
	}
}

func buildStateResumeCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openPersistence(*dbPath)
			if err != nil {
				return &exitStatusError{code: 1, err: err}
			}
			defer closeFn()

			if err := store.ResumeTask(cmd.Context(), args[0]); err != nil {
				return &exitStatusError{code: 1, err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resumed %s\n", args[0])
			return nil
		},
	}
}
