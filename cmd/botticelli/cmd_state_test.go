package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"botticelli/internal/persistence"
	"botticelli/internal/sqlitedb"
)

func newTestStateDB(t *testing.T) string {
	t.Helper()

	// Each state subcommand opens its own *sql.DB against dbPath, so the
	// fixture needs a real file rather than sqlitedb.OpenMemory's
	// connection-scoped in-memory database.
	path := t.TempDir() + "/state.db"
	db, err := sqlitedb.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	store, err := persistence.New(db)
	if err != nil {
		t.Fatalf("persistence.New: %v", err)
	}
	defer store.Close()
	if err := store.UpsertTaskState(context.Background(), persistence.TaskState{
		TaskID:    "actor-one/greet",
		ActorName: "actor-one",
	}); err != nil {
		t.Fatalf("seed task state: %v", err)
	}
	return path
}

func TestStateListPauseResumeRoundTrip(t *testing.T) {
	dbPath := newTestStateDB(t)

	listOut := &bytes.Buffer{}
	listCmd := buildStateListCmd(&dbPath)
	listCmd.SetOut(listOut)
	if err := listCmd.Execute(); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(listOut.String(), "actor-one/greet") {
		t.Fatalf("expected listed task in output, got %q", listOut.String())
	}
	if !strings.Contains(listOut.String(), "active") {
		t.Fatalf("expected task to start active, got %q", listOut.String())
	}

	pauseOut := &bytes.Buffer{}
	pauseCmd := buildStatePauseCmd(&dbPath)
	pauseCmd.SetOut(pauseOut)
	pauseCmd.SetArgs([]string{"actor-one/greet"})
	if err := pauseCmd.Execute(); err != nil {
		t.Fatalf("pause: %v", err)
	}

	listOut.Reset()
	listCmd2 := buildStateListCmd(&dbPath)
	listCmd2.SetOut(listOut)
	if err := listCmd2.Execute(); err != nil {
		t.Fatalf("list after pause: %v", err)
	}
	if !strings.Contains(listOut.String(), "paused") {
		t.Fatalf("expected task to be paused, got %q", listOut.String())
	}

	resumeOut := &bytes.Buffer{}
	resumeCmd := buildStateResumeCmd(&dbPath)
	resumeCmd.SetOut(resumeOut)
	resumeCmd.SetArgs([]string{"actor-one/greet"})
	if err := resumeCmd.Execute(); err != nil {
		t.Fatalf("resume: %v", err)
	}

	listOut.Reset()
	listCmd3 := buildStateListCmd(&dbPath)
	listCmd3.SetOut(listOut)
	if err := listCmd3.Execute(); err != nil {
		t.Fatalf("list after resume: %v", err)
	}
	if !strings.Contains(listOut.String(), "active") {
		t.Fatalf("expected task to be active again, got %q", listOut.String())
	}
}

func TestStatePauseUnknownTaskFails(t *testing.T) {
	dbPath := newTestStateDB(t)
	cmd := buildStatePauseCmd(&dbPath)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"does-not-exist"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error pausing an unknown task")
	}
}

func TestBuildStateCmdRegistersSubcommands(t *testing.T) {
	cmd := buildStateCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"list", "pause", "resume"} {
		if !names[name] {
			t.Fatalf("expected state subcommand %q to be registered", name)
		}
	}
}
