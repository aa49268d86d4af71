package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"botticelli/internal/sqlitedb"
	"botticelli/internal/storage"
)

func writeNarrativeFixture(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "narrative.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

const validNarrativeTOML = `
[narrative]
name = "demo"
description = "a demo narrative"

[toc]
order = ["greet"]

[acts.greet]
prompt = "Hello world"
`

const invalidNarrativeTOML = `
[narrative]
name = "demo"

[toc]
order = ["greet", "missing"]

[acts.greet]
prompt = "Hello world"
`

func runValidate(t *testing.T, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	cmd := buildValidateCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out, err
}

func TestValidateHumanOutputOnValidNarrative(t *testing.T) {
	path := writeNarrativeFixture(t, validNarrativeTOML)
	out, err := runValidate(t, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "VALID") {
		t.Errorf("expected VALID in output, got %q", out.String())
	}
}

func TestValidateFailsWithExitOneOnUndefinedReference(t *testing.T) {
	path := writeNarrativeFixture(t, invalidNarrativeTOML)
	_, err := runValidate(t, path)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	se, ok := err.(*exitStatusError)
	if !ok {
		t.Fatalf("expected *exitStatusError, got %T", err)
	}
	if se.code != 1 {
		t.Errorf("exit code = %d, want 1", se.code)
	}
}

func TestValidateJSONOutputIsWellFormed(t *testing.T) {
	path := writeNarrativeFixture(t, validNarrativeTOML)
	out, err := runValidate(t, path, "--format", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, out.String())
	}
	if decoded["valid"] != true {
		t.Errorf("expected valid=true, got %v", decoded["valid"])
	}
}

func TestValidateRejectsUnknownFormat(t *testing.T) {
	path := writeNarrativeFixture(t, validNarrativeTOML)
	_, err := runValidate(t, path, "--format", "xml")
	if err == nil {
		t.Fatal("expected an error for an unknown --format value")
	}
}

func TestValidateStrictModeFailsOnWarningsOnly(t *testing.T) {
	path := writeNarrativeFixture(t, `
[narrative]
name = "demo"
model = "not-a-real-model"

[toc]
order = ["greet"]

[acts.greet]
prompt = "Hello world"
`)
	_, err := runValidate(t, path, "--strict")
	se, ok := err.(*exitStatusError)
	if !ok {
		t.Fatalf("expected *exitStatusError, got %T (%v)", err, err)
	}
	if se.code != 2 {
		t.Errorf("exit code = %d, want 2 (strict mode warning)", se.code)
	}

	// Without --strict the same narrative passes outright.
	_, err = runValidate(t, path)
	if err != nil {
		t.Fatalf("unexpected error without --strict: %v", err)
	}
}

func TestValidateSchemaDriftWarnsOnMissingColumn(t *testing.T) {
	dbPath := t.TempDir() + "/drift.db"
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store, err := storage.New(db, nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	if err := store.CreateTableFromInference(context.Background(), "leads", map[string]any{"email": "a@example.com"}); err != nil {
		t.Fatalf("create table: %v", err)
	}
	db.Close()

	narrativePath := writeNarrativeFixture(t, `
[narrative]
name = "demo"

[toc]
order = ["greet"]

[acts.greet]
prompt = "hi"

[[acts.greet.input]]
type = "table"
table = "leads"
columns = ["email", "phone"]
`)

	out, err := runValidate(t, narrativePath, "--check-schema-drift", "--db", dbPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "schema_drift") {
		t.Fatalf("expected a schema_drift warning, got %q", out.String())
	}
	if !strings.Contains(out.String(), "phone") {
		t.Fatalf("expected the missing column to be named, got %q", out.String())
	}
}

func TestValidateLoadFailureProducesExitOne(t *testing.T) {
	path := writeNarrativeFixture(t, "this is not valid toml [[[")
	_, err := runValidate(t, path)
	se, ok := err.(*exitStatusError)
	if !ok {
		t.Fatalf("expected *exitStatusError, got %T (%v)", err, err)
	}
	if se.code != 1 {
		t.Errorf("exit code = %d, want 1", se.code)
	}
}
