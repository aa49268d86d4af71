package main

import (
	"context"
	"errors"
	"testing"

	"botticelli/internal/narrative"
)

func TestBuildRunCmdRequiresNarrativeFlag(t *testing.T) {
	cmd := buildRunCmd()
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected an error when --narrative is omitted")
	}
}

func TestResolveRequestedNarrativeDefaultsToActive(t *testing.T) {
	mn, err := narrative.ParseMultiNarrative("demo.toml", []byte(`
[narrative]
name = "demo"

[toc]
order = ["greet"]

[acts.greet]
prompt = "hi"
`))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	n, err := resolveRequestedNarrative(mn, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Name != "demo" {
		t.Errorf("Name = %q, want demo", n.Name)
	}
	if _, err := resolveRequestedNarrative(mn, "nonexistent"); err == nil {
		t.Error("expected an error resolving an unknown narrative name")
	}
}

func TestWithGracefulShutdownReturnsWorkResult(t *testing.T) {
	wantErr := errors.New("boom")
	err := withGracefulShutdown(context.Background(), func(ctx context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}

func TestWithGracefulShutdownPropagatesParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	err := withGracefulShutdown(parent, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
