package actorserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"botticelli/internal/backend"
	"botticelli/internal/persistence"
	"botticelli/internal/ratelimit"
	"botticelli/internal/sqlitedb"
)

type stubBackend struct{}

func (stubBackend) Name() string { return "stub" }
func (stubBackend) Generate(ctx context.Context, req backend.Request) (backend.Response, error) {
	return backend.Response{Outputs: []backend.Output{{Text: "ok"}}}, nil
}

const narrativeFixture = `
[narrative]
name = "demo"
description = "a demo narrative"
toc = ["greet"]

[acts.greet]
prompt = "Hello world"
`

func writeNarrativeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.toml")
	if err := os.WriteFile(path, []byte(narrativeFixture), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func newTestDependencies(t *testing.T) Dependencies {
	t.Helper()
	backends := backend.NewRegistry()
	backends.Register(stubBackend{})

	limiter := ratelimit.NewLimiter()
	limiter.RegisterTier("stub", ratelimit.NewTier(1000, 100000, 10, 1_000_000))

	db, err := sqlitedb.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	store, err := persistence.New(db)
	if err != nil {
		t.Fatalf("new persistence store: %v", err)
	}
	t.Cleanup(store.Close)

	return Dependencies{Backends: backends, Limiter: limiter, Schedule: store}
}

func TestLoadRegistersEnabledActors(t *testing.T) {
	path := writeNarrativeFixture(t)
	cfg := &Config{
		CheckInterval: 50 * time.Millisecond,
		CircuitBreaker: CircuitBreakerDefaults{MaxConsecutiveFailures: 3, AutoPause: true, ResetOnSuccess: true},
		Actors: []ActorInstanceConfig{
			{Name: "demo", ConfigFile: path, Platform: "discord", Provider: "stub", Enabled: true, Schedule: ScheduleSpec{Type: "immediate"}},
		},
	}

	server := NewServer(newTestDependencies(t), false)
	if err := server.Load(context.Background(), cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(server.actors) != 1 {
		t.Fatalf("expected one bound actor, got %d", len(server.actors))
	}

	server.Start(context.Background())
	defer server.Stop()
	time.Sleep(100 * time.Millisecond)
}

func TestLoadSkipsDisabledActors(t *testing.T) {
	path := writeNarrativeFixture(t)
	cfg := &Config{
		CheckInterval:  time.Second,
		CircuitBreaker: CircuitBreakerDefaults{MaxConsecutiveFailures: 3, AutoPause: true},
		Actors: []ActorInstanceConfig{
			{Name: "demo", ConfigFile: path, Platform: "discord", Provider: "stub", Enabled: false, Schedule: ScheduleSpec{Type: "immediate"}},
		},
	}

	server := NewServer(newTestDependencies(t), false)
	if err := server.Load(context.Background(), cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(server.actors) != 0 {
		t.Fatalf("expected zero bound actors, got %d", len(server.actors))
	}
}

func TestLoadDryRunValidatesWithoutRegistering(t *testing.T) {
	path := writeNarrativeFixture(t)
	cfg := &Config{
		CheckInterval:  time.Second,
		CircuitBreaker: CircuitBreakerDefaults{MaxConsecutiveFailures: 3, AutoPause: true},
		Actors: []ActorInstanceConfig{
			{Name: "demo", ConfigFile: path, Platform: "discord", Provider: "stub", Enabled: true, Schedule: ScheduleSpec{Type: "immediate"}},
		},
	}

	server := NewServer(newTestDependencies(t), true)
	if err := server.Load(context.Background(), cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(server.actors) != 1 {
		t.Fatalf("expected the actor to still be bound for validation, got %d", len(server.actors))
	}
	server.Start(context.Background())
	server.Stop()
}

func TestLoadRejectsUnresolvableBackend(t *testing.T) {
	path := writeNarrativeFixture(t)
	cfg := &Config{
		CheckInterval: time.Second,
		Actors: []ActorInstanceConfig{
			{Name: "demo", ConfigFile: path, Platform: "discord", Provider: "nonexistent", Enabled: true, Schedule: ScheduleSpec{Type: "immediate"}},
		},
	}

	server := NewServer(newTestDependencies(t), false)
	if err := server.Load(context.Background(), cfg); err == nil {
		t.Fatal("expected an error resolving an unknown backend provider")
	}
}
