package actorserver

import "testing"

func TestParseConfigAppliesDefaults(t *testing.T) {
	doc := []byte(`
[[actors]]
name = "researcher"
config_file = "researcher.toml"

[actors.schedule]
type = "interval"
seconds = 3600
`)
	cfg, err := ParseConfig(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.CheckInterval.Seconds() != defaultCheckIntervalSeconds {
		t.Fatalf("expected default check interval, got %v", cfg.CheckInterval)
	}
	if cfg.CircuitBreaker.MaxConsecutiveFailures != defaultMaxConsecutiveFailures {
		t.Fatalf("expected default max failures, got %d", cfg.CircuitBreaker.MaxConsecutiveFailures)
	}
	if !cfg.CircuitBreaker.AutoPause || !cfg.CircuitBreaker.ResetOnSuccess {
		t.Fatalf("expected auto_pause and reset_on_success to default true: %+v", cfg.CircuitBreaker)
	}
	if len(cfg.Actors) != 1 {
		t.Fatalf("expected one actor, got %d", len(cfg.Actors))
	}
	a := cfg.Actors[0]
	if !a.Enabled || a.Platform != "discord" {
		t.Fatalf("unexpected actor defaults: %+v", a)
	}
	if a.Schedule.Type != "interval" || a.Schedule.Seconds != 3600 {
		t.Fatalf("unexpected schedule: %+v", a.Schedule)
	}
}

func TestParseConfigHonorsOverrides(t *testing.T) {
	doc := []byte(`
[server]
check_interval_seconds = 30

[server.circuit_breaker]
max_consecutive_failures = 2
auto_pause = false
reset_on_success = false

[[actors]]
name = "poster"
config_file = "poster.toml"
channel_id = "12345"
platform = "slack"
provider = "openai"
enabled = false

[actors.schedule]
type = "cron"
expression = "0 9 * * *"
`)
	cfg, err := ParseConfig(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.CheckInterval.Seconds() != 30 {
		t.Fatalf("expected overridden check interval, got %v", cfg.CheckInterval)
	}
	if cfg.CircuitBreaker.MaxConsecutiveFailures != 2 || cfg.CircuitBreaker.AutoPause || cfg.CircuitBreaker.ResetOnSuccess {
		t.Fatalf("unexpected circuit breaker overrides: %+v", cfg.CircuitBreaker)
	}
	a := cfg.Actors[0]
	if a.Enabled {
		t.Fatal("expected actor to be disabled")
	}
	if a.Platform != "slack" || a.Provider != "openai" || a.ChannelID != "12345" {
		t.Fatalf("unexpected actor: %+v", a)
	}
	if a.Schedule.Type != "cron" || a.Schedule.Expression != "0 9 * * *" {
		t.Fatalf("unexpected schedule: %+v", a.Schedule)
	}
}

func TestParseConfigRejectsMissingActors(t *testing.T) {
	if _, err := ParseConfig([]byte(`[server]`)); err == nil {
		t.Fatal("expected an error for a configuration with no actors")
	}
}

func TestParseConfigRejectsMissingRequiredFields(t *testing.T) {
	doc := []byte(`
[[actors]]
name = "researcher"
`)
	if _, err := ParseConfig(doc); err == nil {
		t.Fatal("expected an error for an actor missing config_file")
	}
}
