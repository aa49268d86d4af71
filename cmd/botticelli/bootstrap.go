package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"botticelli/internal/backend"
	"botticelli/internal/platform"
	"botticelli/internal/ratelimit"
	"botticelli/internal/security"
	"botticelli/internal/sqlitedb"
	"botticelli/internal/storage"
)

const defaultDatabasePath = "botticelli.db"

// openDatabase opens (creating if necessary) the SQLite database backing
// both dynamic content storage and task-state persistence. The two
// packages share one *sql.DB so they agree on the same WAL/single-writer
// pragmas (internal/sqlitedb.Open already applies these) and never fight
// over SQLITE_BUSY.
func openDatabase(path string) (*sql.DB, error) {
	if path == "" {
		path = defaultDatabasePath
	}
	return sqlitedb.Open(path)
}

// buildBackendRegistry registers every provider adapter whose credentials
// are present in the environment. A provider without credentials is simply
// not registered, so an environment with none yields an empty registry and
// no error; an error is returned only when a configured provider's client
// cannot be constructed (Gemini, Ollama).
func buildBackendRegistry(ctx context.Context) (*backend.Registry, error) {
	registry := backend.NewRegistry()

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		registry.Register(backend.NewAnthropicBackend(key, envOr("ANTHROPIC_DEFAULT_MODEL", "claude-3-5-sonnet-20241022")))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		registry.Register(backend.NewOpenAIBackend(key, envOr("OPENAI_DEFAULT_MODEL", "gpt-4o")))
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		gb, err := backend.NewGeminiBackend(ctx, key, envOr("GEMINI_DEFAULT_MODEL", "gemini-1.5-flash"))
		if err != nil {
			return nil, fmt.Errorf("botticelli: gemini backend: %w", err)
		}
		registry.Register(gb)
	}
	if _, ok := os.LookupEnv("OLLAMA_HOST"); ok || os.Getenv("BOTTICELLI_ENABLE_OLLAMA") != "" {
		ob, err := backend.NewOllamaBackend(envOr("OLLAMA_DEFAULT_MODEL", "llama3.2"))
		if err != nil {
			return nil, fmt.Errorf("botticelli: ollama backend: %w", err)
		}
		registry.Register(ob)
	}

	if def := os.Getenv("BOTTICELLI_DEFAULT_BACKEND"); def != "" {
		registry.SetDefault(def)
	}

	return registry, nil
}

// buildLimiter registers a generous default tier for every provider the
// registry knows about. Per-provider RPM/TPM/RPD tuning isn't part of the
// narrative or actor-server TOML surfaces (spec.md §6 names no such
// section), so these are conservative process-wide defaults a deployer can
// override by setting the matching <PROVIDER>_RPM/_TPM/_RPD/_MAX_CONCURRENT
// env var (e.g. ANTHROPIC_RPM).
func buildLimiter(registry *backend.Registry, providers []string) *ratelimit.Limiter {
	limiter := ratelimit.NewLimiter()
	for _, provider := range providers {
		if _, err := registry.Resolve(provider); err != nil {
			continue
		}
		prefix := strings.ToUpper(provider)
		limiter.RegisterTier(provider, ratelimit.NewTier(
			envOrInt(prefix+"_RPM", 50),
			envOrInt(prefix+"_RPD", 10000),
			envOrInt(prefix+"_MAX_CONCURRENT", 8),
			uint64(envOrInt(prefix+"_TPM", 100000)),
		))
	}
	return limiter
}

var knownProviders = []string{"anthropic", "openai", "gemini", "ollama"}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var parsed int
	if _, err := fmt.Sscanf(v, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

// buildPlatforms registers every platform adapter whose credentials are
// present, plus, when store is non-nil, the database platform backing
// spec.md §6's "database" bot-command namespace (SPEC_FULL §5 item 4). With
// a nil store no database platform is registered.
func buildPlatforms(store *storage.Store) *platform.Registry {
	registry := platform.NewRegistry()
	if store != nil {
		registry.Register(platform.NewDatabasePlatform(store))
	}
	// Discord/Slack sessions require a live network connection to their
	// gateway; actor-server wires them in when a token is present (see
	// cmd_actorserver.go). `run`'s one-shot narrative execution never
	// needs a chat platform unless the narrative itself issues a bot
	// command against one, in which case the missing platform surfaces
	// as a typed UnknownPlatformError rather than panicking.
	return registry
}

// buildSecureExecutor assembles the five-layer security pipeline with
// permissive defaults suitable for a single operator running the CLI
// locally. actor-server deployments wanting stricter policy load their own
// PermissionConfig; spec.md names no CLI flag for this, so these defaults
// are a CLI bootstrap concern, not a spec requirement.
func buildSecureExecutor(registry *platform.Registry) *security.SecureExecutor {
	permConfig := security.NewPermissionConfig()
	permConfig.AllowAllByDefault = true
	permission := security.NewPermissionChecker(permConfig)

	filter, err := security.NewContentFilter(security.DefaultContentFilterConfig())
	if err != nil {
		// DefaultContentFilterConfig never fails NewContentFilter's only
		// validation (a negative MaxLength); this is unreachable, but
		// falling back to no filter rather than panicking keeps
		// ExecuteSecure's nil-filter path (layer skipped) well-defined.
		filter = nil
	}

	return security.NewSecureExecutor(registry, permission, nil, filter, security.NewRateLimiter(), security.NewApprovalWorkflow(), nil)
}
