package main

import (
	"context"
	"os"
	"testing"

	"botticelli/internal/platform"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOrFallsBackWhenUnset(t *testing.T) {
	key := "BOTTICELLI_TEST_ENV_OR"
	os.Unsetenv(key)
	assert.Equal(t, "fallback", envOr(key, "fallback"))

	t.Setenv(key, "explicit")
	assert.Equal(t, "explicit", envOr(key, "fallback"))
}

func TestEnvOrIntParsesOrFallsBack(t *testing.T) {
	key := "BOTTICELLI_TEST_ENV_OR_INT"
	os.Unsetenv(key)
	assert.Equal(t, 42, envOrInt(key, 42), "unset falls back")

	t.Setenv(key, "not-a-number")
	assert.Equal(t, 42, envOrInt(key, 42), "unparseable falls back")

	t.Setenv(key, "17")
	assert.Equal(t, 17, envOrInt(key, 42), "parses a valid integer")
}

func TestBuildBackendRegistryWithNoCredentialsIsEmptyNotError(t *testing.T) {
	for _, k := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GOOGLE_API_KEY", "OLLAMA_HOST", "BOTTICELLI_ENABLE_OLLAMA", "BOTTICELLI_DEFAULT_BACKEND"} {
		os.Unsetenv(k)
	}
	registry, err := buildBackendRegistry(context.Background())
	require.NoError(t, err)

	_, err = registry.Resolve("anthropic")
	assert.Error(t, err, "resolving an unregistered provider should fail")
}

func TestBuildBackendRegistryRegistersConfiguredProvider(t *testing.T) {
	for _, k := range []string{"OPENAI_API_KEY", "GOOGLE_API_KEY", "OLLAMA_HOST", "BOTTICELLI_ENABLE_OLLAMA"} {
		os.Unsetenv(k)
	}
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	registry, err := buildBackendRegistry(context.Background())
	require.NoError(t, err)

	_, err = registry.Resolve("anthropic")
	assert.NoError(t, err, "anthropic backend should be registered")
}

func TestBuildLimiterSkipsUnregisteredProviders(t *testing.T) {
	for _, k := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GOOGLE_API_KEY", "OLLAMA_HOST", "BOTTICELLI_ENABLE_OLLAMA"} {
		os.Unsetenv(k)
	}
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	registry, err := buildBackendRegistry(context.Background())
	require.NoError(t, err)

	limiter := buildLimiter(registry, knownProviders)
	require.NotNil(t, limiter)

	_, ok := limiter.Tier("anthropic")
	assert.True(t, ok, "a registered provider should have a tier")
	_, ok = limiter.Tier("openai")
	assert.False(t, ok, "a provider without credentials should have no tier")
}

func TestBuildPlatformsOmitsDatabasePlatformWhenStoreIsNil(t *testing.T) {
	registry := buildPlatforms(nil)
	require.NotNil(t, registry)

	_, err := registry.Execute(context.Background(), "database", "query", map[string]any{"table": "notes"})
	var unknown *platform.UnknownPlatformError
	assert.ErrorAs(t, err, &unknown, "no database platform should be registered without a store")
}

func TestBuildSecureExecutorAssemblesPipeline(t *testing.T) {
	registry := buildPlatforms(nil)
	executor := buildSecureExecutor(registry)
	require.NotNil(t, executor)
}
