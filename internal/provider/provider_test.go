package provider

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sessiond/core/internal/common/logger"
	"github.com/sessiond/core/internal/store"
)

func TestDetectByModel(t *testing.T) {
	r := NewRegistry(logger.Default())

	cfg, err := r.DetectByModel("claude-sonnet-4-5")
	require.NoError(t, err)
	require.Equal(t, "anthropic", cfg.ID)

	_, err = r.DetectByModel("unknown-model-x")
	require.Error(t, err)
}

func TestRequiresQueryRestartAcrossProviders(t *testing.T) {
	r := NewRegistry(logger.Default())
	require.True(t, r.RequiresQueryRestart("claude-sonnet-4-5", "gpt-5"))
}

func TestClearCacheRestoresDefaults(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.Register(&Config{ID: "custom", ModelPrefixes: []string{"custom-"}})
	_, ok := r.Get("custom")
	require.True(t, ok)

	r.ClearCache()
	_, ok = r.Get("custom")
	require.False(t, ok)
	_, ok = r.Get("anthropic")
	require.True(t, ok)
}

func TestGetModelsHasNoDuplicateCanonicalIds(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.Register(&Config{ID: "anthropic-eu", ModelPrefixes: []string{"claude-eu-"}, Models: []ModelInfo{{ID: "claude-sonnet-4-5"}}})

	seen := make(map[string]int)
	for _, m := range r.GetModels() {
		seen[m.ID]++
	}
	for id, count := range seen {
		require.Equalf(t, 1, count, "model id %q appeared %d times", id, count)
	}
}

func TestCreateContextPrefersExplicitRegisteredProvider(t *testing.T) {
	r := NewRegistry(logger.Default())
	sess := &store.Session{}
	sess.Config.Provider = "openai"
	sess.Config.Model = "claude-sonnet-4-5"

	ctx, err := r.CreateContext(sess)
	require.NoError(t, err)
	require.Equal(t, "openai", ctx.ProviderID())
}

func TestCreateContextFallsBackToModelDetection(t *testing.T) {
	r := NewRegistry(logger.Default())
	sess := &store.Session{}
	sess.Config.Model = "gemini-2.5-pro"

	ctx, err := r.CreateContext(sess)
	require.NoError(t, err)
	require.Equal(t, "google", ctx.ProviderID())
}

func TestCreateContextFailsWithEmptyRegistry(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.mu.Lock()
	r.providers = map[string]*Config{}
	r.mu.Unlock()

	_, err := r.CreateContext(&store.Session{})
	require.Error(t, err)
}

func TestBuildSdkOptionsOmitsEmptyEnv(t *testing.T) {
	cfg := &Config{ID: "anthropic", Models: []ModelInfo{{ID: "claude-sonnet-4-5"}}}
	out := cfg.BuildSdkConfig("claude-sonnet-4-5", map[string]any{"cwd": "/tmp"})
	_, hasEnv := out["env"]
	require.False(t, hasEnv)

	cfg.EnvVars = map[string]string{"ANTHROPIC_API_KEY": "x"}
	out = cfg.BuildSdkConfig("claude-sonnet-4-5", map[string]any{"cwd": "/tmp"})
	require.Equal(t, map[string]string{"ANTHROPIC_API_KEY": "x"}, out["env"])
}

func TestValidateProviderSwitch(t *testing.T) {
	r := NewRegistry(logger.Default())

	result := r.ValidateProviderSwitch("does-not-exist", "")
	require.False(t, result.Valid)
	require.Equal(t, "Unknown provider", result.Error)

	result = r.ValidateProviderSwitch("anthropic", "")
	require.True(t, result.Valid)
}
