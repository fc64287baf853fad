package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	assert.Equal(t, ProviderNone, cfg.LLM.Provider)
	assert.Equal(t, 16, cfg.LLM.MaxConcurrency)
	assert.Equal(t, 4, cfg.Split.TargetMinutes)
	assert.Equal(t, "MULTI", cfg.Split.ForceSplitScope)
	assert.Equal(t, 64, cfg.Runtime.HandlerQueue)
	require.NoError(t, cfg.Validate())
}

func TestValidate_MissingAPIKeyDegradesToNone(t *testing.T) {
	cfg := defaultConfig()
	cfg.LLM.Provider = ProviderOpenAI
	cfg.LLM.APIKey = ""

	require.NoError(t, cfg.Validate())
	assert.Equal(t, ProviderNone, cfg.LLM.Provider)
}

func TestValidate_RejectsUnknownProvider(t *testing.T) {
	cfg := defaultConfig()
	cfg.LLM.Provider = "bogus"

	err := cfg.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "llm.provider", verr.Field)
}

func TestValidate_RejectsBadMaxIdleConns(t *testing.T) {
	cfg := defaultConfig()
	cfg.Database.MaxOpenConns = 5
	cfg.Database.MaxIdleConns = 10

	err := cfg.Validate()
	require.Error(t, err)
}

func TestInitialize_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Initialize(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ProviderNone, cfg.LLM.Provider)
}

func TestInitialize_LoadsYAMLAndExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_LLM_KEY", "sk-test-123")
	writeFile(t, dir, "config.yaml", `
llm:
  provider: openai
  api_key: ${TEST_LLM_KEY}
  deadline_ms: 1500
split:
  target_minutes: 3
runtime:
  handler_queue: 128
database:
  host: db.internal
  max_open_conns: 5
  max_idle_conns: 2
`)

	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, "sk-test-123", cfg.LLM.APIKey)
	assert.Equal(t, 3, cfg.Split.TargetMinutes)
	assert.Equal(t, 128, cfg.Runtime.HandlerQueue)
	assert.Equal(t, "db.internal", cfg.Database.Host)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}
