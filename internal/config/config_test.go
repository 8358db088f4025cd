package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "docsight.db", cfg.Store.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Batch.MaxConcurrentJobs)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.VisionModel)
	assert.Equal(t, int64(8192), cfg.Anthropic.MaxTokens)
	assert.Equal(t, 2, cfg.Anthropic.RatePerSec)
	assert.Equal(t, 5, cfg.Engine.MaxRounds)
	assert.InDelta(t, 0.95, cfg.Engine.TargetAccuracy, 0.001)
	assert.Equal(t, 2, cfg.Engine.RoundDelaySecs)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.Retry.InitialBackoffMS)
	assert.Equal(t, 30000, cfg.Retry.MaxBackoffMS)
	assert.Equal(t, 5000, cfg.Retry.RateLimitFloorMS)
	assert.Equal(t, "local", cfg.OCR.Provider)
	assert.Equal(t, "pdftotext", cfg.OCR.PdfToTextPath)
	assert.Equal(t, "pixtral-large-latest", cfg.Mistral.Model)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/docsight
log:
  level: debug
  format: console
server:
  port: 9090
engine:
  max_rounds: 8
  target_accuracy: 0.9
batch:
  max_concurrent_jobs: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/docsight", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Engine.MaxRounds)
	assert.InDelta(t, 0.9, cfg.Engine.TargetAccuracy, 0.001)
	assert.Equal(t, 10, cfg.Batch.MaxConcurrentJobs)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("DOCSIGHT_STORE_DRIVER", "postgres")
	t.Setenv("DOCSIGHT_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("DOCSIGHT_ENGINE_MAX_ROUNDS", "7")
	t.Setenv("DOCSIGHT_ANTHROPIC_KEY", "sk-ant-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Engine.MaxRounds)
	assert.Equal(t, "sk-ant-env", cfg.Anthropic.Key)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = "docsight.db"
	cfg.Engine.MaxRounds = 5
	cfg.Engine.TargetAccuracy = 0.95
	cfg.OCR.Provider = "local"
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateRun_AllPresent(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "sk-ant-key"

	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRun_MissingKey(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestValidateRun_PostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url")
}

func TestValidateRun_MistralNeedsKey(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.OCR.Provider = "mistral"

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "mistral.key")
}

func TestValidateRun_BadTarget(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Engine.TargetAccuracy = 1.5

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "target_accuracy")
}

func TestValidateServe_ValidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 9090

	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}
