package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ramsey-B/fern/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "fern-api", cfg.AppName)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "fern.row-changes", cfg.KafkaRowChangeTopic)
	assert.Equal(t, "fern:jobs", cfg.RedisStreamsJobQueue)
	assert.Equal(t, 3, cfg.BackfillMaxRetries)
	assert.Equal(t, time.Second, cfg.BackfillInitialDelay)
	assert.Equal(t, 60*time.Second, cfg.BackfillMaxDelay)
	assert.Equal(t, "redis", cfg.EnrichmentGate)
	assert.Equal(t, []string{"GET", "POST", "PUT", "PATCH", "DELETE"}, cfg.AllowMethods)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}

func TestLoadFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("FERN_TEST_UNUSED=1\nDB_NAME=fern_test\n"), 0o600))
	t.Setenv("PORT", "8081")
	t.Cleanup(func() { os.Unsetenv("DB_NAME"); os.Unsetenv("FERN_TEST_UNUSED") })

	cfg, err := config.Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, "fern_test", cfg.Database().Name)
}

func TestValidate(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AuthIssuerURL")
}

func TestValidateEnrichmentGate(t *testing.T) {
	t.Setenv("ENRICHMENT_GATE", "memcached")

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EnrichmentGate")
}
