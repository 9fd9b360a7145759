package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lookout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Correlation.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Suppression.Window)
	assert.Equal(t, BackendMemory, cfg.Correlation.Backend)
	assert.Equal(t, "incidents.created", cfg.Emit.CreatedSubject)
	assert.Equal(t, 4, cfg.Severity.Levels["critical"])
	assert.Equal(t, 0, cfg.Severity.Baseline)
	assert.Equal(t, DefaultSentinelPattern, cfg.Enrichment.SentinelPattern)
	assert.Equal(t, "unclassified_anomaly", cfg.Emit.DefaultIncidentType)
	assert.Equal(t, 30*time.Second, cfg.Correlation.LockTTL)
	assert.Equal(t, 5*time.Second, cfg.Correlation.LockWait)
}

func TestLoadConfig_LockTTLOutlivesPublish(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "correlation:\n  lock_ttl: 20s\nemit:\n  publish_timeout: 15s\npipeline:\n  process_timeout: 10s\n"))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.Correlation.LockTTL)

	_, err = LoadConfig(writeConfig(t, "correlation:\n  lock_ttl: 19s\nemit:\n  publish_timeout: 15s\n"))
	assert.ErrorContains(t, err, "correlation.lock_ttl must be at least 20s")
}

func TestLoadConfig_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
correlation:
  backend: redis
  ttl: 2m
suppression:
  window: 90s
redis:
  addr: redis:6379
emit:
  incident_types:
    CPU: resource_exhaustion
severity:
  baseline: -1
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Correlation.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Correlation.TTL)
	assert.Equal(t, 90*time.Second, cfg.Suppression.Window)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, -1, cfg.Severity.Baseline)
	// viper lower-cases map keys
	assert.Equal(t, "resource_exhaustion", cfg.Emit.IncidentTypes["cpu"])
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LOOKOUT_CORRELATION_TTL", "45s")
	t.Setenv("LOOKOUT_PIPELINE_PARTITIONS", "8")
	t.Setenv("REDIS_PASSWORD", "hunter2")

	cfg, err := LoadConfig(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Correlation.TTL)
	assert.Equal(t, 8, cfg.Pipeline.Partitions)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"non-positive ttl", "correlation:\n  ttl: 0s\n"},
		{"non-positive window", "suppression:\n  window: -1s\n"},
		{"bad backend", "correlation:\n  backend: memcached\n"},
		{"bad log level", "log:\n  level: verbose\n"},
		{"bad sentinel", "enrichment:\n  sentinel_pattern: \"(\"\n"},
		{"level under baseline", "severity:\n  baseline: 5\n"},
		{"bad registry url", "registry:\n  url: ftp://devices\n"},
		{"nats dlq without bus", "bus:\n  enabled: false\ndlq:\n  backend: nats\n"},
		{"unknown secret provider", "secrets:\n  provider: gcp\n"},
		{"zero partitions", "pipeline:\n  partitions: 0\n"},
		{"zero lock wait", "correlation:\n  lock_wait: 0s\n"},
		{"lock ttl below publish timeout", "correlation:\n  lock_ttl: 5s\nemit:\n  publish_timeout: 5s\n"},
		{"lock ttl without margin", "correlation:\n  lock_ttl: 14s\npipeline:\n  process_timeout: 10s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

type mapSecrets map[string]string

func (m mapSecrets) GetSecret(key string) (string, error) {
	if v, ok := m[key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
}

type failingSecrets struct{}

func (failingSecrets) GetSecret(string) (string, error) {
	return "", fmt.Errorf("vault sealed")
}

func TestResolveSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Redis.Password = "from-file"

	err := ResolveSecrets(cfg, mapSecrets{
		SecretRedisPassword: "from-provider",
		SecretBusToken:      "nats-token",
	})
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Redis.Password, "explicit values win")
	assert.Equal(t, "nats-token", cfg.Bus.Token)
	assert.Empty(t, cfg.Registry.APIToken, "missing keys are skipped")
}

func TestResolveSecrets_ProviderFailure(t *testing.T) {
	err := ResolveSecrets(&Config{}, failingSecrets{})
	assert.ErrorContains(t, err, "vault sealed")
}

func TestEnvSecretManager(t *testing.T) {
	t.Setenv("LOOKOUT_SECRET_REGISTRY_TOKEN", "abc")
	m := &EnvSecretManager{}

	v, err := m.GetSecret(SecretRegistryToken)
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	_, err = m.GetSecret("missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestNewSecretManager(t *testing.T) {
	m, err := NewSecretManager(SecretsConfig{Provider: SecretProviderEnv})
	require.NoError(t, err)
	assert.IsType(t, &EnvSecretManager{}, m)

	var cfg SecretsConfig
	cfg.Provider = SecretProviderVault
	cfg.Vault.Address = "http://127.0.0.1:8200"
	m, err = NewSecretManager(cfg)
	require.NoError(t, err)
	assert.IsType(t, &VaultSecretManager{}, m)

	_, err = NewSecretManager(SecretsConfig{Provider: "gcp"})
	assert.Error(t, err)
}
