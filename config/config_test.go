package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Business.LeaseTTL)
	assert.Equal(t, 5*time.Second, cfg.Notify.BaseBackoff)
	assert.Equal(t, 300*time.Second, cfg.Notify.MaxBackoff)
	assert.Equal(t, 8, cfg.Notify.MaxAttempts)
	assert.Equal(t, "success", cfg.Notify.SuccessToken)
	assert.Equal(t, "weighted_random", cfg.Business.Strategy)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("NOTIFY_MAX_ATTEMPTS", "3")
	t.Setenv("ORDER_LEASE_TTL", "45s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3, cfg.Notify.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.Business.LeaseTTL)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
business:
  strategy: round_robin
notify:
  failure_threshold: 10
`), 0o600))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "round_robin", cfg.Business.Strategy)
	assert.Equal(t, int64(10), cfg.Notify.FailureThreshold)
	// untouched keys keep their defaults
	assert.Equal(t, 8, cfg.Notify.MaxAttempts)
}

func TestLoadRejectsAdapterTimeoutBeyondLease(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("ORDER_LEASE_TTL", "10s")
	t.Setenv("ADAPTER_TIMEOUT", "10s")

	_, err := Load()
	assert.ErrorContains(t, err, "adapter_timeout")

	t.Setenv("ADAPTER_TIMEOUT", "3s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Business.AdapterTimeout)
}
