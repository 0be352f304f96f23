package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/jitney/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.TransportInMemory, cfg.Transport)
	assert.Equal(t, config.StoreMemory, cfg.SubscriptionStore)
	assert.Equal(t, config.StoreMemory, cfg.EventStore)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.DisposeTimeout)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JITNEY_LOCAL_ENDPOINT", "orders")
	t.Setenv("JITNEY_TRANSPORT", "Kafka")
	t.Setenv("JITNEY_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("JITNEY_POLL_INTERVAL", "250ms")
	t.Setenv("JITNEY_MAX_CONCURRENCY", "8")
	t.Setenv("JITNEY_AUDIT_SUBSCRIPTIONS", "true")
	t.Setenv("JITNEY_LOG_LEVEL", "debug")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.LocalEndpoint)
	assert.Equal(t, config.TransportKafka, cfg.Transport)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.True(t, cfg.AuditSubscriptions)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "jitney.yaml")
	require.NoError(t, os.WriteFile(path, []byte("local_endpoint: billing\nsnapshot_threshold: 5\nevent_store: postgres\n"), 0o600))
	t.Setenv("JITNEY_SNAPSHOT_THRESHOLD", "10")

	cfg, err := config.Load(config.WithFile(path))
	require.NoError(t, err)

	assert.Equal(t, "billing", cfg.LocalEndpoint)
	assert.Equal(t, 10, cfg.SnapshotThreshold)
	assert.Equal(t, config.StorePostgres, cfg.EventStore)
}

func TestLoad_DotEnvInWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ERROR_QUEUE=errors\n"), 0o600))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "errors", cfg.ErrorQueue)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JITNEY_TRANSPORT", "carrier-pigeon")
	t.Setenv("JITNEY_EVENT_STORE", "ravendb")

	_, err := config.Load()
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.ErrorContains(t, err, "TRANSPORT")
	assert.ErrorContains(t, err, "EVENT_STORE")

	t.Setenv("JITNEY_TRANSPORT", "nats")
	t.Setenv("JITNEY_EVENT_STORE", "memory")
	t.Setenv("JITNEY_LOG_LEVEL", "loud")

	_, err = config.Load()
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(config.WithFile(filepath.Join(t.TempDir(), "missing.yaml")))
	require.Error(t, err)
}
