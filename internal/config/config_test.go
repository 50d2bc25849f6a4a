package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, time.Minute, cfg.SchedulerInterval)
	assert.Equal(t, 500.0, cfg.TrackerNearRadiusM)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("SCHEDULER_TIMEOUT", "90m")
	t.Setenv("MATCHER_TOP_N", "5")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 90*time.Minute, cfg.SchedulerTimeout)
	assert.Equal(t, 5, cfg.MatcherTopN)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("MATCHER_FANOUT", "many")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_READ_TIMEOUT")
	assert.Contains(t, err.Error(), "MATCHER_FANOUT")
}

func TestLoadServerConfigValidates(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("MATCHER_TOP_N", "0")
	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MatcherTopN")
}

func TestLoadConsumerConfigReadsDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consumer.env")
	require.NoError(t, os.WriteFile(path, []byte("KAFKA_PING_TOPIC=pings-from-file\nAPI_BASE_URL=http://api:8080\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("API_BASE_URL", "http://override:9000")
	t.Cleanup(func() { os.Unsetenv("KAFKA_PING_TOPIC") })

	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, "pings-from-file", cfg.PingTopic)
	assert.Equal(t, "http://override:9000", cfg.APIBaseURL, "environment wins over the file")
}
