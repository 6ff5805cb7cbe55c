package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 8, cfg.MatcherTopN)
	assert.Equal(t, 10000.0, cfg.MaxDistanceMeters)
	assert.Equal(t, "rider-positions", cfg.KafkaPositionsTopic)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.RunMigrations)
}

func TestOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("HTTP_READ_TIMEOUT", "2s")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("MATCHER_TOP_N", "3")
	t.Setenv("MATCHER_MAX_DISTANCE_M", "2500")
	t.Setenv("OSRM_ENDPOINT", "http://osrm:5000/")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("REDISPATCH_SCHEDULE", "@every 30s")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Second, cfg.ReadTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.MatcherTopN)
	assert.Equal(t, 2500.0, cfg.MaxDistanceMeters)
	assert.Equal(t, "http://osrm:5000", cfg.OSRMEndpoint)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "@every 30s", cfg.RedispatchSchedule)
}

func TestErrorsAreAggregated(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("MATCHER_TOP_N", "0")
	t.Setenv("MATCHER_MAX_DISTANCE_M", "15000")
	t.Setenv("PG_DSN", "postgres://x")
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("REDISPATCH_SCHEDULE", "every now and then")

	_, err := LoadServerConfig()
	require.Error(t, err)
	for _, key := range []string{"HTTP_READ_TIMEOUT", "MATCHER_TOP_N", "MATCHER_MAX_DISTANCE_M", "SQLITE_PATH", "REDISPATCH_SCHEDULE"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("DISPATCH_TEST_A=file\nDISPATCH_TEST_B=file\n"), 0o600))
	t.Setenv("DISPATCH_TEST_A", "env")
	t.Cleanup(func() { os.Unsetenv("DISPATCH_TEST_B") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "env", os.Getenv("DISPATCH_TEST_A"))
	assert.Equal(t, "file", os.Getenv("DISPATCH_TEST_B"))
}

func TestStripeKeyFallsBackToSecretKey(t *testing.T) {
	t.Setenv("STRIPE_API_KEY", "")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_legacy")
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "sk_test_legacy", cfg.StripeAPIKey)

	t.Setenv("STRIPE_API_KEY", "sk_test_new")
	cfg, err = LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "sk_test_new", cfg.StripeAPIKey)
}
