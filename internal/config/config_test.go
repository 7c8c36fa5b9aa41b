package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/pkg/ledger"
)

var envKeys = []string{
	"TALLY_DATA_DIR", "TALLY_LOG_LEVEL", "TALLY_LOG_FORMAT", "TALLY_API_ADDR",
	"TALLY_METRICS_ADDR", "TALLY_FEED_ORIGINS", "TALLY_KEEPER_KEY", "TALLY_KEEPER_ENABLED",
	"TALLY_KEEPER_INTERVAL", "TALLY_KEEPER_CONCURRENCY", "TALLY_KEEPER_RATE",
	"TALLY_KEEPER_BATCH_SIZE", "TALLY_DELEGATE_SCOPE", "TALLY_NATS_URL", "TALLY_JOURNAL_KEY",
}

// clearEnv unsets every variable Load reads. t.Setenv restores the
// original values, including ones godotenv.Load sets behind its back.
func clearEnv(t *testing.T, dataDir string) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("TALLY_DATA_DIR", dataDir)
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	clearEnv(t, dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "auto", cfg.LogFormat)
	assert.Equal(t, DefaultAPIAddr, cfg.APIAddr)
	assert.Equal(t, DefaultMetricsAddr, cfg.MetricsAddr)
	assert.False(t, cfg.KeeperEnabled)
	assert.Equal(t, DefaultKeeperInterval, cfg.KeeperInterval)
	assert.Equal(t, DefaultKeeperConcurrency, cfg.KeeperConcurrency)
	assert.Equal(t, DefaultKeeperBatchSize, cfg.KeeperBatchSize)
	assert.Zero(t, cfg.KeeperRate)
	assert.Equal(t, state.DelegateGlobal, cfg.DelegateScope)
	assert.Empty(t, cfg.FeedOrigins)
	assert.Equal(t, filepath.Join(dir, ".env"), cfg.EnvPath())
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t, t.TempDir())
	keeper := ledger.KeyFromSeed("keeper")
	t.Setenv("TALLY_KEEPER_KEY", keeper.String())
	t.Setenv("TALLY_KEEPER_INTERVAL", "90")
	t.Setenv("TALLY_KEEPER_CONCURRENCY", "8")
	t.Setenv("TALLY_KEEPER_RATE", "2.5")
	t.Setenv("TALLY_DELEGATE_SCOPE", "Merchant")
	t.Setenv("TALLY_FEED_ORIGINS", "app.example.com, ,dash.example.com")
	t.Setenv("TALLY_NATS_URL", "nats://127.0.0.1:4222")
	t.Setenv("TALLY_LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.KeeperEnabled)
	assert.Equal(t, keeper, cfg.KeeperKey)
	assert.Equal(t, 90*time.Second, cfg.KeeperInterval)
	assert.Equal(t, 8, cfg.KeeperConcurrency)
	assert.Equal(t, 2.5, cfg.KeeperRate)
	assert.Equal(t, state.DelegateMerchant, cfg.DelegateScope)
	assert.Equal(t, []string{"app.example.com", "dash.example.com"}, cfg.FeedOrigins)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATSURL)
}

func TestKeeperCanBeDisabledExplicitly(t *testing.T) {
	clearEnv(t, t.TempDir())
	t.Setenv("TALLY_KEEPER_KEY", ledger.KeyFromSeed("keeper").String())
	t.Setenv("TALLY_KEEPER_ENABLED", "off")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.KeeperEnabled)
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	clearEnv(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("TALLY_LOG_LEVEL=debug\nTALLY_KEEPER_INTERVAL=2m\n"), 0600))
	t.Setenv("TALLY_KEEPER_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.KeeperInterval, "process environment wins over .env")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"bad interval", "TALLY_KEEPER_INTERVAL", "soon", "TALLY_KEEPER_INTERVAL"},
		{"short interval", "TALLY_KEEPER_INTERVAL", "10ms", "at least 1s"},
		{"bad concurrency", "TALLY_KEEPER_CONCURRENCY", "four", "valid integer"},
		{"zero concurrency", "TALLY_KEEPER_CONCURRENCY", "0", "TALLY_KEEPER_CONCURRENCY"},
		{"negative rate", "TALLY_KEEPER_RATE", "-1", "TALLY_KEEPER_RATE"},
		{"bad scope", "TALLY_DELEGATE_SCOPE", "tenant", "global or merchant"},
		{"bad keeper key", "TALLY_KEEPER_KEY", "zz", "TALLY_KEEPER_KEY"},
		{"keeper without key", "TALLY_KEEPER_ENABLED", "true", "TALLY_KEEPER_KEY is required"},
		{"bad log format", "TALLY_LOG_FORMAT", "xml", "TALLY_LOG_FORMAT"},
		{"bad journal key", "TALLY_JOURNAL_KEY", "not-hex", "hex encoded"},
		{"bad nats url", "TALLY_NATS_URL", "http://broker", "nats://"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t, t.TempDir())
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "error %q should mention %q", err, tt.want)
		})
	}
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("X", "45")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)

	d, err = parseDuration("X", "1h30m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)
}
