// Package config loads process configuration from the environment and an
// optional .env file under the data directory.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/internal/utils"
	"github.com/tallypay/tally/pkg/ledger"
)

const (
	DefaultDataDir           = "/var/lib/tally"
	DefaultAPIAddr           = ":8080"
	DefaultMetricsAddr       = ":9464"
	DefaultKeeperInterval    = time.Minute
	DefaultKeeperConcurrency = 4
	DefaultKeeperBatchSize   = 500
)

// Config holds all process configuration.
type Config struct {
	DataDir     string
	LogLevel    string
	LogFormat   string
	APIAddr     string
	MetricsAddr string
	FeedOrigins []string

	KeeperEnabled     bool
	KeeperKey         ledger.Address
	KeeperInterval    time.Duration
	KeeperConcurrency int
	KeeperRate        float64 // renewals per second; 0 is unlimited
	KeeperBatchSize   int

	DelegateScope state.DelegateScope
	NATSURL       string
	JournalKey    string // hex HMAC key; generated on first start when empty
}

// EnvPath is the .env file that Load reads and the Watcher follows.
func (c *Config) EnvPath() string {
	return filepath.Join(c.DataDir, ".env")
}

// Load reads configuration from the environment. A .env file in the data
// directory is loaded first if present; variables already set in the
// process environment win.
func Load() (*Config, error) {
	dataDir := envOrDefault("TALLY_DATA_DIR", DefaultDataDir)

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file")
		}
	}

	interval, err := envOrDefaultDuration("TALLY_KEEPER_INTERVAL", DefaultKeeperInterval)
	if err != nil {
		return nil, err
	}
	concurrency, err := envOrDefaultInt("TALLY_KEEPER_CONCURRENCY", DefaultKeeperConcurrency)
	if err != nil {
		return nil, err
	}
	batch, err := envOrDefaultInt("TALLY_KEEPER_BATCH_SIZE", DefaultKeeperBatchSize)
	if err != nil {
		return nil, err
	}
	rate, err := envOrDefaultFloat("TALLY_KEEPER_RATE", 0)
	if err != nil {
		return nil, err
	}
	scope, err := ParseDelegateScope(envOrDefault("TALLY_DELEGATE_SCOPE", "global"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:           dataDir,
		LogLevel:          envOrDefault("TALLY_LOG_LEVEL", "info"),
		LogFormat:         envOrDefault("TALLY_LOG_FORMAT", "auto"),
		APIAddr:           envOrDefault("TALLY_API_ADDR", DefaultAPIAddr),
		MetricsAddr:       envOrDefault("TALLY_METRICS_ADDR", DefaultMetricsAddr),
		FeedOrigins:       splitList(os.Getenv("TALLY_FEED_ORIGINS")),
		KeeperInterval:    interval,
		KeeperConcurrency: concurrency,
		KeeperRate:        rate,
		KeeperBatchSize:   batch,
		DelegateScope:     scope,
		NATSURL:           utils.GetenvTrim("TALLY_NATS_URL"),
		JournalKey:        utils.GetenvTrim("TALLY_JOURNAL_KEY"),
	}

	if raw := utils.GetenvTrim("TALLY_KEEPER_KEY"); raw != "" {
		key, err := ledger.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("TALLY_KEEPER_KEY: %w", err)
		}
		cfg.KeeperKey = key
		cfg.KeeperEnabled = true
	}
	if raw, ok := os.LookupEnv("TALLY_KEEPER_ENABLED"); ok {
		cfg.KeeperEnabled = utils.ParseBool(raw)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "TALLY_DATA_DIR must not be empty")
	}
	if c.KeeperEnabled && c.KeeperKey.IsZero() {
		problems = append(problems, "TALLY_KEEPER_KEY is required when the keeper is enabled")
	}
	if c.KeeperInterval < time.Second {
		problems = append(problems, fmt.Sprintf("TALLY_KEEPER_INTERVAL must be at least 1s, got %s", c.KeeperInterval))
	}
	if c.KeeperConcurrency < 1 {
		problems = append(problems, fmt.Sprintf("TALLY_KEEPER_CONCURRENCY must be at least 1, got %d", c.KeeperConcurrency))
	}
	if c.KeeperBatchSize < 1 {
		problems = append(problems, fmt.Sprintf("TALLY_KEEPER_BATCH_SIZE must be at least 1, got %d", c.KeeperBatchSize))
	}
	if c.KeeperRate < 0 {
		problems = append(problems, fmt.Sprintf("TALLY_KEEPER_RATE must not be negative, got %g", c.KeeperRate))
	}
	switch c.LogFormat {
	case "auto", "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("TALLY_LOG_FORMAT must be auto, json or console, got %q", c.LogFormat))
	}
	if c.JournalKey != "" {
		if _, err := hex.DecodeString(c.JournalKey); err != nil {
			problems = append(problems, "TALLY_JOURNAL_KEY must be hex encoded")
		}
	}
	if c.NATSURL != "" && !strings.HasPrefix(c.NATSURL, "nats://") && !strings.HasPrefix(c.NATSURL, "tls://") {
		problems = append(problems, "TALLY_NATS_URL must use the nats:// or tls:// scheme")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// ParseDelegateScope accepts "global" or "merchant".
func ParseDelegateScope(s string) (state.DelegateScope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "global":
		return state.DelegateGlobal, nil
	case "merchant":
		return state.DelegateMerchant, nil
	default:
		return 0, fmt.Errorf("TALLY_DELEGATE_SCOPE must be global or merchant, got %q", s)
	}
}

func envOrDefault(key, fallback string) string {
	if v := utils.GetenvTrim(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := utils.GetenvTrim(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultFloat(key string, fallback float64) (float64, error) {
	if v := utils.GetenvTrim(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid number: %w", key, err)
		}
		return f, nil
	}
	return fallback, nil
}

// envOrDefaultDuration accepts Go durations ("90s") or bare seconds.
func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := utils.GetenvTrim(key)
	if v == "" {
		return fallback, nil
	}
	return parseDuration(key, v)
}

func parseDuration(key, v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
