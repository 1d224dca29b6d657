package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the invoice download service.
type Config struct {
	BindAddr          string
	ShutdownTimeout   time.Duration
	MetricsNamespace  string
	AllowAnyOrigin    bool
	ClientIdleTimeout time.Duration

	DatabaseURL     string
	StateSQLitePath string
	StateKey        string

	RunnerMaxRetries      int
	RunnerAckTimeout      time.Duration
	RunnerPollTimeout     time.Duration
	RunnerPollInterval    time.Duration
	RunnerSettleDelay     time.Duration
	RunnerRetryBackoff    time.Duration
	RunnerRetryBackoffMax time.Duration

	DownloadStore         string
	DownloadDir           string
	DownloadRoot          string
	DownloadPDFDir        string
	DownloadISDOCDir      string
	DownloadRecentLimit   int
	DownloadFallbackLimit int
}

const (
	DownloadStoreHistory = "history"
	DownloadStoreDir     = "dir"
)

// Load reads environment variables and applies safe defaults. Variables in
// APP_ENV_FILE (default .env) fill in anything not already set.
func Load() (Config, error) {
	envFile := envOrDefault("APP_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("APP_ENV_FILE load error: %w", err)
	}

	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "invoicedl"),
		AllowAnyOrigin:        false,
		ShutdownTimeout:       15 * time.Second,
		ClientIdleTimeout:     2 * time.Minute,
		DatabaseURL:           envTrimmed("DATABASE_URL"),
		StateSQLitePath:       envTrimmed("STATE_SQLITE_PATH"),
		StateKey:              envOrDefault("STATE_KEY", "invoicedl_state_v2"),
		RunnerMaxRetries:      3,
		RunnerAckTimeout:      30 * time.Second,
		RunnerPollTimeout:     180 * time.Second,
		RunnerPollInterval:    time.Second,
		RunnerSettleDelay:     250 * time.Millisecond,
		RunnerRetryBackoff:    0,
		RunnerRetryBackoffMax: 30 * time.Second,
		DownloadStore:         strings.ToLower(envOrDefault("DOWNLOAD_STORE", DownloadStoreHistory)),
		DownloadDir:           envTrimmed("DOWNLOAD_DIR"),
		DownloadRoot:          envOrDefault("DOWNLOAD_ROOT", "faktury"),
		DownloadPDFDir:        envOrDefault("DOWNLOAD_PDF_DIR", "invoice"),
		DownloadISDOCDir:      envOrDefault("DOWNLOAD_ISDOC_DIR", "isdoc"),
		DownloadRecentLimit:   80,
		DownloadFallbackLimit: 500,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_CLIENT_IDLE_TIMEOUT", &cfg.ClientIdleTimeout},
		{"RUNNER_ACK_TIMEOUT", &cfg.RunnerAckTimeout},
		{"RUNNER_POLL_TIMEOUT", &cfg.RunnerPollTimeout},
		{"RUNNER_POLL_INTERVAL", &cfg.RunnerPollInterval},
		{"RUNNER_SETTLE_DELAY", &cfg.RunnerSettleDelay},
		{"RUNNER_RETRY_BACKOFF", &cfg.RunnerRetryBackoff},
		{"RUNNER_RETRY_BACKOFF_MAX", &cfg.RunnerRetryBackoffMax},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}
	cfg.RunnerMaxRetries, err = intFromEnv("RUNNER_MAX_RETRIES", cfg.RunnerMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.DownloadRecentLimit, err = intFromEnv("DOWNLOAD_RECENT_LIMIT", cfg.DownloadRecentLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.DownloadFallbackLimit, err = intFromEnv("DOWNLOAD_FALLBACK_LIMIT", cfg.DownloadFallbackLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ClientIdleTimeout < 5*time.Second {
		return fmt.Errorf("APP_CLIENT_IDLE_TIMEOUT must be at least 5s")
	}
	if c.RunnerMaxRetries < 1 {
		return fmt.Errorf("RUNNER_MAX_RETRIES must be >= 1")
	}
	if c.RunnerAckTimeout <= 0 {
		return fmt.Errorf("RUNNER_ACK_TIMEOUT must be positive")
	}
	if c.RunnerPollTimeout <= 0 {
		return fmt.Errorf("RUNNER_POLL_TIMEOUT must be positive")
	}
	if c.RunnerPollInterval <= 0 {
		return fmt.Errorf("RUNNER_POLL_INTERVAL must be positive")
	}
	if c.RunnerSettleDelay < 0 {
		return fmt.Errorf("RUNNER_SETTLE_DELAY must be >= 0")
	}
	if c.RunnerRetryBackoff < 0 {
		return fmt.Errorf("RUNNER_RETRY_BACKOFF must be >= 0")
	}
	if c.RunnerRetryBackoff > 0 && c.RunnerRetryBackoffMax < c.RunnerRetryBackoff {
		return fmt.Errorf("RUNNER_RETRY_BACKOFF_MAX must be >= RUNNER_RETRY_BACKOFF")
	}
	if c.DownloadRecentLimit <= 0 {
		return fmt.Errorf("DOWNLOAD_RECENT_LIMIT must be positive")
	}
	if c.DownloadFallbackLimit <= 0 {
		return fmt.Errorf("DOWNLOAD_FALLBACK_LIMIT must be positive")
	}
	switch c.DownloadStore {
	case DownloadStoreHistory:
	case DownloadStoreDir:
		if c.DownloadDir == "" {
			return fmt.Errorf("DOWNLOAD_DIR is required when DOWNLOAD_STORE=dir")
		}
	default:
		return fmt.Errorf("DOWNLOAD_STORE must be %q or %q", DownloadStoreHistory, DownloadStoreDir)
	}
	if strings.TrimSpace(c.DownloadPDFDir) == "" || strings.TrimSpace(c.DownloadISDOCDir) == "" {
		return fmt.Errorf("DOWNLOAD_PDF_DIR and DOWNLOAD_ISDOC_DIR must not be empty")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
