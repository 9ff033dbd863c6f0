package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the generation service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string
	RedisURL    string

	ProviderMode string
	OllamaURL    string
	DefaultModel string

	MaxExecutionTime time.Duration
	PollInterval     time.Duration
	PingInterval     time.Duration
	MailboxSize      int

	ModerationKeywords      string
	ModerationPreset        string
	ModerationBufferSize    int
	ModerationCheckInterval time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "genflow"),
		AllowAnyOrigin:   false,
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		RedisURL:         stringsTrimSpace("REDIS_URL"),
		ProviderMode:     envOrDefault("PROVIDER_MODE", "auto"),
		OllamaURL:        stringsTrimSpace("OLLAMA_URL"),
		DefaultModel:     envOrDefault("DEFAULT_MODEL", "llama3.2"),
		// Moderation keywords are comma-separated; empty disables the check.
		ModerationKeywords:      stringsTrimSpace("MODERATION_KEYWORDS"),
		ModerationPreset:        stringsTrimSpace("MODERATION_PRESET_RESPONSE"),
		ModerationBufferSize:    300,
		ModerationCheckInterval: 300 * time.Millisecond,
		ShutdownTimeout:         15 * time.Second,
		MaxExecutionTime:        20 * time.Minute,
		PollInterval:            time.Second,
		PingInterval:            10 * time.Second,
		MailboxSize:             512,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxExecutionTime, err = durationFromEnv("TASK_MAX_EXECUTION_TIME", cfg.MaxExecutionTime)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval, err = durationFromEnv("TASK_POLL_INTERVAL", cfg.PollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.PingInterval, err = durationFromEnv("TASK_PING_INTERVAL", cfg.PingInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MailboxSize, err = intFromEnv("TASK_MAILBOX_SIZE", cfg.MailboxSize)
	if err != nil {
		return Config{}, err
	}
	cfg.ModerationBufferSize, err = intFromEnv("MODERATION_BUFFER_SIZE", cfg.ModerationBufferSize)
	if err != nil {
		return Config{}, err
	}
	cfg.ModerationCheckInterval, err = durationFromEnv("MODERATION_CHECK_INTERVAL", cfg.ModerationCheckInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxExecutionTime < 10*time.Second {
		return Config{}, fmt.Errorf("TASK_MAX_EXECUTION_TIME must be at least 10s")
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("TASK_POLL_INTERVAL must be positive")
	}
	if cfg.PingInterval < cfg.PollInterval {
		return Config{}, fmt.Errorf("TASK_PING_INTERVAL must be at least the poll interval")
	}
	if cfg.MailboxSize <= 0 {
		return Config{}, fmt.Errorf("TASK_MAILBOX_SIZE must be positive")
	}
	if cfg.ModerationBufferSize <= 0 {
		return Config{}, fmt.Errorf("MODERATION_BUFFER_SIZE must be positive")
	}
	if cfg.ModerationCheckInterval <= 0 {
		return Config{}, fmt.Errorf("MODERATION_CHECK_INTERVAL must be positive")
	}

	return cfg, nil
}

// ModerationKeywordList splits the configured keywords on commas.
func (c Config) ModerationKeywordList() []string {
	if strings.TrimSpace(c.ModerationKeywords) == "" {
		return nil
	}
	parts := strings.Split(c.ModerationKeywords, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
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
	v := stringsTrimSpace(key)
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
	v := strings.ToLower(stringsTrimSpace(key))
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
