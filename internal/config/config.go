package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr     string
	LogLevel string
	EnvFile  string

	APIKey       string
	APIKeySecret string
	AWSRegion    string
	BaseURL      string
	DefaultModel string

	StaticDir    string
	OTLPEndpoint string

	UpstreamTimeout time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment. Variables from ENV_FILE
// (default ".env") are applied first without overriding ones already set; a
// missing file is not an error.
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := &Config{
		Addr:            getEnv("ADDR", ":3000"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		EnvFile:         envFile,
		APIKey:          getEnv("DEEPSEEK_API_KEY", ""),
		APIKeySecret:    getEnv("DEEPSEEK_API_KEY_SECRET", ""),
		AWSRegion:       getEnv("AWS_REGION", ""),
		BaseURL:         getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
		DefaultModel:    getEnv("DEFAULT_MODEL", "deepseek-chat"),
		StaticDir:       getEnv("STATIC_DIR", "public"),
		OTLPEndpoint:    getEnv("OTLP_ENDPOINT", ""),
		UpstreamTimeout: getDurationEnv("UPSTREAM_TIMEOUT", 0),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

// MaskedAPIKey returns the first characters of the key for logging.
func (c *Config) MaskedAPIKey() string {
	if len(c.APIKey) <= 10 {
		return "***"
	}
	return c.APIKey[:10] + "..."
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
