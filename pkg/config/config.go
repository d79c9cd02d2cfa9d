package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration
type Config struct {
	Worker      WorkerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Media       MediaConfig
	Audio       AudioConfig
	Credentials *CredentialOverlay
	Environment string
}

// WorkerConfig holds supervisor worker pool configuration
type WorkerConfig struct {
	PoolSize      int
	RunTimeoutSec int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// MediaConfig holds file storage configuration
type MediaConfig struct {
	Root string
}

// AudioConfig holds audio preparation limits
type AudioConfig struct {
	MaxSizeBytes int64
	FFmpegBin    string
	FFprobeBin   string
	SoxBin       string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	return &Config{
		Worker: WorkerConfig{
			PoolSize:      getEnvAsInt("WORKER_POOL_SIZE", 4),
			RunTimeoutSec: getEnvAsInt("RUN_TIMEOUT_SECONDS", 0),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "actas_engine"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Media: MediaConfig{
			Root: getEnv("MEDIA_ROOT", "/var/lib/actas-engine/media"),
		},
		Audio: AudioConfig{
			MaxSizeBytes: getEnvAsInt64("AUDIO_MAX_SIZE_BYTES", 100*1024*1024),
			FFmpegBin:    getEnv("FFMPEG_BIN", "ffmpeg"),
			FFprobeBin:   getEnv("FFPROBE_BIN", "ffprobe"),
			SoxBin:       getEnv("SOX_BIN", "sox"),
		},
		Credentials: LoadCredentialOverlay(),
		Environment: getEnv("APP_ENV", "development"),
	}, nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CredentialOverlay exposes per-provider-kind defaults taken from the process
// environment. It is loaded once at startup and strictly read-through: values
// are consulted at call time, never written back into stored providers.
type CredentialOverlay struct {
	values map[string]string
}

// LoadCredentialOverlay snapshots the {KIND}_* environment variables for all
// known provider kinds.
func LoadCredentialOverlay() *CredentialOverlay {
	suffixes := []string{"_API_KEY", "_API_URL", "_DEFAULT_MODEL", "_DEFAULT_TEMPERATURE", "_DEFAULT_MAX_TOKENS"}
	values := make(map[string]string)
	for _, kind := range knownKinds {
		prefix := strings.ToUpper(kind)
		for _, suffix := range suffixes {
			key := prefix + suffix
			if v := os.Getenv(key); v != "" {
				values[key] = v
			}
		}
	}
	return &CredentialOverlay{values: values}
}

var knownKinds = []string{"openai", "anthropic", "deepseek", "google", "ollama", "lmstudio", "groq", "generic"}

func (o *CredentialOverlay) lookup(kind, suffix string) string {
	if o == nil {
		return ""
	}
	return o.values[strings.ToUpper(kind)+suffix]
}

// APIKey returns the environment API key for a provider kind, or empty.
func (o *CredentialOverlay) APIKey(kind string) string {
	return o.lookup(kind, "_API_KEY")
}

// APIURL returns the environment base URL for a provider kind, or empty.
func (o *CredentialOverlay) APIURL(kind string) string {
	return o.lookup(kind, "_API_URL")
}

// DefaultModel returns the environment default model for a provider kind, or empty.
func (o *CredentialOverlay) DefaultModel(kind string) string {
	return o.lookup(kind, "_DEFAULT_MODEL")
}

// DefaultTemperature returns the environment default temperature, or fallback.
func (o *CredentialOverlay) DefaultTemperature(kind string, fallback float64) float64 {
	if v := o.lookup(kind, "_DEFAULT_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// DefaultMaxTokens returns the environment default max tokens, or fallback.
func (o *CredentialOverlay) DefaultMaxTokens(kind string, fallback int) int {
	if v := o.lookup(kind, "_DEFAULT_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}
