package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the tracker daemon.
type Config struct {
	Env               string
	HTTPPort          string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	ServerBaseURL     string
	ServerAPIKey      string
	HTTPTimeout       time.Duration
	PollInterval      time.Duration
	PollBatchSize     int
	QueueCap          int
	FlushInterval     time.Duration
	DefaultCategoryID string
	PostgresDSN       string
	RateLimitCapacity int
	RateLimitRefill   float64
}

// Load reads configuration from environment variables with sane defaults for
// local development. PostgresDSN is optional; an empty value disables the
// archive-history sink.
func Load() Config {
	return Config{
		Env:               getEnv("APP_ENV", "dev"),
		HTTPPort:          getEnv("HTTP_PORT", "8780"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		ServerBaseURL:     getEnv("SERVER_BASE_URL", "http://localhost:3000"),
		ServerAPIKey:      getEnv("SERVER_API_KEY", ""),
		HTTPTimeout:       getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
		PollInterval:      getEnvDuration("POLL_INTERVAL", 5*time.Second),
		PollBatchSize:     getEnvInt("POLL_BATCH_SIZE", 5),
		QueueCap:          getEnvInt("QUEUE_CAP", 100),
		FlushInterval:     getEnvDuration("FLUSH_INTERVAL", 250*time.Millisecond),
		DefaultCategoryID: getEnv("DEFAULT_CATEGORY_ID", ""),
		PostgresDSN:       getEnv("POSTGRES_DSN", ""),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 20),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 2),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
