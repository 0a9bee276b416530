package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	ServerPort  string

	// Admin auth
	JWTSecret      string
	InternalSecret string

	// Providers
	OpenAIAPIKey        string
	AnthropicAPIKey     string
	EmbeddingServiceURL string

	// Tier to model mapping. Operators change these, not code.
	FreeTierModel string
	PaidTierModel string

	// Widget behavior
	SearchLimit    int
	ScoreThreshold float64
	MaxTokens      int
	Temperature    float64
	RequestTimeout time.Duration

	// Quota
	FreeTierHourlyLimit int

	// Usage events (empty broker disables publishing)
	KafkaBroker     string
	UsageEventTopic string

	LogLevel string
}

func Load() (*Config, error) {
	godotenv.Load()

	return &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		ServerPort:  getEnv("SERVER_PORT", "8080"),

		JWTSecret:      getEnv("JWT_SECRET", "secret"),
		InternalSecret: getEnv("INTERNAL_API_SECRET", "internal-secret"),

		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:     getEnv("ANTHROPIC_API_KEY", ""),
		EmbeddingServiceURL: getEnv("EMBEDDING_SERVICE_URL", "http://localhost:5000"),

		FreeTierModel: getEnv("FREE_TIER_MODEL", "gpt-4o-mini"),
		PaidTierModel: getEnv("PAID_TIER_MODEL", "claude-sonnet-4-5"),

		SearchLimit:    getEnvInt("WIDGET_SEARCH_LIMIT", 5),
		ScoreThreshold: getEnvFloat("WIDGET_SCORE_THRESHOLD", 0.7),
		MaxTokens:      getEnvInt("WIDGET_MAX_TOKENS", 1000),
		Temperature:    getEnvFloat("WIDGET_TEMPERATURE", 0.7),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),

		FreeTierHourlyLimit: getEnvInt("RATE_LIMIT_FREE", 100),

		KafkaBroker:     getEnv("KAFKA_BROKER", ""),
		UsageEventTopic: getEnv("USAGE_EVENT_TOPIC", "usage-events"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}
