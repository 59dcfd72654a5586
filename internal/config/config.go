package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

type Config struct {
	ServerPort   string `validate:"required,numeric"`
	DatabaseURL  string
	RedisURL     string `validate:"required"`
	JWTSecret    string `validate:"required"`
	AdaptersFile string `validate:"required"`

	EmbeddingServiceURL string `validate:"omitempty,url"`
	OpenAI              OpenAIConfig
	OTLPEndpoint        string

	DefaultThreshold float64 `validate:"gte=0,lte=1"`
	RateLimit        RateLimitConfig
	TrustProxy       bool

	PoolIdleTTL      time.Duration `validate:"gt=0"`
	PoolReapInterval time.Duration `validate:"gt=0"`
	PoolOpenTimeout  time.Duration `validate:"gt=0"`

	BreakerFailureThreshold int           `validate:"gt=0"`
	BreakerResetTimeout     time.Duration `validate:"gt=0"`
	BreakerCallTimeout      time.Duration `validate:"gte=0"`

	LogLevel  string `validate:"oneof=trace debug info warn error"`
	LogFormat string `validate:"oneof=console json"`
}

type OpenAIConfig struct {
	APIKey         string
	BaseURL        string `validate:"omitempty,url"`
	Model          string
	EmbeddingModel string
}

type RateLimitConfig struct {
	Backend       string        `validate:"oneof=redis memory"`
	ChatLimit     int           `validate:"gt=0"`
	ChatWindow    time.Duration `validate:"gt=0"`
	GeneralLimit  int           `validate:"gt=0"`
	GeneralWindow time.Duration `validate:"gt=0"`
}

func Load() (*Config, error) {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		ServerPort:   getEnv("SERVER_PORT", "8080"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:    getEnv("JWT_SECRET", "secret"),
		AdaptersFile: getEnv("ADAPTERS_FILE", "config/adapters.yaml"),

		EmbeddingServiceURL: getEnv("EMBEDDING_SERVICE_URL", ""),
		OpenAI: OpenAIConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			BaseURL:        getEnv("OPENAI_BASE_URL", ""),
			Model:          getEnv("OPENAI_MODEL", ""),
			EmbeddingModel: getEnv("OPENAI_EMBEDDING_MODEL", ""),
		},
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		DefaultThreshold: p.float("CONFIDENCE_THRESHOLD", 0.75),
		RateLimit: RateLimitConfig{
			Backend:       getEnv("RATE_LIMIT_BACKEND", "redis"),
			ChatLimit:     p.int("RATE_LIMIT_CHAT", 10),
			ChatWindow:    p.duration("RATE_LIMIT_CHAT_WINDOW", time.Minute),
			GeneralLimit:  p.int("RATE_LIMIT_GENERAL", 100),
			GeneralWindow: p.duration("RATE_LIMIT_GENERAL_WINDOW", time.Minute),
		},
		TrustProxy: p.bool("TRUST_PROXY", false),

		PoolIdleTTL:      p.duration("POOL_IDLE_TTL", 10*time.Minute),
		PoolReapInterval: p.duration("POOL_REAP_INTERVAL", time.Minute),
		PoolOpenTimeout:  p.duration("POOL_OPEN_TIMEOUT", 30*time.Second),

		BreakerFailureThreshold: p.int("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerResetTimeout:     p.duration("BREAKER_RESET_TIMEOUT", 60*time.Second),
		BreakerCallTimeout:      p.duration("BREAKER_CALL_TIMEOUT", 30*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}
