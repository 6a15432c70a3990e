// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	FrontendURL  string
	TemplatesDir string // empty = embedded defaults

	Database        DatabaseConfig
	Generation      GenerationConfig
	Turn            TurnConfig
	HTTP            HTTPConfig
	ConversationLog ConversationLogConfig
}

// DatabaseConfig selects and configures the persistence adapter.
type DatabaseConfig struct {
	Driver        string // sqlite, postgres or memory
	Path          string
	URL           string
	TurnRetention time.Duration // 0 keeps turn records forever
	PruneInterval time.Duration
}

// GenerationConfig selects the model backend.
type GenerationConfig struct {
	Provider      string // socratic, openai, gemini or grpc
	Model         string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string
	GRPCAddr      string
	GRPCListen    string
	Temperature   float64
	MaxTokens     int
	MaxConcurrent int
}

// TurnConfig bounds a single learner turn.
type TurnConfig struct {
	MaxRetries        int
	Timeout           time.Duration
	AttemptTimeout    time.Duration
	MaxStreamBytes    int
	PromptTokenBudget int
	AssessmentEnabled bool
	AssessmentTurns   int
	DefaultLesson     string
	DefaultProfile    string
}

// HTTPConfig tunes the HTTP boundary.
type HTTPConfig struct {
	RateLimitPerMinute int
	RateLimitBurst     int
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		TemplatesDir: getEnv("TEMPLATES_DIR", ""),
		Database: DatabaseConfig{
			Driver:        strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			Path:          getEnv("DB_PATH", "./data/tutor.db"),
			URL:           getEnv("DATABASE_URL", ""),
			TurnRetention: getEnvDuration("TURN_RECORD_RETENTION", 30*24*time.Hour),
			PruneInterval: getEnvDuration("TURN_RECORD_PRUNE_INTERVAL", 5*time.Minute),
		},
		Generation: GenerationConfig{
			Provider:      strings.ToLower(getEnv("GENERATION_PROVIDER", "socratic")),
			Model:         getEnv("GENERATION_MODEL", ""),
			OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
			GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
			GRPCAddr:      getEnv("GENERATION_GRPC_ADDR", "localhost:50051"),
			GRPCListen:    getEnv("GENERATION_GRPC_LISTEN", ":50051"),
			Temperature:   getEnvFloat("GENERATION_TEMPERATURE", 0.4),
			MaxTokens:     getEnvInt("GENERATION_MAX_TOKENS", 512),
			MaxConcurrent: getEnvInt("MAX_CONCURRENT_GENERATIONS", 8),
		},
		Turn: TurnConfig{
			MaxRetries:        getEnvInt("TURN_MAX_RETRIES", 2),
			Timeout:           getEnvDuration("TURN_TIMEOUT", 60*time.Second),
			AttemptTimeout:    getEnvDuration("TURN_ATTEMPT_TIMEOUT", 30*time.Second),
			MaxStreamBytes:    getEnvInt("MAX_STREAM_BYTES", 64*1024),
			PromptTokenBudget: getEnvInt("PROMPT_TOKEN_BUDGET", 6000),
			AssessmentEnabled: getEnvBool("ASSESSMENT_ENABLED", true),
			AssessmentTurns:   getEnvInt("ASSESSMENT_TURNS", 2),
			DefaultLesson:     getEnv("DEFAULT_LESSON", ""),
			DefaultProfile:    getEnv("DEFAULT_PROFILE", ""),
		},
		HTTP: HTTPConfig{
			RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 20),
			RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 5),
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE", 10*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY", 64*1024)),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for DB_DRIVER=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite, postgres or memory, got %q", c.Database.Driver)
	}

	switch c.Generation.Provider {
	case "socratic":
	case "openai":
		if c.Generation.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for GENERATION_PROVIDER=openai")
		}
	case "gemini":
		if c.Generation.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for GENERATION_PROVIDER=gemini")
		}
	case "grpc":
		if c.Generation.GRPCAddr == "" {
			return fmt.Errorf("GENERATION_GRPC_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("GENERATION_PROVIDER must be socratic, openai, gemini or grpc, got %q", c.Generation.Provider)
	}
	if c.Generation.MaxTokens <= 0 {
		return fmt.Errorf("GENERATION_MAX_TOKENS must be > 0")
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return fmt.Errorf("GENERATION_TEMPERATURE must be within [0,2]")
	}
	if c.Generation.MaxConcurrent <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_GENERATIONS must be > 0")
	}

	if c.Turn.MaxRetries < 0 {
		return fmt.Errorf("TURN_MAX_RETRIES must be >= 0")
	}
	if c.Turn.Timeout <= 0 || c.Turn.AttemptTimeout <= 0 {
		return fmt.Errorf("TURN_TIMEOUT and TURN_ATTEMPT_TIMEOUT must be > 0")
	}
	if c.Turn.AttemptTimeout > c.Turn.Timeout {
		return fmt.Errorf("TURN_ATTEMPT_TIMEOUT cannot exceed TURN_TIMEOUT")
	}
	if c.Turn.MaxStreamBytes <= 0 {
		return fmt.Errorf("MAX_STREAM_BYTES must be > 0")
	}
	if c.Turn.PromptTokenBudget <= 0 {
		return fmt.Errorf("PROMPT_TOKEN_BUDGET must be > 0")
	}
	if c.Turn.AssessmentTurns <= 0 {
		return fmt.Errorf("ASSESSMENT_TURNS must be > 0")
	}

	if c.HTTP.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be > 0")
	}
	if c.HTTP.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY must be > 0")
	}

	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
