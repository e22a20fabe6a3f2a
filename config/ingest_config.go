package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"ingest_server/core/domain"
	"ingest_server/pkg/apperr"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreNeo4j    = "neo4j"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Storage
	StoreDriver       string
	SQLitePath        string
	DatabaseURL       string
	StorageTimeoutSec int

	// Neo4j
	Neo4jURL      string
	Neo4jUsername string
	Neo4jPassword string
	Neo4jDatabase string

	// Archive
	MongoDBURL        string
	MongoDBName       string
	MongoDBCollection string
	WriteBackURLLists bool

	// Cache / lock
	RedisURL       string
	LLMCacheTTLMin int

	// LLM
	LLMProvider       string
	OpenAIAPIKey      string
	AnthropicAPIKey   string
	LLMModel          string
	LLMTimeoutSec     int
	LLMMaxTokens      int
	LLMRequestsPerMin int

	// Classification
	LowConfidence       float64
	PromotionThreshold  float64
	PrecisionThreshold  float64
	PatternMinSample    int
	UseLearnedPatterns  bool
	HeuristicRulesPath  string
	ClassifyRateLimit   int
	ClassifyRateWindowS int

	// Batch re-evaluation
	ReevalMinCount    int
	ReevalSchedule    string
	ReevalConcurrency int
	ReevalBudgetUSD   float64
	SchedulerEnabled  bool

	// Document queue (Redis Streams)
	StreamEnabled  bool
	StreamName     string
	StreamGroup    string
	StreamConsumer string
	StreamUseLLM   bool

	// Notifications
	SlackBotToken  string
	SlackChannelID string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Storage
		StoreDriver:       strings.ToLower(getEnv("STORE_DRIVER", StoreSQLite)),
		SQLitePath:        getEnv("SQLITE_PATH", "data/url_classifications.db"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		StorageTimeoutSec: getEnvInt("STORAGE_TIMEOUT_SEC", 10),

		// Neo4j
		Neo4jURL:      getEnv("NEO4J_URL", ""),
		Neo4jUsername: getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPassword: getEnv("NEO4J_PASSWORD", ""),
		Neo4jDatabase: getEnv("NEO4J_DATABASE", "neo4j"),

		// Archive
		MongoDBURL:        getEnv("MONGODB_URL", ""),
		MongoDBName:       getEnv("MONGODB_DATABASE", "archive"),
		MongoDBCollection: getEnv("MONGODB_COLLECTION", "videos"),
		WriteBackURLLists: getEnvBool("WRITE_BACK_URL_LISTS", false),

		// Cache / lock
		RedisURL:       getEnv("REDIS_URL", ""),
		LLMCacheTTLMin: getEnvInt("LLM_CACHE_TTL_MIN", 24*60),

		// LLM
		LLMProvider:       strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		LLMModel:          getEnv("LLM_MODEL", ""),
		LLMTimeoutSec:     getEnvInt("LLM_TIMEOUT_SEC", 30),
		LLMMaxTokens:      getEnvInt("LLM_MAX_TOKENS", 300),
		LLMRequestsPerMin: getEnvInt("LLM_REQUESTS_PER_MIN", 60),

		// Classification
		LowConfidence:       getEnvFloat("CLASSIFY_LOW_CONFIDENCE", 0.7),
		PromotionThreshold:  getEnvFloat("CLASSIFY_PROMOTION_THRESHOLD", 0.7),
		PrecisionThreshold:  getEnvFloat("PATTERN_PRECISION_THRESHOLD", 0.7),
		PatternMinSample:    getEnvInt("PATTERN_MIN_SAMPLE", 5),
		UseLearnedPatterns:  getEnvBool("USE_LEARNED_PATTERNS", true),
		HeuristicRulesPath:  getEnv("HEURISTIC_RULES_PATH", ""),
		ClassifyRateLimit:   getEnvInt("CLASSIFY_RATE_LIMIT", 60),
		ClassifyRateWindowS: getEnvInt("CLASSIFY_RATE_WINDOW_SEC", 60),

		// Batch re-evaluation
		ReevalMinCount:    getEnvInt("REEVAL_MIN_COUNT", 3),
		ReevalSchedule:    getEnv("REEVAL_SCHEDULE", "0 3 * * *"),
		ReevalConcurrency: getEnvInt("REEVAL_CONCURRENCY", 2),
		ReevalBudgetUSD:   getEnvFloat("REEVAL_BUDGET_USD", 0),
		SchedulerEnabled:  getEnvBool("SCHEDULER_ENABLED", true),

		// Document queue
		StreamEnabled:  getEnvBool("STREAM_ENABLED", false),
		StreamName:     getEnv("STREAM_NAME", "ingest:classify"),
		StreamGroup:    getEnv("STREAM_GROUP", "ingest"),
		StreamConsumer: getEnv("STREAM_CONSUMER", hostname()),
		StreamUseLLM:   getEnvBool("STREAM_USE_LLM", true),

		// Notifications
		SlackBotToken:  getEnv("SLACK_BOT_TOKEN", ""),
		SlackChannelID: getEnv("SLACK_CHANNEL_ID", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreSQLite:
		if c.SQLitePath == "" {
			return apperr.ConfigError("SQLITE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return apperr.ConfigError("DATABASE_URL is required for the postgres store")
		}
	case StoreNeo4j:
		if c.Neo4jURL == "" {
			return apperr.ConfigError("NEO4J_URL is required for the neo4j store")
		}
	default:
		return apperr.ConfigError("unknown STORE_DRIVER: " + c.StoreDriver)
	}

	for name, v := range map[string]float64{
		"CLASSIFY_LOW_CONFIDENCE":      c.LowConfidence,
		"CLASSIFY_PROMOTION_THRESHOLD": c.PromotionThreshold,
		"PATTERN_PRECISION_THRESHOLD":  c.PrecisionThreshold,
	} {
		if v < 0 || v > 1 {
			return apperr.ConfigError(name + " must be between 0 and 1")
		}
	}
	if c.PatternMinSample < 1 {
		return apperr.ConfigError("PATTERN_MIN_SAMPLE must be at least 1")
	}
	if c.ReevalMinCount < 1 {
		return apperr.ConfigError("REEVAL_MIN_COUNT must be at least 1")
	}
	if c.ReevalBudgetUSD < 0 {
		return apperr.ConfigError("REEVAL_BUDGET_USD must not be negative")
	}
	if c.StreamEnabled && c.RedisURL == "" {
		return apperr.ConfigError("REDIS_URL is required when STREAM_ENABLED is set")
	}
	return nil
}

// PatternLearning returns the repository thresholds.
func (c *Config) PatternLearning() domain.PatternLearningConfig {
	cfg := domain.DefaultPatternLearningConfig()
	cfg.LowConfidenceThreshold = c.LowConfidence
	cfg.PrecisionThreshold = c.PrecisionThreshold
	cfg.MinSampleSize = int64(c.PatternMinSample)
	cfg.LowPerformerMinApplied = int64(c.PatternMinSample)
	cfg.UseLearnedPatterns = c.UseLearnedPatterns
	cfg.QueryTimeout = c.StorageTimeout()
	return cfg
}

func (c *Config) StorageTimeout() time.Duration {
	return time.Duration(c.StorageTimeoutSec) * time.Second
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSec) * time.Second
}

// LLMConfigured reports whether the selected provider has an API key.
func (c *Config) LLMConfigured() bool {
	if c.LLMProvider == "anthropic" {
		return c.AnthropicAPIKey != ""
	}
	return c.OpenAIAPIKey != ""
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "ingest"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
