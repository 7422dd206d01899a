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
	Port            string
	FrontendURL     string
	DBPath          string
	IndexPath       string
	RulebookPath    string
	SessionTTL      time.Duration
	Azure           AzureConfig
	Retrieval       RetrievalConfig
	Stream          StreamConfig
	Prompt          PromptConfig
	Monster         MonsterConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
	Telemetry       TelemetryConfig
}

// AzureConfig holds Azure OpenAI credentials and deployments.
type AzureConfig struct {
	APIKey              string
	InstanceName        string
	Endpoint            string
	APIVersion          string
	ChatDeployment      string
	EmbeddingDeployment string
	Temperature         float64
}

// RetrievalConfig controls the rulebook similarity search and ingestion.
type RetrievalConfig struct {
	TopK         int
	Query        string
	ChunkSize    int
	ChunkOverlap int
}

// StreamConfig controls the streaming relay.
type StreamConfig struct {
	Delay              time.Duration
	Buffer             int
	CompletionTimeout  time.Duration
	MaxRequestBodySize int64
}

// PromptConfig bounds text injected into the system prompt. Zero means unbounded.
type PromptConfig struct {
	MaxInjection int
}

// MonsterConfig points at the 5e SRD REST API.
type MonsterConfig struct {
	APIURL   string
	PageSize int
	Timeout  time.Duration
}

// RateLimitConfig configures the per-user token bucket on /question.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// TelemetryConfig controls tracing output and the optional gRPC health listener.
type TelemetryConfig struct {
	Enabled        bool
	Dir            string
	GRPCHealthAddr string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:         getEnv("PORT", "8000"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		DBPath:       getEnv("DB_PATH", "./data/dndgpt.db"),
		IndexPath:    getEnv("INDEX_PATH", "./vectordatabase/index.db"),
		RulebookPath: getEnv("RULEBOOK_PATH", "./public/example.txt"),
		SessionTTL:   getEnvDuration("SESSION_TTL", 24*time.Hour),
		Azure: AzureConfig{
			APIKey:              getEnv("AZURE_OPENAI_API_KEY", ""),
			InstanceName:        getEnv("AZURE_OPENAI_API_INSTANCE_NAME", ""),
			Endpoint:            getEnv("AZURE_OPENAI_ENDPOINT", ""),
			APIVersion:          getEnv("AZURE_OPENAI_API_VERSION", "2024-06-01"),
			ChatDeployment:      getEnv("AZURE_OPENAI_API_DEPLOYMENT_NAME", ""),
			EmbeddingDeployment: getEnv("AZURE_EMBEDDING_DEPLOYMENT_NAME", ""),
			Temperature:         getEnvFloat("COMPLETION_TEMPERATURE", 0.5),
		},
		Retrieval: RetrievalConfig{
			TopK:         getEnvInt("RETRIEVAL_TOP_K", 5),
			Query:        getEnv("RETRIEVAL_QUERY", ""),
			ChunkSize:    getEnvInt("CHUNK_SIZE", 100),
			ChunkOverlap: getEnvInt("CHUNK_OVERLAP", 50),
		},
		Stream: StreamConfig{
			Delay:              getEnvDuration("STREAM_DELAY", 50*time.Millisecond),
			Buffer:             getEnvInt("RELAY_BUFFER", 64),
			CompletionTimeout:  getEnvDuration("COMPLETION_TIMEOUT", 0),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		Prompt: PromptConfig{
			MaxInjection: getEnvInt("PROMPT_MAX_INJECTION", 0),
		},
		Monster: MonsterConfig{
			APIURL:   strings.TrimRight(getEnv("MONSTER_API_URL", "https://www.dnd5eapi.co"), "/"),
			PageSize: getEnvInt("MONSTER_PAGE_SIZE", 50),
			Timeout:  getEnvDuration("MONSTER_API_TIMEOUT", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvFloat("RATE_LIMIT_RPS", 1),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 10),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		Telemetry: TelemetryConfig{
			Enabled:        getEnvBool("TELEMETRY_ENABLED", false),
			Dir:            getEnv("TELEMETRY_DIR", "./data/logs"),
			GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.IndexPath == "" {
		return fmt.Errorf("INDEX_PATH cannot be empty")
	}
	if err := c.Azure.Validate(); err != nil {
		return err
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("RETRIEVAL_TOP_K must be > 0")
	}
	if c.Retrieval.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be > 0")
	}
	if c.Retrieval.ChunkOverlap < 0 || c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be >= 0 and smaller than CHUNK_SIZE")
	}
	if c.Stream.Delay < 0 {
		return fmt.Errorf("STREAM_DELAY cannot be negative")
	}
	if c.Stream.Buffer < 0 {
		return fmt.Errorf("RELAY_BUFFER cannot be negative")
	}
	if c.Stream.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.Monster.APIURL == "" {
		return fmt.Errorf("MONSTER_API_URL cannot be empty")
	}
	if c.Monster.PageSize <= 0 {
		return fmt.Errorf("MONSTER_PAGE_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
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

// Validate checks the Azure OpenAI settings. Missing credentials fail startup
// rather than the first request.
func (a *AzureConfig) Validate() error {
	if a.APIKey == "" {
		return fmt.Errorf("AZURE_OPENAI_API_KEY cannot be empty")
	}
	if a.Endpoint == "" && a.InstanceName == "" {
		return fmt.Errorf("one of AZURE_OPENAI_ENDPOINT or AZURE_OPENAI_API_INSTANCE_NAME must be set")
	}
	if a.APIVersion == "" {
		return fmt.Errorf("AZURE_OPENAI_API_VERSION cannot be empty")
	}
	if a.ChatDeployment == "" {
		return fmt.Errorf("AZURE_OPENAI_API_DEPLOYMENT_NAME cannot be empty")
	}
	if a.EmbeddingDeployment == "" {
		return fmt.Errorf("AZURE_EMBEDDING_DEPLOYMENT_NAME cannot be empty")
	}
	return nil
}

// BaseURL returns the resource endpoint, deriving it from the instance name
// when no explicit endpoint is configured.
func (a *AzureConfig) BaseURL() string {
	if a.Endpoint != "" {
		return strings.TrimRight(a.Endpoint, "/") + "/"
	}
	return "https://" + a.InstanceName + ".openai.azure.com/"
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
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

// getEnvDuration accepts Go duration strings ("50ms") or a bare integer of milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
