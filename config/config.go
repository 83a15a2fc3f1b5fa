package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by CACHE_BACKEND and QUEUE_BACKEND
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      *DatabaseConfig // nil when neither DATABASE_URL nor DB_HOST is set
	Redis         RedisConfig
	Providers     ProvidersConfig
	Breaker       BreakerConfig
	Cache         CacheConfig
	Queue         QueueConfig
	Callback      CallbackConfig
	Catalog       CatalogConfig
	Observability ObservabilityConfig
	Maintenance   MaintenanceConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL settings for the usage ledger.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	AutoMigrate      bool
}

// RedisConfig holds the shared cache/queue backend connection
type RedisConfig struct {
	URL string
}

// Enabled reports whether a Redis URL was configured
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// ProvidersConfig holds LLM provider configurations
type ProvidersConfig struct {
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	Bedrock   BedrockConfig
	Ollama    OllamaConfig
	// FakeEnabled registers the scripted in-memory provider for local runs
	FakeEnabled bool
}

// OpenAIConfig holds OpenAI provider configuration
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	OrgID      string
	Timeout    time.Duration
	MaxRetries int
	RPS        float64
}

// AnthropicConfig holds Anthropic provider configuration
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RPS        float64
}

// BedrockConfig holds AWS Bedrock provider configuration. Credentials fall
// back to the default AWS chain when the keys are empty.
type BedrockConfig struct {
	Enabled    bool
	Region     string
	AccessKey  string
	SecretKey  string
	Timeout    time.Duration
	MaxRetries int
	RPS        float64
}

// OllamaConfig holds the local model server configuration
type OllamaConfig struct {
	Enabled bool
	Host    string
	Models  []string
	Timeout time.Duration
	RPS     float64
}

// BreakerConfig tunes the per-provider circuit breaker
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	Window           time.Duration
}

// CacheConfig selects the cache backend and lifetimes
type CacheConfig struct {
	Backend        string
	MaxEntries     int
	TTLInteractive time.Duration
	TTLNormal      time.Duration
	TTLBackground  time.Duration
	KeyPrefix      string
}

// QueueConfig selects the job queue backend and worker settings
type QueueConfig struct {
	Backend           string
	Name              string
	MaxAttempts       int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	WorkerConcurrency int
	WorkerInProcess   bool
}

// CallbackConfig configures completion callbacks
type CallbackConfig struct {
	SigningSecret string
	MaxRetries    int
	Timeout       time.Duration
}

// CatalogConfig points at the provider catalog YAML
type CatalogConfig struct {
	Path string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// MaintenanceConfig holds cron schedules for background upkeep
type MaintenanceConfig struct {
	SweepSchedule string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Providers: ProvidersConfig{
			OpenAI: OpenAIConfig{
				APIKey:     getEnv("OPENAI_API_KEY", ""),
				BaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				OrgID:      getEnv("OPENAI_ORG_ID", ""),
				Timeout:    getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
				MaxRetries: getEnvAsInt("OPENAI_MAX_RETRIES", 0),
				RPS:        getEnvAsFloat("OPENAI_RPS", 0),
			},
			Anthropic: AnthropicConfig{
				APIKey:     getEnv("ANTHROPIC_API_KEY", ""),
				BaseURL:    getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				Timeout:    getEnvAsDuration("ANTHROPIC_TIMEOUT", 60*time.Second),
				MaxRetries: getEnvAsInt("ANTHROPIC_MAX_RETRIES", 0),
				RPS:        getEnvAsFloat("ANTHROPIC_RPS", 0),
			},
			Bedrock: BedrockConfig{
				Enabled:    getEnvAsBool("BEDROCK_ENABLED", false),
				Region:     getEnv("BEDROCK_REGION", "us-east-1"),
				AccessKey:  getEnv("BEDROCK_ACCESS_KEY", ""),
				SecretKey:  getEnv("BEDROCK_SECRET_KEY", ""),
				Timeout:    getEnvAsDuration("BEDROCK_TIMEOUT", 60*time.Second),
				MaxRetries: getEnvAsInt("BEDROCK_MAX_RETRIES", 0),
				RPS:        getEnvAsFloat("BEDROCK_RPS", 0),
			},
			Ollama: OllamaConfig{
				Enabled: getEnvAsBool("OLLAMA_ENABLED", false),
				Host:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
				Models:  getEnvAsList("OLLAMA_MODELS", nil),
				Timeout: getEnvAsDuration("OLLAMA_TIMEOUT", 120*time.Second),
				RPS:     getEnvAsFloat("OLLAMA_RPS", 0),
			},
			FakeEnabled: getEnvAsBool("FAKE_PROVIDER_ENABLED", false),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			Cooldown:         getEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second),
			Window:           getEnvAsDuration("BREAKER_WINDOW", 60*time.Second),
		},
		Cache: CacheConfig{
			Backend:        strings.ToLower(getEnv("CACHE_BACKEND", BackendMemory)),
			MaxEntries:     getEnvAsInt("CACHE_MAX_ENTRIES", 10000),
			TTLInteractive: getEnvAsDuration("CACHE_TTL_INTERACTIVE", 2*time.Minute),
			TTLNormal:      getEnvAsDuration("CACHE_TTL_NORMAL", 5*time.Minute),
			TTLBackground:  getEnvAsDuration("CACHE_TTL_BACKGROUND", 15*time.Minute),
			KeyPrefix:      getEnv("CACHE_KEY_PREFIX", "exec:v1:"),
		},
		Queue: QueueConfig{
			Backend:           strings.ToLower(getEnv("QUEUE_BACKEND", BackendMemory)),
			Name:              getEnv("QUEUE_NAME", "executions"),
			MaxAttempts:       getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			VisibilityTimeout: getEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", 2*time.Minute),
			PollInterval:      getEnvAsDuration("QUEUE_POLL_INTERVAL", time.Second),
			WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
			WorkerInProcess:   getEnvAsBool("WORKER_INPROCESS", true),
		},
		Callback: CallbackConfig{
			SigningSecret: getEnv("CALLBACK_SIGNING_SECRET", ""),
			MaxRetries:    getEnvAsInt("CALLBACK_MAX_RETRIES", 5),
			Timeout:       getEnvAsDuration("CALLBACK_TIMEOUT", 10*time.Second),
		},
		Catalog: CatalogConfig{
			Path: getEnv("PROVIDER_CATALOG_PATH", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
		Maintenance: MaintenanceConfig{
			SweepSchedule: getEnv("MAINTENANCE_SWEEP_SCHEDULE", "@every 1m"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Database != nil && c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	for name, backend := range map[string]string{"cache": c.Cache.Backend, "queue": c.Queue.Backend} {
		switch backend {
		case BackendMemory:
		case BackendRedis:
			if !c.Redis.Enabled() {
				return fmt.Errorf("%s backend redis requires REDIS_URL", name)
			}
		default:
			return fmt.Errorf("unknown %s backend %q (want memory or redis)", name, backend)
		}
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be positive")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max attempts must be at least 1")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue visibility timeout must be positive")
	}

	// At least one real provider in production
	if c.IsProduction() && !c.HasProvider() {
		return fmt.Errorf("at least one LLM provider must be configured in production")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// HasProvider reports whether any vendor adapter is configured
func (c *Config) HasProvider() bool {
	p := c.Providers
	return p.OpenAI.APIKey != "" || p.Anthropic.APIKey != "" || p.Bedrock.Enabled || p.Ollama.Enabled
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// MigrationURL returns the DSN in URL form, as golang-migrate expects
func (c *DatabaseConfig) MigrationURL() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars.
// The ledger falls back to memory when neither is present.
func loadDatabaseConfig() *DatabaseConfig {
	autoMigrate := getEnvAsBool("DB_AUTO_MIGRATE", false)
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		return &DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			AutoMigrate:      autoMigrate,
		}
	}
	if getEnv("DB_HOST", "") == "" {
		return nil
	}
	return &DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "dev"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "execution_core"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		AutoMigrate:     autoMigrate,
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated value, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
