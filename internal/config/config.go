package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the gateway.
type Config struct {
	Environment string

	Server   ServerConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Logging  LoggingConfig
	Analysis AnalysisConfig
	API      APIConfig
	CSRF     CSRFConfig
	Queue    QueueConfig
	Monitor  MonitorConfig

	// StoreTimeout bounds every round trip to the coordination store so a
	// degraded store cannot stall the request path.
	StoreTimeout time.Duration
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type AnalysisConfig struct {
	MaxConcurrent int

	// Analysis quota: small ceiling, long window. Guards the expensive
	// downstream job.
	QuotaMax    int
	QuotaWindow time.Duration

	DuplicateLockTTL time.Duration
	LivenessTTL      time.Duration

	// AvgJobDuration is the ETA fallback when no duration samples exist yet.
	AvgJobDuration time.Duration

	MaxAttempts      int
	MaxStalledCount  int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
}

type APIConfig struct {
	// General API quota: large ceiling, short window.
	QuotaMax    int
	QuotaWindow time.Duration

	AdminKey string
}

type CSRFConfig struct {
	TTL       time.Duration
	UseWindow time.Duration
	UseBudget int

	// Bypass skips token validation entirely. Local development only;
	// Load refuses the combination with a production environment.
	Bypass bool
}

type QueueConfig struct {
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	JanitorInterval    time.Duration
}

type MonitorConfig struct {
	MetricCapacity int
	MetricTTL      time.Duration
}

// Load reads configuration from the environment, honoring a local .env file
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:            getInt("PORT", 8080),
			ReadTimeout:     getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
			PoolSize: getInt("REDIS_POOL_SIZE", 50),
		},
		Kafka: KafkaConfig{
			Enabled: getBool("KAFKA_ENABLED", false),
			Brokers: getList("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getEnv("KAFKA_EVENTS_TOPIC", "analysis-lifecycle"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Analysis: AnalysisConfig{
			MaxConcurrent:    getInt("MAX_CONCURRENT_ANALYSES", 3),
			QuotaMax:         getInt("ANALYSIS_QUOTA_MAX", 5),
			QuotaWindow:      getDuration("ANALYSIS_QUOTA_WINDOW", time.Hour),
			DuplicateLockTTL: getDuration("ANALYSIS_LOCK_TTL", 10*time.Minute),
			LivenessTTL:      getDuration("ANALYSIS_LIVENESS_TTL", 15*time.Minute),
			AvgJobDuration:   getDuration("ANALYSIS_AVG_DURATION", 45*time.Second),
			MaxAttempts:      getInt("ANALYSIS_MAX_ATTEMPTS", 3),
			MaxStalledCount:  getInt("ANALYSIS_MAX_STALLED", 2),
			RetryBackoffBase: getDuration("ANALYSIS_RETRY_BACKOFF", 30*time.Second),
			RetryBackoffMax:  getDuration("ANALYSIS_RETRY_BACKOFF_MAX", 5*time.Minute),
		},
		API: APIConfig{
			QuotaMax:    getInt("API_QUOTA_MAX", 120),
			QuotaWindow: getDuration("API_QUOTA_WINDOW", time.Minute),
			AdminKey:    getEnv("ADMIN_API_KEY", ""),
		},
		CSRF: CSRFConfig{
			TTL:       getDuration("CSRF_TOKEN_TTL", time.Hour),
			UseWindow: getDuration("CSRF_USE_WINDOW", 5*time.Minute),
			UseBudget: getInt("CSRF_USE_BUDGET", 10),
			Bypass:    getBool("CSRF_BYPASS", false),
		},
		Queue: QueueConfig{
			CompletedRetention: getDuration("QUEUE_COMPLETED_RETENTION", time.Hour),
			FailedRetention:    getDuration("QUEUE_FAILED_RETENTION", 24*time.Hour),
			JanitorInterval:    getDuration("QUEUE_JANITOR_INTERVAL", time.Minute),
		},
		Monitor: MonitorConfig{
			MetricCapacity: getInt("METRIC_CAPACITY", 100),
			MetricTTL:      getDuration("METRIC_TTL", 24*time.Hour),
		},
		StoreTimeout: getDuration("STORE_TIMEOUT", 5*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Analysis.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_ANALYSES must be at least 1, got %d", c.Analysis.MaxConcurrent)
	}
	if c.IsProduction() && c.CSRF.Bypass {
		return fmt.Errorf("CSRF_BYPASS must not be enabled in production")
	}
	if c.Analysis.QuotaMax < 1 || c.API.QuotaMax < 1 {
		return fmt.Errorf("rate limit ceilings must be at least 1")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
