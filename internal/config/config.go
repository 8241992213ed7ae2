package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultFeedSources = "NASA EONET=https://eonet.gsfc.nasa.gov/api/v3/events?status=open&category=wildfires,floods,earthquakes"

type Config struct {
	Server    ServerConfig
	Worker    WorkerConfig
	Sources   SourcesConfig
	DB        DatabaseConfig
	Logging   LoggingConfig
	Catalog   CatalogConfig
	Scheduler SchedulerConfig
	Risk      RiskConfig
	Alerts    AlertsConfig
	Model     ModelConfig
	Redis     RedisConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	RateLimitRPS int
}

type WorkerConfig struct {
	Count int
}

// FeedSource is one external event feed, identified by the name stored on
// every event it produces.
type FeedSource struct {
	Name string
	URL  string
}

type SourcesConfig struct {
	Feeds   []FeedSource
	APIKey  string
	Timeout time.Duration
	Retries int
}

type DatabaseConfig struct {
	Path string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type CatalogConfig struct {
	Path string // empty uses the embedded catalog
}

type SchedulerConfig struct {
	Interval time.Duration
	LockTTL  time.Duration
}

type RiskConfig struct {
	Window time.Duration
}

type AlertsConfig struct {
	MinSeverity int
	TTL         time.Duration
}

type ModelConfig struct {
	Trees        int
	Seed         int64
	TestFraction float64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type MetricsConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	feeds, err := parseFeedSources(getEnv("FEED_SOURCES", defaultFeedSources))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "localhost"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			RateLimitRPS: getEnvInt("RATE_LIMIT_RPS", 5),
		},
		Worker: WorkerConfig{
			Count: getEnvInt("WORKER_COUNT", 2),
		},
		Sources: SourcesConfig{
			Feeds:   feeds,
			APIKey:  getEnv("FEED_API_KEY", ""),
			Timeout: getEnvDuration("FEED_TIMEOUT", 5*time.Second),
			Retries: getEnvInt("FEED_RETRIES", 1),
		},
		DB: DatabaseConfig{
			Path: getEnv("DB_PATH", "./data/disaster-risk.db"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Catalog: CatalogConfig{
			Path: getEnv("CATALOG_PATH", ""),
		},
		Scheduler: SchedulerConfig{
			Interval: getEnvDuration("SCHEDULE_INTERVAL", 6*time.Hour),
			LockTTL:  getEnvDuration("RUN_LOCK_TTL", time.Hour),
		},
		Risk: RiskConfig{
			Window: getEnvDuration("RISK_WINDOW", 730*24*time.Hour),
		},
		Alerts: AlertsConfig{
			MinSeverity: getEnvInt("ALERT_MIN_SEVERITY", 1),
			TTL:         getEnvDuration("ALERT_TTL", 7*24*time.Hour),
		},
		Model: ModelConfig{
			Trees:        getEnvInt("MODEL_TREES", 100),
			Seed:         int64(getEnvInt("MODEL_SEED", 42)),
			TestFraction: getEnvFloat("MODEL_TEST_FRACTION", 0.2),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RateLimitRPS < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive, got %d", c.Server.RateLimitRPS)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Worker.Count < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.Worker.Count)
	}
	if c.Sources.Timeout <= 0 {
		return fmt.Errorf("FEED_TIMEOUT must be positive")
	}
	if c.Sources.Retries < 0 {
		return fmt.Errorf("FEED_RETRIES must not be negative")
	}

	if c.Scheduler.Interval < time.Minute {
		return fmt.Errorf("schedule interval must be at least 1 minute")
	}
	if c.Scheduler.LockTTL <= 0 {
		return fmt.Errorf("RUN_LOCK_TTL must be positive")
	}
	if c.Risk.Window <= 0 {
		return fmt.Errorf("RISK_WINDOW must be positive")
	}

	if c.Alerts.MinSeverity < 1 || c.Alerts.MinSeverity > 5 {
		return fmt.Errorf("ALERT_MIN_SEVERITY must be between 1 and 5, got %d", c.Alerts.MinSeverity)
	}
	if c.Alerts.TTL <= 0 {
		return fmt.Errorf("ALERT_TTL must be positive")
	}

	if c.Model.Trees < 1 {
		return fmt.Errorf("MODEL_TREES must be at least 1, got %d", c.Model.Trees)
	}
	if c.Model.TestFraction <= 0 || c.Model.TestFraction >= 1 {
		return fmt.Errorf("MODEL_TEST_FRACTION must be in (0, 1), got %g", c.Model.TestFraction)
	}

	return nil
}

// parseFeedSources reads "Name=URL" pairs separated by semicolons. URLs may
// carry their own '=' and ',' characters, so only the first '=' splits.
func parseFeedSources(raw string) ([]FeedSource, error) {
	var feeds []FeedSource
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, ok := strings.Cut(part, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid FEED_SOURCES entry %q: expected Name=URL", part)
		}
		feeds = append(feeds, FeedSource{Name: name, URL: url})
	}
	return feeds, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
