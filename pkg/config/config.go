package config

import (
	"circlesync/pkg/logger"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const devJWTSecret = "dev-secret-key-change-in-production"

type Config struct {
	App      AppConfig      `yaml:"app"`
	Log      logger.Config  `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Security SecurityConfig `yaml:"security"`
}

type AppConfig struct {
	Name           string        `yaml:"name"`
	Environment    string        `yaml:"environment"`
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type RedisConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	PoolSize      int           `yaml:"pool_size"`
	MinIdleConns  int           `yaml:"min_idle_conns"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	EventsChannel string        `yaml:"events_channel"`
}

type SecurityConfig struct {
	JWTSecret          string   `yaml:"jwt_secret"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	JoinRateLimit      int      `yaml:"join_rate_limit"` // per user per minute
}

func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:           "circlesync",
			Environment:    "development",
			Host:           "0.0.0.0",
			Port:           "8082",
			RequestTimeout: 5 * time.Second,
		},
		Log: logger.Config{Level: "info", Format: "text"},
		Database: DatabaseConfig{
			Driver: DriverPostgres,
			// Serverless PG: keep pool small, connections short-lived
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 3 * time.Minute,
			ConnMaxIdleTime: 30 * time.Second,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			Enabled:       true,
			URL:           "redis://localhost:6379",
			PoolSize:      10,
			MinIdleConns:  3,
			CacheTTL:      1 * time.Second,
			EventsChannel: "rides",
		},
		Security: SecurityConfig{
			JWTSecret:          devJWTSecret,
			CORSAllowedOrigins: []string{"http://localhost:3000"},
			JoinRateLimit:      20,
		},
	}
}

// Load reads defaults, then the YAML file at path (if any), then environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.App.Name = getEnv("APP_NAME", c.App.Name)
	c.App.Environment = getEnv("APP_ENV", c.App.Environment)
	c.App.Host = getEnv("HOST", c.App.Host)
	c.App.Port = getEnv("PORT", c.App.Port)
	c.App.RequestTimeout = getEnvAsDuration("REQUEST_TIMEOUT", c.App.RequestTimeout)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Database.Driver = getEnv("DATABASE_DRIVER", c.Database.Driver)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = getEnvAsInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvAsInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.AutoMigrate = getEnvAsBool("DATABASE_AUTO_MIGRATE", c.Database.AutoMigrate)

	c.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Redis.CacheTTL = getEnvAsDuration("REDIS_CACHE_TTL", c.Redis.CacheTTL)
	c.Redis.EventsChannel = getEnv("REDIS_EVENTS_CHANNEL", c.Redis.EventsChannel)

	c.Security.JWTSecret = getEnv("JWT_SECRET", c.Security.JWTSecret)
	c.Security.CORSAllowedOrigins = getEnvAsSlice("CORS_ALLOWED_ORIGINS", c.Security.CORSAllowedOrigins)
	c.Security.JoinRateLimit = getEnvAsInt("JOIN_RATE_LIMIT", c.Security.JoinRateLimit)
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.App.RequestTimeout <= 0 {
		return errors.New("config: request timeout must be positive")
	}
	if c.Security.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if c.IsProduction() {
		if c.Security.JWTSecret == devJWTSecret {
			return errors.New("config: JWT_SECRET must be set in production")
		}
		if c.Database.Driver == DriverMemory {
			return errors.New("config: the memory driver is not allowed in production")
		}
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func (c *Config) Addr() string {
	return c.App.Host + ":" + c.App.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
