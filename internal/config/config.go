// Package config loads service configuration from the environment,
// with an optional YAML overlay for deployment-managed settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shmandalf/event-service/internal/breaker"
	"github.com/shmandalf/event-service/internal/queue/rabbitmq"
	"github.com/shmandalf/event-service/internal/queue/redisstream"
	"github.com/shmandalf/event-service/internal/worker"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig        `yaml:"server"`
	Database DatabaseConfig      `yaml:"database"`
	Redis    RedisConfig         `yaml:"redis"`
	RabbitMQ *rabbitmq.Config    `yaml:"rabbitmq"`
	Stream   *redisstream.Config `yaml:"stream"`
	Worker   *worker.Config      `yaml:"worker"`
	Breaker  BreakerConfig       `yaml:"breaker"`
	Metrics  MetricsConfig       `yaml:"metrics"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN builds the connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// Addr returns the Redis address.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// BreakerConfig holds per-back-end circuit breaker settings.
type BreakerConfig struct {
	Broker breaker.Config `yaml:"broker"`
	Stream breaker.Config `yaml:"stream"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first; CONFIG_FILE points at an
// optional YAML overlay applied on top of the env-derived values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("PORT", "8080"),
			ReadTimeout:     getDurationEnv("READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "events"),
			Password: getEnv("DB_PASSWORD", "secret"),
			Name:     getEnv("DB_NAME", "events_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			PoolSize: getIntEnv("REDIS_POOL_SIZE", 10),
		},
		RabbitMQ: &rabbitmq.Config{
			Host:           getEnv("RABBITMQ_HOST", "localhost"),
			Port:           getIntEnv("RABBITMQ_PORT", 5672),
			Username:       getEnv("RABBITMQ_USER", "guest"),
			Password:       getEnv("RABBITMQ_PASSWORD", "guest"),
			VHost:          getEnv("RABBITMQ_VHOST", "/"),
			Heartbeat:      getDurationEnv("RABBITMQ_HEARTBEAT", 60*time.Second),
			ConnectTimeout: getDurationEnv("RABBITMQ_CONNECT_TIMEOUT", 3*time.Second),
			PrefetchCount:  getIntEnv("RABBITMQ_PREFETCH", 10),
		},
		Stream: &redisstream.Config{
			ReadBatch: getIntEnv("STREAM_READ_BATCH", 10),
			ClaimIdle: getDurationEnv("STREAM_CLAIM_IDLE", 30*time.Second),
		},
		Worker: &worker.Config{
			BatchSize:       getIntEnv("WORKER_BATCH_SIZE", 10),
			PollSleep:       getDurationEnv("WORKER_POLL_SLEEP", time.Second),
			MemoryCapMB:     uint64(getIntEnv("WORKER_MEMORY_CAP_MB", 512)),
			MaxUptime:       getDurationEnv("WORKER_MAX_UPTIME", 12*time.Hour),
			RestartFlagPath: getEnv("WORKER_RESTART_FLAG", ""),
			StatsEvery:      getIntEnv("WORKER_STATS_EVERY", 1000),
		},
		Breaker: BreakerConfig{
			Broker: breaker.QueueConfig(),
			Stream: breaker.QueueConfig(),
		},
		Metrics: MetricsConfig{
			Namespace: getEnv("METRICS_NAMESPACE", "event_service"),
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlay merges a YAML file over the env-derived configuration.
func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if err := c.RabbitMQ.Validate(); err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if err := c.Breaker.Broker.Validate(); err != nil {
		return fmt.Errorf("breaker.broker: %w", err)
	}
	if err := c.Breaker.Stream.Validate(); err != nil {
		return fmt.Errorf("breaker.stream: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
