package rabbitmq

import (
	"fmt"
	"time"
)

// Wire topology. Declared idempotently on connect; all names are fixed
// so every worker converges on the same layout.
const (
	ExchangeEvents = "events"
	ExchangeDLX    = "events.dlx"

	QueueHighPriority = "events.high_priority"
	QueueNormal       = "events.normal"
	QueueDeadLetter   = "events.dead_letter"

	RoutingKeyHigh   = "high"
	RoutingKeyNormal = "normal"
	RoutingKeyDead   = "events.dead"

	// Message TTLs, in milliseconds, per queue.
	HighPriorityTTLMs = 86_400_000  // 24h
	NormalTTLMs       = 604_800_000 // 7d

	MaxPriority = 10
)

// Config holds broker connection configuration.
type Config struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	VHost    string `json:"vhost" yaml:"vhost"`

	Heartbeat      time.Duration `json:"heartbeat" yaml:"heartbeat"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// PrefetchCount bounds unacknowledged deliveries per consumer.
	PrefetchCount int `json:"prefetch_count" yaml:"prefetch_count"`
}

// DefaultConfig returns a Config with the service defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:           "localhost",
		Port:           5672,
		Username:       "guest",
		Password:       "guest",
		VHost:          "/",
		Heartbeat:      60 * time.Second,
		ConnectTimeout: 3 * time.Second,
		PrefetchCount:  10,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.PrefetchCount < 0 {
		return fmt.Errorf("prefetch_count cannot be negative")
	}
	return nil
}

// URL builds the AMQP connection URL.
func (c *Config) URL() string {
	vhost := c.VHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.Username, c.Password, c.Host, c.Port, vhost)
}
