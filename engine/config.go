package main

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the environment configuration of the engine binary.
type Config struct {
	// HTTPAddr is the listen address of the API and metrics surface.
	HTTPAddr string

	// DatabaseURL selects the Postgres store; empty falls back to the
	// in-memory store (single-node development only).
	DatabaseURL string
	// Application optionally restricts the instance to one tenant.
	Application string

	// RedisAddr enables the event-id idempotency guard.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// KafkaBrokers selects the Kafka transports; empty falls back to an
	// in-process event loop.
	KafkaBrokers       []string
	EventsTopic        string
	NotificationsTopic string
	CommandsTopic      string
	ConsumerGroup      string

	// WakerDelay is how far a selected waker is pushed while in flight.
	WakerDelay time.Duration

	// EventRate caps processed events per second; 0 disables the limiter.
	EventRate  float64
	EventBurst int
}

// ConfigFromEnv reads the configuration from the environment.
func ConfigFromEnv() Config {
	cfg := Config{
		HTTPAddr:           envOr("HTTP_ADDR", ":8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		Application:        os.Getenv("APPLICATION"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		EventsTopic:        envOr("KAFKA_EVENTS_TOPIC", "things-events"),
		NotificationsTopic: envOr("KAFKA_NOTIFICATIONS_TOPIC", "things-notifications"),
		CommandsTopic:      envOr("KAFKA_COMMANDS_TOPIC", "things-commands"),
		ConsumerGroup:      envOr("KAFKA_CONSUMER_GROUP", "twinforge"),
		WakerDelay:         time.Second,
		EventBurst:         100,
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.RedisDB = n
		}
	}
	if delay := os.Getenv("WAKER_DELAY"); delay != "" {
		if d, err := time.ParseDuration(delay); err == nil && d > 0 {
			cfg.WakerDelay = d
		}
	}
	if limit := os.Getenv("EVENT_RATE_LIMIT"); limit != "" {
		if f, err := strconv.ParseFloat(limit, 64); err == nil && f > 0 {
			cfg.EventRate = f
		}
	}

	return cfg
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
