package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	QueueSQLite   = "sqlite3"
	QueuePostgres = "postgres"
	QueueRedis    = "redis"
)

// Config holds all configuration for the client daemon.
type Config struct {
	Env      string
	LogLevel string

	APIBaseURL string
	WSURL      string
	StreamURL  string
	AuthToken  string
	UserID     int64

	// Transport
	OpenTimeout        time.Duration
	SocketAttempts     int
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxTries  int
	BackoffCap         int
	SendQueueSize      int

	RESTTimeout       time.Duration
	ReconcileInterval time.Duration
	TypingIdle        time.Duration
	TypingExpiry      time.Duration

	// Durable client state
	QueueDriver string
	QueueDSN    string
	RedisURL    string

	AMQPURL      string
	AMQPExchange string

	ControlAddr  string
	ControlToken string

	OTLPEndpoint string

	MaxUploadFiles int
	MaxUploadSize  int64
}

// Load reads configuration from environment variables, loading .env first
// when present. In production AUTH_TOKEN and API_BASE_URL are required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		APIBaseURL: getEnv("API_BASE_URL", "http://localhost:8080/api"),
		WSURL:      getEnv("WS_URL", "ws://localhost:8080/ws"),
		StreamURL:  getEnv("STREAM_URL", "http://localhost:8080/stream"),
		AuthToken:  os.Getenv("AUTH_TOKEN"),
		UserID:     p.integer64("USER_ID", 0),

		OpenTimeout:        p.duration("OPEN_TIMEOUT", 10*time.Second),
		SocketAttempts:     p.between("SOCKET_ATTEMPTS", 2, 1, 10),
		HeartbeatInterval:  p.duration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:   p.duration("HEARTBEAT_TIMEOUT", 10*time.Second),
		ReconnectBaseDelay: p.duration("RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxTries:  p.between("RECONNECT_MAX_ATTEMPTS", 10, 1, 1000),
		BackoffCap:         p.between("BACKOFF_CAP", 5, 0, 20),
		SendQueueSize:      p.integer("SEND_QUEUE_SIZE", 256),

		RESTTimeout:       p.duration("REST_TIMEOUT", 15*time.Second),
		ReconcileInterval: p.duration("RECONCILE_INTERVAL", 30*time.Second),
		TypingIdle:        p.duration("TYPING_IDLE", 3*time.Second),
		TypingExpiry:      p.duration("TYPING_EXPIRY", 3*time.Second),

		QueueDriver: getEnv("QUEUE_DRIVER", QueueSQLite),
		QueueDSN:    getEnv("QUEUE_DSN", "./data/chat-client.db"),
		RedisURL:    os.Getenv("REDIS_URL"),

		AMQPURL:      os.Getenv("AMQP_URL"),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "chat.client"),

		ControlAddr:  getEnv("CONTROL_ADDR", "127.0.0.1:8090"),
		ControlToken: os.Getenv("CONTROL_TOKEN"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		MaxUploadFiles: p.integer("MAX_UPLOAD_FILES", 10),
		MaxUploadSize:  p.integer64("MAX_UPLOAD_SIZE", 10<<20),
	}

	switch cfg.QueueDriver {
	case QueueSQLite, QueuePostgres:
	case QueueRedis:
		if cfg.RedisURL == "" {
			p.fail("REDIS_URL is required when QUEUE_DRIVER=redis")
		}
	default:
		p.fail(fmt.Sprintf("QUEUE_DRIVER %q is not one of sqlite3, postgres, redis", cfg.QueueDriver))
	}

	if cfg.IsProduction() {
		if cfg.AuthToken == "" {
			p.fail("AUTH_TOKEN is required in production")
		}
		if os.Getenv("API_BASE_URL") == "" {
			p.fail("API_BASE_URL is required in production")
		}
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

type parser struct {
	errs []error
}

func (p *parser) fail(msg string) {
	p.errs = append(p.errs, errors.New(msg))
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		p.fail(fmt.Sprintf("%s: invalid duration %q", key, raw))
		return fallback
	}
	return d
}

func (p *parser) integer(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		p.fail(fmt.Sprintf("%s: invalid number %q", key, raw))
		return fallback
	}
	return n
}

// between parses an integer in [lo, hi].
func (p *parser) between(key string, fallback, lo, hi int) int {
	n := p.integer(key, fallback)
	if n < lo || n > hi {
		p.fail(fmt.Sprintf("%s: %d is outside [%d, %d]", key, n, lo, hi))
		return fallback
	}
	return n
}

func (p *parser) integer64(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		p.fail(fmt.Sprintf("%s: invalid number %q", key, raw))
		return fallback
	}
	return n
}
