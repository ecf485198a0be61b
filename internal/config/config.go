package config

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Feed transports understood by FEED_TRANSPORT
const (
	FeedTransportMQTT = "mqtt"
	FeedTransportAMQP = "amqp"
)

// Config holds all application configuration
type Config struct {
	ServiceName     string
	ServiceVersion  string
	HTTPPort        int
	LogLevel        string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	Database        DatabaseConfig
	Feed            FeedConfig
	MQTT            MQTTConfig
	RabbitMQ        RabbitMQConfig
	Detection       DetectionConfig
}

// DatabaseConfig holds database connection and pool settings
type DatabaseConfig struct {
	URL       string
	Host      string
	Port      int
	Name      string
	User      string
	Password  string
	MinConns  int32
	MaxConns  int32
	OpTimeout time.Duration
}

// FeedConfig selects the publish/subscribe transport
type FeedConfig struct {
	Transport string
}

// MQTTConfig holds MQTT broker settings
type MQTTConfig struct {
	Broker   string
	Port     int
	Topic    string
	QoS      byte
	ClientID string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL           string
	Exchange      string
	Queue         string
	RoutingKey    string
	DLQQueue      string
	PrefetchCount int
}

// DetectionConfig holds accident detection thresholds
type DetectionConfig struct {
	ImpactThreshold float64
	TiltThreshold   float64
}

// ConnString returns the PostgreSQL connection string, preferring DATABASE_URL.
func (d DatabaseConfig) ConnString() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	return u.String()
}

// BrokerURL returns the MQTT broker address in paho form.
func (m MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s", net.JoinHostPort(m.Broker, strconv.Itoa(m.Port)))
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ServiceName:     getEnv("SERVICE_NAME", "lifeline-telemetry"),
		ServiceVersion:  getEnv("SERVICE_VERSION", "1.0.0"),
		HTTPPort:        p.int("HTTP_PORT", 8000),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		AllowedOrigins:  splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		ShutdownTimeout: p.duration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		Database: DatabaseConfig{
			URL:       getEnv("DATABASE_URL", ""),
			Host:      getEnv("DB_HOST", "localhost"),
			Port:      p.int("DB_PORT", 5432),
			Name:      getEnv("DB_NAME", "lifeline"),
			User:      getEnv("DB_USER", "postgres"),
			Password:  getEnv("DB_PASSWORD", ""),
			MinConns:  int32(p.intIn("DB_MINCONN", 1, 0, math.MaxInt32)),
			MaxConns:  int32(p.intIn("DB_MAXCONN", 5, 1, math.MaxInt32)),
			OpTimeout: p.duration("DB_OP_TIMEOUT", 5*time.Second),
		},
		Feed: FeedConfig{
			Transport: strings.ToLower(getEnv("FEED_TRANSPORT", FeedTransportMQTT)),
		},
		MQTT: MQTTConfig{
			Broker:   getEnv("MQTT_BROKER", "broker.hivemq.com"),
			Port:     p.int("MQTT_PORT", 1883),
			Topic:    getEnv("MQTT_TOPIC", "lifeline/iot/data"),
			QoS:      byte(p.intIn("MQTT_QOS", 1, 0, 2)),
			ClientID: getEnv("MQTT_CLIENT_ID", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:           getEnv("RABBITMQ_URL", ""),
			Exchange:      getEnv("RABBITMQ_EXCHANGE", "lifeline.telemetry.exchange"),
			Queue:         getEnv("RABBITMQ_QUEUE", "lifeline.telemetry.queue"),
			RoutingKey:    getEnv("RABBITMQ_ROUTING_KEY", "sensor.reading.raw"),
			DLQQueue:      getEnv("RABBITMQ_DLQ_QUEUE", "lifeline.telemetry.dlq"),
			PrefetchCount: p.int("RABBITMQ_PREFETCH", 10),
		},
		Detection: DetectionConfig{
			ImpactThreshold: p.float("IMPACT_THRESHOLD", 30.0),
			TiltThreshold:   p.float("TILT_THRESHOLD", 200.0),
		},
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints once at startup.
func (c *Config) Validate() error {
	if c.Database.URL == "" && c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required but not set in environment variables")
	}
	if c.Database.MinConns < 0 || c.Database.MaxConns < 1 {
		return fmt.Errorf("invalid pool size: DB_MINCONN=%d DB_MAXCONN=%d", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("DB_MINCONN (%d) must not exceed DB_MAXCONN (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Database.OpTimeout <= 0 {
		return fmt.Errorf("DB_OP_TIMEOUT must be positive")
	}

	switch c.Feed.Transport {
	case FeedTransportMQTT:
		if c.MQTT.Topic == "" {
			return fmt.Errorf("MQTT_TOPIC must not be empty")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	case FeedTransportAMQP:
		if c.RabbitMQ.URL == "" {
			return fmt.Errorf("RABBITMQ_URL is required when FEED_TRANSPORT=amqp")
		}
	default:
		return fmt.Errorf("unknown FEED_TRANSPORT %q (want %q or %q)", c.Feed.Transport, FeedTransportMQTT, FeedTransportAMQP)
	}

	if !positiveFinite(c.Detection.ImpactThreshold) || !positiveFinite(c.Detection.TiltThreshold) {
		return fmt.Errorf("detection thresholds must be positive (impact=%v tilt=%v)",
			c.Detection.ImpactThreshold, c.Detection.TiltThreshold)
	}
	return nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser keeps the first malformed value so Load can fail fast on it.
type parser struct {
	err error
}

func (p *parser) int(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		p.fail(key, err)
		return defaultValue
	}
	return value
}

// intIn parses an int that must lie in [lo, hi] before it is narrowed.
func (p *parser) intIn(key string, defaultValue, lo, hi int) int {
	value := p.int(key, defaultValue)
	if value < lo || value > hi {
		p.fail(key, fmt.Errorf("%d outside [%d, %d]", value, lo, hi))
		return defaultValue
	}
	return value
}

func (p *parser) float(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		p.fail(key, err)
		return defaultValue
	}
	return value
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		p.fail(key, err)
		return defaultValue
	}
	return value
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
