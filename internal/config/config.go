package config

import (
	"time"

	"blogmesh/internal/constants"
)

type Config struct {
	Server         ServerConfig
	Services       map[string]ServiceConfig `mapstructure:"services"`
	Broker         BrokerConfig
	Logging        LoggingConfig
	Gateway        GatewayConfig
	Notification   NotificationConfig
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int `mapstructure:"port"`
	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
}

// ServiceConfig is one registry entry as it appears in the config file.
// MaxRetries is nil when the entry leaves it out; an explicit 0 means a
// single attempt.
type ServiceConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	TimeoutMs  int    `mapstructure:"timeout_ms"`
	MaxRetries *int   `mapstructure:"max_retries"`
}

// Retries returns the configured retry budget, or the default when unset.
func (s ServiceConfig) Retries() int {
	if s.MaxRetries == nil {
		return constants.DefaultMaxRetries
	}
	return *s.MaxRetries
}

type BrokerConfig struct {
	Type         string         `mapstructure:"type"`
	ServiceName  string         `mapstructure:"service_name"`
	Kafka        KafkaConfig    `mapstructure:"kafka"`
	NATS         NATSConfig     `mapstructure:"nats"`
	Consumer     ConsumerConfig `mapstructure:"consumer"`
	HandlerRetry RetryConfig    `mapstructure:"handler_retry"`
	Shutdown     ShutdownConfig `mapstructure:"shutdown"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	AckWait       time.Duration `mapstructure:"ack_wait"`
}

type ConsumerConfig struct {
	GroupID           string        `mapstructure:"group_id"`
	FromBeginning     bool          `mapstructure:"from_beginning"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	AutoCommit        *bool         `mapstructure:"auto_commit"`
	CommitInterval    time.Duration `mapstructure:"commit_interval"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

type ShutdownConfig struct {
	ConsumerTimeout time.Duration `mapstructure:"consumer_timeout"`
	ProducerTimeout time.Duration `mapstructure:"producer_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GatewayConfig struct {
	EventsTopic string          `mapstructure:"events_topic"`
	Upload      UploadConfig    `mapstructure:"upload"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
}

type UploadConfig struct {
	Service  string `mapstructure:"service"`
	Path     string `mapstructure:"path"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

type NotificationConfig struct {
	Topics []string `mapstructure:"topics"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
