package config

import (
	"fmt"
	"net/url"
	"strings"

	"blogmesh/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateServices(cfg.Services); err != nil {
		errors = append(errors, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errors = append(errors, err)
	}

	if err := validateCircuitBreaker(cfg.CircuitBreaker); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateServices(services map[string]ServiceConfig) error {
	for name, svc := range services {
		field := fmt.Sprintf("services.%s", name)

		if svc.BaseURL == "" {
			return &ValidationError{
				Field:   field + ".base_url",
				Message: "base URL is required",
			}
		}

		u, err := url.Parse(svc.BaseURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return &ValidationError{
				Field:   field + ".base_url",
				Message: fmt.Sprintf("base URL must be an absolute http(s) URL, got %q", svc.BaseURL),
			}
		}

		if svc.TimeoutMs < 0 {
			return &ValidationError{
				Field:   field + ".timeout_ms",
				Message: "timeout must be non-negative",
			}
		}

		if svc.MaxRetries != nil && *svc.MaxRetries < 0 {
			return &ValidationError{
				Field:   field + ".max_retries",
				Message: "max_retries must be non-negative",
			}
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	if cfg.Type == "" {
		return &ValidationError{
			Field:   "broker.type",
			Message: "broker type is required",
		}
	}

	switch cfg.Type {
	case constants.BrokerTypeKafka:
		if err := validateKafka(cfg.Kafka); err != nil {
			return err
		}
	case constants.BrokerTypeNATS:
		if err := validateNATS(cfg.NATS); err != nil {
			return err
		}
	case constants.BrokerTypeMemory:
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka, nats, memory)", cfg.Type),
		}
	}

	return validateHandlerRetry(cfg.HandlerRetry)
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	return nil
}

func validateNATS(cfg NATSConfig) error {
	if cfg.URL == "" {
		return &ValidationError{
			Field:   "broker.nats.url",
			Message: "NATS URL is required",
		}
	}

	if !strings.HasPrefix(cfg.URL, "nats://") && !strings.HasPrefix(cfg.URL, "tls://") {
		return &ValidationError{
			Field:   "broker.nats.url",
			Message: "NATS URL must start with nats:// or tls://",
		}
	}

	return nil
}

func validateHandlerRetry(cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "broker.handler_retry.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{
			Field:   "broker.handler_retry.initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   "broker.handler_retry.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier < 0 {
		return &ValidationError{
			Field:   "broker.handler_retry.multiplier",
			Message: "multiplier must be non-negative",
		}
	}

	return nil
}

func validateCircuitBreaker(cfg CircuitBreakerConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.FailureRatio < 0 || cfg.FailureRatio > 1 {
		return &ValidationError{
			Field:   "circuit_breaker.failure_ratio",
			Message: fmt.Sprintf("failure ratio must be between 0 and 1, got %v", cfg.FailureRatio),
		}
	}

	return nil
}
