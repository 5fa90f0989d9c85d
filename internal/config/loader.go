package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"blogmesh/internal/constants"
)

var defaultServices = map[string]string{
	constants.ServiceUser: constants.DefaultUserServiceURL,
	constants.ServicePost: constants.DefaultPostServiceURL,
	constants.ServiceFile: constants.DefaultFileServiceURL,
}

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	ApplyServiceDefaults(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 30)
	viper.SetDefault("server.write_timeout_seconds", 60)

	viper.SetDefault("broker.type", constants.BrokerTypeKafka)
	viper.SetDefault("broker.kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("broker.nats.url", "nats://localhost:4222")
	viper.SetDefault("broker.nats.max_reconnects", -1)
	viper.SetDefault("broker.nats.reconnect_wait", 2*time.Second)
	viper.SetDefault("broker.nats.ack_wait", 30*time.Second)
	viper.SetDefault("broker.handler_retry.max_attempts", 1)
	viper.SetDefault("broker.handler_retry.initial_interval", time.Second)
	viper.SetDefault("broker.handler_retry.max_interval", 5*time.Second)
	viper.SetDefault("broker.handler_retry.multiplier", 2.0)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("gateway.events_topic", constants.TopicGatewayEvents)
	viper.SetDefault("gateway.upload.service", constants.ServiceFile)
	viper.SetDefault("gateway.upload.path", constants.DefaultUploadPath)
	viper.SetDefault("gateway.upload.max_bytes", constants.MaxUploadBytes)

	viper.SetDefault("notification.topics", []string{
		constants.TopicUserEvents,
		constants.TopicPostEvents,
		constants.TopicCategoryEvents,
	})
}

func bindEnvVariables() {
	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.service_name", "BROKER_SERVICE_NAME")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.client_id", "BROKER_KAFKA_CLIENT_ID")
	viper.BindEnv("broker.nats.url", "BROKER_NATS_URL")
	viper.BindEnv("broker.nats.max_reconnects", "BROKER_NATS_MAX_RECONNECTS")
	viper.BindEnv("broker.nats.reconnect_wait", "BROKER_NATS_RECONNECT_WAIT")
	viper.BindEnv("broker.consumer.group_id", "BROKER_CONSUMER_GROUP_ID")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	if cfg.Services == nil {
		cfg.Services = make(map[string]ServiceConfig)
	}

	names := make(map[string]struct{}, len(cfg.Services)+len(defaultServices))
	for name := range cfg.Services {
		names[name] = struct{}{}
	}
	for name := range defaultServices {
		names[name] = struct{}{}
	}

	for name := range names {
		svc := cfg.Services[name]
		if v := viper.GetString(ServiceEnvKey(name, "BASE_URL")); v != "" {
			svc.BaseURL = v
		}
		if v := viper.GetString(ServiceEnvKey(name, "TIMEOUT_MS")); v != "" {
			ms, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", ServiceEnvKey(name, "TIMEOUT_MS"), err)
			}
			svc.TimeoutMs = ms
		}
		if v := viper.GetString(ServiceEnvKey(name, "MAX_RETRIES")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", ServiceEnvKey(name, "MAX_RETRIES"), err)
			}
			svc.MaxRetries = &n
		}
		if svc != (ServiceConfig{}) {
			cfg.Services[name] = svc
		}
	}

	return nil
}

// ServiceEnvKey returns the environment variable that overrides one field of
// a registry entry, e.g. SERVICES_USER_BASE_URL.
func ServiceEnvKey(service, field string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(service))
	return fmt.Sprintf("SERVICES_%s_%s", name, field)
}

// ApplyServiceDefaults fills in the well-known services and the per-entry
// timeout and retry budget when the config leaves them out.
func ApplyServiceDefaults(cfg *Config) {
	if cfg.Services == nil {
		cfg.Services = make(map[string]ServiceConfig)
	}

	for name, url := range defaultServices {
		svc := cfg.Services[name]
		if svc.BaseURL == "" {
			svc.BaseURL = url
		}
		cfg.Services[name] = svc
	}

	for name, svc := range cfg.Services {
		if svc.TimeoutMs <= 0 {
			svc.TimeoutMs = int(constants.DefaultServiceTimeout / time.Millisecond)
			if name == constants.ServiceFile {
				svc.TimeoutMs = int(constants.DefaultUploadTimeout / time.Millisecond)
			}
		}
		if svc.MaxRetries == nil {
			n := constants.DefaultMaxRetries
			svc.MaxRetries = &n
		}
		cfg.Services[name] = svc
	}
}
