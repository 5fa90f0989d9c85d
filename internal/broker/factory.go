package broker

import (
	"context"
	"fmt"

	"blogmesh/internal/config"
	"blogmesh/internal/constants"
	"blogmesh/internal/logger"
	"blogmesh/pkg/retry"
)

func NewTransport(cfg config.BrokerConfig, log logger.Logger) (Transport, error) {
	switch cfg.Type {
	case constants.BrokerTypeKafka:
		return NewKafka(cfg.Kafka, log), nil
	case constants.BrokerTypeNATS:
		return NewNATS(cfg.NATS, cfg.ServiceName, log), nil
	case constants.BrokerTypeMemory:
		return NewMemory(0), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}

// OptionsFromConfig translates the broker section into client options.
func OptionsFromConfig(cfg config.BrokerConfig) []Option {
	defaults := SubscribeOptions{
		GroupID:           cfg.Consumer.GroupID,
		FromBeginning:     cfg.Consumer.FromBeginning,
		SessionTimeout:    orDefault(cfg.Consumer.SessionTimeout, constants.DefaultSessionTimeout),
		HeartbeatInterval: orDefault(cfg.Consumer.HeartbeatInterval, constants.DefaultHeartbeatInterval),
		AutoCommit:        true,
		CommitInterval:    orDefault(cfg.Consumer.CommitInterval, constants.DefaultCommitInterval),
	}
	if cfg.Consumer.AutoCommit != nil {
		defaults.AutoCommit = *cfg.Consumer.AutoCommit
	}
	if defaults.GroupID == "" {
		defaults.GroupID = cfg.ServiceName
	}

	return []Option{
		WithServiceName(cfg.ServiceName),
		WithSubscribeDefaults(defaults),
		WithHandlerRetry(retry.Policy{
			MaxAttempts:     cfg.HandlerRetry.MaxAttempts,
			InitialInterval: cfg.HandlerRetry.InitialInterval,
			MaxInterval:     cfg.HandlerRetry.MaxInterval,
			Multiplier:      cfg.HandlerRetry.Multiplier,
		}),
		WithShutdownTimeouts(cfg.Shutdown.ConsumerTimeout, cfg.Shutdown.ProducerTimeout),
	}
}

// NewFromConfig builds the configured transport and connects a client.
func NewFromConfig(ctx context.Context, cfg config.BrokerConfig, log logger.Logger, opts ...Option) (*Client, error) {
	transport, err := NewTransport(cfg, log)
	if err != nil {
		return nil, err
	}
	return New(ctx, transport, log, append(OptionsFromConfig(cfg), opts...)...)
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
