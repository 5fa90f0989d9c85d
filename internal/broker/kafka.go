package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"blogmesh/internal/config"
	"blogmesh/internal/constants"
	"blogmesh/internal/logger"
	"blogmesh/pkg/models"
)

// kafkaWriterFactory and kafkaReaderFactory can be overridden in tests.
var kafkaWriterFactory = func(cfg config.KafkaConfig) kafkaWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

var kafkaReaderFactory = func(cfg kafka.ReaderConfig) kafkaReader {
	return kafka.NewReader(cfg)
}

var kafkaDial = func(ctx context.Context, address string) (io.Closer, error) {
	return kafka.DialContext(ctx, "tcp", address)
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Kafka struct {
	cfg    config.KafkaConfig
	logger logger.Logger
}

func NewKafka(cfg config.KafkaConfig, log logger.Logger) *Kafka {
	return &Kafka{cfg: cfg, logger: log}
}

func (k *Kafka) Name() string {
	return "kafka"
}

// Connect probes the cluster before handing out a writer, so a bad broker
// list fails startup instead of the first publish.
func (k *Kafka) Connect(ctx context.Context) (Writer, error) {
	dialCtx, cancel := context.WithTimeout(ctx, constants.KafkaDialTimeout)
	defer cancel()

	var lastErr error
	for _, address := range k.cfg.Brokers {
		conn, err := kafkaDial(dialCtx, address)
		if err != nil {
			lastErr = err
			k.logger.Warnw("Kafka broker not reachable",
				"broker", address,
				"error", err,
			)
			continue
		}
		_ = conn.Close()
		return &kafkaWriterAdapter{w: kafkaWriterFactory(k.cfg)}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return nil, fmt.Errorf("failed to connect to kafka: %w", lastErr)
}

func (k *Kafka) NewReader(ctx context.Context, cfg ReaderConfig) (Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	startOffset := kafka.LastOffset
	if cfg.FromBeginning {
		startOffset = kafka.FirstOffset
	}

	commitInterval := time.Duration(0)
	if cfg.AutoCommit {
		commitInterval = cfg.CommitInterval
	}

	k.logger.Infow("Creating Kafka reader",
		"topic", cfg.Topic,
		"brokers", k.cfg.Brokers,
		"group_id", cfg.GroupID,
		"from_beginning", cfg.FromBeginning,
	)

	r := kafkaReaderFactory(kafka.ReaderConfig{
		Brokers:           k.cfg.Brokers,
		GroupID:           cfg.GroupID,
		Topic:             cfg.Topic,
		StartOffset:       startOffset,
		SessionTimeout:    cfg.SessionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		CommitInterval:    commitInterval,
		MinBytes:          1,
		MaxBytes:          10e6,
		Logger:            kafka.LoggerFunc(lifecycleLogger(cfg, k.logger, false)),
		ErrorLogger:       kafka.LoggerFunc(lifecycleLogger(cfg, k.logger, true)),
	})

	cfg.emit(LifecycleConnect, nil)
	return &kafkaReaderAdapter{r: r, cfg: cfg}, nil
}

// lifecycleLogger turns kafka-go's consumer-group log lines into lifecycle
// events. kafka-go has no callback API for these.
func lifecycleLogger(cfg ReaderConfig, log logger.Logger, isError bool) func(string, ...interface{}) {
	return func(format string, args ...interface{}) {
		line := fmt.Sprintf(format, args...)
		if t, ok := classifyKafkaLog(line, isError); ok {
			var err error
			if t == LifecycleCrash {
				err = errors.New(line)
			}
			cfg.emit(t, err)
		}
		if isError {
			log.Warnw("Kafka reader error", "topic", cfg.Topic, "group_id", cfg.GroupID, "detail", line)
			return
		}
		log.Debugw("Kafka reader", "topic", cfg.Topic, "group_id", cfg.GroupID, "detail", line)
	}
}

func classifyKafkaLog(line string, isError bool) (LifecycleType, bool) {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "joined group"):
		return LifecycleGroupJoin, true
	case strings.Contains(l, "rebalanc"), strings.Contains(l, "generation") && strings.Contains(l, "ended"):
		return LifecycleRebalancing, true
	case isError && (strings.Contains(l, "failed to join group") || strings.Contains(l, "connection refused")):
		return LifecycleCrash, true
	}
	return "", false
}

type kafkaWriterAdapter struct {
	w kafkaWriter
}

func (a *kafkaWriterAdapter) WriteMessages(ctx context.Context, msgs ...Message) error {
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		out[i] = toKafkaMessage(m)
	}
	return a.w.WriteMessages(ctx, out...)
}

func (a *kafkaWriterAdapter) Close() error {
	return a.w.Close()
}

type kafkaReaderAdapter struct {
	r   kafkaReader
	cfg ReaderConfig
}

func (a *kafkaReaderAdapter) FetchMessage(ctx context.Context) (Message, error) {
	m, err := a.r.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, ErrReaderClosed
		}
		return Message{}, err
	}
	return fromKafkaMessage(m), nil
}

func (a *kafkaReaderAdapter) CommitMessages(ctx context.Context, msgs ...Message) error {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		if km, ok := m.raw.(kafka.Message); ok {
			out = append(out, km)
			continue
		}
		out = append(out, toKafkaMessage(m))
	}
	return a.r.CommitMessages(ctx, out...)
}

func (a *kafkaReaderAdapter) Close() error {
	err := a.r.Close()
	a.cfg.emit(LifecycleDisconnect, err)
	return err
}

func toKafkaMessage(m Message) kafka.Message {
	headers := make([]kafka.Header, len(m.Headers))
	for i, h := range m.Headers {
		headers[i] = kafka.Header{Key: h.Key, Value: h.Value}
	}
	return kafka.Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   headers,
		Time:      m.Time,
	}
}

func fromKafkaMessage(m kafka.Message) Message {
	headers := make([]models.Header, len(m.Headers))
	for i, h := range m.Headers {
		headers[i] = models.Header{Key: h.Key, Value: h.Value}
	}
	return Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   headers,
		Time:      m.Time,
		raw:       m,
	}
}
