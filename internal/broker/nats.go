package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"blogmesh/internal/config"
	"blogmesh/internal/logger"
	"blogmesh/pkg/models"
)

const (
	natsKeyHeader            = "event-key"
	natsFetchWait            = time.Second
	natsDefaultAckWait       = 30 * time.Second
	natsDefaultReconnectWait = 2 * time.Second
)

// natsDial is swapped in tests.
var natsDial = func(url string, opts ...nats.Option) (*nats.Conn, jetstream.JetStream, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return conn, js, nil
}

// NATS maps topics onto JetStream: one stream per topic and one durable
// pull consumer per consumer group. JetStream has no partitions, so every
// message reports partition 0 and its stream sequence as offset.
type NATS struct {
	cfg    config.NATSConfig
	name   string
	logger logger.Logger

	mu      sync.Mutex
	conn    *nats.Conn
	js      jetstream.JetStream
	streams map[string]struct{}
	readers map[*natsReader]struct{}
}

func NewNATS(cfg config.NATSConfig, clientName string, log logger.Logger) *NATS {
	return &NATS{
		cfg:     cfg,
		name:    clientName,
		logger:  log,
		streams: make(map[string]struct{}),
		readers: make(map[*natsReader]struct{}),
	}
}

func (n *NATS) Name() string {
	return "nats"
}

func (n *NATS) Connect(ctx context.Context) (Writer, error) {
	if err := n.ensureConn(ctx); err != nil {
		return nil, err
	}
	return &natsWriter{transport: n}, nil
}

func (n *NATS) ensureConn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.js != nil {
		return nil
	}

	conn, js, err := natsDial(n.cfg.URL, n.options()...)
	if err != nil {
		return err
	}

	n.conn = conn
	n.js = js
	return nil
}

// options maps the NATS config onto the client. A negative max_reconnects
// reconnects forever.
func (n *NATS) options() []nats.Option {
	reconnectWait := n.cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = natsDefaultReconnectWait
	}
	return []nats.Option{
		nats.Name(n.name),
		nats.MaxReconnects(n.cfg.MaxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.logger.Warnw("NATS disconnected", "error", err)
			n.broadcast(LifecycleDisconnect, err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			n.logger.Infow("NATS reconnected")
			n.broadcast(LifecycleConnect, nil)
		}),
	}
}

func (n *NATS) broadcast(t LifecycleType, err error) {
	n.mu.Lock()
	cfgs := make([]ReaderConfig, 0, len(n.readers))
	for r := range n.readers {
		cfgs = append(cfgs, r.cfg)
	}
	n.mu.Unlock()
	for _, cfg := range cfgs {
		cfg.emit(t, err)
	}
}

func (n *NATS) forget(r *natsReader) {
	n.mu.Lock()
	delete(n.readers, r)
	n.mu.Unlock()
}

// StreamName derives a JetStream stream or consumer name from a topic or
// group ID. Letters, digits and '-' are kept; every other byte, '_'
// included, becomes '_' plus two hex digits, so distinct topics never share
// a stream.
func StreamName(topic string) string {
	var b strings.Builder
	for i := 0; i < len(topic); i++ {
		c := topic[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02X", c)
		}
	}
	return b.String()
}

func (n *NATS) ensureStream(ctx context.Context, topic string) error {
	n.mu.Lock()
	_, ok := n.streams[topic]
	js := n.js
	n.mu.Unlock()
	if ok {
		return nil
	}

	if js == nil {
		return ErrNotConnected
	}

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName(topic),
		Subjects:  []string{topic},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create/update stream for %s: %w", topic, err)
	}

	n.mu.Lock()
	n.streams[topic] = struct{}{}
	n.mu.Unlock()
	return nil
}

func (n *NATS) NewReader(ctx context.Context, cfg ReaderConfig) (Reader, error) {
	if err := n.ensureConn(ctx); err != nil {
		return nil, err
	}
	if err := n.ensureStream(ctx, cfg.Topic); err != nil {
		return nil, err
	}

	deliver := jetstream.DeliverNewPolicy
	if cfg.FromBeginning {
		deliver = jetstream.DeliverAllPolicy
	}
	ackWait := n.cfg.AckWait
	if ackWait <= 0 {
		ackWait = natsDefaultAckWait
	}

	n.mu.Lock()
	js := n.js
	n.mu.Unlock()
	if js == nil {
		return nil, ErrNotConnected
	}

	durable := StreamName(cfg.GroupID)
	consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName(cfg.Topic), jetstream.ConsumerConfig{
		Name:          durable,
		Durable:       durable,
		FilterSubject: cfg.Topic,
		DeliverPolicy: deliver,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", durable, err)
	}

	r := &natsReader{transport: n, consumer: consumer, cfg: cfg, closed: make(chan struct{})}
	n.mu.Lock()
	n.readers[r] = struct{}{}
	n.mu.Unlock()

	cfg.emit(LifecycleConnect, nil)
	cfg.emit(LifecycleGroupJoin, nil)

	return r, nil
}

func (n *NATS) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.Close()
	}
	n.conn = nil
	n.js = nil
	n.streams = make(map[string]struct{})
}

type natsWriter struct {
	transport *NATS
}

// WriteMessages publishes each message and waits for its ack. JetStream has
// no multi-message publish, so a failure part way leaves earlier messages
// written.
func (w *natsWriter) WriteMessages(ctx context.Context, msgs ...Message) error {
	w.transport.mu.Lock()
	js := w.transport.js
	w.transport.mu.Unlock()
	if js == nil {
		return ErrNotConnected
	}

	for _, m := range msgs {
		if err := w.transport.ensureStream(ctx, m.Topic); err != nil {
			return err
		}
		msg := &nats.Msg{
			Subject: m.Topic,
			Data:    m.Value,
			Header:  nats.Header{},
		}
		for _, h := range m.Headers {
			msg.Header[h.Key] = []string{string(h.Value)}
		}
		if len(m.Key) > 0 {
			msg.Header[natsKeyHeader] = []string{string(m.Key)}
		}
		if _, err := js.PublishMsg(ctx, msg); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", m.Topic, err)
		}
	}
	return nil
}

func (w *natsWriter) Close() error {
	w.transport.close()
	return nil
}

type natsReader struct {
	transport *NATS
	consumer  jetstream.Consumer
	cfg       ReaderConfig
	closed    chan struct{}
	closeOnce sync.Once
}

func (r *natsReader) FetchMessage(ctx context.Context) (Message, error) {
	for {
		select {
		case <-r.closed:
			return Message{}, ErrReaderClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		default:
		}

		batch, err := r.consumer.Fetch(1, jetstream.FetchMaxWait(natsFetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return Message{}, ErrReaderClosed
			}
			return Message{}, err
		}
		if msg, ok := <-batch.Messages(); ok {
			return fromNATSMessage(r.cfg.Topic, msg), nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return Message{}, err
		}
	}
}

func (r *natsReader) CommitMessages(ctx context.Context, msgs ...Message) error {
	for _, m := range msgs {
		msg, ok := m.raw.(jetstream.Msg)
		if !ok {
			continue
		}
		if err := msg.DoubleAck(ctx); err != nil {
			return fmt.Errorf("failed to ack message %d: %w", m.Offset, err)
		}
	}
	return nil
}

func (r *natsReader) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.transport.forget(r)
		r.cfg.emit(LifecycleDisconnect, nil)
	})
	return nil
}

func fromNATSMessage(topic string, msg jetstream.Msg) Message {
	out := Message{
		Topic: topic,
		Value: msg.Data(),
		raw:   msg,
	}
	for key, values := range msg.Headers() {
		if key == natsKeyHeader {
			if len(values) > 0 {
				out.Key = []byte(values[0])
			}
			continue
		}
		for _, v := range values {
			out.Headers = append(out.Headers, models.Header{Key: key, Value: []byte(v)})
		}
	}
	if meta, err := msg.Metadata(); err == nil {
		out.Offset = int64(meta.Sequence.Stream)
		out.Time = meta.Timestamp
	}
	return out
}
