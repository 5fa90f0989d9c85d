package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"blogmesh/internal/constants"
	"blogmesh/internal/logger"
	"blogmesh/pkg/logging"
	"blogmesh/pkg/metrics"
	"blogmesh/pkg/models"
	"blogmesh/pkg/retry"
	"blogmesh/pkg/tracing"
)

// Client is a service's connection to the event bus. It owns one producer
// and any number of (topic, group) subscriptions.
type Client struct {
	transport   Transport
	logger      logger.Logger
	serviceName string

	state  atomic.Int32
	writer Writer

	mu      sync.Mutex
	subs    map[SubscriptionKey]*subscription
	closing bool

	observer        LifecycleObserver
	handlerRetry    retry.Policy
	retryOpts       []retry.Option
	defaults        SubscribeOptions
	consumerTimeout time.Duration
	producerTimeout time.Duration
	fetchBackoff    time.Duration
	now             func() time.Time

	shutdownOnce sync.Once
}

type Option func(*Client)

// WithServiceName sets the source stamped on published envelopes and the
// default consumer group.
func WithServiceName(name string) Option {
	return func(c *Client) {
		c.serviceName = name
	}
}

func WithObserver(fn LifecycleObserver) Option {
	return func(c *Client) {
		c.observer = fn
	}
}

// WithHandlerRetry retries a failing handler in-process before the message
// is dead-lettered. The default is a single attempt.
func WithHandlerRetry(policy retry.Policy, opts ...retry.Option) Option {
	return func(c *Client) {
		c.handlerRetry = policy
		c.retryOpts = opts
	}
}

// WithSubscribeDefaults sets the options every Subscribe starts from.
func WithSubscribeDefaults(opts SubscribeOptions) Option {
	return func(c *Client) {
		c.defaults = opts
	}
}

func WithShutdownTimeouts(consumer, producer time.Duration) Option {
	return func(c *Client) {
		if consumer > 0 {
			c.consumerTimeout = consumer
		}
		if producer > 0 {
			c.producerTimeout = producer
		}
	}
}

func WithFetchErrorBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.fetchBackoff = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New connects the producer through transport. A connection failure is
// returned as is; services treat it as fatal at startup.
func New(ctx context.Context, transport Transport, log logger.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		transport:    transport,
		logger:       log,
		serviceName:  "unknown",
		subs:         make(map[SubscriptionKey]*subscription),
		handlerRetry: retry.Policy{MaxAttempts: 1},
		defaults: SubscribeOptions{
			SessionTimeout:    constants.DefaultSessionTimeout,
			HeartbeatInterval: constants.DefaultHeartbeatInterval,
			AutoCommit:        true,
			CommitInterval:    constants.DefaultCommitInterval,
		},
		consumerTimeout: constants.ConsumerShutdownTimeout,
		producerTimeout: constants.ProducerShutdownTimeout,
		fetchBackoff:    constants.FetchErrorBackoff,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaults.GroupID == "" {
		c.defaults.GroupID = c.serviceName
	}

	c.setState(StateConnecting)
	writer, err := transport.Connect(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		c.logger.Errorw("Event bus connection failed",
			"transport", transport.Name(),
			"service_name", c.serviceName,
			"error", err,
		)
		return nil, fmt.Errorf("failed to connect event bus producer: %w", err)
	}
	c.writer = writer
	c.setState(StateConnected)

	c.logger.Infow("Event bus connected",
		"transport", transport.Name(),
		"service_name", c.serviceName,
	)
	return c, nil
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) ServiceName() string {
	return c.serviceName
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	metrics.SetBusState(c.serviceName, int(s))
}

// Publish sends one envelope to topic. Envelopes sharing key are delivered
// to each consumer group in publish order. Errors are returned, never
// retried here.
func (c *Client) Publish(ctx context.Context, topic, key string, env models.Envelope) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	if topic == "" {
		return fmt.Errorf("topic is required")
	}

	msg, env, err := c.prepare(ctx, topic, key, env)
	if err != nil {
		metrics.IncEventsPublished(c.serviceName, topic, "invalid")
		return err
	}

	start := c.now()
	if err := c.writer.WriteMessages(ctx, msg); err != nil {
		metrics.IncEventsPublished(c.serviceName, topic, "error")
		c.logger.ErrorwCtx(ctx, "Failed to publish event",
			"topic", topic,
			"type", env.Type,
			"correlation_id", env.CorrelationID,
			"error", err,
		)
		return fmt.Errorf("failed to publish %s to %s: %w", env.Type, topic, err)
	}

	metrics.ObservePublishDuration(c.serviceName, topic, time.Since(start))
	metrics.ObserveEventSize(c.serviceName, topic, "out", len(msg.Value))
	metrics.IncEventsPublished(c.serviceName, topic, "success")
	c.logger.DebugwCtx(ctx, "Event published",
		"topic", topic,
		"type", env.Type,
		"key", key,
		"correlation_id", env.CorrelationID,
	)
	return nil
}

// PublishBatch validates every envelope before writing any of them, then
// hands the whole batch to the transport in one call.
func (c *Client) PublishBatch(ctx context.Context, topic string, batch []models.KeyedEnvelope) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if len(batch) == 0 {
		return nil
	}

	msgs := make([]Message, len(batch))
	for i, item := range batch {
		msg, _, err := c.prepare(ctx, topic, item.Key, item.Envelope)
		if err != nil {
			metrics.IncEventsPublished(c.serviceName, topic, "invalid")
			return fmt.Errorf("batch item %d: %w", i, err)
		}
		msgs[i] = msg
	}

	start := c.now()
	if err := c.writer.WriteMessages(ctx, msgs...); err != nil {
		metrics.IncEventsPublished(c.serviceName, topic, "error")
		c.logger.ErrorwCtx(ctx, "Failed to publish event batch",
			"topic", topic,
			"size", len(msgs),
			"error", err,
		)
		return fmt.Errorf("failed to publish batch of %d to %s: %w", len(msgs), topic, err)
	}

	metrics.ObservePublishDuration(c.serviceName, topic, time.Since(start))
	for _, m := range msgs {
		metrics.ObserveEventSize(c.serviceName, topic, "out", len(m.Value))
		metrics.IncEventsPublished(c.serviceName, topic, "success")
	}
	return nil
}

func (c *Client) prepare(ctx context.Context, topic, key string, env models.Envelope) (Message, models.Envelope, error) {
	if err := models.ValidateEnvelope(env); err != nil {
		return Message{}, env, err
	}

	now := c.now()
	env = env.EnrichAt(c.serviceName, now)
	body, err := models.EncodeEnvelope(env)
	if err != nil {
		return Message{}, env, err
	}

	headers := tracing.InjectHeaders(ctx, models.TransportHeaders(env, now))

	var k []byte
	if key != "" {
		k = []byte(key)
	}
	return Message{
		Topic:   topic,
		Key:     k,
		Value:   body,
		Headers: headers,
		Time:    now,
	}, env, nil
}

// Subscribe starts a receive loop for (topic, group). Subscribing a key that
// is already active logs a warning and does nothing. The loop outlives ctx;
// stop it with Unsubscribe or Shutdown.
func (c *Client) Subscribe(ctx context.Context, topic string, handler Handler, opts ...SubscribeOption) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	o := c.defaults
	for _, opt := range opts {
		opt(&o)
	}
	key := SubscriptionKey{Topic: topic, GroupID: o.GroupID}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Shutdown has already drained subs; a reader added now would never stop.
	if c.closing {
		return ErrNotConnected
	}
	if _, exists := c.subs[key]; exists {
		c.logger.Warnw("Subscription already active, ignoring",
			"topic", topic,
			"group_id", o.GroupID,
		)
		return nil
	}

	reader, err := c.transport.NewReader(ctx, ReaderConfig{
		Topic:             topic,
		GroupID:           o.GroupID,
		FromBeginning:     o.FromBeginning,
		SessionTimeout:    o.SessionTimeout,
		HeartbeatInterval: o.HeartbeatInterval,
		AutoCommit:        o.AutoCommit,
		CommitInterval:    o.CommitInterval,
		OnLifecycle: func(t LifecycleType, err error) {
			c.emit(LifecycleEvent{Type: t, Topic: topic, GroupID: o.GroupID, Err: err})
		},
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s as %s: %w", topic, o.GroupID, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	loopCtx = logging.WithServiceName(loopCtx, c.serviceName)
	loopCtx = logging.WithTopic(loopCtx, topic)

	sub := &subscription{
		client:  c,
		key:     key,
		opts:    o,
		reader:  reader,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.subs[key] = sub
	metrics.SetActiveSubscriptions(c.serviceName, len(c.subs))

	go sub.run(loopCtx)

	c.logger.Infow("Subscribed",
		"topic", topic,
		"group_id", o.GroupID,
		"from_beginning", o.FromBeginning,
		"auto_commit", o.AutoCommit,
	)
	return nil
}

// Unsubscribe stops the loop for (topic, group) and closes its reader.
// Unknown keys are ignored.
func (c *Client) Unsubscribe(ctx context.Context, topic, groupID string) error {
	if groupID == "" {
		groupID = c.defaults.GroupID
	}
	key := SubscriptionKey{Topic: topic, GroupID: groupID}

	c.mu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
		metrics.SetActiveSubscriptions(c.serviceName, len(c.subs))
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.stop(ctx, c.consumerTimeout)
}

// Subscriptions returns the active (topic, group) keys.
func (c *Client) Subscriptions() []SubscriptionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SubscriptionKey, 0, len(c.subs))
	for key := range c.subs {
		out = append(out, key)
	}
	return out
}

// Shutdown stops every subscription concurrently, each within the consumer
// timeout, then closes the producer within the producer timeout. Failures
// are logged; the client always ends DISCONNECTED. Calling it again is a
// no-op.
func (c *Client) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		subs := make([]*subscription, 0, len(c.subs))
		for key, sub := range c.subs {
			subs = append(subs, sub)
			delete(c.subs, key)
		}
		metrics.SetActiveSubscriptions(c.serviceName, 0)
		c.mu.Unlock()

		var wg sync.WaitGroup
		for _, sub := range subs {
			wg.Add(1)
			go func(s *subscription) {
				defer wg.Done()
				if err := s.stop(ctx, c.consumerTimeout); err != nil {
					c.logger.Warnw("Consumer did not stop cleanly",
						"topic", s.key.Topic,
						"group_id", s.key.GroupID,
						"error", err,
					)
				}
			}(sub)
		}
		wg.Wait()

		if err := closeWithin(ctx, c.producerTimeout, c.writer.Close); err != nil {
			c.logger.Warnw("Producer did not close cleanly", "error", err)
		}

		c.setState(StateDisconnected)
		c.logger.Infow("Event bus disconnected",
			"service_name", c.serviceName,
			"consumers", len(subs),
		)
	})
	return nil
}

func (c *Client) emit(ev LifecycleEvent) {
	if ev.Time.IsZero() {
		ev.Time = c.now()
	}
	metrics.IncLifecycleEvent(c.serviceName, ev.Topic, string(ev.Type))

	fields := []interface{}{
		"event", ev.Type,
		"topic", ev.Topic,
		"group_id", ev.GroupID,
	}
	if ev.Err != nil {
		fields = append(fields, "error", ev.Err)
	}
	switch ev.Type {
	case LifecycleCrash:
		c.logger.Errorw("Consumer lifecycle", fields...)
	case LifecycleDisconnect, LifecycleRebalancing:
		c.logger.Warnw("Consumer lifecycle", fields...)
	default:
		c.logger.Infow("Consumer lifecycle", fields...)
	}

	if c.observer != nil {
		c.observer(ev)
	}
}

// closeWithin runs closeFn and gives up waiting after timeout or when ctx is
// done. A timed-out close keeps running in the background.
func closeWithin(ctx context.Context, timeout time.Duration, closeFn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- closeFn()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("close timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Healthy reports whether the producer is connected.
func (c *Client) Healthy() error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	return nil
}
