package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "blogmesh/pkg/errors"
	"blogmesh/pkg/logging"
	"blogmesh/pkg/metrics"
	"blogmesh/pkg/models"
	"blogmesh/pkg/retry"
	"blogmesh/pkg/tracing"
)

type subscription struct {
	client  *Client
	key     SubscriptionKey
	opts    SubscribeOptions
	reader  Reader
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	log := s.client.logger

	log.InfowCtx(ctx, "Started consuming",
		"topic", s.key.Topic,
		"group_id", s.key.GroupID,
	)

	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrReaderClosed) {
				log.InfowCtx(ctx, "Stopped consuming",
					"topic", s.key.Topic,
					"group_id", s.key.GroupID,
				)
				return
			}
			log.ErrorwCtx(ctx, "Error fetching message",
				"topic", s.key.Topic,
				"group_id", s.key.GroupID,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.client.fetchBackoff):
			}
			continue
		}

		s.process(ctx, m)
	}
}

func (s *subscription) process(ctx context.Context, m Message) {
	c := s.client
	topic := s.key.Topic
	metrics.ObserveEventSize(c.serviceName, topic, "in", len(m.Value))

	env, err := models.DecodeEnvelope(m.Value)
	if err != nil {
		metrics.IncMalformedEvent(c.serviceName, topic)
		c.logger.WarnwCtx(ctx, "Dropping malformed event",
			"topic", topic,
			"partition", m.Partition,
			"offset", m.Offset,
			"error", err,
		)
		s.autoCommit(ctx, m)
		return
	}

	msgCtx, span := tracing.StartConsumerSpan(ctx, topic, m.Headers)
	defer span.End()
	msgCtx = logging.WithCorrelationID(msgCtx, env.CorrelationID)

	delivery := &Delivery{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Headers:   m.Headers,
		Time:      m.Time,
		commit: func(ctx context.Context) error {
			return s.reader.CommitMessages(ctx, m)
		},
	}

	opts := append([]retry.Option{
		retry.WithNotify(func(attempt int, err error, next time.Duration) {
			metrics.RetryAttemptsTotal.WithLabelValues(c.serviceName, topic).Inc()
			c.logger.WarnwCtx(msgCtx, "Retrying event handler",
				"attempt", attempt,
				"max_attempts", c.handlerRetry.MaxAttempts,
				"next_delay", next,
				"type", env.Type,
				"error", err,
			)
		}),
	}, c.retryOpts...)

	start := c.now()
	_, err = retry.Do(msgCtx, c.handlerRetry, func(int) error {
		return apperrors.Contain(func() error {
			return s.handler(msgCtx, env, delivery)
		})
	}, opts...)
	metrics.ObserveHandlerDuration(c.serviceName, topic, time.Since(start))

	if err != nil {
		if ctx.Err() != nil {
			// shutting down mid-handler; leave the message uncommitted
			return
		}
		metrics.IncEventsConsumed(c.serviceName, topic, "failed")
		c.logger.ErrorwCtx(msgCtx, "Event handler failed",
			"topic", topic,
			"type", env.Type,
			"partition", m.Partition,
			"offset", m.Offset,
			"error", err,
		)
		s.deadLetter(msgCtx, m, env, err)
		s.autoCommit(ctx, m)
		return
	}

	metrics.IncEventsConsumed(c.serviceName, topic, "success")
	s.autoCommit(ctx, m)
}

func (s *subscription) deadLetter(ctx context.Context, m Message, env models.Envelope, cause error) {
	c := s.client
	dlqTopic := models.DeadLetterTopic(s.key.Topic)
	record := models.NewDeadLetterRecord(m.Topic, m.Partition, m.Offset, m.Key, m.Value, cause, c.now())

	dlqEnv, err := models.NewEnvelopeBuilder(models.EventDeadLettered).
		WithData(record).
		WithCorrelationID(env.CorrelationID).
		Build()
	if err == nil {
		err = c.Publish(ctx, dlqTopic, string(m.Key), dlqEnv)
	}
	if err != nil {
		metrics.IncDLQMessage(c.serviceName, s.key.Topic, "publish_failed")
		c.logger.ErrorwCtx(ctx, "Failed to send message to DLQ",
			"topic", s.key.Topic,
			"dlq_topic", dlqTopic,
			"offset", m.Offset,
			"error", err,
		)
		return
	}

	metrics.IncDLQMessage(c.serviceName, s.key.Topic, "handler_failed")
	c.logger.InfowCtx(ctx, "Message sent to DLQ",
		"topic", s.key.Topic,
		"dlq_topic", dlqTopic,
		"partition", m.Partition,
		"offset", m.Offset,
		"reason", cause.Error(),
	)
}

// autoCommit commits m unless the handler owns offsets. Commits are
// cumulative per partition, so committing a dropped or dead-lettered message
// in manual mode would also commit earlier messages the handler never did.
func (s *subscription) autoCommit(ctx context.Context, m Message) {
	if !s.opts.AutoCommit {
		return
	}
	if err := s.reader.CommitMessages(ctx, m); err != nil {
		s.client.logger.ErrorwCtx(ctx, "Failed to commit message",
			"topic", s.key.Topic,
			"partition", m.Partition,
			"offset", m.Offset,
			"error", err,
		)
	}
}

// stop cancels the loop, waits for it within timeout and closes the reader.
func (s *subscription) stop(ctx context.Context, timeout time.Duration) error {
	s.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case <-s.done:
	case <-timer.C:
		waitErr = fmt.Errorf("consumer %s/%s did not stop within %s", s.key.Topic, s.key.GroupID, timeout)
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	if err := closeWithin(ctx, timeout, s.reader.Close); err != nil && waitErr == nil {
		return fmt.Errorf("failed to close reader for %s/%s: %w", s.key.Topic, s.key.GroupID, err)
	}
	return waitErr
}
