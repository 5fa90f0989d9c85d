package notification

import (
	"context"
	"fmt"

	"blogmesh/internal/broker"
	"blogmesh/internal/logger"
	"blogmesh/pkg/models"
)

// Sink delivers notifications. The default sink writes them to the log.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

type LogSink struct {
	logger logger.Logger
}

func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{logger: log}
}

func (s *LogSink) Notify(ctx context.Context, n Notification) error {
	s.logger.InfowCtx(ctx, "Notification",
		"event_type", n.EventType,
		"subject_id", n.SubjectID,
		"audience", n.Audience,
		"text", n.Text,
	)
	return nil
}

type Service struct {
	sink   Sink
	logger logger.Logger
}

func NewService(sink Sink, log logger.Logger) *Service {
	return &Service{sink: sink, logger: log}
}

// Handle turns one domain event into a notification. Events without an id
// fail so the bus dead-letters them; unknown types are skipped.
func (s *Service) Handle(ctx context.Context, env models.Envelope, d *broker.Delivery) error {
	tmpl, ok := templates[env.Type]
	if !ok {
		s.logger.DebugwCtx(ctx, "Ignoring event type", "type", env.Type, "topic", d.Topic)
		return nil
	}

	var subj subject
	if err := env.DecodeData(&subj); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", env.Type, err)
	}
	if subj.ID == "" {
		return fmt.Errorf("%s at %s/%d: %w", env.Type, d.Topic, d.Offset, ErrMissingID)
	}

	n := Notification{
		EventType:     env.Type,
		SubjectID:     subj.ID,
		Audience:      tmpl.audience(subj),
		Text:          fmt.Sprintf(tmpl.text, subj.label()),
		CorrelationID: env.CorrelationID,
		OccurredAt:    env.Time(),
	}
	if err := s.sink.Notify(ctx, n); err != nil {
		return fmt.Errorf("failed to deliver notification for %s: %w", env.Type, err)
	}
	return nil
}

// Subscribe registers Handle for every topic.
func (s *Service) Subscribe(ctx context.Context, bus *broker.Client, topics []string, opts ...broker.SubscribeOption) error {
	for _, topic := range topics {
		if err := bus.Subscribe(ctx, topic, s.Handle, opts...); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	return nil
}
