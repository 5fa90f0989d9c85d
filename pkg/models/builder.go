package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type EnvelopeBuilder struct {
	envelope Envelope
	err      error
}

func NewEnvelopeBuilder(eventType string) *EnvelopeBuilder {
	return &EnvelopeBuilder{
		envelope: Envelope{Type: eventType},
	}
}

// WithData marshals v as the envelope payload.
func (b *EnvelopeBuilder) WithData(v interface{}) *EnvelopeBuilder {
	data, err := Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("failed to marshal event data: %w", err)
		return b
	}
	b.envelope.Data = data
	return b
}

func (b *EnvelopeBuilder) WithRawData(data json.RawMessage) *EnvelopeBuilder {
	b.envelope.Data = data
	return b
}

func (b *EnvelopeBuilder) WithSource(source string) *EnvelopeBuilder {
	b.envelope.Source = source
	return b
}

func (b *EnvelopeBuilder) WithTimestamp(timestamp time.Time) *EnvelopeBuilder {
	b.envelope.Timestamp = timestamp.UnixMilli()
	return b
}

func (b *EnvelopeBuilder) WithCorrelationID(correlationID string) *EnvelopeBuilder {
	b.envelope.CorrelationID = correlationID
	return b
}

func (b *EnvelopeBuilder) WithVersion(version string) *EnvelopeBuilder {
	b.envelope.Version = version
	return b
}

func (b *EnvelopeBuilder) Build() (Envelope, error) {
	if b.err != nil {
		return Envelope{}, b.err
	}
	if err := ValidateEnvelope(b.envelope); err != nil {
		return Envelope{}, err
	}
	return b.envelope, nil
}
