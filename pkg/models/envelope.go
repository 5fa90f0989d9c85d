package models

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"blogmesh/internal/constants"
)

// Envelope wraps a domain event for transport. Data stays opaque here; the
// publishing service owns its shape.
type Envelope struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     int64           `json:"timestamp"`
	CorrelationID string          `json:"correlationId"`
	Version       string          `json:"version"`
	Source        string          `json:"source"`
}

// KeyedEnvelope pairs an envelope with its partition key for batch publishing.
type KeyedEnvelope struct {
	Key      string
	Envelope Envelope
}

// HasData reports whether the envelope carries a payload. A JSON null counts
// as absent.
func (e Envelope) HasData() bool {
	trimmed := bytes.TrimSpace(e.Data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Time returns the envelope timestamp as a time.Time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// DecodeData unmarshals the payload into v.
func (e Envelope) DecodeData(v interface{}) error {
	return Unmarshal(e.Data, v)
}

// Enrich fills in the fields a publisher may leave out: timestamp, correlation
// id, version and source. Values already set are kept.
func (e Envelope) Enrich(source string) Envelope {
	return e.EnrichAt(source, time.Now())
}

func (e Envelope) EnrichAt(source string, now time.Time) Envelope {
	if e.Timestamp == 0 {
		e.Timestamp = now.UnixMilli()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.New().String()
	}
	if e.Version == "" {
		e.Version = constants.DefaultEnvelopeVersion
	}
	if e.Source == "" {
		e.Source = source
	}
	return e
}
