package models

import (
	"strconv"
	"time"

	"blogmesh/internal/constants"
)

const (
	HeaderContentType   = "content-type"
	HeaderCorrelationID = "correlation-id"
	HeaderEventType     = "event-type"
	HeaderEventVersion  = "event-version"
	HeaderEventSource   = "event-source"
	HeaderPublishedAt   = "published-at"
)

const publishedAtLayout = "2006-01-02T15:04:05.000Z07:00"

// Header is a single transport header.
type Header struct {
	Key   string
	Value []byte
}

// TransportHeaders returns the headers attached to every published envelope
// so consumers can route without decoding the body.
func TransportHeaders(env Envelope, publishedAt time.Time) []Header {
	return []Header{
		{Key: HeaderContentType, Value: []byte(constants.EnvelopeContentType)},
		{Key: HeaderCorrelationID, Value: []byte(env.CorrelationID)},
		{Key: HeaderEventType, Value: []byte(env.Type)},
		{Key: HeaderEventVersion, Value: []byte(env.Version)},
		{Key: HeaderEventSource, Value: []byte(env.Source)},
		{Key: HeaderPublishedAt, Value: []byte(publishedAt.UTC().Format(publishedAtLayout))},
	}
}

// HeaderValue returns the first value for key, or "".
func HeaderValue(headers []Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// ParsePublishedAt reads the published-at header.
func ParsePublishedAt(headers []Header) (time.Time, bool) {
	raw := HeaderValue(headers, HeaderPublishedAt)
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(publishedAtLayout, raw); err == nil {
		return t, true
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}
