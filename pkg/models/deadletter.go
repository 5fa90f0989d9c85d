package models

import (
	"time"

	"blogmesh/internal/constants"
)

// DeadLetterRecord describes a message whose handler failed. It is published
// to the dead-letter topic and never consumed by the bus itself.
type DeadLetterRecord struct {
	OriginalTopic     string `json:"originalTopic"`
	OriginalPartition int    `json:"originalPartition"`
	OriginalOffset    int64  `json:"originalOffset"`
	OriginalKey       string `json:"originalKey,omitempty"`
	OriginalPayload   string `json:"originalPayload"`
	ErrorMessage      string `json:"errorMessage"`
	ErrorTimestamp    int64  `json:"errorTimestamp"`
}

func DeadLetterTopic(topic string) string {
	return topic + constants.DeadLetterSuffix
}

func NewDeadLetterRecord(topic string, partition int, offset int64, key, payload []byte, cause error, at time.Time) DeadLetterRecord {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return DeadLetterRecord{
		OriginalTopic:     topic,
		OriginalPartition: partition,
		OriginalOffset:    offset,
		OriginalKey:       string(key),
		OriginalPayload:   string(payload),
		ErrorMessage:      msg,
		ErrorTimestamp:    at.UnixMilli(),
	}
}
