package notification

import (
	"errors"
	"time"
)

var (
	ErrMissingID = errors.New("event data has no id")
)

// Notification is what the service derives from one domain event.
type Notification struct {
	EventType     string    `json:"eventType"`
	SubjectID     string    `json:"subjectId"`
	Audience      string    `json:"audience"`
	Text          string    `json:"text"`
	CorrelationID string    `json:"correlationId"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// subject is the part of every user/post/category payload the service reads.
type subject struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Title    string `json:"title,omitempty"`
	Email    string `json:"email,omitempty"`
	AuthorID string `json:"authorId,omitempty"`
}

func (s subject) label() string {
	switch {
	case s.Title != "":
		return s.Title
	case s.Name != "":
		return s.Name
	default:
		return s.ID
	}
}
