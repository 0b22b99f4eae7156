package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
)

type Subscription struct {
	ID              uuid.UUID          `json:"id"`
	UserID          uuid.UUID          `json:"user_id"`
	SourceURL       string             `json:"source_url"`
	CallbackURL     string             `json:"callback_url"`
	Secret          *string            `json:"secret,omitempty"`
	EventTypes      []string           `json:"event_types"`
	TransformScript *string            `json:"transform_script,omitempty"`
	Status          SubscriptionStatus `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

type EventStatus string

const (
	EventReceived   EventStatus = "RECEIVED"
	EventProcessing EventStatus = "PROCESSING"
	EventDelivered  EventStatus = "DELIVERED"
	EventFailed     EventStatus = "FAILED"
)

// Terminal reports whether no further delivery work may touch the event.
func (s EventStatus) Terminal() bool {
	return s == EventDelivered || s == EventFailed
}

type Event struct {
	ID             uuid.UUID       `json:"id"`
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	Payload        json.RawMessage `json:"payload"`
	EventType      *string         `json:"event_type,omitempty"`
	Source         *string         `json:"source,omitempty"`
	Headers        json.RawMessage `json:"headers"`
	Status         EventStatus     `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "SUCCESS"
	AttemptFailed  AttemptStatus = "FAILED"
)

type DeliveryAttempt struct {
	ID                  uuid.UUID     `json:"id"`
	EventID             uuid.UUID     `json:"event_id"`
	AttemptNumber       int           `json:"attempt_number"`
	Status              AttemptStatus `json:"status"`
	HTTPStatus          *int          `json:"http_status,omitempty"`
	ResponseBodySnippet *string       `json:"response_body_snippet,omitempty"`
	ErrorMessage        *string       `json:"error_message,omitempty"`
	NextRetryAt         *time.Time    `json:"next_retry_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}
