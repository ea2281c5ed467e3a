package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ReceivedStatus is the lifecycle state of an inbound message.
type ReceivedStatus string

const (
	StatusPending   ReceivedStatus = "pending"
	StatusProcessed ReceivedStatus = "processed"
	StatusCancelled ReceivedStatus = "cancelled"
)

// Valid reports whether s is one of the known received statuses.
func (s ReceivedStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusCancelled:
		return true
	}
	return false
}

// ForwardStatus is the outcome of one forward attempt.
type ForwardStatus string

const (
	ForwardSuccess ForwardStatus = "success"
	ForwardError   ForwardStatus = "error"
)

func (s ForwardStatus) Valid() bool {
	return s == ForwardSuccess || s == ForwardError
}

// ReceivedMessage is an inbound webhook payload as recorded on ingress.
type ReceivedMessage struct {
	ID          uuid.UUID       `json:"id"`
	BufferID    uuid.UUID       `json:"buffer_id"`
	Source      string          `json:"source"`
	MessageData json.RawMessage `json:"message_data"`
	ReceivedAt  time.Time       `json:"received_at"`
	Status      ReceivedStatus  `json:"status"`
	ForwardedID *uuid.UUID      `json:"forwarded_id"`
}

// ForwardedMessage records one dispatch of a flushed batch to one destination.
// ForwardingConfigName is filled on reads only.
type ForwardedMessage struct {
	ID                   uuid.UUID       `json:"id"`
	ForwardingConfigID   uuid.UUID       `json:"forwarding_config_id"`
	ForwardingConfigName string          `json:"forwarding_config_name,omitempty"`
	Status               ForwardStatus   `json:"status"`
	ForwardedAt          time.Time       `json:"forwarded_at"`
	Response             json.RawMessage `json:"response"`
}

// ReceivedFilter narrows a received message query. Zero fields match everything.
type ReceivedFilter struct {
	Start       *time.Time
	End         *time.Time
	BufferID    *uuid.UUID
	ForwardedID *uuid.UUID
	Status      ReceivedStatus
	Limit       int
}

// ForwardedFilter narrows a forwarded message query. Zero fields match everything.
type ForwardedFilter struct {
	Start                *time.Time
	End                  *time.Time
	ForwardingConfigID   *uuid.UUID
	ForwardingConfigName string
	Status               ForwardStatus
	Limit                int
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// EffectiveLimit returns n clamped to (0, MaxQueryLimit], or DefaultQueryLimit when unset.
func EffectiveLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultQueryLimit
	case n > MaxQueryLimit:
		return MaxQueryLimit
	}
	return n
}
