package model

import (
	"time"

	"github.com/google/uuid"
)

// FlushRecord summarises one flushed batch and where it went.
type FlushRecord struct {
	BufferID   uuid.UUID        `json:"buffer_id"`
	Key        string           `json:"key"`
	Unkeyed    bool             `json:"unkeyed"`
	Generation uint64           `json:"generation"`
	Trigger    string           `json:"trigger"`
	FlushedAt  time.Time        `json:"flushed_at"`
	MessageIDs []uuid.UUID      `json:"message_ids"`
	Forwards   []ForwardOutcome `json:"forwards"`
}

type ForwardOutcome struct {
	ForwardingConfigID uuid.UUID     `json:"forwarding_config_id"`
	ForwardedID        *uuid.UUID    `json:"forwarded_id"`
	Status             ForwardStatus `json:"status"`
	HTTPStatus         int           `json:"http_status,omitempty"`
}
