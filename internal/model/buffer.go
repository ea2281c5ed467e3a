package model

import (
	"time"

	"github.com/google/uuid"
)

// Defaults applied to buffer and forwarding configs created without them.
const (
	DefaultMaxSize = 10
	DefaultMaxTime = 60
	DefaultMethod  = "POST"
)

// BufferConfig describes one webhook buffer: how inbound messages are grouped
// and when a group is flushed.
type BufferConfig struct {
	ID                  uuid.UUID `json:"id"`
	Name                string    `json:"name" validate:"required"`
	FilterField         string    `json:"filter_field" validate:"required"`
	MaxSize             int       `json:"max_size" validate:"min=1,max=2147483647"`
	MaxTime             int       `json:"max_time" validate:"min=1,max=2147483647"` // seconds, bounded by the integer column
	ResetTimerOnMessage bool      `json:"reset_timer_on_message"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"created_at"`
}

// Window is the flush timeout of the buffer.
func (c *BufferConfig) Window() time.Duration {
	return time.Duration(c.MaxTime) * time.Second
}

// ForwardingConfig is one destination a flushed buffer is sent to.
type ForwardingConfig struct {
	ID             uuid.UUID         `json:"id"`
	BufferConfigID uuid.UUID         `json:"buffer_config_id" validate:"required"`
	Name           string            `json:"name" validate:"required"`
	URL            string            `json:"url" validate:"required,url"`
	Method         string            `json:"method" validate:"oneof=POST PUT PATCH"`
	Headers        map[string]string `json:"headers"`
	Fields         []string          `json:"fields"`
	Template       string            `json:"template"`
	Active         bool              `json:"active"`
	CreatedAt      time.Time         `json:"created_at"`
}
