// Package handler holds the echo handlers of the webhook ingress and the
// management API.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/akave-ai/hookbuffer/internal/engine"
	"github.com/akave-ai/hookbuffer/internal/model"
	"github.com/akave-ai/hookbuffer/internal/response"
)

// Engine is the part of engine.Manager the handlers drive.
type Engine interface {
	Receive(ctx context.Context, bufferID uuid.UUID, source string, raw []byte) (uuid.UUID, error)
	Flush(bufferID uuid.UUID, value string, unkeyed bool) int
	Deactivate(ctx context.Context, bufferID uuid.UUID) (int, error)
	Activate(ctx context.Context, bufferID uuid.UUID) (int, error)
	Remove(ctx context.Context, bufferID uuid.UUID) (int, error)
	Buckets(bufferID uuid.UUID) []engine.BucketInfo
}

// ConfigStore is implemented by repository.ConfigRepository and
// repository.MemoryRepository. Get methods return nil, nil when missing.
type ConfigStore interface {
	CreateBufferConfig(ctx context.Context, cfg *model.BufferConfig) error
	UpdateBufferConfig(ctx context.Context, cfg *model.BufferConfig) error
	DeleteBufferConfig(ctx context.Context, id uuid.UUID) (bool, error)
	GetBufferConfig(ctx context.Context, id uuid.UUID) (*model.BufferConfig, error)
	ListBufferConfigs(ctx context.Context) ([]model.BufferConfig, error)

	CreateForwardingConfig(ctx context.Context, fc *model.ForwardingConfig) error
	UpdateForwardingConfig(ctx context.Context, fc *model.ForwardingConfig) error
	DeleteForwardingConfig(ctx context.Context, id uuid.UUID) (bool, error)
	GetForwardingConfig(ctx context.Context, id uuid.UUID) (*model.ForwardingConfig, error)
	ListForwardingConfigs(ctx context.Context, bufferID *uuid.UUID) ([]model.ForwardingConfig, error)
}

type MessageQueries interface {
	ListReceived(ctx context.Context, f model.ReceivedFilter) ([]model.ReceivedMessage, error)
	ListForwarded(ctx context.Context, f model.ForwardedFilter) ([]model.ForwardedMessage, error)
}

var validate = validator.New()

func parseID(c echo.Context) (uuid.UUID, error) {
	return uuid.Parse(c.Param("id"))
}

// validationMessage flattens validator errors into "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+": "+fe.Tag())
	}
	return strings.Join(parts, ", ")
}

// internalError logs err and answers with the 500 envelope.
func internalError(c echo.Context, log zerolog.Logger, message string, err error) error {
	log.Error().Err(err).Str("path", c.Path()).Msg(message)
	return response.InternalError(c, message, err.Error())
}

// statusFor maps engine errors onto HTTP statuses; repository and unknown
// errors are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownOrInactiveBuffer):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrMalformedPayload):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
