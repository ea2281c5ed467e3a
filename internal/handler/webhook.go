package handler

import (
	"bytes"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/akave-ai/hookbuffer/internal/response"
)

// WebhookHandler is the ingress endpoint. It answers with response.Ingress
// rather than the management API envelope.
type WebhookHandler struct {
	Engine Engine
	Logger zerolog.Logger
}

// Receive buffers one message (POST /api/webhook/:id).
func (h *WebhookHandler) Receive(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return response.Rejected(c, http.StatusNotFound, "Buffer config not found or inactive", uuid.Nil)
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return response.Rejected(c, http.StatusBadRequest, "could not read body: "+err.Error(), uuid.Nil)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return response.Rejected(c, http.StatusBadRequest, "No message data provided", uuid.Nil)
	}

	msgID, err := h.Engine.Receive(c.Request().Context(), id, c.RealIP(), body)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.Logger.Error().Err(err).Str("buffer_id", id.String()).Msg("receive failed")
		}
		return response.Rejected(c, status, err.Error(), msgID)
	}
	return response.Buffered(c, msgID)
}

// MissingBuffer answers POST /api/webhook, which has no buffer id.
func (h *WebhookHandler) MissingBuffer(c echo.Context) error {
	return response.Rejected(c, http.StatusBadRequest, "Use /api/webhook/<buffer_id> to send messages to a buffer.", uuid.Nil)
}
